package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
	"github.com/vietddude/flakeguard/internal/infra/storage/storagetest"
)

func TestHistoryRepo(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.HistoryRepository {
		repo, err := NewHistoryRepo(t.TempDir())
		require.NoError(t, err)
		return repo
	})
}

// Separate repos on one directory stand in for separate worker processes.
func TestHistoryRepo_SharedDirectory(t *testing.T) {
	dir := t.TempDir()
	storagetest.Run(t, func(t *testing.T) storage.HistoryRepository {
		sub := filepath.Join(dir, t.Name())
		a, err := NewHistoryRepo(sub)
		require.NoError(t, err)
		b, err := NewHistoryRepo(sub)
		require.NoError(t, err)
		return &alternating{a: a, b: b}
	})
}

func TestHistoryRepo_WritesQuarantineSection(t *testing.T) {
	ctx := context.Background()
	repo, err := NewHistoryRepo(t.TempDir())
	require.NoError(t, err)

	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err = repo.Update(ctx, "cart", func(e *domain.TestHistoryEntry) error {
		e.QuarantinedSince = &since
		e.FlakinessScore = 0.4
		e.State = domain.StateQuarantined
		return nil
	})
	require.NoError(t, err)

	data, err := os.ReadFile(repo.Path())
	require.NoError(t, err)
	var doc struct {
		Quarantine []map[string]any `json:"quarantine"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Quarantine, 1)
	assert.Equal(t, "cart", doc.Quarantine[0]["testId"])
	assert.InDelta(t, 0.4, doc.Quarantine[0]["flakinessScore"], 1e-9)
	assert.Equal(t, "2026-05-01T00:00:00Z", doc.Quarantine[0]["quarantinedSince"])
}

func TestHistoryRepo_CorruptFileIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewHistoryRepo(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(repo.Path(), []byte("{not json"), 0o644))

	_, err = repo.Get(context.Background(), "t")
	var unavailable *storage.HistoryStoreUnavailableError
	assert.ErrorAs(t, err, &unavailable)

	_, err = repo.Update(context.Background(), "t", func(*domain.TestHistoryEntry) error { return nil })
	assert.ErrorAs(t, err, &unavailable)
}

func TestHistoryRepo_LockTimeout(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewHistoryRepo(dir)
	require.NoError(t, err)
	repo.WithLockTimeout(30 * time.Millisecond)

	held, err := acquireLock(context.Background(), filepath.Join(dir, lockFile), true, time.Second)
	require.NoError(t, err)
	defer func() { _ = held.release() }()

	_, err = repo.Update(context.Background(), "t", func(*domain.TestHistoryEntry) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)
	var unavailable *storage.HistoryStoreUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

// alternating spreads calls over two repos sharing one directory.
type alternating struct {
	a, b *HistoryRepo
	n    atomic.Int64
}

func (r *alternating) next() *HistoryRepo {
	if r.n.Add(1)%2 == 0 {
		return r.a
	}
	return r.b
}

func (r *alternating) Get(ctx context.Context, id string) (*domain.TestHistoryEntry, error) {
	return r.next().Get(ctx, id)
}

func (r *alternating) Update(ctx context.Context, id string, fn storage.UpdateFunc) (*domain.TestHistoryEntry, error) {
	return r.next().Update(ctx, id, fn)
}

func (r *alternating) List(ctx context.Context, ids ...string) ([]*domain.TestHistoryEntry, error) {
	return r.next().List(ctx, ids...)
}

func (r *alternating) Quarantined(ctx context.Context) ([]*domain.TestHistoryEntry, error) {
	return r.next().Quarantined(ctx)
}

func (r *alternating) Ping(ctx context.Context) error { return r.next().Ping(ctx) }
func (r *alternating) Close() error                   { return nil }
