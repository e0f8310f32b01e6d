package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
	"github.com/vietddude/flakeguard/internal/infra/storage/storagetest"
)

func openTemp(t *testing.T, path string) *HistoryRepo {
	t.Helper()
	repo, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestHistoryRepo(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.HistoryRepository {
		return openTemp(t, filepath.Join(t.TempDir(), "history.db"))
	})
}

// Two handles on one file behave like two worker processes.
func TestHistoryRepo_SharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	a := openTemp(t, path)
	b := openTemp(t, path)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i, repo := range []*HistoryRepo{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				at := base.Add(time.Duration(i*10+j) * time.Second)
				_, err := repo.Update(ctx, "shared", func(e *domain.TestHistoryEntry) error {
					e.History = append(e.History, domain.OutcomeRecord{TestID: "shared", Timestamp: at, Outcome: domain.OutcomeFailed})
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	e, err := a.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, e.History, 20)
}
