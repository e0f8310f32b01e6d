// Package file keeps test history as JSON files in a directory shared by every worker.
//
// The canonical store is a single history.json document guarded by an flock on
// history.lock and replaced atomically by rename. Workers that should not contend
// on that lock append outcomes to their own WorkLog instead; the aggregator later
// merges those logs into the canonical store.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
)

const (
	historyFile = "history.json"
	lockFile    = "history.lock"

	documentVersion = 1

	// DefaultLockTimeout bounds how long Update waits for another worker's lock.
	DefaultLockTimeout = 10 * time.Second
)

// document is the on-disk layout of history.json. The quarantine section is derived
// from the entries on every write so CI tooling can read it without classifying.
type document struct {
	Version    int                                 `json:"version"`
	UpdatedAt  time.Time                           `json:"updatedAt"`
	Tests      map[string]*domain.TestHistoryEntry `json:"tests"`
	Quarantine []domain.QuarantineRecord           `json:"quarantine"`
}

// HistoryRepo implements storage.HistoryRepository on a directory.
type HistoryRepo struct {
	dir         string
	lockTimeout time.Duration
	now         func() time.Time
	mu          sync.Mutex
}

var _ storage.HistoryRepository = (*HistoryRepo)(nil)

// NewHistoryRepo opens (creating if needed) the history directory dir.
func NewHistoryRepo(dir string) (*HistoryRepo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	return &HistoryRepo{dir: dir, lockTimeout: DefaultLockTimeout, now: time.Now}, nil
}

// WithLockTimeout overrides DefaultLockTimeout.
func (r *HistoryRepo) WithLockTimeout(d time.Duration) *HistoryRepo {
	if d > 0 {
		r.lockTimeout = d
	}
	return r
}

// Path returns the location of the canonical history document.
func (r *HistoryRepo) Path() string {
	return filepath.Join(r.dir, historyFile)
}

func (r *HistoryRepo) Get(ctx context.Context, testID string) (*domain.TestHistoryEntry, error) {
	doc, err := r.read(ctx)
	if err != nil {
		return nil, storage.Unavailable("get", testID, err)
	}
	e, ok := doc.Tests[testID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (r *HistoryRepo) Update(
	ctx context.Context,
	testID string,
	fn storage.UpdateFunc,
) (*domain.TestHistoryEntry, error) {
	var out *domain.TestHistoryEntry
	err := r.modify(ctx, func(doc *document) error {
		entry, ok := doc.Tests[testID]
		if !ok {
			entry = domain.NewTestHistoryEntry(testID)
		}
		if err := fn(entry); err != nil {
			return err
		}
		entry.TestID = testID
		doc.Tests[testID] = entry
		out = entry.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *HistoryRepo) List(ctx context.Context, testIDs ...string) ([]*domain.TestHistoryEntry, error) {
	doc, err := r.read(ctx)
	if err != nil {
		return nil, storage.Unavailable("list", "", err)
	}
	var out []*domain.TestHistoryEntry
	if len(testIDs) == 0 {
		out = make([]*domain.TestHistoryEntry, 0, len(doc.Tests))
		for _, e := range doc.Tests {
			out = append(out, e)
		}
	} else {
		for _, id := range testIDs {
			if e, ok := doc.Tests[id]; ok {
				out = append(out, e)
			}
		}
	}
	storage.SortByTestID(out)
	return out, nil
}

func (r *HistoryRepo) Quarantined(ctx context.Context) ([]*domain.TestHistoryEntry, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return storage.FilterQuarantined(all), nil
}

// Ping checks that the directory is writable by taking and releasing the lock.
func (r *HistoryRepo) Ping(ctx context.Context) error {
	lock, err := acquireLock(ctx, filepath.Join(r.dir, lockFile), false, r.lockTimeout)
	if err != nil {
		return storage.Unavailable("ping", "", err)
	}
	return lock.release()
}

func (r *HistoryRepo) Close() error {
	return nil
}

func (r *HistoryRepo) read(ctx context.Context) (*document, error) {
	lock, err := acquireLock(ctx, filepath.Join(r.dir, lockFile), false, r.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.release() }()
	return r.load()
}

// modify performs a locked read-modify-write. Errors returned by fn abort the write
// and are returned unchanged; I/O errors are wrapped as store unavailability.
func (r *HistoryRepo) modify(ctx context.Context, fn func(doc *document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := acquireLock(ctx, filepath.Join(r.dir, lockFile), true, r.lockTimeout)
	if err != nil {
		return storage.Unavailable("update", "", err)
	}
	defer func() { _ = lock.release() }()

	doc, err := r.load()
	if err != nil {
		return storage.Unavailable("update", "", err)
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := r.save(doc); err != nil {
		return storage.Unavailable("update", "", err)
	}
	return nil
}

func (r *HistoryRepo) load() (*document, error) {
	doc := &document{Version: documentVersion, Tests: make(map[string]*domain.TestHistoryEntry)}
	data, err := os.ReadFile(r.Path())
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("corrupt history file %s: %w", r.Path(), err)
	}
	if doc.Tests == nil {
		doc.Tests = make(map[string]*domain.TestHistoryEntry)
	}
	for id, e := range doc.Tests {
		if e.History == nil {
			e.History = make([]domain.OutcomeRecord, 0)
		}
		e.TestID = id
	}
	return doc, nil
}

// save writes doc to a temp file and renames it over history.json.
func (r *HistoryRepo) save(doc *document) error {
	doc.Version = documentVersion
	doc.UpdatedAt = r.now().UTC()
	entries := make([]*domain.TestHistoryEntry, 0, len(doc.Tests))
	for _, e := range doc.Tests {
		entries = append(entries, e)
	}
	storage.SortByTestID(entries)
	doc.Quarantine = make([]domain.QuarantineRecord, 0)
	for _, e := range storage.FilterQuarantined(entries) {
		doc.Quarantine = append(doc.Quarantine, domain.QuarantineRecordOf(e))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, historyFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close history: %w", err)
	}
	if err := os.Rename(tmpName, r.Path()); err != nil {
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}
