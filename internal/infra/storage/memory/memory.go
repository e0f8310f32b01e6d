package memory

import (
	"context"
	"sync"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
)

// HistoryRepo keeps test history in process memory. Entries are cloned on the way in
// and out, so callers never share state with the store.
type HistoryRepo struct {
	entries map[string]*domain.TestHistoryEntry
	mu      sync.RWMutex
}

var _ storage.HistoryRepository = (*HistoryRepo)(nil)

func NewHistoryRepo() *HistoryRepo {
	return &HistoryRepo{
		entries: make(map[string]*domain.TestHistoryEntry),
	}
}

func (r *HistoryRepo) Get(ctx context.Context, testID string) (*domain.TestHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[testID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

func (r *HistoryRepo) Update(
	ctx context.Context,
	testID string,
	fn storage.UpdateFunc,
) (*domain.TestHistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[testID]
	if ok {
		entry = entry.Clone()
	} else {
		entry = domain.NewTestHistoryEntry(testID)
	}
	if err := fn(entry); err != nil {
		return nil, err
	}
	entry.TestID = testID
	r.entries[testID] = entry.Clone()
	return entry, nil
}

func (r *HistoryRepo) List(ctx context.Context, testIDs ...string) ([]*domain.TestHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.TestHistoryEntry
	if len(testIDs) == 0 {
		out = make([]*domain.TestHistoryEntry, 0, len(r.entries))
		for _, e := range r.entries {
			out = append(out, e.Clone())
		}
	} else {
		for _, id := range testIDs {
			if e, ok := r.entries[id]; ok {
				out = append(out, e.Clone())
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

func (r *HistoryRepo) Ping(ctx context.Context) error {
	return nil
}

func (r *HistoryRepo) Close() error {
	return nil
}
