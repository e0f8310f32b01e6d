package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/vietddude/flakeguard/internal/core/domain"
)

var (
	// ErrNotFound is returned when no history exists for a test id.
	ErrNotFound = errors.New("test history not found")

	// ErrConflict is returned when an optimistic update lost its race too many times.
	ErrConflict = errors.New("concurrent history update")
)

// HistoryStoreUnavailableError reports that the history store could not be read or written.
type HistoryStoreUnavailableError struct {
	Op     string
	TestID string
	Err    error
}

func (e *HistoryStoreUnavailableError) Error() string {
	if e.TestID == "" {
		return fmt.Sprintf("history store unavailable (%s): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("history store unavailable (%s %s): %v", e.Op, e.TestID, e.Err)
}

func (e *HistoryStoreUnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as a HistoryStoreUnavailableError. It returns nil for a nil err
// and passes ErrNotFound and existing store errors through unchanged.
func Unavailable(op, testID string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var unavailable *HistoryStoreUnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	return &HistoryStoreUnavailableError{Op: op, TestID: testID, Err: err}
}

// UpdateFunc mutates entry in place. Returning an error aborts the update and nothing is written.
type UpdateFunc func(entry *domain.TestHistoryEntry) error

// HistoryRepository persists TestHistoryEntry values keyed by test id.
//
// Update is the only write path and is atomic per test id with respect to other
// callers of the same backend, including other processes for the shared backends.
type HistoryRepository interface {
	// Get returns the entry for testID or ErrNotFound.
	Get(ctx context.Context, testID string) (*domain.TestHistoryEntry, error)

	// Update runs fn against the current entry (a fresh unknown entry when none exists)
	// and persists the result.
	Update(ctx context.Context, testID string, fn UpdateFunc) (*domain.TestHistoryEntry, error)

	// List returns the entries for testIDs, or every entry when none are given.
	// Unknown ids are skipped. Results are ordered by test id.
	List(ctx context.Context, testIDs ...string) ([]*domain.TestHistoryEntry, error)

	// Quarantined returns every quarantined entry ordered by test id.
	Quarantined(ctx context.Context) ([]*domain.TestHistoryEntry, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// SortByTestID orders entries by test id in place.
func SortByTestID(entries []*domain.TestHistoryEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].TestID < entries[j].TestID })
}

// FilterQuarantined keeps the quarantined entries.
func FilterQuarantined(entries []*domain.TestHistoryEntry) []*domain.TestHistoryEntry {
	out := make([]*domain.TestHistoryEntry, 0, len(entries))
	for _, e := range entries {
		if e.Quarantined() {
			out = append(out, e)
		}
	}
	return out
}

// AppendedRecords returns the records of after that do not appear in before. It is
// used by backends that keep an append-only outcome log next to the bounded window.
func AppendedRecords(before, after *domain.TestHistoryEntry) []domain.OutcomeRecord {
	seen := make(map[domain.OutcomeRecord]int, len(before.History))
	for _, r := range before.History {
		seen[r]++
	}
	var out []domain.OutcomeRecord
	for _, r := range after.History {
		if seen[r] > 0 {
			seen[r]--
			continue
		}
		out = append(out, r)
	}
	return out
}
