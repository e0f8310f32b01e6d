// Package storagetest holds the behaviour tests every HistoryRepository must pass.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
)

// Factory returns an empty repository. Cleanup is registered on t.
type Factory func(t *testing.T) storage.HistoryRepository

var errAbort = errors.New("abort")

func appendOutcome(o domain.Outcome, at time.Time) storage.UpdateFunc {
	return func(e *domain.TestHistoryEntry) error {
		e.History = append(e.History, domain.OutcomeRecord{TestID: e.TestID, Timestamp: at, Outcome: o})
		e.UpdatedAt = at
		return nil
	}
}

// Run executes the suite against repositories built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateCreatesAndPersists", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		since := base.Add(time.Hour)
		got, err := repo.Update(ctx, "login", func(e *domain.TestHistoryEntry) error {
			assert.Equal(t, domain.StateUnknown, e.State)
			assert.Empty(t, e.History)
			e.History = append(e.History,
				domain.OutcomeRecord{TestID: "login", Timestamp: base, Outcome: domain.OutcomePassed, RunID: "r1", WorkerID: "w1"},
				domain.OutcomeRecord{TestID: "login", Timestamp: base.Add(time.Minute), Outcome: domain.OutcomeFailed},
			)
			e.FlakinessScore = 0.5
			e.State = domain.StateQuarantined
			e.QuarantinedSince = &since
			e.PassStreak = 1
			e.UpdatedAt = base.Add(time.Minute)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "login", got.TestID)

		loaded, err := repo.Get(ctx, "login")
		require.NoError(t, err)
		require.Len(t, loaded.History, 2)
		assert.Equal(t, domain.OutcomePassed, loaded.History[0].Outcome)
		assert.Equal(t, "r1", loaded.History[0].RunID)
		assert.True(t, loaded.History[1].Timestamp.Equal(base.Add(time.Minute)))
		assert.InDelta(t, 0.5, loaded.FlakinessScore, 1e-9)
		assert.Equal(t, domain.StateQuarantined, loaded.State)
		require.NotNil(t, loaded.QuarantinedSince)
		assert.True(t, loaded.QuarantinedSince.Equal(since))
		assert.Equal(t, 1, loaded.PassStreak)
		assert.True(t, loaded.UpdatedAt.Equal(base.Add(time.Minute)))
	})

	t.Run("UpdateAbortWritesNothing", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)

		_, err := repo.Update(ctx, "t", func(e *domain.TestHistoryEntry) error {
			e.History = append(e.History, domain.OutcomeRecord{Outcome: domain.OutcomeFailed, Timestamp: base})
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		_, err = repo.Get(ctx, "t")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		_, err := repo.Update(ctx, "t", appendOutcome(domain.OutcomePassed, base))
		require.NoError(t, err)

		e, err := repo.Get(ctx, "t")
		require.NoError(t, err)
		e.History = nil

		again, err := repo.Get(ctx, "t")
		require.NoError(t, err)
		assert.Len(t, again.History, 1)
	})

	t.Run("ListAndQuarantined", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		for _, id := range []string{"c", "a", "b"} {
			_, err := repo.Update(ctx, id, appendOutcome(domain.OutcomePassed, base))
			require.NoError(t, err)
		}
		_, err := repo.Update(ctx, "b", func(e *domain.TestHistoryEntry) error {
			since := base
			e.QuarantinedSince = &since
			e.State = domain.StateQuarantined
			return nil
		})
		require.NoError(t, err)

		all, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"a", "b", "c"}, ids(all))

		some, err := repo.List(ctx, "c", "missing", "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(some))

		q, err := repo.Quarantined(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(q))
	})

	t.Run("JSONRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		_, err := repo.Update(ctx, "t", appendOutcome(domain.OutcomeFailed, base))
		require.NoError(t, err)

		e, err := repo.Get(ctx, "t")
		require.NoError(t, err)
		data, err := json.Marshal(e)
		require.NoError(t, err)
		var back domain.TestHistoryEntry
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, e.History[0].Outcome, back.History[0].Outcome)
		assert.True(t, e.History[0].Timestamp.Equal(back.History[0].Timestamp))
	})

	t.Run("ConcurrentUpdatesAreAtomic", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		const writers, perWriter = 4, 10

		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWriter {
					at := base.Add(time.Duration(w*perWriter+i) * time.Second)
					if _, err := repo.Update(ctx, "shared", appendOutcome(domain.OutcomePassed, at)); err != nil {
						errs <- fmt.Errorf("writer %d: %w", w, err)
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		e, err := repo.Get(ctx, "shared")
		require.NoError(t, err)
		assert.Len(t, e.History, writers*perWriter, "no update may be lost")
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, newRepo(t).Ping(context.Background()))
	})
}

func ids(entries []*domain.TestHistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.TestID
	}
	return out
}
