package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/flakeguard/internal/core/domain"
)

// HistoryColumns lists the columns of HistoryRow in table order.
const HistoryColumns = "test_id, history, flakiness_score, state, quarantined_since, pass_streak, updated_at"

// HistoryRow is the relational form of a TestHistoryEntry shared by the SQL backends.
// The bounded window is stored as a JSON array.
type HistoryRow struct {
	TestID           string       `db:"test_id"`
	History          []byte       `db:"history"`
	FlakinessScore   float64      `db:"flakiness_score"`
	State            string       `db:"state"`
	QuarantinedSince sql.NullTime `db:"quarantined_since"`
	PassStreak       int          `db:"pass_streak"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

// RowOf converts an entry to its row form.
func RowOf(e *domain.TestHistoryEntry) (HistoryRow, error) {
	history, err := json.Marshal(e.History)
	if err != nil {
		return HistoryRow{}, fmt.Errorf("failed to encode history: %w", err)
	}
	row := HistoryRow{
		TestID:         e.TestID,
		History:        history,
		FlakinessScore: e.FlakinessScore,
		State:          string(e.State),
		PassStreak:     e.PassStreak,
		UpdatedAt:      e.UpdatedAt.UTC(),
	}
	if e.QuarantinedSince != nil {
		row.QuarantinedSince = sql.NullTime{Time: e.QuarantinedSince.UTC(), Valid: true}
	}
	return row, nil
}

// Entry converts the row back to a domain entry.
func (r HistoryRow) Entry() (*domain.TestHistoryEntry, error) {
	e := domain.NewTestHistoryEntry(r.TestID)
	if len(r.History) > 0 {
		if err := json.Unmarshal(r.History, &e.History); err != nil {
			return nil, fmt.Errorf("failed to decode history for %s: %w", r.TestID, err)
		}
	}
	e.FlakinessScore = r.FlakinessScore
	if r.State != "" {
		e.State = domain.StabilityState(r.State)
	}
	if r.QuarantinedSince.Valid {
		since := r.QuarantinedSince.Time.UTC()
		e.QuarantinedSince = &since
	}
	e.PassStreak = r.PassStreak
	e.UpdatedAt = r.UpdatedAt.UTC()
	return e, nil
}

// EntriesOf converts rows to entries.
func EntriesOf(rows []HistoryRow) ([]*domain.TestHistoryEntry, error) {
	out := make([]*domain.TestHistoryEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.Entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
