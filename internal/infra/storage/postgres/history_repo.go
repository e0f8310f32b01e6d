package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
)

// HistoryRepo implements storage.HistoryRepository using PostgreSQL.
//
// Update locks the test's row with SELECT ... FOR UPDATE, so concurrent workers
// serialize per test id. Every appended outcome is also written to test_outcomes,
// which keeps the full record after the window evicts it.
type HistoryRepo struct {
	db *DB
}

var _ storage.HistoryRepository = (*HistoryRepo)(nil)

// NewHistoryRepo creates a new PostgreSQL history repository.
func NewHistoryRepo(db *DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

const selectHistory = `SELECT ` + storage.HistoryColumns + ` FROM test_history`

// Get retrieves the entry for a test.
func (r *HistoryRepo) Get(ctx context.Context, testID string) (*domain.TestHistoryEntry, error) {
	var row storage.HistoryRow
	err := r.db.GetContext(ctx, &row, selectHistory+` WHERE test_id = $1`, testID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Unavailable("get", testID, fmt.Errorf("failed to get history: %w", err))
	}
	return row.Entry()
}

// Update applies fn to the locked row and writes it back in the same transaction.
func (r *HistoryRepo) Update(
	ctx context.Context,
	testID string,
	fn storage.UpdateFunc,
) (*domain.TestHistoryEntry, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storage.Unavailable("update", testID, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	// Make sure a row exists so FOR UPDATE has something to lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO test_history (test_id) VALUES ($1) ON CONFLICT (test_id) DO NOTHING`,
		testID,
	); err != nil {
		return nil, storage.Unavailable("update", testID, fmt.Errorf("failed to insert history: %w", err))
	}

	var row storage.HistoryRow
	if err := tx.GetContext(ctx, &row, selectHistory+` WHERE test_id = $1 FOR UPDATE`, testID); err != nil {
		return nil, storage.Unavailable("update", testID, fmt.Errorf("failed to lock history: %w", err))
	}
	before, err := row.Entry()
	if err != nil {
		return nil, storage.Unavailable("update", testID, err)
	}

	entry := before.Clone()
	if err := fn(entry); err != nil {
		return nil, err
	}
	entry.TestID = testID

	next, err := storage.RowOf(entry)
	if err != nil {
		return nil, err
	}
	if _, err := tx.NamedExecContext(ctx, `
		UPDATE test_history SET
			history = CAST(:history AS JSONB),
			flakiness_score = :flakiness_score,
			state = :state,
			quarantined_since = :quarantined_since,
			pass_streak = :pass_streak,
			updated_at = :updated_at
		WHERE test_id = :test_id`, historyParams(next)); err != nil {
		return nil, storage.Unavailable("update", testID, fmt.Errorf("failed to update history: %w", err))
	}

	for _, rec := range storage.AppendedRecords(before, entry) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO test_outcomes (test_id, outcome, recorded_at, run_id, worker_id)
			VALUES ($1, $2, $3, $4, $5)`,
			testID, string(rec.Outcome), rec.Timestamp.UTC(), rec.RunID, rec.WorkerID,
		); err != nil {
			return nil, storage.Unavailable("update", testID, fmt.Errorf("failed to append outcome: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storage.Unavailable("update", testID, fmt.Errorf("failed to commit: %w", err))
	}
	return entry, nil
}

// List returns entries for the given ids, or all entries.
func (r *HistoryRepo) List(ctx context.Context, testIDs ...string) ([]*domain.TestHistoryEntry, error) {
	var rows []storage.HistoryRow
	var err error
	if len(testIDs) == 0 {
		err = r.db.SelectContext(ctx, &rows, selectHistory+` ORDER BY test_id`)
	} else {
		err = r.db.SelectContext(ctx, &rows,
			selectHistory+` WHERE test_id = ANY($1) ORDER BY test_id`, pq.Array(testIDs))
	}
	if err != nil {
		return nil, storage.Unavailable("list", "", fmt.Errorf("failed to list history: %w", err))
	}
	return storage.EntriesOf(rows)
}

// Quarantined returns every quarantined entry.
func (r *HistoryRepo) Quarantined(ctx context.Context) ([]*domain.TestHistoryEntry, error) {
	var rows []storage.HistoryRow
	if err := r.db.SelectContext(ctx, &rows,
		selectHistory+` WHERE quarantined_since IS NOT NULL ORDER BY test_id`); err != nil {
		return nil, storage.Unavailable("quarantined", "", fmt.Errorf("failed to list quarantined: %w", err))
	}
	return storage.EntriesOf(rows)
}

// Outcomes returns the full outcome log of a test, oldest first.
func (r *HistoryRepo) Outcomes(ctx context.Context, testID string) ([]domain.OutcomeRecord, error) {
	var rows []struct {
		Outcome    string       `db:"outcome"`
		RecordedAt sql.NullTime `db:"recorded_at"`
		RunID      string       `db:"run_id"`
		WorkerID   string       `db:"worker_id"`
	}
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT outcome, recorded_at, run_id, worker_id
		FROM test_outcomes WHERE test_id = $1 ORDER BY recorded_at, id`, testID); err != nil {
		return nil, storage.Unavailable("outcomes", testID, fmt.Errorf("failed to list outcomes: %w", err))
	}
	out := make([]domain.OutcomeRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.OutcomeRecord{
			TestID:    testID,
			Timestamp: row.RecordedAt.Time.UTC(),
			Outcome:   domain.Outcome(row.Outcome),
			RunID:     row.RunID,
			WorkerID:  row.WorkerID,
		})
	}
	return out, nil
}

// Ping checks the database connection.
func (r *HistoryRepo) Ping(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Close closes the database connection.
func (r *HistoryRepo) Close() error {
	return r.db.Close()
}

// historyParams passes the JSON window as text so the driver does not send it as bytea.
func historyParams(row storage.HistoryRow) map[string]any {
	return map[string]any{
		"test_id":           row.TestID,
		"history":           string(row.History),
		"flakiness_score":   row.FlakinessScore,
		"state":             row.State,
		"quarantined_since": row.QuarantinedSince,
		"pass_streak":       row.PassStreak,
		"updated_at":        row.UpdatedAt,
	}
}
