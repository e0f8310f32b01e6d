// Package sqlite stores test history in a local SQLite database.
//
// The database is shared by every worker process on the machine. Write transactions
// start with BEGIN IMMEDIATE, so the read-modify-write in Update holds SQLite's
// write lock from the first read and concurrent workers queue behind the busy timeout.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
)

//go:embed schema.sql
var schemaSQL string

// HistoryRepo implements storage.HistoryRepository on SQLite.
type HistoryRepo struct {
	db *sqlx.DB
}

var _ storage.HistoryRepository = (*HistoryRepo)(nil)

// Open creates or opens the database at path and applies the schema.
//
// The connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - immediate transactions so Update locks before it reads
//   - 5-second busy timeout for lock contention between workers
func Open(path string) (*HistoryRepo, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &HistoryRepo{db: db}, nil
}

const selectHistory = `SELECT ` + storage.HistoryColumns + ` FROM test_history`

func (r *HistoryRepo) Get(ctx context.Context, testID string) (*domain.TestHistoryEntry, error) {
	var row storage.HistoryRow
	err := r.db.GetContext(ctx, &row, selectHistory+` WHERE test_id = ?`, testID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Unavailable("get", testID, err)
	}
	return row.Entry()
}

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

	entry := domain.NewTestHistoryEntry(testID)
	var row storage.HistoryRow
	err = tx.GetContext(ctx, &row, selectHistory+` WHERE test_id = ?`, testID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, storage.Unavailable("update", testID, err)
	default:
		if entry, err = row.Entry(); err != nil {
			return nil, storage.Unavailable("update", testID, err)
		}
	}

	if err := fn(entry); err != nil {
		return nil, err
	}
	entry.TestID = testID

	next, err := storage.RowOf(entry)
	if err != nil {
		return nil, err
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO test_history (`+storage.HistoryColumns+`)
		VALUES (:test_id, :history, :flakiness_score, :state, :quarantined_since, :pass_streak, :updated_at)
		ON CONFLICT (test_id) DO UPDATE SET
			history = excluded.history,
			flakiness_score = excluded.flakiness_score,
			state = excluded.state,
			quarantined_since = excluded.quarantined_since,
			pass_streak = excluded.pass_streak,
			updated_at = excluded.updated_at`, next); err != nil {
		return nil, storage.Unavailable("update", testID, fmt.Errorf("failed to save history: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, storage.Unavailable("update", testID, fmt.Errorf("failed to commit: %w", err))
	}
	return entry, nil
}

func (r *HistoryRepo) List(ctx context.Context, testIDs ...string) ([]*domain.TestHistoryEntry, error) {
	var rows []storage.HistoryRow
	if len(testIDs) == 0 {
		if err := r.db.SelectContext(ctx, &rows, selectHistory+` ORDER BY test_id`); err != nil {
			return nil, storage.Unavailable("list", "", err)
		}
		return storage.EntriesOf(rows)
	}

	query, args, err := sqlx.In(selectHistory+` WHERE test_id IN (?) ORDER BY test_id`, testIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, storage.Unavailable("list", "", err)
	}
	return storage.EntriesOf(rows)
}

func (r *HistoryRepo) Quarantined(ctx context.Context) ([]*domain.TestHistoryEntry, error) {
	var rows []storage.HistoryRow
	if err := r.db.SelectContext(ctx, &rows,
		selectHistory+` WHERE quarantined_since IS NOT NULL ORDER BY test_id`); err != nil {
		return nil, storage.Unavailable("quarantined", "", err)
	}
	return storage.EntriesOf(rows)
}

func (r *HistoryRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *HistoryRepo) Close() error {
	return r.db.Close()
}
