package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/flakeguard/internal/core/config"
	redisclient "github.com/vietddude/flakeguard/internal/infra/redis"
	"github.com/vietddude/flakeguard/internal/infra/storage"
	"github.com/vietddude/flakeguard/internal/infra/storage/file"
	"github.com/vietddude/flakeguard/internal/infra/storage/memory"
	"github.com/vietddude/flakeguard/internal/infra/storage/postgres"
	"github.com/vietddude/flakeguard/internal/infra/storage/sqlite"
)

// Store is the history repository selected by history.backend.
type Store struct {
	storage.HistoryRepository
	Backend string
	// DB is set for the postgres backend so its pool metrics can be collected.
	DB *postgres.DB
}

// OpenStore opens the history backend named in cfg.History.Backend.
func OpenStore(ctx context.Context, cfg *config.AppConfig) (*Store, error) {
	s := &Store{Backend: cfg.History.Backend}

	switch cfg.History.Backend {
	case "memory":
		s.HistoryRepository = memory.NewHistoryRepo()

	case "file":
		repo, err := file.NewHistoryRepo(cfg.History.Dir)
		if err != nil {
			return nil, err
		}
		s.HistoryRepository = repo

	case "sqlite":
		repo, err := sqlite.Open(cfg.History.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.HistoryRepository = repo

	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.DB = db
		s.HistoryRepository = postgres.NewHistoryRepo(db)

	case "redis":
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.HistoryRepository = redisclient.NewHistoryRepo(client)

	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}

	slog.Info("Using history store", "backend", s.Backend)
	return s, nil
}
