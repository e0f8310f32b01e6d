package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
)

const (
	maxUpdateRetries = 100
	retryBackoff     = 2 * time.Millisecond
)

// HistoryRepo implements storage.HistoryRepository using Redis.
//
// Each entry is a JSON string under <prefix>:history:<id>. <prefix>:tests indexes
// every id and the <prefix>:quarantine sorted set holds quarantined ids scored by
// quarantine time. Update is an optimistic WATCH/MULTI transaction retried on conflict.
type HistoryRepo struct {
	c *Client
}

var _ storage.HistoryRepository = (*HistoryRepo)(nil)

// NewHistoryRepo creates a new Redis-backed history repository.
func NewHistoryRepo(client *Client) *HistoryRepo {
	return &HistoryRepo{c: client}
}

func (r *HistoryRepo) Get(ctx context.Context, testID string) (*domain.TestHistoryEntry, error) {
	data, err := r.c.rdb.Get(ctx, r.c.historyKey(testID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Unavailable("get", testID, fmt.Errorf("get failed: %w", err))
	}
	return decode(testID, data)
}

func (r *HistoryRepo) Update(
	ctx context.Context,
	testID string,
	fn storage.UpdateFunc,
) (*domain.TestHistoryEntry, error) {
	key := r.c.historyKey(testID)
	var out *domain.TestHistoryEntry
	var fnErr error

	txf := func(tx *redis.Tx) error {
		entry := domain.NewTestHistoryEntry(testID)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if entry, err = decode(testID, data); err != nil {
				return err
			}
		}

		if err := fn(entry); err != nil {
			fnErr = err
			return err
		}
		entry.TestID = testID

		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.SAdd(ctx, r.c.testsKey(), testID)
			if entry.QuarantinedSince != nil {
				pipe.ZAdd(ctx, r.c.quarantineKey(), redis.Z{
					Score:  float64(entry.QuarantinedSince.Unix()),
					Member: testID,
				})
			} else {
				pipe.ZRem(ctx, r.c.quarantineKey(), testID)
			}
			return nil
		})
		if err == nil {
			out = entry
		}
		return err
	}

	for range maxUpdateRetries {
		err := r.c.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if fnErr != nil {
			return nil, fnErr
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, storage.Unavailable("update", testID, fmt.Errorf("transaction failed: %w", err))
		}
		select {
		case <-ctx.Done():
			return nil, storage.Unavailable("update", testID, ctx.Err())
		case <-time.After(retryBackoff):
		}
	}
	return nil, storage.Unavailable("update", testID, storage.ErrConflict)
}

func (r *HistoryRepo) List(ctx context.Context, testIDs ...string) ([]*domain.TestHistoryEntry, error) {
	if len(testIDs) == 0 {
		ids, err := r.c.rdb.SMembers(ctx, r.c.testsKey()).Result()
		if err != nil {
			return nil, storage.Unavailable("list", "", fmt.Errorf("smembers failed: %w", err))
		}
		testIDs = ids
	}
	entries, err := r.load(ctx, testIDs)
	if err != nil {
		return nil, storage.Unavailable("list", "", err)
	}
	storage.SortByTestID(entries)
	return entries, nil
}

func (r *HistoryRepo) Quarantined(ctx context.Context) ([]*domain.TestHistoryEntry, error) {
	ids, err := r.c.rdb.ZRange(ctx, r.c.quarantineKey(), 0, -1).Result()
	if err != nil {
		return nil, storage.Unavailable("quarantined", "", fmt.Errorf("zrange failed: %w", err))
	}
	entries, err := r.load(ctx, ids)
	if err != nil {
		return nil, storage.Unavailable("quarantined", "", err)
	}
	entries = storage.FilterQuarantined(entries)
	storage.SortByTestID(entries)
	return entries, nil
}

func (r *HistoryRepo) Ping(ctx context.Context) error {
	if err := r.c.Ping(ctx); err != nil {
		return storage.Unavailable("ping", "", err)
	}
	return nil
}

func (r *HistoryRepo) Close() error {
	return r.c.Close()
}

func (r *HistoryRepo) load(ctx context.Context, ids []string) ([]*domain.TestHistoryEntry, error) {
	if len(ids) == 0 {
		return []*domain.TestHistoryEntry{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.c.historyKey(id)
	}
	values, err := r.c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}
	out := make([]*domain.TestHistoryEntry, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decode(ids[i], []byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decode(testID string, data []byte) (*domain.TestHistoryEntry, error) {
	e := domain.NewTestHistoryEntry(testID)
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history for %s: %w", testID, err)
	}
	if e.History == nil {
		e.History = make([]domain.OutcomeRecord, 0)
	}
	e.TestID = testID
	return e, nil
}
