package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/flakeguard/internal/infra/storage"
	"github.com/vietddude/flakeguard/internal/infra/storage/storagetest"
)

// newTestClient connects to FLAKEGUARD_TEST_REDIS_URL under a throwaway key prefix.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("FLAKEGUARD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FLAKEGUARD_TEST_REDIS_URL not set")
	}
	c, err := NewClient(Config{URL: url, KeyPrefix: "flakeguard-test-" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := c.rdb.Keys(ctx, c.prefix+":*").Result()
		if len(keys) > 0 {
			_ = c.rdb.Del(ctx, keys...).Err()
		}
		_ = c.Close()
	})
	return c
}

func TestHistoryRepo(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.HistoryRepository {
		return NewHistoryRepo(newTestClient(t))
	})
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient(Config{URL: "not-a-url"})
	require.Error(t, err)
}
