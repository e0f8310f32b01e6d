package memory

import (
	"testing"

	"github.com/vietddude/flakeguard/internal/infra/storage"
	"github.com/vietddude/flakeguard/internal/infra/storage/storagetest"
)

func TestHistoryRepo(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.HistoryRepository {
		return NewHistoryRepo()
	})
}
