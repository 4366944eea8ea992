package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// unreachableClient points at a port nothing listens on
func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIdempotencyStoreFactory_CreateStore(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back to in-memory when Redis is unreachable", func(t *testing.T) {
		f := NewIdempotencyStoreFactory(unreachableClient(t), WithLogger(zaptest.NewLogger(t)))

		store, err := f.CreateStore(ctx)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &InMemoryIdempotencyStore{}, store)
	})

	t.Run("falls back to in-memory without a client", func(t *testing.T) {
		store, err := NewIdempotencyStoreFactory(nil).CreateStore(ctx)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &InMemoryIdempotencyStore{}, store)
	})

	t.Run("fails when fallback is disabled", func(t *testing.T) {
		f := NewIdempotencyStoreFactory(unreachableClient(t), WithInMemoryFallback(false))

		store, err := f.CreateStore(ctx)
		require.Error(t, err)
		assert.Nil(t, store)
		assert.Contains(t, err.Error(), "Redis required")
	})
}

func TestNewRedisIdempotencyStore_DefaultPrefix(t *testing.T) {
	store := NewRedisIdempotencyStore(unreachableClient(t), "")
	assert.Equal(t, DefaultIdempotencyKeyPrefix, store.keyPrefix)
	assert.NoError(t, store.Close())
}
