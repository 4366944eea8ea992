package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyKeyPrefix namespaces message marks in Redis
const DefaultIdempotencyKeyPrefix = "charityfund:idempotency:"

// RedisIdempotencyStore implements IdempotencyStore on Redis so every
// instance of the service shares the same marks. The client is owned by the
// caller.
type RedisIdempotencyStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisIdempotencyStore creates a store on an existing client
func NewRedisIdempotencyStore(client redis.UniversalClient, keyPrefix string) *RedisIdempotencyStore {
	if keyPrefix == "" {
		keyPrefix = DefaultIdempotencyKeyPrefix
	}
	return &RedisIdempotencyStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// MarkProcessed marks a message with a TTL using SET NX.
// Returns true if the message was newly marked.
func (s *RedisIdempotencyStore) MarkProcessed(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+messageID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark message as processed: %w", err)
	}
	return ok, nil
}

// IsProcessed checks if a message has already been marked
func (s *RedisIdempotencyStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyPrefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if message is processed: %w", err)
	}
	return n > 0, nil
}

// Release deletes the mark for messageID
func (s *RedisIdempotencyStore) Release(ctx context.Context, messageID string) error {
	if err := s.client.Del(ctx, s.keyPrefix+messageID).Err(); err != nil {
		return fmt.Errorf("failed to release message mark: %w", err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner
func (s *RedisIdempotencyStore) Close() error {
	return nil
}

var _ shared.IdempotencyStore = (*RedisIdempotencyStore)(nil)
