// Package cache holds Redis connectivity and the idempotency stores used to
// suppress redelivered inbound messages.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/charityfund/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a Redis client for cfg and verifies it answers PING.
// The client is returned even when the ping fails so callers can decide
// whether Redis is required.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}
	return client, nil
}
