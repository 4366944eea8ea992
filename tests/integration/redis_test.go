//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erp/charityfund/internal/infrastructure/cache"
	"github.com/erp/charityfund/internal/infrastructure/event"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func consume(t *testing.T, broker *event.RedisStreamBroker, topic string, handler event.MessageHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = broker.Consume(ctx, topic, handler)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestRedisStreamBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers published messages", func(t *testing.T) {
		client := NewTestRedis(t)
		broker := event.NewRedisStreamBroker(client, event.RedisStreamConfig{
			Group:       "charityfund",
			Consumer:    "c1",
			Concurrency: 2,
			ReadBlock:   100 * time.Millisecond,
		}, zap.NewNop())

		var mu sync.Mutex
		var got []string
		consume(t, broker, "salesorder/created", func(ctx context.Context, msg event.Message) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(msg.Body))
			return nil
		})

		for _, body := range []string{`{"data":{"SalesOrder":"1"}}`, `{"data":{"SalesOrder":"2"}}`} {
			_, err := broker.PublishMessage(ctx, "salesorder/created", []byte(body))
			require.NoError(t, err)
		}

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 2
		}, 5*time.Second, 20*time.Millisecond)

		assert.Eventually(t, func() bool {
			pending, err := client.XPending(ctx, "salesorder/created", "charityfund").Result()
			return err == nil && pending.Count == 0
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("failing message is redelivered then dead-lettered", func(t *testing.T) {
		client := NewTestRedis(t)
		broker := event.NewRedisStreamBroker(client, event.RedisStreamConfig{
			Group:         "charityfund",
			Consumer:      "c1",
			Concurrency:   1,
			ReadBlock:     50 * time.Millisecond,
			ClaimMinIdle:  100 * time.Millisecond,
			MaxDeliveries: 3,
		}, zap.NewNop())

		var attempts atomic.Int64
		consume(t, broker, "salesorder/created", func(ctx context.Context, msg event.Message) error {
			attempts.Add(1)
			return errors.New("store unavailable")
		})

		_, err := broker.PublishMessage(ctx, "salesorder/created", []byte(`{"data":{"SalesOrder":"9"}}`))
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			n, err := client.XLen(ctx, "salesorder/created.dead").Result()
			return err == nil && n == 1
		}, 10*time.Second, 50*time.Millisecond)
		assert.Equal(t, int64(3), attempts.Load())
	})

	t.Run("reclaimed messages carry their own delivery count", func(t *testing.T) {
		client := NewTestRedis(t)
		const topic = "salesorder/created"
		require.NoError(t, client.XGroupCreateMkStream(ctx, topic, "charityfund", "0").Err())

		var ids []string
		for _, so := range []string{"1", "2", "3"} {
			id, err := client.XAdd(ctx, &redis.XAddArgs{
				Stream: topic,
				Values: map[string]any{"body": `{"data":{"SalesOrder":"` + so + `"}}`},
			}).Result()
			require.NoError(t, err)
			ids = append(ids, id)
		}

		// a crashed consumer read all three; the second was retried twice more
		_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group: "charityfund", Consumer: "crashed", Streams: []string{topic, ">"}, Count: 10,
		}).Result()
		require.NoError(t, err)
		for range 2 {
			require.NoError(t, client.XClaim(ctx, &redis.XClaimArgs{
				Stream: topic, Group: "charityfund", Consumer: "crashed", Messages: []string{ids[1]},
			}).Err())
		}

		broker := event.NewRedisStreamBroker(client, event.RedisStreamConfig{
			Group:         "charityfund",
			Consumer:      "c1",
			Concurrency:   1,
			BatchSize:     2,
			ReadBlock:     50 * time.Millisecond,
			ClaimMinIdle:  100 * time.Millisecond,
			MaxDeliveries: 3,
		}, zap.NewNop())

		var mu sync.Mutex
		got := map[string]int64{}
		consume(t, broker, topic, func(ctx context.Context, msg event.Message) error {
			mu.Lock()
			defer mu.Unlock()
			got[msg.ID] = msg.Deliveries
			return nil
		})

		assert.Eventually(t, func() bool {
			n, err := client.XLen(ctx, topic+".dead").Result()
			mu.Lock()
			defer mu.Unlock()
			return err == nil && n == 1 && len(got) == 2
		}, 10*time.Second, 50*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, map[string]int64{ids[0]: 2, ids[2]: 2}, got)
	})
}

func TestRedisIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	client := NewTestRedis(t)

	store, err := cache.NewIdempotencyStoreFactory(client, cache.WithInMemoryFallback(false)).CreateStore(ctx)
	require.NoError(t, err)
	require.IsType(t, &cache.RedisIdempotencyStore{}, store)

	first, err := store.MarkProcessed(ctx, "1700000000000-0", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := store.MarkProcessed(ctx, "1700000000000-0", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, store.Release(ctx, "1700000000000-0"))
	processed, err := store.IsProcessed(ctx, "1700000000000-0")
	require.NoError(t, err)
	assert.False(t, processed)
}
