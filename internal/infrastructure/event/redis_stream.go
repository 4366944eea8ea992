package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// bodyField is the stream entry field holding the message body
const bodyField = "body"

// RedisStreamConfig holds configuration for the Redis Streams broker
type RedisStreamConfig struct {
	Group    string
	Consumer string
	// Concurrency bounds the number of messages handled at once
	Concurrency int
	// BatchSize is the COUNT of one XREADGROUP call
	BatchSize int64
	ReadBlock time.Duration
	// ClaimMinIdle is how long a delivered message may stay unacknowledged
	// before another consumer reclaims it
	ClaimMinIdle  time.Duration
	MaxDeliveries int64
	// MaxLen caps each stream approximately; zero leaves streams unbounded
	MaxLen           int64
	DeadLetterSuffix string
}

// DefaultRedisStreamConfig returns default configuration
func DefaultRedisStreamConfig() RedisStreamConfig {
	return RedisStreamConfig{
		Group:            "charityfund",
		Consumer:         "charityfund-1",
		Concurrency:      8,
		BatchSize:        16,
		ReadBlock:        2 * time.Second,
		ClaimMinIdle:     30 * time.Second,
		MaxDeliveries:    10,
		MaxLen:           100000,
		DeadLetterSuffix: ".dead",
	}
}

// RedisStreamBroker implements Broker on Redis Streams with consumer groups.
// Every topic is a stream. Messages are acknowledged after the handler
// returns nil; failed messages stay pending and are reclaimed after
// ClaimMinIdle, and moved to <topic><DeadLetterSuffix> once they reach
// MaxDeliveries.
type RedisStreamBroker struct {
	client redis.UniversalClient
	config RedisStreamConfig
	logger *zap.Logger
}

// NewRedisStreamBroker creates a broker on an existing client. The client
// is owned by the caller.
func NewRedisStreamBroker(client redis.UniversalClient, config RedisStreamConfig, logger *zap.Logger) *RedisStreamBroker {
	def := DefaultRedisStreamConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.BatchSize <= 0 {
		config.BatchSize = int64(config.Concurrency)
	}
	if config.ReadBlock <= 0 {
		config.ReadBlock = def.ReadBlock
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = def.ClaimMinIdle
	}
	if config.DeadLetterSuffix == "" {
		config.DeadLetterSuffix = def.DeadLetterSuffix
	}
	return &RedisStreamBroker{
		client: client,
		config: config,
		logger: logger,
	}
}

// PublishMessage appends body to the topic stream with XADD
func (b *RedisStreamBroker) PublishMessage(ctx context.Context, topic string, body []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{bodyField: body},
	}
	if b.config.MaxLen > 0 {
		args.MaxLen = b.config.MaxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

// Consume reads the topic as member of the consumer group until ctx is
// cancelled. It creates the stream and group when missing.
func (b *RedisStreamBroker) Consume(ctx context.Context, topic string, handler MessageHandler) error {
	if err := b.ensureGroup(ctx, topic); err != nil {
		return err
	}

	log := b.logger.With(
		zap.String("topic", topic),
		zap.String("group", b.config.Group),
		zap.String("consumer", b.config.Consumer),
	)
	log.Info("stream consumer started", zap.Int("concurrency", b.config.Concurrency))

	jobs := make(chan Message)
	var workers sync.WaitGroup
	for i := 0; i < b.config.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for msg := range jobs {
				b.handle(ctx, log, msg, handler)
			}
		}()
	}

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		b.readLoop(ctx, log, topic, jobs)
	}()
	go func() {
		defer loops.Done()
		b.reclaimLoop(ctx, log, topic, jobs)
	}()

	loops.Wait()
	close(jobs)
	workers.Wait()

	log.Info("stream consumer stopped")
	return nil
}

func (b *RedisStreamBroker) ensureGroup(ctx context.Context, topic string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, b.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", b.config.Group, topic, err)
	}
	return nil
}

func (b *RedisStreamBroker) readLoop(ctx context.Context, log *zap.Logger, topic string, jobs chan<- Message) {
	for ctx.Err() == nil {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.config.Group,
			Consumer: b.config.Consumer,
			Streams:  []string{topic, ">"},
			Count:    b.config.BatchSize,
			Block:    b.config.ReadBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Error("xreadgroup failed", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, stream := range streams {
			for _, xm := range stream.Messages {
				select {
				case jobs <- toMessage(topic, xm, 1):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// reclaimLoop moves messages idle for ClaimMinIdle to this consumer, and
// dead-letters those that reached MaxDeliveries.
func (b *RedisStreamBroker) reclaimLoop(ctx context.Context, log *zap.Logger, topic string, jobs chan<- Message) {
	ticker := time.NewTicker(b.config.ClaimMinIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.reclaim(ctx, log, topic, jobs); err != nil && ctx.Err() == nil {
				log.Error("reclaim failed", zap.Error(err))
			}
		}
	}
}

func (b *RedisStreamBroker) reclaim(ctx context.Context, log *zap.Logger, topic string, jobs chan<- Message) error {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  b.config.Group,
		Idle:   b.config.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  b.config.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending %s: %w", topic, err)
	}
	if len(pending) == 0 {
		return nil
	}

	// Claim exactly the inspected entries so every claimed ID has a known
	// delivery count. Entries taken by another consumer in between are
	// no longer idle and XCLAIM skips them.
	deliveries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}

	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    b.config.Group,
		Consumer: b.config.Consumer,
		MinIdle:  b.config.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim %s: %w", topic, err)
	}

	for _, xm := range claimed {
		// XCLAIM counts as one more delivery
		n := deliveries[xm.ID] + 1
		if b.config.MaxDeliveries > 0 && n > b.config.MaxDeliveries {
			b.deadLetter(ctx, log, topic, xm, n-1)
			continue
		}
		select {
		case jobs <- toMessage(topic, xm, n):
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (b *RedisStreamBroker) deadLetter(ctx context.Context, log *zap.Logger, topic string, xm redis.XMessage, deliveries int64) {
	dlq := topic + b.config.DeadLetterSuffix
	values := map[string]any{
		bodyField:     bodyOf(xm),
		"origin_id":   xm.ID,
		"deliveries":  deliveries,
		"dead_at_utc": time.Now().UTC().Format(time.RFC3339),
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: dlq, Values: values}).Err(); err != nil {
		log.Error("dead-letter xadd failed", zap.String("message_id", xm.ID), zap.Error(err))
		return
	}
	if err := b.client.XAck(ctx, topic, b.config.Group, xm.ID).Err(); err != nil {
		log.Error("dead-letter xack failed", zap.String("message_id", xm.ID), zap.Error(err))
		return
	}
	log.Warn("message moved to dead letter stream",
		zap.String("message_id", xm.ID),
		zap.String("dead_letter_stream", dlq),
		zap.Int64("deliveries", deliveries),
	)
}

func (b *RedisStreamBroker) handle(ctx context.Context, log *zap.Logger, msg Message, handler MessageHandler) {
	if err := handler(ctx, msg); err != nil {
		log.Warn("message left pending for redelivery",
			zap.String("message_id", msg.ID),
			zap.Int64("deliveries", msg.Deliveries),
			zap.Error(err),
		)
		return
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := b.client.XAck(ackCtx, msg.Topic, b.config.Group, msg.ID).Err(); err != nil {
		log.Error("xack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// Ping checks the Redis connection
func (b *RedisStreamBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is closed by its owner
func (b *RedisStreamBroker) Close() error {
	return nil
}

func toMessage(topic string, xm redis.XMessage, deliveries int64) Message {
	return Message{
		ID:         xm.ID,
		Topic:      topic,
		Body:       bodyOf(xm),
		Deliveries: deliveries,
	}
}

func bodyOf(xm redis.XMessage) []byte {
	switch v := xm.Values[bodyField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var _ Broker = (*RedisStreamBroker)(nil)
