package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrBrokerClosed is returned when publishing to a closed broker
var ErrBrokerClosed = errors.New("broker closed")

// MemoryBrokerConfig holds configuration for the in-process broker
type MemoryBrokerConfig struct {
	Concurrency     int
	MaxDeliveries   int64
	RedeliveryDelay time.Duration
	BufferSize      int
}

// DefaultMemoryBrokerConfig returns default configuration
func DefaultMemoryBrokerConfig() MemoryBrokerConfig {
	return MemoryBrokerConfig{
		Concurrency:     4,
		MaxDeliveries:   5,
		RedeliveryDelay: 100 * time.Millisecond,
		BufferSize:      1024,
	}
}

// MemoryBroker is an in-process Broker for local runs and tests. Messages
// are lost on restart. A message whose handler fails is redelivered after
// RedeliveryDelay until MaxDeliveries is reached, then dead-lettered.
type MemoryBroker struct {
	config MemoryBrokerConfig
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]chan Message
	dead   []Message

	seq    atomic.Int64
	closed atomic.Bool
}

// NewMemoryBroker creates a new in-memory broker
func NewMemoryBroker(config MemoryBrokerConfig, logger *zap.Logger) *MemoryBroker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultMemoryBrokerConfig().BufferSize
	}
	return &MemoryBroker{
		config: config,
		logger: logger,
		topics: make(map[string]chan Message),
	}
}

func (b *MemoryBroker) topic(name string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan Message, b.config.BufferSize)
		b.topics[name] = ch
	}
	return ch
}

// PublishMessage enqueues body on topic. It blocks while the topic buffer is full.
func (b *MemoryBroker) PublishMessage(ctx context.Context, topic string, body []byte) (string, error) {
	if b.closed.Load() {
		return "", ErrBrokerClosed
	}
	id := fmt.Sprintf("%d-0", b.seq.Add(1))
	msg := Message{ID: id, Topic: topic, Body: append([]byte(nil), body...)}

	select {
	case b.topic(topic) <- msg:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Consume runs Concurrency workers on topic until ctx is cancelled
func (b *MemoryBroker) Consume(ctx context.Context, topic string, handler MessageHandler) error {
	ch := b.topic(topic)
	var wg sync.WaitGroup

	for i := 0; i < b.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-ch:
					b.deliver(ctx, &wg, ch, msg, handler)
				}
			}
		}()
	}

	wg.Wait()
	return nil
}

func (b *MemoryBroker) deliver(ctx context.Context, wg *sync.WaitGroup, ch chan Message, msg Message, handler MessageHandler) {
	msg.Deliveries++
	err := handler(ctx, msg)
	if err == nil {
		return
	}

	if b.config.MaxDeliveries > 0 && msg.Deliveries >= b.config.MaxDeliveries {
		b.logger.Error("message exceeded max deliveries, dead-lettering",
			zap.String("topic", msg.Topic),
			zap.String("message_id", msg.ID),
			zap.Int64("deliveries", msg.Deliveries),
			zap.Error(err),
		)
		b.mu.Lock()
		b.dead = append(b.dead, msg)
		b.mu.Unlock()
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(b.config.RedeliveryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case ch <- msg:
		case <-ctx.Done():
		}
	}()
}

// DeadLetters returns the messages that exhausted their deliveries
func (b *MemoryBroker) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.dead...)
}

// Ping reports whether the broker accepts messages
func (b *MemoryBroker) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return nil
}

// Close stops accepting new messages
func (b *MemoryBroker) Close() error {
	b.closed.Store(true)
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
