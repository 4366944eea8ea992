package event

import (
	"context"
	"sync/atomic"

	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/erp/charityfund/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// IdempotencyMetrics tracks idempotency-related statistics
type IdempotencyMetrics struct {
	EventsProcessed atomic.Int64
	EventsDuplicate atomic.Int64
	EventsFailed    atomic.Int64
	EventsUnkeyed   atomic.Int64
}

// Stats returns a snapshot of the current metrics
func (m *IdempotencyMetrics) Stats() IdempotencyStats {
	return IdempotencyStats{
		EventsProcessed: m.EventsProcessed.Load(),
		EventsDuplicate: m.EventsDuplicate.Load(),
		EventsFailed:    m.EventsFailed.Load(),
		EventsUnkeyed:   m.EventsUnkeyed.Load(),
	}
}

// IdempotencyStats is a snapshot of idempotency metrics
type IdempotencyStats struct {
	EventsProcessed int64 `json:"events_processed"`
	EventsDuplicate int64 `json:"events_duplicate"`
	EventsFailed    int64 `json:"events_failed"`
	EventsUnkeyed   int64 `json:"events_unkeyed"`
}

// IdempotentHandler wraps an EventHandler so a message redelivered after a
// successful run is skipped. The event id is the transport message id.
//
// The mark is taken before the wrapped handler runs and released when it
// returns an error, so a redelivery after a retryable failure is processed
// again. Events without an id are always processed.
type IdempotentHandler struct {
	handler shared.EventHandler
	store   shared.IdempotencyStore
	config  shared.IdempotencyConfig
	logger  *zap.Logger
	metrics *IdempotencyMetrics
}

// IdempotentHandlerOption is a functional option for IdempotentHandler
type IdempotentHandlerOption func(*IdempotentHandler)

// WithIdempotencyConfig sets the idempotency configuration
func WithIdempotencyConfig(config shared.IdempotencyConfig) IdempotentHandlerOption {
	return func(h *IdempotentHandler) {
		h.config = config
	}
}

// WithIdempotencyMetrics sets the metrics collector
func WithIdempotencyMetrics(metrics *IdempotencyMetrics) IdempotentHandlerOption {
	return func(h *IdempotentHandler) {
		h.metrics = metrics
	}
}

// NewIdempotentHandler creates a new idempotent handler wrapper
func NewIdempotentHandler(
	handler shared.EventHandler,
	store shared.IdempotencyStore,
	logger *zap.Logger,
	opts ...IdempotentHandlerOption,
) *IdempotentHandler {
	h := &IdempotentHandler{
		handler: handler,
		store:   store,
		config:  shared.DefaultIdempotencyConfig(),
		logger:  logger,
		metrics: &IdempotencyMetrics{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// EventTypes returns the event types of the wrapped handler
func (h *IdempotentHandler) EventTypes() []string {
	return h.handler.EventTypes()
}

// Handle processes the event unless its id is already marked
func (h *IdempotentHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	messageID := event.EventID()
	if !h.config.Enabled || messageID == "" {
		if messageID == "" {
			h.metrics.EventsUnkeyed.Add(1)
		}
		return h.handler.Handle(ctx, event)
	}

	log := logger.WithLogger(ctx, h.logger).With(
		zap.String("event_type", event.EventType()),
		zap.String("message_id", messageID),
	)

	isNew, err := h.store.MarkProcessed(ctx, messageID, h.config.TTL)
	if err != nil {
		// A store outage must not drop messages; process without the mark.
		log.Warn("failed to check idempotency, processing anyway", zap.Error(err))
		return h.handler.Handle(ctx, event)
	}
	if !isNew {
		h.metrics.EventsDuplicate.Add(1)
		log.Debug("duplicate message detected, skipping")
		return nil
	}

	if err := h.handler.Handle(ctx, event); err != nil {
		h.metrics.EventsFailed.Add(1)
		if relErr := h.store.Release(ctx, messageID); relErr != nil {
			log.Warn("failed to release idempotency mark", zap.Error(relErr))
		}
		return err
	}

	h.metrics.EventsProcessed.Add(1)
	return nil
}

// GetMetrics returns the metrics for this handler
func (h *IdempotentHandler) GetMetrics() *IdempotencyMetrics {
	return h.metrics
}

var _ shared.EventHandler = (*IdempotentHandler)(nil)
