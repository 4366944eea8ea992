package event

import (
	"context"
	"time"

	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/erp/charityfund/internal/infrastructure/logger"
	"github.com/erp/charityfund/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// EventFactory builds the domain event for a delivered message
type EventFactory func(messageID string, body []byte, receivedAt time.Time) shared.DomainEvent

// Dispatcher turns broker messages into domain events and publishes them on
// the in-process bus. Its Handle method is a MessageHandler: a bus error
// leaves the message unacknowledged.
type Dispatcher struct {
	publisher shared.EventPublisher
	factory   EventFactory
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(publisher shared.EventPublisher, factory EventFactory, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		factory:   factory,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle publishes the event built from msg
func (d *Dispatcher) Handle(ctx context.Context, msg Message) error {
	ctx, span := telemetry.StartConsumerSpan(ctx, msg.Topic, msg.ID)
	defer span.End()

	ctx = logger.WithContext(ctx, d.logger)
	ctx = logger.WithMessageID(ctx, msg.ID)

	logger.L(ctx).Debug("message received",
		zap.String("topic", msg.Topic),
		zap.Int64("deliveries", msg.Deliveries),
		zap.Int("body_bytes", len(msg.Body)),
	)

	if err := d.publisher.Publish(ctx, d.factory(msg.ID, msg.Body, d.now())); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	telemetry.SetOK(span)
	return nil
}
