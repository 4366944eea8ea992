package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/erp/charityfund/internal/domain/charity"
	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/erp/charityfund/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// OutboxEgressConfig holds configuration for the outbox egress
type OutboxEgressConfig struct {
	// MaxRetries is copied onto every entry and bounds relay attempts
	MaxRetries int
}

// DefaultOutboxEgressConfig returns default configuration
func DefaultOutboxEgressConfig() OutboxEgressConfig {
	return OutboxEgressConfig{
		MaxRetries: shared.DefaultMaxRetries,
	}
}

// OutboxEgress implements charity.EventEgress with the transactional outbox.
// Publish serializes the event once and stores the exact bytes with their
// topic; the OutboxProcessor relays them to the broker. A returned error
// wraps charity.ErrPublish.
type OutboxEgress struct {
	repo   shared.OutboxRepository
	tx     shared.TxManager
	config OutboxEgressConfig
	logger *zap.Logger
}

// NewOutboxEgress creates a new outbox egress
func NewOutboxEgress(repo shared.OutboxRepository, tx shared.TxManager, config OutboxEgressConfig, logger *zap.Logger) *OutboxEgress {
	if config.MaxRetries <= 0 {
		config.MaxRetries = shared.DefaultMaxRetries
	}
	return &OutboxEgress{
		repo:   repo,
		tx:     tx,
		config: config,
		logger: logger,
	}
}

// Publish writes the event to the outbox. The write joins the transaction
// carried by ctx, or runs in its own when there is none. It is attempted
// once; retrying is up to the owner of the scope.
func (p *OutboxEgress) Publish(ctx context.Context, event *charity.CharityFundIncreased) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", charity.ErrPublish, event.EventType(), err)
	}

	entry := shared.NewOutboxEntry(event, payload, p.config.MaxRetries)
	if err := p.tx.Transaction(ctx, func(ctx context.Context) error {
		return p.repo.Save(ctx, entry)
	}); err != nil {
		return fmt.Errorf("%w: write outbox entry for %s: %w", charity.ErrPublish, event.AggregateID(), err)
	}

	logger.WithLogger(ctx, p.logger).Debug("event written to outbox",
		zap.String("outbox_id", entry.ID.String()),
		zap.String("event_id", entry.EventID),
		zap.String("topic", entry.Topic),
	)
	return nil
}

var _ charity.EventEgress = (*OutboxEgress)(nil)
