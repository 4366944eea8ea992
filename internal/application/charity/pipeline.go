// Package charity runs the charity fund enrichment pipeline: a "sales order
// created" message is enriched with the order detail, gated by the per
// sold-to party quota, converted to credits and republished as a
// "charity fund increased" event.
package charity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/erp/charityfund/internal/domain/charity"
	"github.com/erp/charityfund/internal/domain/shared"
	"github.com/erp/charityfund/internal/infrastructure/logger"
	"github.com/erp/charityfund/internal/infrastructure/telemetry"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Config holds the pipeline settings. A zero timeout leaves the step bounded
// only by the caller's context.
type Config struct {
	// Source is the "source" attribute of outbound events
	Source string
	// Topic is the outbound topic
	Topic          string
	FetchTimeout   time.Duration
	QuotaTimeout   time.Duration
	ConvertTimeout time.Duration
	PublishTimeout time.Duration
	// PublishAttempts bounds in-process attempts of the publish scope
	PublishAttempts uint
	// PublishBackoff is the first delay between publish attempts
	PublishBackoff time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Source:          "/default/cap.brain/unknown",
		Topic:           charity.DefaultOutboundTopic,
		FetchTimeout:    10 * time.Second,
		QuotaTimeout:    5 * time.Second,
		ConvertTimeout:  10 * time.Second,
		PublishTimeout:  5 * time.Second,
		PublishAttempts: 3,
		PublishBackoff:  50 * time.Millisecond,
	}
}

// Pipeline is the enrichment pipeline. Every run is independent; the quota
// gate is the only state shared between runs.
//
// The pipeline owns the transaction scopes: the admission is committed in
// its own scope before the run continues, and the outbox write in another.
// The gate and the egress join whichever scope the context carries.
type Pipeline struct {
	fetcher   charity.OrderDetailFetcher
	gate      charity.QuotaGate
	converter charity.AmountConverter
	egress    charity.EventEgress
	tx        shared.TxManager
	config    Config
	validate  *validator.Validate
	logger    *zap.Logger
	metrics   *telemetry.PipelineMetrics
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithMetrics records outcomes, quota decisions and durations on m
func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// NewPipeline creates a new enrichment pipeline
func NewPipeline(
	fetcher charity.OrderDetailFetcher,
	gate charity.QuotaGate,
	converter charity.AmountConverter,
	egress charity.EventEgress,
	tx shared.TxManager,
	config Config,
	logger *zap.Logger,
	opts ...Option,
) *Pipeline {
	if config.Topic == "" {
		config.Topic = charity.DefaultOutboundTopic
	}
	if config.Source == "" {
		config.Source = DefaultConfig().Source
	}
	if config.PublishAttempts == 0 {
		config.PublishAttempts = 1
	}
	p := &Pipeline{
		fetcher:   fetcher,
		gate:      gate,
		converter: converter,
		egress:    egress,
		tx:        tx,
		config:    config,
		validate:  validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EventTypes returns the event types this handler is interested in
func (p *Pipeline) EventTypes() []string {
	return []string{charity.EventTypeSalesOrderCreated}
}

// Handle runs the pipeline for a SalesOrderCreated message. Only store and
// publish failures are returned so the transport redelivers the message;
// every other abort is logged and acknowledged.
func (p *Pipeline) Handle(ctx context.Context, event shared.DomainEvent) error {
	msg, ok := event.(*charity.SalesOrderCreated)
	if !ok {
		p.logger.Error("unexpected event type",
			zap.String("expected", charity.EventTypeSalesOrderCreated),
			zap.String("actual", event.EventType()),
		)
		return fmt.Errorf("unexpected event type: expected %s, got %s",
			charity.EventTypeSalesOrderCreated, event.EventType())
	}

	out := p.Run(ctx, msg)
	if out.Err != nil && charity.IsRetryable(out.Err) {
		return out.Err
	}
	return nil
}

// Run processes one message and reports how far it got
func (p *Pipeline) Run(ctx context.Context, msg *charity.SalesOrderCreated) *charity.Outcome {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "charity.pipeline",
		attribute.String("messaging.message.id", msg.EventID()),
	)
	defer span.End()

	out := p.run(ctx, msg)

	label := out.Label()
	span.SetAttributes(
		attribute.String("charity.outcome", label),
		attribute.String("charity.sales_order", out.SalesOrder),
	)
	if out.Err != nil {
		telemetry.RecordError(span, out.Err)
	} else {
		telemetry.SetOK(span)
	}
	p.metrics.RecordOutcome(ctx, label)
	p.metrics.RecordDuration(ctx, time.Since(start), label)
	return out
}

func (p *Pipeline) run(ctx context.Context, msg *charity.SalesOrderCreated) *charity.Outcome {
	out := &charity.Outcome{Stage: charity.StageReceived, LastStage: charity.StageReceived}
	logger.WithLogger(ctx, p.logger).Debug("message received", zap.ByteString("body", msg.Body))

	in, err := msg.Decode()
	if err == nil {
		if verr := p.validate.Struct(in); verr != nil {
			err = fmt.Errorf("%w: %v", charity.ErrMalformedInput, verr)
		}
	}
	if err != nil {
		return p.abort(ctx, out, charity.AbortMalformedInput, err)
	}

	out.SalesOrder = in.Data.SalesOrder
	ctx = logger.WithSalesOrder(ctx, out.SalesOrder)
	log := logger.WithLogger(ctx, p.logger)
	log.Info("sales order received")

	detail, err := p.fetchDetail(ctx, out.SalesOrder)
	if err != nil {
		return p.abort(ctx, out, charity.AbortDetailUnavailable, err)
	}
	out.LastStage = charity.StageDetailFetched
	log.Debug("sales order detail retrieved",
		zap.String("creation_date", detail.CreationDate),
		zap.String("sold_to_party", detail.SoldToParty),
		zap.String("total_net_amount", detail.TotalNetAmount.String()),
		zap.String("sales_organization", detail.SalesOrganization),
	)

	admission, err := p.admit(ctx, detail.SoldToParty, out.SalesOrder)
	if err != nil {
		return p.abort(ctx, out, charity.AbortStoreError, err)
	}
	out.Admission = &admission
	p.metrics.RecordQuotaDecision(ctx, admission.Allowed)
	if !admission.Allowed {
		return p.abort(ctx, out, charity.AbortQuotaExhausted, nil)
	}
	if admission.Repeat {
		log.Info("sales order already holds a quota slot", zap.Int("count", admission.Count))
	}
	out.LastStage = charity.StageQuotaChecked

	converted, err := p.convert(ctx, detail)
	if err != nil {
		return p.abort(ctx, out, charity.AbortConversionUnavailable, err)
	}
	out.LastStage = charity.StageConverted
	log.Debug("conversion result", zap.String("credits", converted.Credits.String()))

	evt, err := charity.NewCharityFundIncreased(p.config.Topic, p.config.Source, detail, converted.Credits)
	if err != nil {
		return p.abort(ctx, out, charity.AbortDetailUnavailable, err)
	}
	log.Debug("payload created",
		zap.String("topic", evt.Topic()),
		zap.Any("payload", evt.Payload),
	)

	if err := p.publish(ctx, evt); err != nil {
		return p.abort(ctx, out, charity.AbortPublishError, err)
	}
	out.Event = evt
	out.LastStage = charity.StagePublished
	out.Stage = charity.StageDone
	log.Debug("published event", zap.String("topic", evt.Topic()))
	return out
}

// fetchDetail resolves the order detail. A creation date that cannot be
// normalised fails here, before any quota slot is consumed.
func (p *Pipeline) fetchDetail(ctx context.Context, salesOrder string) (*charity.SalesOrderDetail, error) {
	ctx, span := telemetry.StartSpan(ctx, "charity.fetch_detail")
	defer span.End()
	ctx, cancel := withTimeout(ctx, p.config.FetchTimeout)
	defer cancel()

	detail, err := p.fetcher.Fetch(ctx, salesOrder)
	if err == nil {
		if err = detail.Validate(); err == nil {
			_, err = charity.NormalizeCreationDate(detail.CreationDate)
		}
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, ensureWrapped(err, charity.ErrDetailUnavailable)
	}
	return detail, nil
}

// admit runs the gate in its own scope. Once it returns the admission is
// committed and is never rolled back by a later stage.
func (p *Pipeline) admit(ctx context.Context, soldToParty, salesOrder string) (charity.Admission, error) {
	ctx, span := telemetry.StartSpan(ctx, "charity.quota_admit",
		attribute.String("charity.sold_to_party", soldToParty),
	)
	defer span.End()
	ctx, cancel := withTimeout(ctx, p.config.QuotaTimeout)
	defer cancel()

	var admission charity.Admission
	err := p.tx.Transaction(ctx, func(ctx context.Context) error {
		var err error
		admission, err = p.gate.Admit(ctx, soldToParty, salesOrder)
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return charity.Admission{}, ensureWrapped(err, charity.ErrStore)
	}
	span.SetAttributes(
		attribute.Bool("charity.quota.allowed", admission.Allowed),
		attribute.Int("charity.quota.count", admission.Count),
		attribute.Bool("charity.quota.repeat", admission.Repeat),
	)
	return admission, nil
}

func (p *Pipeline) convert(ctx context.Context, detail *charity.SalesOrderDetail) (*charity.ConversionResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "charity.convert")
	defer span.End()
	ctx, cancel := withTimeout(ctx, p.config.ConvertTimeout)
	defer cancel()

	result, err := p.converter.Convert(ctx, detail.TotalNetAmount)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, ensureWrapped(err, charity.ErrConversionUnavailable)
	}
	return result, nil
}

// publish writes the event in a publish scope, retrying the whole scope on
// failure. A failed scope is rolled back before the next attempt.
func (p *Pipeline) publish(ctx context.Context, evt *charity.CharityFundIncreased) error {
	ctx, span := telemetry.StartSpan(ctx, "charity.publish",
		attribute.String("messaging.destination.name", evt.Topic()),
	)
	defer span.End()
	ctx, cancel := withTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	if p.config.PublishBackoff > 0 {
		policy.InitialInterval = p.config.PublishBackoff
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := p.tx.Transaction(ctx, func(ctx context.Context) error {
			return p.egress.Publish(ctx, evt)
		})
		if err != nil {
			logger.WithLogger(ctx, p.logger).Warn("publish attempt failed",
				zap.Int("attempt", attempt),
				zap.String("event_id", evt.EventID()),
				zap.Error(err),
			)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(p.config.PublishAttempts))
	if err != nil {
		telemetry.RecordError(span, err)
		return ensureWrapped(err, charity.ErrPublish)
	}
	return nil
}

func (p *Pipeline) abort(ctx context.Context, out *charity.Outcome, reason charity.AbortReason, err error) *charity.Outcome {
	out.Stage = charity.StageAborted
	out.Reason = reason
	out.Err = err

	log := logger.WithLogger(ctx, p.logger).With(
		zap.String("reason", string(reason)),
		zap.String("last_stage", string(out.LastStage)),
	)
	switch reason {
	case charity.AbortQuotaExhausted:
		count := 0
		if out.Admission != nil {
			count = out.Admission.Count
		}
		log.Info("sold-to party quota exhausted", zap.Int("count", count))
	case charity.AbortStoreError, charity.AbortPublishError:
		log.Error("pipeline aborted, message will be redelivered", zap.Error(err))
	case charity.AbortMalformedInput:
		log.Warn("discarding malformed message", zap.Error(err))
	default:
		log.Error("pipeline aborted", zap.Error(err))
	}
	return out
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ensureWrapped makes sure err carries sentinel
func ensureWrapped(err, sentinel error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

var _ shared.EventHandler = (*Pipeline)(nil)
