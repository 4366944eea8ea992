package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

const pipelineMeterName = "charityfund/pipeline"

// PipelineMetrics records per-run outcomes, quota decisions and durations.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	outcomes  *Counter
	decisions *Counter
	duration  *Histogram
	outbox    *Counter
}

// NewPipelineMetrics registers the pipeline instruments on meter
func NewPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	outcomes, err := NewCounter(meter, "charity.pipeline.outcomes",
		"Pipeline runs by terminal outcome", "{run}")
	if err != nil {
		return nil, err
	}
	decisions, err := NewCounter(meter, "charity.quota.decisions",
		"Quota gate decisions", "{decision}")
	if err != nil {
		return nil, err
	}
	duration, err := NewHistogram(meter, HistogramOpts{
		Name:        "charity.pipeline.duration",
		Description: "Wall time of a pipeline run",
		Unit:        "s",
		Boundaries:  LatencyBuckets,
	})
	if err != nil {
		return nil, err
	}
	outbox, err := NewCounter(meter, "charity.outbox.deliveries",
		"Outbox relay attempts by result", "{delivery}")
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		outcomes:  outcomes,
		decisions: decisions,
		duration:  duration,
		outbox:    outbox,
	}, nil
}

// RecordOutcome counts one finished run. outcome is "done" or an abort reason.
func (m *PipelineMetrics) RecordOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.Inc(ctx, AttrOutcome.String(outcome))
}

// RecordQuotaDecision counts one gate decision
func (m *PipelineMetrics) RecordQuotaDecision(ctx context.Context, allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.decisions.Inc(ctx, AttrDecision.String(decision))
}

// RecordDuration records the wall time of one run
func (m *PipelineMetrics) RecordDuration(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.duration.RecordDuration(ctx, d, AttrOutcome.String(outcome))
}

// RecordOutboxDelivery counts one relay attempt. status is sent, failed or dead.
func (m *PipelineMetrics) RecordOutboxDelivery(ctx context.Context, topic, status string) {
	if m == nil {
		return
	}
	m.outbox.Inc(ctx, AttrTopic.String(topic), AttrOutboxState.String(status))
}
