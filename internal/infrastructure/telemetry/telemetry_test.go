package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erp/charityfund/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           false,
		CollectorEndpoint: "localhost:4317",
		SamplingRatio:     1.0,
		ServiceName:       "test-service",
	}, logger)
	require.NoError(t, err)
	require.NotNil(t, tp)

	assert.False(t, tp.IsEnabled())
	assert.NotNil(t, tp.Tracer("test"))
	assert.NoError(t, tp.Shutdown(ctx))
}

func TestNewMeterProvider_Disabled(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{ServiceName: "test-service"}, logger)
	require.NoError(t, err)

	assert.False(t, mp.IsEnabled())
	assert.NotNil(t, mp.Meter("test"))
	assert.NoError(t, mp.Shutdown(ctx))
}

func TestNewZapOTELCore_DisabledIsNop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lp, err := telemetry.NewLoggerProvider(context.Background(), telemetry.LogsConfig{}, logger)
	require.NoError(t, err)
	assert.False(t, lp.IsEnabled())

	core := telemetry.NewZapOTELCore("test", lp, zapcore.InfoLevel)
	assert.False(t, core.Enabled(zapcore.ErrorLevel))

	core = telemetry.NewZapOTELCore("test", nil, zapcore.InfoLevel)
	assert.False(t, core.Enabled(zapcore.ErrorLevel))
}

func TestStartSpan_RecordsErrorStatus(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := telemetry.StartSpan(context.Background(), "charity.quota.admit",
		attribute.String("sold_to_party", "CUST-1"))
	assert.NotEmpty(t, telemetry.GetTraceID(ctx))
	telemetry.RecordError(span, errors.New("boom"))
	span.End()

	_, consumer := telemetry.StartConsumerSpan(context.Background(), "salesorder/created", "m-1")
	consumer.End()

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "charity.quota.admit", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("sold_to_party", "CUST-1"))
	assert.Equal(t, "consume salesorder/created", spans[1].Name())
}

func TestGetTraceID_NoSpan(t *testing.T) {
	assert.Equal(t, "", telemetry.GetTraceID(context.Background()))
}

func TestPipelineMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := telemetry.NewPipelineMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordOutcome(ctx, "done")
	m.RecordOutcome(ctx, "done")
	m.RecordOutcome(ctx, "quota_exhausted")
	m.RecordQuotaDecision(ctx, true)
	m.RecordQuotaDecision(ctx, false)
	m.RecordDuration(ctx, 120*time.Millisecond, "done")
	m.RecordOutboxDelivery(ctx, "Internal/Charityfund/Increased", "sent")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]map[string]int64{}
	var histogramCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				byAttr := map[string]int64{}
				for _, dp := range data.DataPoints {
					for _, kv := range dp.Attributes.ToSlice() {
						if kv.Key == telemetry.AttrOutcome || kv.Key == telemetry.AttrDecision {
							byAttr[kv.Value.AsString()] = dp.Value
						}
					}
				}
				sums[md.Name] = byAttr
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histogramCount += dp.Count
				}
			}
		}
	}

	assert.Equal(t, int64(2), sums["charity.pipeline.outcomes"]["done"])
	assert.Equal(t, int64(1), sums["charity.pipeline.outcomes"]["quota_exhausted"])
	assert.Equal(t, int64(1), sums["charity.quota.decisions"]["allowed"])
	assert.Equal(t, int64(1), sums["charity.quota.decisions"]["denied"])
	assert.Contains(t, sums, "charity.outbox.deliveries")
	assert.Equal(t, uint64(1), histogramCount)
}

func TestPipelineMetrics_NilIsSafe(t *testing.T) {
	var m *telemetry.PipelineMetrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordOutcome(ctx, "done")
		m.RecordQuotaDecision(ctx, true)
		m.RecordDuration(ctx, time.Second, "done")
		m.RecordOutboxDelivery(ctx, "t", "sent")
	})
}
