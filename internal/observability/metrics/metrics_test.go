package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("feature_id", "messages"),
		attribute.String("customer_id", "cus_1"),
		attribute.String("outcome", "applied"),
	)
	require.Len(t, attrs, 2)
	for _, attr := range attrs {
		assert.NotEqual(t, attribute.Key("customer_id"), attr.Key)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordDeduction(context.Background(), "messages", "applied")
	m.RecordRateLimitDenied(context.Background(), "track", "exhausted")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "entitle"}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordUsageTracked(context.Background(), "messages", "accepted")
	m.RecordTopUp(context.Background(), "messages", "auto")
}

func TestRateLimitDecisionsShareOneCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := New(Config{}, provider)
	require.NoError(t, err)
	ctx := context.Background()
	m.RecordRateLimitAllowed(ctx, "track")
	m.RecordRateLimitAllowed(ctx, "track")
	m.RecordRateLimitDenied(ctx, "track", "exhausted")
	m.RecordDeduction(ctx, " Messages ", "capped")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Sum[int64]{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		byName[md.Name] = md.Data.(metricdata.Sum[int64])
	}

	decisions := byName["entitle_rate_limit_decisions_total"]
	assert.Len(t, decisions.DataPoints, 2)
	var total int64
	for _, dp := range decisions.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(3), total)

	deductions := byName["entitle_deductions_total"]
	require.Len(t, deductions.DataPoints, 1)
	feature, ok := deductions.DataPoints[0].Attributes.Value("feature_id")
	require.True(t, ok)
	assert.Equal(t, "messages", feature.AsString())
}
