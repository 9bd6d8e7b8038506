package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const exportInterval = 10 * time.Second

// Config configures both metric pipelines.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the per-operation counters pushed over OTLP.
type Metrics struct {
	usageTracked metric.Int64Counter
	deductions   metric.Int64Counter
	topUps       metric.Int64Counter
	rateLimit    metric.Int64Counter
}

// NewProvider installs the global meter provider. Disabled configs get a
// noop provider so instruments can still be created.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)
	if lc != nil {
		lc.Append(fx.StopHook(provider.Shutdown))
	}
	if log != nil {
		log.Info("otlp metrics enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "entitle"
	}
	meter := provider.Meter(name)

	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{call}"))
		errs = append(errs, err)
		return c
	}
	m := &Metrics{
		usageTracked: counter("entitle_usage_tracked_total", "Usage events by ingest outcome."),
		deductions:   counter("entitle_deductions_total", "Deduct calls by overage outcome."),
		topUps:       counter("entitle_top_ups_total", "Balance top-ups by source."),
		rateLimit:    counter("entitle_rate_limit_decisions_total", "Rate limiter decisions by operation."),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

// RecordUsageTracked counts ingested usage events by outcome.
func (m *Metrics) RecordUsageTracked(ctx context.Context, featureID, outcome string) {
	if m == nil {
		return
	}
	m.add(ctx, m.usageTracked, featureAttr(featureID), attribute.String("outcome", outcome))
}

// RecordDeduction counts deductions by outcome (applied, capped, rejected, unlimited).
func (m *Metrics) RecordDeduction(ctx context.Context, featureID, outcome string) {
	if m == nil {
		return
	}
	m.add(ctx, m.deductions, featureAttr(featureID), attribute.String("outcome", outcome))
}

func (m *Metrics) RecordTopUp(ctx context.Context, featureID, source string) {
	if m == nil {
		return
	}
	m.add(ctx, m.topUps, featureAttr(featureID), attribute.String("source", source))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.add(ctx, m.rateLimit, attribute.String("operation", operation), attribute.String("outcome", "allowed"))
}

// RecordRateLimitDenied records a rejection. reason is "exhausted" when the
// bucket is empty and "error" when the limiter backend failed.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, operation, reason string) {
	if m == nil {
		return
	}
	m.add(ctx, m.rateLimit,
		attribute.String("operation", operation),
		attribute.String("outcome", "denied"),
		attribute.String("reason", reason),
	)
}

func featureAttr(featureID string) attribute.KeyValue {
	return attribute.String("feature_id", strings.ToLower(strings.TrimSpace(featureID)))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// customer ids and grant ids are unbounded and never become labels
var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature_id": {},
	"outcome":    {},
	"source":     {},
	"operation":  {},
	"kind":       {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; ok {
			filtered = append(filtered, attr)
		}
	}
	return filtered
}
