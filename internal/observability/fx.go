package observability

import (
	"github.com/smallbiznis/entitle/internal/observability/logger"
	"github.com/smallbiznis/entitle/internal/observability/metrics"
	"github.com/smallbiznis/entitle/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires logging, tracing and both metric pipelines: OTLP instruments
// for engine operations and Prometheus collectors for the cache, queue and
// scheduler.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		split,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.EngineWithConfig,
		metrics.SchedulerWithConfig,
	),
	// the tracer provider registers the global propagator; nothing else
	// depends on it directly
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

type providerConfigs struct {
	fx.Out

	Logger  logger.Config
	Tracing tracing.Config
	Metrics metrics.Config
}

func split(cfg Config) providerConfigs {
	debug := cfg.Debug()
	return providerConfigs{
		Logger: logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			Debug:               debug,
			IncludeCaller:       true,
			IncludeStackOnError: debug,
		},
		Tracing: tracing.Config{
			Enabled:          cfg.OtelEnabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			SamplingRatio:    cfg.OtelSamplingRatio,
		},
		Metrics: metrics.Config{
			Enabled:          cfg.OtelEnabled,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		},
	}
}
