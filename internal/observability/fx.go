package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/observability/logger"
	"github.com/smallbiznis/vida/internal/observability/metrics"
	"github.com/smallbiznis/vida/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		func(cfg config.Config) logger.Config {
			return logger.Config{
				ServiceName: cfg.AppName,
				Environment: cfg.Environment,
				Version:     cfg.AppVersion,
				Level:       cfg.Telemetry.LogLevel,
				Format:      cfg.Telemetry.LogFormat,
				Debug:       cfg.Debug(),
			}
		},
		logger.New,
		func(cfg config.Config) tracing.Config {
			return tracing.Config{
				Enabled:          cfg.Telemetry.OtelEnabled,
				ServiceName:      cfg.AppName,
				ServiceVersion:   cfg.AppVersion,
				Environment:      cfg.Environment,
				ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
				ExporterProtocol: cfg.Telemetry.OTLPProtocol,
				SamplingRatio:    cfg.Telemetry.SamplingRatio,
			}
		},
		tracing.NewProvider,
		func(cfg config.Config) metrics.Config {
			return metrics.Config{
				Enabled:          cfg.Telemetry.OtelEnabled,
				ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
				ExporterProtocol: cfg.Telemetry.OTLPProtocol,
				ServiceName:      cfg.AppName,
				Environment:      cfg.Environment,
			}
		},
		metrics.NewProvider,
		metrics.New,
		func() prometheus.Registerer { return prometheus.DefaultRegisterer },
		metrics.NewDeliveryMetrics,
		metrics.NewHTTPMetrics,
	),
	// tracing has no consumers in the graph; force its construction
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
