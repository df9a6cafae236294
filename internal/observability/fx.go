package observability

import (
	"github.com/smallbiznis/insurecard/internal/observability/logger"
	"github.com/smallbiznis/insurecard/internal/observability/metrics"
	"github.com/smallbiznis/insurecard/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires logging, tracing and both metric stacks: OTLP instruments for
// HTTP and domain counters, Prometheus collectors for issuance and sweeper
// internals served on /metrics.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.Logger,
		logger.New,
		Config.Tracing,
		tracing.NewProvider,
		Config.Metrics,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		// process-wide collectors; registering twice would panic
		metrics.SchedulerWithConfig,
		metrics.IssuanceWithConfig,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
