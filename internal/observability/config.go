package observability

import (
	"strings"

	"github.com/smallbiznis/insurecard/internal/config"
	"github.com/smallbiznis/insurecard/internal/observability/logger"
	"github.com/smallbiznis/insurecard/internal/observability/metrics"
	"github.com/smallbiznis/insurecard/internal/observability/tracing"
)

// Config is the resolved logging and telemetry setup for one binary.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability
	serviceName := firstNonEmpty(obs.ServiceName, cfg.AppName, "insurecard")

	ratio := obs.SamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 1
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             firstNonEmpty(obs.LogLevel, "info"),
		LogFormat:            firstNonEmpty(obs.LogFormat, "json"),
		OtelEnabled:          obs.OtelEnabled,
		OtelExporterEndpoint: obs.OtelEndpoint,
		OtelExporterProtocol: firstNonEmpty(obs.OtelProtocol, "grpc"),
		OtelSamplingRatio:    ratio,
	}
}

// Debug turns on development logging and stack traces on error.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Logger stacks traces on error only in debug environments.
func (cfg Config) Logger() logger.Config {
	debug := cfg.Debug()
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               debug,
		IncludeCaller:       true,
		IncludeStackOnError: debug,
	}
}

func (cfg Config) Tracing() tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func (cfg Config) Metrics() metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
