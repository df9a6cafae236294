package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IssuanceMetrics tracks the issuance state machine.
type IssuanceMetrics struct {
	transitions     *prometheus.CounterVec
	driveOutcomes   *prometheus.CounterVec
	failures        *prometheus.CounterVec
	transientErrors *prometheus.CounterVec
	ledgerDuration  *prometheus.HistogramVec
	stuckAlerts     prometheus.Counter
}

var (
	issuanceMetricsOnce sync.Once
	issuanceMetrics     *IssuanceMetrics
)

// Issuance returns the singleton issuance metrics registry.
func Issuance() *IssuanceMetrics {
	return IssuanceWithConfig(Config{})
}

func IssuanceWithConfig(cfg Config) *IssuanceMetrics {
	issuanceMetricsOnce.Do(func() {
		issuanceMetrics = newIssuanceMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return issuanceMetrics
}

// ResetIssuanceMetricsForTest resets the issuance metrics singleton for tests.
func ResetIssuanceMetricsForTest() {
	issuanceMetricsOnce = sync.Once{}
	issuanceMetrics = nil
}

// NewIssuanceMetricsWithRegistry builds an unshared registry-scoped instance.
func NewIssuanceMetricsWithRegistry(registerer prometheus.Registerer, cfg Config) *IssuanceMetrics {
	return newIssuanceMetrics(registerer, cfg)
}

func newIssuanceMetrics(registerer prometheus.Registerer, cfg Config) *IssuanceMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "insurecard_issuance_transitions_total",
		Help:        "Issuance state transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	driveOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "insurecard_issuance_drive_outcomes_total",
		Help:        "Drive passes by driver and resulting state.",
		ConstLabels: constLabels,
	}, []string{"driver", "outcome"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "insurecard_issuance_failures_total",
		Help:        "Issuance requests that reached FAILED.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	transientErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "insurecard_issuance_transient_errors_total",
		Help:        "Recoverable errors recorded on issuance requests.",
		ConstLabels: constLabels,
	}, []string{"code"})
	ledgerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "insurecard_ledger_call_duration_seconds",
		Help:        "Ledger client call latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"operation"})
	stuckAlerts := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "insurecard_issuance_stuck_alerts_total",
		Help:        "STUCK alerts raised by the sweeper.",
		ConstLabels: constLabels,
	})

	transitions = registerCollector(registerer, transitions).(*prometheus.CounterVec)
	driveOutcomes = registerCollector(registerer, driveOutcomes).(*prometheus.CounterVec)
	failures = registerCollector(registerer, failures).(*prometheus.CounterVec)
	transientErrors = registerCollector(registerer, transientErrors).(*prometheus.CounterVec)
	ledgerDuration = registerCollector(registerer, ledgerDuration).(*prometheus.HistogramVec)
	stuckAlerts = registerCollector(registerer, stuckAlerts).(prometheus.Counter)

	return &IssuanceMetrics{
		transitions:     transitions,
		driveOutcomes:   driveOutcomes,
		failures:        failures,
		transientErrors: transientErrors,
		ledgerDuration:  ledgerDuration,
		stuckAlerts:     stuckAlerts,
	}
}

// registerCollector registers c, reusing the existing collector when the
// same metric was registered by an earlier singleton reset.
func registerCollector(registerer prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *IssuanceMetrics) IncTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *IssuanceMetrics) IncDriveOutcome(driver, outcome string) {
	if m == nil || m.driveOutcomes == nil {
		return
	}
	m.driveOutcomes.WithLabelValues(driver, outcome).Inc()
}

func (m *IssuanceMetrics) IncFailure(reason string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

func (m *IssuanceMetrics) IncTransientError(code string) {
	if m == nil || m.transientErrors == nil {
		return
	}
	m.transientErrors.WithLabelValues(code).Inc()
}

func (m *IssuanceMetrics) ObserveLedgerCall(operation string, duration time.Duration) {
	if m == nil || m.ledgerDuration == nil {
		return
	}
	m.ledgerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *IssuanceMetrics) IncStuckAlert() {
	if m == nil || m.stuckAlerts == nil {
		return
	}
	m.stuckAlerts.Inc()
}
