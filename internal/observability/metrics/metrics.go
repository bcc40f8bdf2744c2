// Package metrics exposes prometheus instruments for the circle engine.
package metrics

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// register tolerates duplicate registration so test resets stay safe.
func register(registerer prometheus.Registerer, collector prometheus.Collector) {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
	}
}

// Config carries the constant labels stamped on every series.
type Config struct {
	ServiceName string
	Environment string
}

// EngineMetrics captures the financial-flow health signals.
type EngineMetrics struct {
	contributionsClassified *prometheus.CounterVec
	lateFeesApplied         prometheus.Counter
	defaultsRecorded        prometheus.Counter
	coverageDrawn           *prometheus.CounterVec
	sharedLossApplied       prometheus.Counter
	payoutAttempts          prometheus.Counter
	payoutsSettled          *prometheus.CounterVec
	ledgerEntries           *prometheus.CounterVec
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "rueda"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	contributionsClassified := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rueda_contributions_classified_total",
		Help:        "Contribution classifications by outcome.",
		ConstLabels: labels,
	}, []string{"classification"})
	lateFeesApplied := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "rueda_late_fees_applied_total",
		Help:        "Flat late fees assessed on overdue contributions.",
		ConstLabels: labels,
	})
	defaultsRecorded := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "rueda_defaults_recorded_total",
		Help:        "Contributions that crossed the default threshold.",
		ConstLabels: labels,
	})
	coverageDrawn := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rueda_coverage_drawn_minor_total",
		Help:        "Minor units drawn per coverage layer in the default waterfall.",
		ConstLabels: labels,
	}, []string{"layer"})
	sharedLossApplied := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "rueda_shared_loss_applied_total",
		Help:        "Defaults whose shortfall was socialized across members.",
		ConstLabels: labels,
	})
	payoutAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "rueda_payout_transfer_attempts_total",
		Help:        "Transfer attempts including retries.",
		ConstLabels: labels,
	})
	payoutsSettled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rueda_payouts_settled_total",
		Help:        "Payouts reaching a terminal status.",
		ConstLabels: labels,
	}, []string{"status"})
	ledgerEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "rueda_ledger_entries_total",
		Help:        "Ledger entries posted by source type.",
		ConstLabels: labels,
	}, []string{"source_type"})

	for _, collector := range []prometheus.Collector{
		contributionsClassified, lateFeesApplied, defaultsRecorded,
		coverageDrawn, sharedLossApplied, payoutAttempts, payoutsSettled, ledgerEntries,
	} {
		register(registerer, collector)
	}

	return &EngineMetrics{
		contributionsClassified: contributionsClassified,
		lateFeesApplied:         lateFeesApplied,
		defaultsRecorded:        defaultsRecorded,
		coverageDrawn:           coverageDrawn,
		sharedLossApplied:       sharedLossApplied,
		payoutAttempts:          payoutAttempts,
		payoutsSettled:          payoutsSettled,
		ledgerEntries:           ledgerEntries,
	}
}

func (m *EngineMetrics) IncContributionClassified(classification string) {
	if m == nil {
		return
	}
	m.contributionsClassified.WithLabelValues(classification).Inc()
}

func (m *EngineMetrics) IncLateFeeApplied() {
	if m == nil {
		return
	}
	m.lateFeesApplied.Inc()
}

func (m *EngineMetrics) IncDefaultRecorded() {
	if m == nil {
		return
	}
	m.defaultsRecorded.Inc()
}

func (m *EngineMetrics) AddCoverageDrawn(layer string, amountMinor int64) {
	if m == nil || amountMinor <= 0 {
		return
	}
	m.coverageDrawn.WithLabelValues(layer).Add(float64(amountMinor))
}

func (m *EngineMetrics) IncSharedLossApplied() {
	if m == nil {
		return
	}
	m.sharedLossApplied.Inc()
}

func (m *EngineMetrics) IncPayoutAttempt() {
	if m == nil {
		return
	}
	m.payoutAttempts.Inc()
}

func (m *EngineMetrics) IncPayoutSettled(status string) {
	if m == nil {
		return
	}
	m.payoutsSettled.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) IncLedgerEntry(sourceType string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(sourceType).Inc()
}
