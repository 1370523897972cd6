// Package metrics holds the Prometheus collectors for proof issuance and
// verification. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "healthpass"

// Verification results used as the "result" label.
const (
	ResultValid   = "valid"
	ResultInvalid = "invalid"
	ResultUnknown = "unknown"
)

type Metrics struct {
	proofsIssued   prometheus.Counter
	proverFailures *prometheus.CounterVec
	proverDuration prometheus.Histogram
	verifications  *prometheus.CounterVec
	usageExhausted prometheus.Counter
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		proofsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proofs_issued_total",
			Help:      "Total number of zero-knowledge proofs issued",
		}),
		proverFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prover_failures_total",
			Help:      "Total number of failed prover invocations by reason",
		}, []string{"reason"}),
		proverDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prover_duration_seconds",
			Help:      "Wall time of prover invocations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms ~ 102s
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total number of proof verifications by result",
		}, []string{"result"}),
		usageExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_exhausted_total",
			Help:      "Verifications rejected because the proof quota was used up",
		}),
	}
	reg.MustRegister(m.proofsIssued, m.proverFailures, m.proverDuration, m.verifications, m.usageExhausted)
	return m
}

func (m *Metrics) ProofIssued() {
	if m == nil {
		return
	}
	m.proofsIssued.Inc()
}

func (m *Metrics) ProverFailed(reason string) {
	if m == nil {
		return
	}
	m.proverFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveProver(d time.Duration) {
	if m == nil {
		return
	}
	m.proverDuration.Observe(d.Seconds())
}

func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) UsageExhausted() {
	if m == nil {
		return
	}
	m.usageExhausted.Inc()
}
