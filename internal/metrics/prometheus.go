// Package metrics provides Prometheus metrics for the dlicense agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dlicense"

// PrometheusMetrics holds the registered collectors. It implements the
// ledger and election observers.
type PrometheusMetrics struct {
	AppendCounter       *prometheus.CounterVec
	AppendFailures      *prometheus.CounterVec
	AppendDuration      prometheus.Histogram
	StateIndex          prometheus.Gauge
	ElectionCounter     *prometheus.CounterVec
	ElectionDuration    prometheus.Histogram
	ElectionPeers       prometheus.Gauge
	VerificationCounter *prometheus.CounterVec
	TransferCounter     *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		AppendCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_appends_total",
			Help:      "Usage records appended to the ledger, by action.",
		}, []string{"action"}),
		AppendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_append_failures_total",
			Help:      "Rejected ledger appends, by error kind.",
		}, []string{"kind"}),
		AppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_append_duration_seconds",
			Help:      "Time to sign and commit a usage record.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		StateIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_state_index",
			Help:      "state_index of the most recently committed token revision.",
		}),
		ElectionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_total",
			Help:      "Device elections, by result.",
		}, []string{"result"}),
		ElectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "election_duration_seconds",
			Help:      "Duration of discovery plus election.",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 10, 15},
		}),
		ElectionPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "election_peers",
			Help:      "Peers seen during the last election.",
		}),
		VerificationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Token verifications, by result class.",
		}, []string{"result"}),
		TransferCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_transfers_total",
			Help:      "Token transfers over the peer session channel.",
		}, []string{"direction", "result"}),
	}

	collectors := []prometheus.Collector{
		m.AppendCounter,
		m.AppendFailures,
		m.AppendDuration,
		m.StateIndex,
		m.ElectionCounter,
		m.ElectionDuration,
		m.ElectionPeers,
		m.VerificationCounter,
		m.TransferCounter,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveAppend records a committed usage record.
func (m *PrometheusMetrics) ObserveAppend(action string, stateIndex uint64, duration time.Duration) {
	m.AppendCounter.WithLabelValues(action).Inc()
	m.AppendDuration.Observe(duration.Seconds())
	m.StateIndex.Set(float64(stateIndex))
}

// ObserveAppendFailure records a rejected append.
func (m *PrometheusMetrics) ObserveAppendFailure(kind string) {
	m.AppendFailures.WithLabelValues(kind).Inc()
}

// ObserveElection records the outcome of an election.
func (m *PrometheusMetrics) ObserveElection(result string, peers int, duration time.Duration) {
	m.ElectionCounter.WithLabelValues(result).Inc()
	m.ElectionDuration.Observe(duration.Seconds())
	m.ElectionPeers.Set(float64(peers))
}

// RecordVerification counts a verification by result class, "ok" on success.
func (m *PrometheusMetrics) RecordVerification(result string) {
	m.VerificationCounter.WithLabelValues(result).Inc()
}

// RecordTransfer counts a token transfer. direction is "sent" or "received".
func (m *PrometheusMetrics) RecordTransfer(direction, result string) {
	m.TransferCounter.WithLabelValues(direction, result).Inc()
}

// SetStateIndex sets the state index gauge, for example after import.
func (m *PrometheusMetrics) SetStateIndex(stateIndex uint64) {
	m.StateIndex.Set(float64(stateIndex))
}
