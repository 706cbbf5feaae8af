// Package metrics exposes workflow and classifier counters for Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	proposals      *prometheus.CounterVec
	commits        *prometheus.CounterVec
	classification *prometheus.CounterVec
	classifyTime   prometheus.Histogram
	flags          *prometheus.CounterVec
	batchSkipped   prometheus.Counter
	pending        prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billtracker",
			Name:      "proposals_total",
			Help:      "Proposal lifecycle events by action (created, approved, rejected, withdrawn, stale).",
		}, []string{"action", "source"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billtracker",
			Name:      "stage_commits_total",
			Help:      "Committed bill stage changes by path (direct, approval, flag).",
		}, []string{"path"}),
		classification: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billtracker",
			Name:      "classifications_total",
			Help:      "Automated classification outcomes.",
		}, []string{"outcome"}),
		classifyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "billtracker",
			Name:      "classify_duration_seconds",
			Help:      "Latency of a single classifier call including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		flags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billtracker",
			Name:      "misclassification_flags_total",
			Help:      "Misclassification flags by action (created, resolved).",
		}, []string{"action"}),
		batchSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billtracker",
			Name:      "batch_skipped_total",
			Help:      "Bills skipped by a batch run after classifier timeouts.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "billtracker",
			Name:      "pending_proposals",
			Help:      "Pending proposals seen by the last ledger scan.",
		}),
	}
	reg.MustRegister(m.proposals, m.commits, m.classification, m.classifyTime, m.flags, m.batchSkipped, m.pending)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Proposal(action, source string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(action, source).Inc()
}

func (m *Metrics) Commit(path string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(path).Inc()
}

func (m *Metrics) Classification(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.classification.WithLabelValues(outcome).Inc()
	m.classifyTime.Observe(elapsed.Seconds())
}

func (m *Metrics) Flag(action string) {
	if m == nil {
		return
	}
	m.flags.WithLabelValues(action).Inc()
}

func (m *Metrics) BatchSkipped() {
	if m == nil {
		return
	}
	m.batchSkipped.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
