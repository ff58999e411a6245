package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classroom_clicker/pkg/session"
	"classroom_clicker/pkg/vote"
)

const namespace = "clicker"

// Metrics exposes ingestion counters on a private registry
type Metrics struct {
	registry *prometheus.Registry

	votes    *prometheus.CounterVec
	rejected *prometheus.CounterVec
	replayed prometheus.Counter
}

// New creates the collectors, including Go runtime and process metrics
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Votes that reached the session gate, by source and outcome.",
		}, []string{"source", "outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Malformed votes dropped by the normalizer, by reason.",
		}, []string{"reason"}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_replayed_total",
			Help:      "Network submissions absorbed by the idempotency window.",
		}),
	}

	reg.MustRegister(
		m.votes,
		m.rejected,
		m.replayed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// VoteProcessed implements session.Observer
func (m *Metrics) VoteProcessed(kind vote.SourceKind, outcome session.Outcome) {
	m.votes.WithLabelValues(string(kind), string(outcome)).Inc()
}

// VoteRejected implements session.Observer
func (m *Metrics) VoteRejected(_ vote.SourceKind, reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

// SubmissionReplayed implements session.Observer
func (m *Metrics) SubmissionReplayed() {
	m.replayed.Inc()
}

// GaugeFunc registers a gauge sampled from fn at scrape time
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter sampled from fn at scrape time
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
