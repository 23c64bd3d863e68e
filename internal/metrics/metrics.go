// Package metrics exposes Prometheus counters for validators and gateways.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dato"

// Metrics holds the process's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	signed        *prometheus.CounterVec   // signed is labelled by kind
	retransmitted prometheus.Counter       // retransmitted counts repeated answers
	refused       *prometheus.CounterVec   // refused is labelled by reason
	quorum        *prometheus.CounterVec   // quorum is labelled by kind and outcome
	rejected      *prometheus.CounterVec   // rejected is labelled by reason
	latency       *prometheus.HistogramVec // latency is labelled by kind
	setSize       prometheus.Gauge         // setSize is the validator count
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signer",
			Name:      "attestations_signed_total",
			Help:      "Attestations freshly signed by this validator.",
		}, []string{"kind"}),
		retransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signer",
			Name:      "attestations_retransmitted_total",
			Help:      "Previously issued attestations returned again.",
		}),
		refused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signer",
			Name:      "requests_refused_total",
			Help:      "Requests refused by this validator, by reason.",
		}, []string{"reason"}),
		quorum: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "collections_total",
			Help:      "Quorum collections, by certificate kind and outcome.",
		}, []string{"kind", "outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "responses_rejected_total",
			Help:      "Validator responses dropped during collection, by reason.",
		}, []string{"reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "collection_seconds",
			Help:      "Time from fan-out to certificate or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"kind"}),
		setSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validator_set_size",
			Help:      "Validators in the current snapshot.",
		}),
	}

	m.registry.MustRegister(
		m.signed,
		m.retransmitted,
		m.refused,
		m.quorum,
		m.rejected,
		m.latency,
		m.setSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// Signed counts a fresh attestation of the given kind.
func (m *Metrics) Signed(kind string) {
	if m != nil {
		m.signed.WithLabelValues(kind).Inc()
	}
}

// Retransmitted counts a returned, previously issued attestation.
func (m *Metrics) Retransmitted() {
	if m != nil {
		m.retransmitted.Inc()
	}
}

// Refused counts a refused request.
func (m *Metrics) Refused(reason string) {
	if m != nil {
		m.refused.WithLabelValues(reason).Inc()
	}
}

// Collected records the outcome and duration of a quorum collection.
func (m *Metrics) Collected(kind string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}

	outcome := "quorum"
	if !ok {
		outcome = "no_quorum"
	}

	m.quorum.WithLabelValues(kind, outcome).Inc()
	m.latency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Rejected counts a dropped validator response.
func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

// SetSize records the current validator count.
func (m *Metrics) SetSize(n int) {
	if m != nil {
		m.setSize.Set(float64(n))
	}
}
