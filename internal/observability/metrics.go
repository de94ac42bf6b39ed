package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "licensectl"

// Metrics counts credential refreshes, replays and session terminations.
// It satisfies apiclient.Recorder.
type Metrics struct {
	registry     *prometheus.Registry
	refreshes    *prometheus.CounterVec
	replays      prometheus.Counter
	terminations prometheus.Counter
}

// NewMetrics registers the client collectors plus Go runtime and process
// collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "credential_refreshes_total",
			Help:      "Credential refresh attempts by outcome.",
		}, []string{"outcome"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_replayed_total",
			Help:      "Requests replayed after a successful credential refresh.",
		}),
		terminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_terminated_total",
			Help:      "Sessions ended because credentials could not be recovered or the user logged out.",
		}),
	}

	m.registry.MustRegister(
		m.refreshes,
		m.replays,
		m.terminations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) RefreshCompleted(outcome string) {
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RequestReplayed() {
	m.replays.Inc()
}

func (m *Metrics) SessionTerminated() {
	m.terminations.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
