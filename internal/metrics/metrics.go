// Package metrics holds the process-local Prometheus registry. There
// is no scrape endpoint; the control plane's status method reads the
// counters for its snapshot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/procsi/procsi/internal/domain/capture"
	"github.com/procsi/procsi/internal/domain/events"
)

// Metrics bundles the daemon's counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ProxiedRequests prometheus.Counter
	Mocked          prometheus.Counter
	Modified        prometheus.Counter
	Observed        prometheus.Counter
	Replays         prometheus.Counter
	UpstreamErrors  prometheus.Counter
	Evictions       prometheus.Counter
	EventsByLevel   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ProxiedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsi_proxied_requests_total",
			Help: "Requests that traversed the proxy.",
		}),
		Mocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsi_interceptions_mocked_total",
			Help: "Exchanges answered by an interceptor mock.",
		}),
		Modified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsi_interceptions_modified_total",
			Help: "Upstream responses rewritten by an interceptor.",
		}),
		Observed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsi_interceptions_observed_total",
			Help: "Exchanges observed by an interceptor without changes.",
		}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsi_replays_total",
			Help: "Replayed requests attributed through the tracker.",
		}),
		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsi_upstream_errors_total",
			Help: "Upstream calls that failed at the transport level.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procsi_evictions_total",
			Help: "Stored requests dropped by the repository capacity cap.",
		}),
		EventsByLevel: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procsi_interceptor_events_total",
			Help: "Interceptor runtime events by severity.",
		}, []string{"level"}),
	}
	reg.MustRegister(m.ProxiedRequests, m.Mocked, m.Modified, m.Observed,
		m.Replays, m.UpstreamErrors, m.Evictions, m.EventsByLevel)
	return m
}

// RecordInterception bumps the counter matching an interception type.
func (m *Metrics) RecordInterception(t capture.InterceptionType) {
	if m == nil {
		return
	}
	switch t {
	case capture.InterceptionMocked:
		m.Mocked.Inc()
	case capture.InterceptionModified:
		m.Modified.Inc()
	default:
		m.Observed.Inc()
	}
}

// RecordEvent bumps the per-level event counter.
func (m *Metrics) RecordEvent(lvl events.Level) {
	if m == nil {
		return
	}
	m.EventsByLevel.WithLabelValues(string(lvl)).Inc()
}

// RecordEvictions adds n evicted rows to the eviction counter.
func (m *Metrics) RecordEvictions(n int64) {
	if m == nil {
		return
	}
	m.Evictions.Add(float64(n))
}

// Gather exposes the raw metric families for the status snapshot.
func (m *Metrics) Gather() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		var total float64
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
		out[mf.GetName()] = total
	}
	return out, nil
}
