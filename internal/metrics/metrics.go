// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter reports the number of live call sessions.
type SessionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Metrics holds the orchestrator's counters. All methods are safe for
// concurrent use.
type Metrics struct {
	events            *prometheus.CounterVec
	controlPlaneErrs  *prometheus.CounterVec
	finalizations     *prometheus.CounterVec
	ingressReconnects prometheus.Counter
	reaped            prometheus.Counter
}

// New registers the orchestrator counters on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callsight_events_total",
			Help: "ARI events processed, by event type.",
		}, []string{"type"}),
		controlPlaneErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callsight_control_plane_errors_total",
			Help: "Failed ARI control-plane operations, by operation.",
		}, []string{"operation"}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callsight_finalizations_total",
			Help: "Call finalizations, by outcome.",
		}, []string{"outcome"}),
		ingressReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callsight_ingress_reconnects_total",
			Help: "Event feed reconnects. Events in the gap are lost.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callsight_sessions_reaped_total",
			Help: "Sessions finalized by the teardown reaper.",
		}),
	}
	reg.MustRegister(m.events, m.controlPlaneErrs, m.finalizations, m.ingressReconnects, m.reaped)
	return m
}

// Event counts one processed event.
func (m *Metrics) Event(eventType string) { m.events.WithLabelValues(eventType).Inc() }

// ControlPlaneError counts one failed control-plane operation.
func (m *Metrics) ControlPlaneError(operation string) {
	m.controlPlaneErrs.WithLabelValues(operation).Inc()
}

// Finalization counts one finalization outcome ("ok", "failed" or
// "skipped").
func (m *Metrics) Finalization(outcome string) {
	m.finalizations.WithLabelValues(outcome).Inc()
}

// IngressReconnect counts one event-feed reconnect.
func (m *Metrics) IngressReconnect() { m.ingressReconnects.Inc() }

// Reaped counts one session finalized by the reaper.
func (m *Metrics) Reaped() { m.reaped.Inc() }

// ActiveCallsCollector gathers the live-session gauge at scrape time.
type ActiveCallsCollector struct {
	sessions SessionCounter
	desc     *prometheus.Desc
}

// NewActiveCallsCollector creates a collector reading from the session
// store.
func NewActiveCallsCollector(sessions SessionCounter) *ActiveCallsCollector {
	return &ActiveCallsCollector{
		sessions: sessions,
		desc: prometheus.NewDesc(
			"callsight_active_calls",
			"Number of in-progress call sessions.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *ActiveCallsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *ActiveCallsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := c.sessions.Count(ctx)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n))
}
