package harness

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the harness collectors. Each harness process owns a private
// registry and periodically writes it to a textfile for node_exporter style
// collection.
type Metrics struct {
	registry    *prometheus.Registry
	iterations  prometheus.Counter
	gateFails   *prometheus.CounterVec
	bounces     prometheus.Counter
	invocations *prometheus.HistogramVec
	path        string
}

// NewMetrics creates collectors labelled with the session name. path is the
// textfile target; empty disables Flush.
func NewMetrics(sessionName, path string) *Metrics {
	labels := prometheus.Labels{"session": sessionName}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kd",
			Subsystem:   "harness",
			Name:        "iterations_total",
			Help:        "Harness loop iterations that invoked the agent.",
			ConstLabels: labels,
		}),
		gateFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kd",
			Subsystem:   "harness",
			Name:        "gate_failures_total",
			Help:        "Quality gate failures after the agent declared DONE.",
			ConstLabels: labels,
		}, []string{"gate"}),
		bounces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kd",
			Subsystem:   "harness",
			Name:        "council_bounces_total",
			Help:        "Council reviews that sent the work back with BLOCKING feedback.",
			ConstLabels: labels,
		}),
		invocations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "kd",
			Subsystem:   "agent",
			Name:        "invocation_seconds",
			Help:        "Wall time of agent CLI invocations.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"agent", "outcome"}),
		path: path,
	}
	m.registry.MustRegister(m.iterations, m.gateFails, m.bounces, m.invocations)
	return m
}

// ObserveInvocation records one agent call. Its signature matches
// agent.Observer.
func (m *Metrics) ObserveInvocation(agentName string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.invocations.WithLabelValues(agentName, outcome).Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Flush writes the current values to the textfile.
func (m *Metrics) Flush() error {
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(m.path, m.registry)
}
