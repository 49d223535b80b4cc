package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the metrics collaborator handed to handlers and sweep jobs.
type Sink interface {
	Record(name string, value float64, tags map[string]string)
}

// Metrics owns the consumer's counters. Every message outcome (processed,
// skipped, dead-lettered) is observable here, so no message disappears
// silently.
type Metrics struct {
	registry *prometheus.Registry

	EventsProcessed  *prometheus.CounterVec
	EventsSkipped    prometheus.Counter
	EventsRetried    prometheus.Counter
	EventsDeadLetter prometheus.Counter
	HandlerErrors    prometheus.Counter
	AlertsEmitted    *prometheus.CounterVec
	AlertsDropped    prometheus.Counter
	SweepFailures    prometheus.Counter

	mu     sync.Mutex
	domain map[string]*prometheus.GaugeVec
}

// New creates and registers the consumer metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitoring_events_processed_total",
			Help: "Events processed, by event type",
		}, []string{"event_type"}),
		EventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitoring_events_skipped_total",
			Help: "Events acknowledged without processing (unknown type)",
		}),
		EventsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitoring_events_retried_total",
			Help: "Handler attempts retried after a transient failure",
		}),
		EventsDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitoring_events_dead_lettered_total",
			Help: "Messages routed to the dead-letter topic",
		}),
		HandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitoring_handler_errors_total",
			Help: "Handler executions that returned an error",
		}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitoring_alerts_emitted_total",
			Help: "Alerts handed to the alerting sink, by severity",
		}, []string{"severity"}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitoring_alerts_dropped_total",
			Help: "Alerts suppressed by de-duplication or rate limiting",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitoring_sweep_key_failures_total",
			Help: "Per-key failures isolated during scheduled sweeps",
		}),
		domain: make(map[string]*prometheus.GaugeVec),
	}

	reg.MustRegister(
		m.EventsProcessed, m.EventsSkipped, m.EventsRetried,
		m.EventsDeadLetter, m.HandlerErrors, m.AlertsEmitted,
		m.AlertsDropped, m.SweepFailures,
	)

	return m
}

// Record implements Sink. Arbitrary domain metrics are exposed as gauges
// labelled with the flattened tag set.
func (m *Metrics) Record(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	gv, ok := m.domain[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: sanitize(name),
			Help: "Domain metric " + name,
		}, []string{"entity"})
		if err := m.registry.Register(gv); err != nil {
			// Name collision after sanitizing; fall back to the
			// existing collector.
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				gv = are.ExistingCollector.(*prometheus.GaugeVec)
			} else {
				m.mu.Unlock()
				return
			}
		}
		m.domain[name] = gv
	}
	m.mu.Unlock()

	gv.WithLabelValues(flatten(tags)).Set(value)
}

// Handler exposes the registry for the ops HTTP listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func sanitize(name string) string {
	return "monitoring_" + strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func flatten(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}
