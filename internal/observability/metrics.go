package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cory-johannsen/worlds/internal/game/lifecycle"
	"github.com/cory-johannsen/worlds/internal/game/world"
)

const namespace = "worlds"

// Metrics exports lifecycle, link and resolution counters to Prometheus.
// It also tracks the number of registered worlds per status by subscribing to
// the world registry.
type Metrics struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	durations    *prometheus.HistogramVec
	rollbacks    *prometheus.CounterVec
	links        prometheus.Gauge
	linkChanges  *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
	worldsStatus *prometheus.GaugeVec

	mu       sync.Mutex
	statuses map[string]world.Status
}

var (
	_ lifecycle.Metrics = (*Metrics)(nil)
	_ world.Listener    = (*Metrics)(nil)
)

// NewMetrics creates and registers every collector on a private registry.
//
// Postcondition: Handler serves exactly the collectors created here.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operation_seconds",
			Help:      "Wall time of finished lifecycle operations.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"kind"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "rollback_failures_total",
			Help:      "Operations whose compensation did not complete.",
		}, []string{"kind"}),
		links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "links",
			Name:      "count",
			Help:      "Links created minus links deleted since start.",
		}),
		linkChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "links",
			Name:      "changes_total",
			Help:      "Link mutations by action.",
		}, []string{"action"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "links",
			Name:      "resolutions_total",
			Help:      "Transition resolutions by result.",
		}, []string{"result"}),
		worldsStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered",
			Help:      "Registered worlds by lifecycle status.",
		}, []string{"status"}),
		statuses: make(map[string]world.Status),
	}
	m.registry.MustRegister(
		m.operations,
		m.durations,
		m.rollbacks,
		m.links,
		m.linkChanges,
		m.resolutions,
		m.worldsStatus,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OperationFinished implements lifecycle.Recorder.
func (m *Metrics) OperationFinished(kind, outcome string, elapsed time.Duration) {
	m.operations.WithLabelValues(kind, outcome).Inc()
	m.durations.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// RollbackFailed implements lifecycle.Recorder.
func (m *Metrics) RollbackFailed(kind string) {
	m.rollbacks.WithLabelValues(kind).Inc()
}

// LinkCreated implements link.Recorder.
func (m *Metrics) LinkCreated() {
	m.links.Inc()
	m.linkChanges.WithLabelValues("created").Inc()
}

// LinkDeleted implements link.Recorder.
func (m *Metrics) LinkDeleted() {
	m.links.Dec()
	m.linkChanges.WithLabelValues("deleted").Inc()
}

// Resolved implements link.ResolveRecorder.
func (m *Metrics) Resolved(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.resolutions.WithLabelValues(result).Inc()
}

// WorldUpserted implements world.Listener.
func (m *Metrics) WorldUpserted(w world.World) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.statuses[w.ID]; ok {
		if prev == w.Status {
			return
		}
		m.worldsStatus.WithLabelValues(string(prev)).Dec()
	}
	m.statuses[w.ID] = w.Status
	m.worldsStatus.WithLabelValues(string(w.Status)).Inc()
}

// WorldRemoved implements world.Listener.
func (m *Metrics) WorldRemoved(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.statuses[id]
	if !ok {
		return
	}
	delete(m.statuses, id)
	m.worldsStatus.WithLabelValues(string(prev)).Dec()
}
