package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"pcpsched/internal/pcp"
	"pcpsched/internal/sched"
)

const metricsNamespace = "pcpsched"

// Collector is a prometheus.Collector fed by engine events.
type Collector struct {
	events    *prometheus.CounterVec
	priority  *prometheus.GaugeVec
	holdTicks *prometheus.HistogramVec

	mu         sync.Mutex
	acquiredAt map[holdKey]sched.Tick
}

type holdKey struct {
	task     string
	resource string
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "Engine events by kind, task and resource.",
			}, []string{"kind", "task", "resource"},
		),
		priority: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "effective_priority",
				Help:      "Effective priority of each task after its last acquire or release.",
			}, []string{"task"},
		),
		holdTicks: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "hold_ticks",
				Help:      "Ticks between acquiring and releasing a resource.",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200},
			}, []string{"resource"},
		),
		acquiredAt: make(map[holdKey]sched.Tick),
	}
}

// Observe implements pcp.Sink.
func (c *Collector) Observe(ev pcp.Event) {
	c.events.WithLabelValues(ev.Kind.String(), ev.Task, ev.Resource).Inc()

	key := holdKey{task: ev.Task, resource: ev.Resource}
	switch ev.Kind {
	case pcp.Acquired:
		c.priority.WithLabelValues(ev.Task).Set(float64(ev.NewPriority))
		c.mu.Lock()
		c.acquiredAt[key] = ev.Tick
		c.mu.Unlock()
	case pcp.Released:
		c.priority.WithLabelValues(ev.Task).Set(float64(ev.NewPriority))
		c.mu.Lock()
		at, ok := c.acquiredAt[key]
		delete(c.acquiredAt, key)
		c.mu.Unlock()
		if ok {
			c.holdTicks.WithLabelValues(ev.Resource).Observe(float64(ev.Tick - at))
		}
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.events.Describe(ch)
	c.priority.Describe(ch)
	c.holdTicks.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.events.Collect(ch)
	c.priority.Collect(ch)
	c.holdTicks.Collect(ch)
}
