package pii

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	operations *prometheus.CounterVec
	entities   *prometheus.CounterVec
	cache      *prometheus.CounterVec
	duration   prometheus.Histogram

	ops, matched, hits, misses atomic.Uint64
	last                       atomic.Int64
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsearc", Subsystem: "pii", Name: "operations_total",
			Help: "Detection requests by outcome.",
		}, []string{"outcome"}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsearc", Subsystem: "pii", Name: "entities_total",
			Help: "Detected entities by type.",
		}, []string{"type"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsearc", Subsystem: "pii", Name: "cache_lookups_total",
			Help: "Result cache lookups.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pulsearc", Subsystem: "pii", Name: "detection_seconds",
			Help:    "Uncached detection latency.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
	}
	if reg != nil {
		reg.MustRegister(c.operations, c.entities, c.cache, c.duration)
	}
	return c
}

func (c *collectors) hit() {
	c.hits.Add(1)
	c.cache.WithLabelValues("hit").Inc()
}

func (c *collectors) miss() {
	c.misses.Add(1)
	c.cache.WithLabelValues("miss").Inc()
}

func (c *collectors) observe(entities []Entity, elapsed time.Duration) {
	c.ops.Add(1)
	c.matched.Add(uint64(len(entities)))
	c.last.Store(int64(elapsed))
	c.operations.WithLabelValues("ok").Inc()
	c.duration.Observe(elapsed.Seconds())
	for _, e := range entities {
		c.entities.WithLabelValues(string(e.Type)).Inc()
	}
}
