package syncqueue

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	pushed     prometheus.Counter
	completed  prometheus.Counter
	failed     prometheus.Counter
	retried    prometheus.Counter
	cancelled  prometheus.Counter
	duplicates prometheus.Counter
	depth      prometheus.Gauge
	processing prometheus.Gauge
	latency    prometheus.Histogram
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		pushed:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "pulsearc", Subsystem: "sync_queue", Name: "pushed_total", Help: "Items accepted by the sync queue."}),
		completed:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "pulsearc", Subsystem: "sync_queue", Name: "completed_total", Help: "Items acknowledged by the backend."}),
		failed:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "pulsearc", Subsystem: "sync_queue", Name: "failed_total", Help: "Failed delivery attempts."}),
		retried:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: "pulsearc", Subsystem: "sync_queue", Name: "retried_total", Help: "Failures rescheduled for retry."}),
		cancelled:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "pulsearc", Subsystem: "sync_queue", Name: "cancelled_total", Help: "Cancelled items."}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "pulsearc", Subsystem: "sync_queue", Name: "duplicates_total", Help: "Pushes rejected as duplicates."}),
		depth:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "pulsearc", Subsystem: "sync_queue", Name: "depth", Help: "Items waiting for delivery."}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "pulsearc", Subsystem: "sync_queue", Name: "processing", Help: "Items handed to a worker."}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pulsearc", Subsystem: "sync_queue", Name: "processing_seconds",
			Help:    "Time between pop and acknowledgement.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(c.pushed, c.completed, c.failed, c.retried, c.cancelled, c.duplicates, c.depth, c.processing, c.latency)
	}
	return c
}

// Metrics is a point-in-time view of queue activity.
type Metrics struct {
	Size        int            `json:"size"`
	Processing  int            `json:"processing"`
	Capacity    int            `json:"capacity"`
	Pushed      uint64         `json:"pushed"`
	Completed   uint64         `json:"completed"`
	Failed      uint64         `json:"failed"`
	Retried     uint64         `json:"retried"`
	Cancelled   uint64         `json:"cancelled"`
	Duplicates  uint64         `json:"duplicates"`
	ByPriority  map[string]int `json:"by_priority"`
	ByStatus    map[string]int `json:"by_status"`
	LastPersist string         `json:"last_persist,omitempty"`
}
