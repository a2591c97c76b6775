package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notifyd"

type metrics struct {
	enqueued  *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	processed *prometheus.CounterVec
	duration  prometheus.Histogram
	retried   prometheus.Counter
}

// newMetrics registers the queue collectors on reg. A nil reg gets a
// private registry so tests and embedded uses don't collide.
func newMetrics(reg prometheus.Registerer, s *Service) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	m := &metrics{
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Notification IDs accepted onto the queue.",
		}, []string{"lane"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rejected_total",
			Help:      "Enqueue attempts refused.",
		}, []string{"reason"}),
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Queue items handled by workers.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "process_duration_seconds",
			Help:      "Time spent dispatching one queue item.",
			Buckets:   prometheus.DefBuckets,
		}),
		retried: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retry_delivered_total",
			Help:      "Deliveries that succeeded on a retry sweep.",
		}),
	}
	for _, lane := range []string{"priority", "normal"} {
		lane := lane
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Items waiting in a lane.",
			ConstLabels: prometheus.Labels{"lane": lane},
		}, func() float64 {
			st := s.Stats()
			if lane == "priority" {
				return float64(st.PriorityDepth)
			}
			return float64(st.QueueDepth - st.PriorityDepth)
		})
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "busy_workers",
		Help:      "Workers currently dispatching.",
	}, func() float64 { return float64(s.busy.Load()) })
	return m
}

func laneName(urgent bool) string {
	if urgent {
		return "priority"
	}
	return "normal"
}
