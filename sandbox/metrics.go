package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup results recorded by the manager.
const (
	LookupHit    = "hit"
	LookupMiss   = "miss"
	LookupFailed = "failed"
)

type metrics struct {
	lookups          *prometheus.CounterVec
	created          prometheus.Counter
	retired          *prometheus.CounterVec
	live             prometheus.Gauge
	loadSeconds      prometheus.Histogram
	teardownFailures prometheus.Counter
	instrumented     prometheus.Counter
}

// newMetrics registers the sandbox metrics with reg. A nil reg creates
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "sandbox",
			Name:      "lookups_total",
			Help:      "Sandbox lookups by result (hit, miss, failed).",
		}, []string{"result"}),
		created: f.NewCounter(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "sandbox",
			Name:      "created_total",
			Help:      "Sandboxes loaded successfully.",
		}),
		retired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "sandbox",
			Name:      "retired_total",
			Help:      "Sandboxes retired by reason.",
		}, []string{"reason"}),
		live: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "umbra",
			Subsystem: "sandbox",
			Name:      "live",
			Help:      "Sandboxes loaded and not yet retired.",
		}),
		loadSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "umbra",
			Subsystem: "sandbox",
			Name:      "load_seconds",
			Help:      "Time to load a sandbox.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		teardownFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "sandbox",
			Name:      "teardown_failures_total",
			Help:      "Tests whose teardown hooks failed.",
		}),
		instrumented: f.NewCounter(prometheus.CounterOpts{
			Namespace: "umbra",
			Subsystem: "sandbox",
			Name:      "instrumented_classes_total",
			Help:      "Classes rewritten while loading into sandboxes.",
		}),
	}
}
