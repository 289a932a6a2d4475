package ioworker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ioworker"

// workerMetrics exposes a worker's operational counters and gauges. A nil
// receiver disables collection entirely, so call sites never branch.
type workerMetrics struct {
	connectsInitiated   prometheus.Counter
	connectsEstablished prometheus.Counter
	connectsFailed      prometheus.Counter
	acceptsCompleted    prometheus.Counter
	tasksExecuted       prometheus.Counter
}

// newWorkerMetrics registers the worker's collectors against reg, labelled
// by worker name. Returns nil, disabling collection, when reg is nil.
func newWorkerMetrics(reg prometheus.Registerer, worker string, readThreads, writeThreads int, lifecycle *resourceState) *workerMetrics {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"worker": worker}
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Name:        "live_resources",
		Help:        "Live resources: pool threads, open channels, and pending operations.",
		ConstLabels: labels,
	}, func() float64 {
		return float64(lifecycle.count())
	})
	poolGauge := factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Name:        "pool_threads",
		Help:        "Configured event-loop threads per pool.",
		ConstLabels: labels,
	}, []string{"pool"})
	poolGauge.WithLabelValues("read").Set(float64(readThreads))
	poolGauge.WithLabelValues("write").Set(float64(writeThreads))
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	return &workerMetrics{
		connectsInitiated:   counter("connects_initiated_total", "Outbound TCP connects initiated."),
		connectsEstablished: counter("connects_established_total", "Outbound TCP connects established."),
		connectsFailed:      counter("connects_failed_total", "Outbound TCP connects failed or aborted."),
		acceptsCompleted:    counter("accepts_completed_total", "Inbound TCP connections accepted."),
		tasksExecuted:       counter("tasks_executed_total", "Tasks executed on event-loop threads."),
	}
}

func (m *workerMetrics) connectInitiated() {
	if m != nil {
		m.connectsInitiated.Inc()
	}
}

func (m *workerMetrics) connectEstablished() {
	if m != nil {
		m.connectsEstablished.Inc()
	}
}

func (m *workerMetrics) connectFailed() {
	if m != nil {
		m.connectsFailed.Inc()
	}
}

func (m *workerMetrics) acceptCompleted() {
	if m != nil {
		m.acceptsCompleted.Inc()
	}
}

func (m *workerMetrics) taskExecuted() {
	if m != nil {
		m.tasksExecuted.Inc()
	}
}
