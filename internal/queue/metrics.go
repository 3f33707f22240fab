package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "casepilot"
	metricsSubsystem = "queue"
)

type runnerMetrics struct {
	queueDepth    prometheus.Gauge
	batchesTotal  *prometheus.CounterVec
	itemsTotal    *prometheus.CounterVec
	batchDuration prometheus.Histogram
}

var (
	defaultRunnerMetricsOnce sync.Once
	defaultRunnerMetricsInst *runnerMetrics
)

func getDefaultRunnerMetrics() *runnerMetrics {
	defaultRunnerMetricsOnce.Do(func() {
		defaultRunnerMetricsInst = newRunnerMetrics(prometheus.DefaultRegisterer)
	})
	return defaultRunnerMetricsInst
}

func newRunnerMetrics(reg prometheus.Registerer) *runnerMetrics {
	m := &runnerMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "depth",
			Help:      "Number of batches currently waiting in the queue.",
		}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batches_total",
			Help:      "Total number of batches processed by the queue loop.",
		}, []string{"result"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "items_total",
			Help:      "Total number of work items executed.",
		}, []string{"result"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of one batch execution.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.batchesTotal, m.itemsTotal, m.batchDuration)
	}
	return m
}
