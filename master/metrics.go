package master

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clusterd"

// Metrics are the master service's prometheus collectors.
type Metrics struct {
	pendingTasks    prometheus.Gauge
	taskOutcomes    *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	publishDuration prometheus.Histogram
	publications    *prometheus.CounterVec
	stateVersion    prometheus.Gauge
}

// NewMetrics registers the master service collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		pendingTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "pending_tasks",
			Help:      "Number of cluster state update tasks waiting in the queue",
		}),
		taskOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "task_outcomes_total",
			Help:      "Terminal results of submitted tasks",
		}, []string{"outcome"}),
		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "batch_execution_seconds",
			Help:      "Time spent computing the next cluster state for a batch",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		publishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "publication_seconds",
			Help:      "Time spent publishing a cluster state",
			Buckets:   prometheus.DefBuckets,
		}),
		publications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "publications_total",
			Help:      "Cluster state publications by result",
		}, []string{"result"}), // committed/failed/not_master
		stateVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_state_version",
			Help:      "Version of the locally applied cluster state",
		}),
	}
}

func (m *Metrics) recordOutcome(o Outcome) {
	m.taskOutcomes.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) recordBatch(d time.Duration) {
	m.batchDuration.Observe(d.Seconds())
}

func (m *Metrics) recordPublication(d time.Duration, result string) {
	m.publishDuration.Observe(d.Seconds())
	m.publications.WithLabelValues(result).Inc()
}
