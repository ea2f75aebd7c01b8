package pipeline

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the pipeline reports to. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	completions     *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	suppressed      prometheus.Counter
	disposals       prometheus.Counter
	workerQueue     prometheus.Gauge
	workerRejection prometheus.Counter
}

// NewMetrics creates the pipeline collectors and registers them with reg.
// It panics if registration fails, like prometheus.MustRegister.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_completions_total",
				Help: "Completed responses by strategy and status class",
			},
			[]string{"strategy", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_request_duration_seconds",
				Help:    "Time from chain entry to the final write",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_suppressed_writes_total",
			Help: "Writes dropped because the connection was aborted",
		}),
		disposals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_disposals_total",
			Help: "Disposable resources released at sink destruction",
		}),
		workerQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_worker_queue_depth",
			Help: "Tasks waiting in the worker pool queue",
		}),
		workerRejection: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_worker_rejected_total",
			Help: "Tasks rejected by the worker pool",
		}),
	}

	reg.MustRegister(
		m.completions,
		m.duration,
		m.suppressed,
		m.disposals,
		m.workerQueue,
		m.workerRejection,
	)
	return m
}

func (m *Metrics) completed(strategy string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if strategy == "" {
		strategy = "unknown"
	}
	m.completions.WithLabelValues(strategy, strconv.Itoa(status/100)+"xx").Inc()
	m.duration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

func (m *Metrics) writeSuppressed() {
	if m == nil {
		return
	}
	m.suppressed.Inc()
}

func (m *Metrics) disposed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.disposals.Add(float64(n))
}

func (m *Metrics) workerQueued(depth int) {
	if m == nil {
		return
	}
	m.workerQueue.Set(float64(depth))
}

func (m *Metrics) workerRejected() {
	if m == nil {
		return
	}
	m.workerRejection.Inc()
}
