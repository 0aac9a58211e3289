package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/msageha/formtask/internal/model"
)

// Metrics counts run requests and completions. A nil *Metrics records
// nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	completions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
}

// NewMetrics registers the orchestrator collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// requests tracks RequestRun outcomes
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formtask_requests_total",
				Help: "Total run requests by task and outcome",
			},
			[]string{"task", "outcome"},
		),
		completions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formtask_completions_total",
				Help: "Total run completions by task and resolution",
			},
			[]string{"task", "result"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formtask_run_duration_seconds",
				Help:    "Wall time of finished runs",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
			},
			[]string{"task"},
		),
		queueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "formtask_queue_depth",
				Help: "Queued requests per task",
			},
			[]string{"task"},
		),
	}
}

func (m *Metrics) request(task model.TaskID, outcome Outcome) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(task, string(outcome)).Inc()
}

func (m *Metrics) completion(c model.TaskCompletion, res Resolution) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(c.TaskID, string(res)).Inc()
	if c.Duration > 0 {
		m.duration.WithLabelValues(c.TaskID).Observe(c.Duration.Seconds())
	}
}

func (m *Metrics) setQueueDepth(task model.TaskID, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(task).Set(float64(n))
}
