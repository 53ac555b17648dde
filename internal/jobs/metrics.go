// Package jobmetrics instruments the background worker.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sweep outcomes recorded per durable session.
const (
	SweepCorrupt   = "corrupt"
	SweepAnonymous = "anonymous"
	SweepExpired   = "expired"
)

// Metrics holds the worker's collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	scanned  prometheus.Counter
	swept    *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer, or once on the default
// registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Run times a single task execution.
type Run struct {
	metrics *Metrics
	task    string
	start   time.Time
}

// Track starts timing task.
func (m *Metrics) Track(task string) *Run {
	return &Run{metrics: m, task: task, start: time.Now()}
}

// End records the run outcome and returns err unchanged.
func (r *Run) End(err error) error {
	if r == nil || r.metrics == nil {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	r.metrics.runs.WithLabelValues(r.task, status).Inc()
	r.metrics.duration.WithLabelValues(r.task).Observe(time.Since(r.start).Seconds())
	return err
}

// Scanned counts durable sessions inspected by a sweep.
func (m *Metrics) Scanned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.scanned.Add(float64(n))
}

// Swept counts one durable session removed for reason.
func (m *Metrics) Swept(reason string) {
	if m == nil {
		return
	}
	m.swept.WithLabelValues(reason).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bugbridge_jobs_total",
			Help: "Task executions by task type and status.",
		}, []string{"task", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bugbridge_job_duration_seconds",
			Help:    "Task execution time.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"task"}),
		scanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bugbridge_sessions_scanned_total",
			Help: "Durable sessions inspected by the sweep.",
		}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bugbridge_sessions_swept_total",
			Help: "Durable sessions removed because they can no longer be restored.",
		}, []string{"reason"}),
	}
	for _, reason := range []string{SweepCorrupt, SweepAnonymous, SweepExpired} {
		m.swept.WithLabelValues(reason)
	}
	registerer.MustRegister(m.runs, m.duration, m.scanned, m.swept)
	return m
}
