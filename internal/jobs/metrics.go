package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics counts background job runs, failures, run time and the items each
// job touched (tenants scanned, keys purged, codes backfilled). A nil *Metrics
// records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	items    *prometheus.CounterVec
	now      func() time.Time
}

var shared struct {
	once sync.Once
	m    *Metrics
}

// NewMetrics registers the job collectors with reg. A nil reg shares a single
// instance registered with the process-wide default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg != nil {
		return register(reg)
	}
	shared.once.Do(func() { shared.m = register(prometheus.DefaultRegisterer) })
	return shared.m
}

func register(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "apotheca_jobs_total",
			Help: "Job executions by job name and status.",
		}, []string{"job", "status"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "apotheca_jobs_failures_total",
			Help: "Failed job executions.",
		}, []string{"job"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apotheca_job_duration_seconds",
			Help:    "Job execution time in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"job"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "apotheca_job_items_total",
			Help: "Units of work processed by background jobs.",
		}, []string{"job"}),
		now: time.Now,
	}
}

// Tracker times one run of a named job.
type Tracker struct {
	m       *Metrics
	job     string
	started time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job}
	}
	return &Tracker{m: m, job: job, started: m.now()}
}

// End closes the run with err as its outcome and hands err back, so handlers
// can write `return tracker.End(err)`.
func (t *Tracker) End(err error) error {
	if t == nil || t.m == nil || t.job == "" {
		return err
	}
	t.m.observe(t.job, t.m.now().Sub(t.started), err)
	return err
}

// Run times fn as one run of job.
func (m *Metrics) Run(job string, fn func() error) error {
	return m.Track(job).End(fn())
}

// AddItems adds count to the job's item counter. Non-positive counts are ignored.
func (m *Metrics) AddItems(job string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.items.WithLabelValues(job).Add(float64(count))
}

func (m *Metrics) observe(job string, elapsed time.Duration, err error) {
	status := outcomeSuccess
	if err != nil {
		status = outcomeFailure
		m.failures.WithLabelValues(job).Inc()
	}
	m.runs.WithLabelValues(job, status).Inc()
	m.duration.WithLabelValues(job).Observe(elapsed.Seconds())
}
