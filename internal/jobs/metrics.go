package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	notes       *prometheus.CounterVec
	ledgerDrift prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddNotes counts promissory notes a reconciliation run left in the given outcome.
func (m *Metrics) AddNotes(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.notes.WithLabelValues(outcome).Add(float64(count))
}

// SetLedgerDrift records how many balances disagreed with the ledger on the last check.
func (m *Metrics) SetLedgerDrift(count int) {
	if m == nil {
		return
	}
	m.ledgerDrift.Set(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docflow_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	notes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_reconcile_notes_total",
		Help: "Promissory notes processed by reconciliation grouped by outcome.",
	}, []string{"outcome"})
	drift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docflow_ledger_drift_balances",
		Help: "Stock balances that disagreed with the ledger sum on the last integrity check.",
	})
	registerer.MustRegister(runs, failures, duration, notes, drift)
	return &Metrics{runs: runs, failures: failures, duration: duration, notes: notes, ledgerDrift: drift}
}
