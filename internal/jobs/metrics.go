package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and billing runs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	assemblies *prometheus.CounterVec
	invoiced   prometheus.Counter
	lastOK     *prometheus.GaugeVec
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
	if err == nil {
		t.metrics.lastOK.WithLabelValues(t.job).SetToCurrentTime()
	}
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// RecordAssembly counts one assembly by outcome (created, duplicate,
// no_eligible_shifts, client_inactive, failed).
func (m *Metrics) RecordAssembly(outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.assemblies.WithLabelValues(outcome).Inc()
}

// AddInvoiced adds an issued grand total to the invoiced amount counter.
func (m *Metrics) AddInvoiced(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.invoiced.Add(amount)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftbill_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftbill_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shiftbill_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	assemblies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftbill_invoice_assemblies_total",
		Help: "Invoice assemblies partitioned by outcome.",
	}, []string{"outcome"})
	invoiced := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shiftbill_invoiced_amount_total",
		Help: "Sum of grand totals of issued invoices.",
	})
	lastOK := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shiftbill_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per job.",
	}, []string{"job"})
	registerer.MustRegister(runs, failures, duration, assemblies, invoiced, lastOK)
	return &Metrics{
		runs:       runs,
		failures:   failures,
		duration:   duration,
		assemblies: assemblies,
		invoiced:   invoiced,
		lastOK:     lastOK,
	}
}
