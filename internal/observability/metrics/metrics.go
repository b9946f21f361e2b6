// Package metrics exposes prometheus instrumentation for the metering engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	usageEventsRecorded *prometheus.CounterVec
	usageRecordFailures *prometheus.CounterVec
	quotaValidations    *prometheus.CounterVec
	aggregatesUpserted  prometheus.Counter
	invoicesGenerated   prometheus.Counter

	jobRuns     *prometheus.CounterVec
	jobErrors   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		usageEventsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_usage_events_recorded_total",
			Help: "Usage events appended to the event log.",
		}, []string{"category"}),
		usageRecordFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_usage_record_failures_total",
			Help: "Swallowed recorder failures by stage.",
		}, []string{"stage"}),
		quotaValidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_quota_validations_total",
			Help: "Quota validation decisions.",
		}, []string{"quota_type", "result"}),
		aggregatesUpserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meterline_usage_aggregates_upserted_total",
			Help: "Aggregate rows written by the aggregator.",
		}),
		invoicesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "meterline_invoices_generated_total",
			Help: "Billing records created (idempotent hits excluded).",
		}),
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_scheduler_job_runs_total",
			Help: "Scheduler job executions.",
		}, []string{"job"}),
		jobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meterline_scheduler_job_errors_total",
			Help: "Scheduler job failures.",
		}, []string{"job"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meterline_scheduler_job_duration_seconds",
			Help:    "Scheduler job wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *Metrics) IncUsageEvent(category string) {
	if m == nil {
		return
	}
	m.usageEventsRecorded.WithLabelValues(category).Inc()
}

func (m *Metrics) IncRecordFailure(stage string) {
	if m == nil {
		return
	}
	m.usageRecordFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) IncQuotaDecision(quotaType, result string) {
	if m == nil {
		return
	}
	m.quotaValidations.WithLabelValues(quotaType, result).Inc()
}

func (m *Metrics) AddAggregatesUpserted(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.aggregatesUpserted.Add(float64(count))
}

func (m *Metrics) IncInvoiceGenerated() {
	if m == nil {
		return
	}
	m.invoicesGenerated.Inc()
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}
