package observability

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the billing engine
type Metrics struct {
	// Payment metrics
	PaymentAttemptsTotal    *prometheus.CounterVec
	PaymentAttemptDuration  *prometheus.HistogramVec
	PaymentRetriesScheduled prometheus.Counter
	DunningExhaustedTotal   prometheus.Counter

	// Invoice metrics
	InvoicesCreatedTotal *prometheus.CounterVec
	InvoicesPaidTotal    prometheus.Counter
	InvoicesVoidedTotal  prometheus.Counter

	// Coupon metrics
	CouponValidationsTotal *prometheus.CounterVec
	CouponRedemptionsTotal prometheus.Counter

	// Job queue metrics
	JobsProcessedTotal *prometheus.CounterVec
	JobsReclaimedTotal prometheus.Counter
	JobQueueDepth      prometheus.Gauge

	// Sweep metrics
	SweepRunsTotal    *prometheus.CounterVec
	SweepDuration     *prometheus.HistogramVec
	SweepEntityErrors *prometheus.CounterVec
	SweepLeaseMisses  *prometheus.CounterVec

	// Reminder metrics
	RemindersSentTotal      prometheus.Counter
	RemindersCancelledTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive    prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PaymentAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_payment_attempts_total",
				Help: "Total number of payment attempts by outcome",
			},
			[]string{"outcome"},
		),
		PaymentAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_payment_attempt_duration_seconds",
				Help:    "Gateway charge duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		PaymentRetriesScheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_payment_retries_scheduled_total",
				Help: "Total number of retry jobs scheduled by the dunning policy",
			},
		),
		DunningExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_dunning_exhausted_total",
				Help: "Total number of invoices that exhausted the retry schedule",
			},
		),
		InvoicesCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_invoices_created_total",
				Help: "Total number of invoices created by origin",
			},
			[]string{"origin"},
		),
		InvoicesPaidTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_invoices_paid_total",
				Help: "Total number of invoices marked paid",
			},
		),
		InvoicesVoidedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_invoices_voided_total",
				Help: "Total number of invoices voided",
			},
		),
		CouponValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_coupon_validations_total",
				Help: "Total number of coupon validations by result",
			},
			[]string{"result"},
		),
		CouponRedemptionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_coupon_redemptions_total",
				Help: "Total number of successful coupon redemptions",
			},
		),
		JobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_jobs_processed_total",
				Help: "Total number of billing jobs processed by type and outcome",
			},
			[]string{"job_type", "outcome"},
		),
		JobsReclaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_jobs_reclaimed_total",
				Help: "Total number of stale running jobs reclaimed into the retry path",
			},
		),
		JobQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_job_queue_depth",
				Help: "Number of pending billing jobs due now",
			},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_sweep_runs_total",
				Help: "Total number of sweep runs by sweep and outcome",
			},
			[]string{"sweep", "outcome"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_sweep_duration_seconds",
				Help:    "Sweep run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"sweep"},
		),
		SweepEntityErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_sweep_entity_errors_total",
				Help: "Per-entity errors swallowed by sweeps",
			},
			[]string{"sweep"},
		),
		SweepLeaseMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_sweep_lease_misses_total",
				Help: "Sweep runs skipped because another holder owns the lease",
			},
			[]string{"sweep"},
		),
		RemindersSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_reminders_sent_total",
				Help: "Total number of payment reminders dispatched",
			},
		),
		RemindersCancelledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tally_reminders_cancelled_total",
				Help: "Total number of reminders cancelled because the invoice was paid",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tally_db_connections_wait_count",
				Help: "Cumulative number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.PaymentAttemptsTotal,
		m.PaymentAttemptDuration,
		m.PaymentRetriesScheduled,
		m.DunningExhaustedTotal,
		m.InvoicesCreatedTotal,
		m.InvoicesPaidTotal,
		m.InvoicesVoidedTotal,
		m.CouponValidationsTotal,
		m.CouponRedemptionsTotal,
		m.JobsProcessedTotal,
		m.JobsReclaimedTotal,
		m.JobQueueDepth,
		m.SweepRunsTotal,
		m.SweepDuration,
		m.SweepEntityErrors,
		m.SweepLeaseMisses,
		m.RemindersSentTotal,
		m.RemindersCancelledTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
	)

	return m
}

// ObserveSweep records a completed sweep run.
func (m *Metrics) ObserveSweep(sweep string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.SweepRunsTotal.WithLabelValues(sweep, outcome).Inc()
	m.SweepDuration.WithLabelValues(sweep).Observe(time.Since(start).Seconds())
}

// UpdateDBStats refreshes the connection pool gauges.
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

// Handler returns an HTTP handler serving the registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
