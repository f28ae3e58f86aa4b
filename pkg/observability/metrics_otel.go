package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments for the billing
// engine. These mirror the Prometheus collectors for deployments that
// ship metrics through an OTLP collector instead of a scrape endpoint.
type OTelMetrics struct {
	paymentAttemptsTotal   metric.Int64Counter
	paymentAttemptDuration metric.Float64Histogram
	jobsProcessedTotal     metric.Int64Counter
	jobQueueDepth          metric.Int64UpDownCounter
	sweepDuration          metric.Float64Histogram
	couponRedemptionsTotal metric.Int64Counter
}

// NewOTelMetrics creates a new OTel metrics instance
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/tallyops/tally")

	m := &OTelMetrics{}
	var err error

	m.paymentAttemptsTotal, err = meter.Int64Counter(
		"billing.payment.attempts",
		metric.WithDescription("Total number of payment attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment attempts counter: %w", err)
	}

	m.paymentAttemptDuration, err = meter.Float64Histogram(
		"billing.payment.duration",
		metric.WithDescription("Gateway charge duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment duration histogram: %w", err)
	}

	m.jobsProcessedTotal, err = meter.Int64Counter(
		"billing.jobs.processed",
		metric.WithDescription("Total number of billing jobs processed"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs processed counter: %w", err)
	}

	m.jobQueueDepth, err = meter.Int64UpDownCounter(
		"billing.jobs.queue_depth",
		metric.WithDescription("Number of pending billing jobs due now"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job queue depth gauge: %w", err)
	}

	m.sweepDuration, err = meter.Float64Histogram(
		"billing.sweep.duration",
		metric.WithDescription("Sweep run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep duration histogram: %w", err)
	}

	m.couponRedemptionsTotal, err = meter.Int64Counter(
		"billing.coupon.redemptions",
		metric.WithDescription("Total number of successful coupon redemptions"),
		metric.WithUnit("{redemption}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create coupon redemptions counter: %w", err)
	}

	return m, nil
}

// RecordPaymentAttempt records a payment attempt outcome and duration.
func (m *OTelMetrics) RecordPaymentAttempt(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.paymentAttemptsTotal.Add(ctx, 1, attrs)
	m.paymentAttemptDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordJobProcessed records a completed job run.
func (m *OTelMetrics) RecordJobProcessed(ctx context.Context, jobType, outcome string) {
	m.jobsProcessedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("outcome", outcome),
	))
}

// RecordQueueDepth adjusts the pending-job gauge by delta.
func (m *OTelMetrics) RecordQueueDepth(ctx context.Context, delta int64) {
	m.jobQueueDepth.Add(ctx, delta)
}

// RecordSweep records a sweep run duration.
func (m *OTelMetrics) RecordSweep(ctx context.Context, sweep string, duration time.Duration) {
	m.sweepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("sweep", sweep),
	))
}

// RecordCouponRedemption records a successful coupon redemption.
func (m *OTelMetrics) RecordCouponRedemption(ctx context.Context) {
	m.couponRedemptionsTotal.Add(ctx, 1)
}
