package payments

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tallyops/tally/pkg/clock"
	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/jobs"
	"github.com/tallyops/tally/pkg/observability"
	"github.com/tallyops/tally/pkg/tenants"
)

// Service is the payment processor contract.
type Service interface {
	ProcessPayment(ctx context.Context, invoiceID int64) (*PaymentResult, error)
	RetryPayment(ctx context.Context, invoiceID int64, force bool) (*PaymentResult, error)
	ListAttempts(ctx context.Context, invoiceID int64) ([]*BillingAttempt, error)
}

// Processor drives the per-invoice dunning state machine.
type Processor struct {
	db       *sql.DB
	gateway  Gateway
	invoices invoices.Service
	jobs     *jobs.Queue
	tenants  tenants.Service
	policy   *PolicyHolder
	clock    clock.Clock
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	subs        SubscriptionHooks
	otelMetrics *observability.OTelMetrics
}

func NewProcessor(db *sql.DB, gateway Gateway, invoiceSvc invoices.Service, jobQueue *jobs.Queue,
	tenantDir tenants.Service, policy *PolicyHolder, clk clock.Clock,
	logger *observability.Logger, metrics *observability.Metrics) *Processor {
	return &Processor{
		db:       db,
		gateway:  gateway,
		invoices: invoiceSvc,
		jobs:     jobQueue,
		tenants:  tenantDir,
		policy:   policy,
		clock:    clk,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/tallyops/tally/pkg/payments"),
	}
}

// SetSubscriptionHooks wires the lifecycle callbacks. Called once at
// startup, after the subscription service is constructed.
func (p *Processor) SetSubscriptionHooks(hooks SubscriptionHooks) {
	p.subs = hooks
}

// SetOTelMetrics enables OTLP metric export for charge attempts. Left
// unset, only the Prometheus collectors record.
func (p *Processor) SetOTelMetrics(m *observability.OTelMetrics) {
	p.otelMetrics = m
}

// ProcessPayment attempts to settle one invoice. Gateway failures are not
// surfaced as errors: the attempt is recorded, the next retry is
// scheduled from the policy, and the caller receives the resulting state.
func (p *Processor) ProcessPayment(ctx context.Context, invoiceID int64) (*PaymentResult, error) {
	ctx, span := p.tracer.Start(ctx, "payments.process_payment",
		trace.WithAttributes(attribute.Int64("invoice.id", invoiceID)))
	defer span.End()

	result, err := p.processPayment(ctx, invoiceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("payment.paid", result.Paid),
		attribute.Int("payment.attempt", result.AttemptNumber),
		attribute.Bool("payment.retries_exhausted", result.RetriesExhausted),
	)
	return result, nil
}

func (p *Processor) processPayment(ctx context.Context, invoiceID int64) (*PaymentResult, error) {
	invoice, err := p.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	switch invoice.Status {
	case invoices.StatusPaid:
		return &PaymentResult{Paid: true, AttemptNumber: invoice.BillingAttempts}, nil
	case invoices.StatusVoid:
		return nil, errs.Ef(errs.KindInvalidState, "invoice %s is voided", invoice.InvoiceNumber)
	case invoices.StatusDraft:
		return nil, errs.Ef(errs.KindInvalidState, "invoice %s is a draft", invoice.InvoiceNumber)
	}

	policy := p.policy.Get()
	attempt, err := p.openAttempt(ctx, invoice)
	if err != nil {
		return nil, err
	}

	result := p.charge(ctx, invoice, policy.GatewayTimeout)

	if result.err == nil && result.charge.Success {
		return p.recordSuccess(ctx, invoice, attempt, result.charge)
	}
	return p.recordFailure(ctx, invoice, attempt, result, policy)
}

// RetryPayment re-runs ProcessPayment for a manual or scheduled retry.
// Once the schedule is exhausted it refuses without force.
func (p *Processor) RetryPayment(ctx context.Context, invoiceID int64, force bool) (*PaymentResult, error) {
	if !force {
		invoice, err := p.invoices.GetInvoice(ctx, invoiceID)
		if err != nil {
			return nil, err
		}
		if invoice.Status == invoices.StatusOpen && invoice.BillingAttempts >= p.policy.Get().MaxRetries {
			return nil, errs.Ef(errs.KindExhaustedRetries,
				"invoice %s has exhausted its %d attempts", invoice.InvoiceNumber, invoice.BillingAttempts)
		}
	}
	return p.ProcessPayment(ctx, invoiceID)
}

// openAttempt inserts the next gapless attempt row. The unique constraint
// on (invoice_id, attempt_number) makes two concurrent processors collide
// here, and the loser backs off with a conflict.
func (p *Processor) openAttempt(ctx context.Context, invoice *invoices.Invoice) (*BillingAttempt, error) {
	attempt := &BillingAttempt{
		InvoiceID:     invoice.ID,
		AttemptNumber: invoice.BillingAttempts + 1,
		Status:        AttemptProcessing,
		StartedAt:     p.clock.Now(),
	}

	query := `
		INSERT INTO billing_attempts (invoice_id, attempt_number, status, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	err := p.db.QueryRowContext(ctx, query, attempt.InvoiceID, attempt.AttemptNumber,
		attempt.Status, attempt.StartedAt).Scan(&attempt.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, errs.Ef(errs.KindConflict,
				"attempt %d for invoice %d is already in flight", attempt.AttemptNumber, invoice.ID)
		}
		return nil, fmt.Errorf("failed to open billing attempt for invoice %d: %w", invoice.ID, err)
	}
	return attempt, nil
}

type chargeOutcome struct {
	charge   *ChargeResult
	err      error
	duration time.Duration
}

func (p *Processor) charge(ctx context.Context, invoice *invoices.Invoice, timeout time.Duration) chargeOutcome {
	req := ChargeRequest{
		InvoiceID:   invoice.ID,
		TenantID:    invoice.TenantID,
		AmountCents: invoice.TotalCents,
		Currency:    "usd",
	}
	if tenant, err := p.tenants.GetTenant(ctx, invoice.TenantID); err == nil {
		req.CustomerRef = tenant.GatewayCustomerRef
		req.PaymentMethodRef = tenant.GatewayPaymentMethodRef
	} else {
		p.logger.WithError(err).WithField("tenant_id", invoice.TenantID).Warn("charging without gateway refs")
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := p.gateway.Charge(cctx, req)
	duration := time.Since(start)

	outcome := "failure"
	if err == nil && result.Success {
		outcome = "success"
	}
	p.metrics.PaymentAttemptsTotal.WithLabelValues(outcome).Inc()
	p.metrics.PaymentAttemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if p.otelMetrics != nil {
		p.otelMetrics.RecordPaymentAttempt(ctx, outcome, duration)
	}

	return chargeOutcome{charge: result, err: err, duration: duration}
}

func (p *Processor) recordSuccess(ctx context.Context, invoice *invoices.Invoice,
	attempt *BillingAttempt, charge *ChargeResult) (*PaymentResult, error) {
	if err := p.closeAttempt(ctx, attempt, AttemptSuccess, "", ""); err != nil {
		return nil, err
	}
	if err := p.invoices.MarkPaid(ctx, invoice.ID); err != nil {
		return nil, err
	}

	if invoice.SubscriptionID != nil {
		_, _, err := p.jobs.CreateJobUnlessPending(ctx, &jobs.CreateJobRequest{
			JobType:        jobs.TypeRenewSubscription,
			TenantID:       &invoice.TenantID,
			SubscriptionID: invoice.SubscriptionID,
			InvoiceID:      &invoice.ID,
		})
		if err != nil {
			p.logger.WithError(err).
				WithField("subscription_id", *invoice.SubscriptionID).
				Error("failed to enqueue renewal after payment")
		}
	}

	p.logger.WithField("invoice_id", invoice.ID).
		WithField("attempt", attempt.AttemptNumber).
		WithField("reference_id", charge.ReferenceID).
		Info("payment collected")

	return &PaymentResult{
		Paid:          true,
		AttemptNumber: attempt.AttemptNumber,
		ReferenceID:   charge.ReferenceID,
	}, nil
}

func (p *Processor) recordFailure(ctx context.Context, invoice *invoices.Invoice,
	attempt *BillingAttempt, outcome chargeOutcome, policy DunningPolicy) (*PaymentResult, error) {
	code, reason := failureDetail(outcome)
	if err := p.closeAttempt(ctx, attempt, AttemptFailed, code, reason); err != nil {
		return nil, err
	}

	// The schedule delay is computed for every failure, the exhausting
	// one included, so next_attempt_at always records when a manual
	// retry becomes reasonable. The overdue sweep's attempt-count gate
	// is what stops automatic attempts past the schedule.
	exhausted := attempt.AttemptNumber >= policy.MaxRetries
	next := p.clock.Now().Add(policy.NextRetryDelay(attempt.AttemptNumber))
	nextAttemptAt := &next

	applied, err := p.bumpAttemptCount(ctx, invoice, attempt.AttemptNumber, nextAttemptAt)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A concurrent processor already recorded this failure; its retry
		// scheduling stands.
		p.logger.WithField("invoice_id", invoice.ID).Debug("attempt count already advanced")
		return &PaymentResult{
			Paid:          false,
			AttemptNumber: attempt.AttemptNumber,
			FailureReason: reason,
		}, nil
	}

	if exhausted {
		if err := p.handleMaxRetriesReached(ctx, invoice, policy); err != nil {
			p.logger.WithError(err).WithField("invoice_id", invoice.ID).Error("failed to run exhaustion path")
		}
	} else {
		_, err := p.jobs.CreateJob(ctx, &jobs.CreateJobRequest{
			JobType:        jobs.TypeRetryPayment,
			ScheduledFor:   *nextAttemptAt,
			TenantID:       &invoice.TenantID,
			SubscriptionID: invoice.SubscriptionID,
			InvoiceID:      &invoice.ID,
		})
		if err != nil {
			// The overdue sweep picks the invoice up from next_attempt_at
			// even without the job.
			p.logger.WithError(err).WithField("invoice_id", invoice.ID).Error("failed to enqueue retry job")
		} else {
			p.metrics.PaymentRetriesScheduled.Inc()
		}
	}

	p.logger.WithField("invoice_id", invoice.ID).
		WithField("attempt", attempt.AttemptNumber).
		WithField("reason", reason).
		Warn("payment attempt failed")

	return &PaymentResult{
		Paid:             false,
		AttemptNumber:    attempt.AttemptNumber,
		FailureReason:    reason,
		NextAttemptAt:    nextAttemptAt,
		RetriesExhausted: exhausted,
	}, nil
}

func failureDetail(outcome chargeOutcome) (code, reason string) {
	if outcome.err != nil {
		return "gateway_error", outcome.err.Error()
	}
	return outcome.charge.FailureCode, outcome.charge.FailureReason
}

// handleMaxRetriesReached marks the subscription past due, schedules its
// cancellation, and records the at-risk reminder.
func (p *Processor) handleMaxRetriesReached(ctx context.Context, invoice *invoices.Invoice, policy DunningPolicy) error {
	p.metrics.DunningExhaustedTotal.Inc()

	if invoice.SubscriptionID != nil && p.subs != nil {
		if err := p.subs.MarkPastDue(ctx, *invoice.SubscriptionID); err != nil {
			return err
		}
		_, _, err := p.jobs.CreateJobUnlessPending(ctx, &jobs.CreateJobRequest{
			JobType:        jobs.TypeCancelSubscription,
			ScheduledFor:   p.clock.Now().Add(policy.CancelDelay()),
			TenantID:       &invoice.TenantID,
			SubscriptionID: invoice.SubscriptionID,
			InvoiceID:      &invoice.ID,
		})
		if err != nil {
			return err
		}
	}

	return p.invoices.ScheduleAtRiskReminder(ctx, invoice.ID, invoice.TenantID)
}

// bumpAttemptCount advances the invoice's dunning fields, scoped by the
// count read at attempt start so the increment stays gapless.
func (p *Processor) bumpAttemptCount(ctx context.Context, invoice *invoices.Invoice,
	attemptNumber int, nextAttemptAt *time.Time) (bool, error) {
	now := p.clock.Now()
	query := `
		UPDATE invoices
		SET billing_attempts = $1, last_attempt_at = $2, next_attempt_at = $3, updated_at = $2
		WHERE id = $4 AND billing_attempts = $5
	`
	res, err := p.db.ExecContext(ctx, query, attemptNumber, now, nextAttemptAt,
		invoice.ID, attemptNumber-1)
	if err != nil {
		return false, fmt.Errorf("failed to advance attempt count for invoice %d: %w", invoice.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (p *Processor) closeAttempt(ctx context.Context, attempt *BillingAttempt,
	status AttemptStatus, code, message string) error {
	now := p.clock.Now()
	query := `
		UPDATE billing_attempts
		SET status = $1, error_code = $2, error_message = $3, completed_at = $4
		WHERE id = $5 AND status = $6
	`
	_, err := p.db.ExecContext(ctx, query, status, code, message, now, attempt.ID, AttemptProcessing)
	if err != nil {
		return fmt.Errorf("failed to close billing attempt %d: %w", attempt.ID, err)
	}
	attempt.Status = status
	attempt.ErrorCode = code
	attempt.ErrorMessage = message
	attempt.CompletedAt = &now
	return nil
}

// ListAttempts returns an invoice's attempts in order.
func (p *Processor) ListAttempts(ctx context.Context, invoiceID int64) ([]*BillingAttempt, error) {
	query := `
		SELECT id, invoice_id, attempt_number, status, error_code, error_message, started_at, completed_at
		FROM billing_attempts
		WHERE invoice_id = $1
		ORDER BY attempt_number ASC
	`
	rows, err := p.db.QueryContext(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for invoice %d: %w", invoiceID, err)
	}
	defer rows.Close()

	var result []*BillingAttempt
	for rows.Next() {
		attempt := &BillingAttempt{}
		var code, message sql.NullString
		err := rows.Scan(&attempt.ID, &attempt.InvoiceID, &attempt.AttemptNumber, &attempt.Status,
			&code, &message, &attempt.StartedAt, &attempt.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing attempt: %w", err)
		}
		attempt.ErrorCode = code.String
		attempt.ErrorMessage = message.String
		result = append(result, attempt)
	}
	return result, rows.Err()
}
