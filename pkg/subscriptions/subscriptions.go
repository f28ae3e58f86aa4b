// Package subscriptions advances recurring plans through their
// lifecycle: renewal with calendar-aware period arithmetic, trial expiry,
// scheduled plan changes, and cancellation for non-payment.
package subscriptions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tallyops/tally/pkg/clock"
	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/observability"
	"github.com/tallyops/tally/pkg/payments"
	"github.com/tallyops/tally/pkg/tenants"
)

// Service is the lifecycle contract consumed by the scheduler and the
// payment processor's hooks.
type Service interface {
	CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)
	RenewSubscription(ctx context.Context, id int64) (*Subscription, error)
	ExpireTrial(ctx context.Context, id int64) (*Subscription, error)
	MarkPastDue(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64, reason string) error
	CancelSubscriptionDueToPayment(ctx context.Context, id int64) error
	SchedulePlanChange(ctx context.Context, id int64, change PlanChange) error
	CancelAtPeriodEnd(ctx context.Context, id int64) error

	FindTrialsEndingWithin(ctx context.Context, lookahead time.Duration) ([]*Subscription, error)
	FindRenewingWithin(ctx context.Context, lookahead time.Duration) ([]*Subscription, error)
	FindLapsed(ctx context.Context, limit int) ([]*Subscription, error)
}

const subscriptionColumns = `id, tenant_id, plan_id, plan_type, amount_cents, billing_cycle,
	status, current_period_start, current_period_end, trial_end,
	scheduled_plan_id, scheduled_plan_type, scheduled_amount_cents, scheduled_change,
	discount_cents, discount_months_remaining, cancel_at_period_end,
	cancelled_at, cancel_reason, created_at, updated_at`

// PostgresService implements Service over the ledger store.
type PostgresService struct {
	db       *sql.DB
	invoices invoices.Service
	payments payments.Service
	tenants  tenants.Service
	clock    clock.Clock
	logger   *observability.Logger
}

func NewPostgresService(db *sql.DB, invoiceSvc invoices.Service, paymentSvc payments.Service,
	tenantDir tenants.Service, clk clock.Clock, logger *observability.Logger) *PostgresService {
	return &PostgresService{
		db:       db,
		invoices: invoiceSvc,
		payments: paymentSvc,
		tenants:  tenantDir,
		clock:    clk,
		logger:   logger,
	}
}

// CreateSubscription starts a plan, in trial when TrialDays is positive.
// A trialing subscription's first period is the trial itself; the real
// billing periods begin at trial expiry.
func (s *PostgresService) CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error) {
	if req.TenantID <= 0 || req.PlanID == "" {
		return nil, errs.E(errs.KindValidation, "tenant id and plan id are required")
	}
	if req.AmountCents < 0 {
		return nil, errs.E(errs.KindValidation, "amount cannot be negative")
	}
	if !req.BillingCycle.Valid() {
		return nil, errs.Ef(errs.KindValidation, "unknown billing cycle %q", req.BillingCycle)
	}

	now := s.clock.Now()
	sub := &Subscription{
		TenantID:           req.TenantID,
		PlanID:             req.PlanID,
		PlanType:           req.PlanType,
		AmountCents:        req.AmountCents,
		BillingCycle:       req.BillingCycle,
		Status:             StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   advancePeriod(now, req.BillingCycle),
	}
	if req.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, req.TrialDays)
		sub.Status = StatusTrialing
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodEnd = trialEnd
	}

	query := `
		INSERT INTO subscriptions (tenant_id, plan_id, plan_type, amount_cents, billing_cycle,
			status, current_period_start, current_period_end, trial_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, sub.TenantID, sub.PlanID, sub.PlanType,
		sub.AmountCents, sub.BillingCycle, sub.Status, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.TrialEnd).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	s.logger.WithField("subscription_id", sub.ID).
		WithField("tenant_id", sub.TenantID).
		WithField("status", string(sub.Status)).
		Info("subscription created")
	return sub, nil
}

func (s *PostgresService) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errs.Ef(errs.KindNotFound, "subscription %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %d: %w", id, err)
	}
	return sub, nil
}

// RenewSubscription advances the period by one billing cycle and applies
// any scheduled plan change. The write is scoped by the period end read
// beforehand, so two concurrent renewals advance the period exactly once
// and consume the plan change exactly once.
func (s *PostgresService) RenewSubscription(ctx context.Context, id int64) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCancelled {
		return nil, errs.Ef(errs.KindInvalidState, "subscription %d is cancelled", id)
	}
	if sub.CancelAtPeriodEnd {
		return nil, errs.Ef(errs.KindInvalidState, "subscription %d is set to cancel at period end", id)
	}

	newStart := sub.CurrentPeriodEnd
	newEnd := advancePeriod(newStart, sub.BillingCycle)

	planID, planType, amount := sub.PlanID, sub.PlanType, sub.AmountCents
	changeApplied := false
	if sub.ScheduledChange && sub.ScheduledPlanID != nil {
		planID = *sub.ScheduledPlanID
		if sub.ScheduledPlanType != nil {
			planType = *sub.ScheduledPlanType
		}
		if sub.ScheduledAmountCents != nil {
			amount = *sub.ScheduledAmountCents
		}
		changeApplied = true
	}

	discount := sub.DiscountCents
	monthsRemaining := sub.DiscountMonthsRemaining
	if monthsRemaining != nil {
		remaining := *monthsRemaining - sub.BillingCycle.Months()
		if remaining <= 0 {
			remaining = 0
			discount = 0
		}
		monthsRemaining = &remaining
	}

	now := s.clock.Now()
	query := `
		UPDATE subscriptions
		SET status = $1, plan_id = $2, plan_type = $3, amount_cents = $4,
			current_period_start = $5, current_period_end = $6,
			scheduled_plan_id = NULL, scheduled_plan_type = NULL,
			scheduled_amount_cents = NULL, scheduled_change = FALSE,
			discount_cents = $7, discount_months_remaining = $8, updated_at = $9
		WHERE id = $10 AND current_period_end = $11
	`
	res, err := s.db.ExecContext(ctx, query, StatusActive, planID, planType, amount,
		newStart, newEnd, discount, monthsRemaining, now, id, sub.CurrentPeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to renew subscription %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// A concurrent renewal already advanced the period.
		s.logger.WithField("subscription_id", id).Debug("subscription already renewed")
		return s.GetSubscription(ctx, id)
	}

	if changeApplied {
		if err := s.tenants.UpdatePlanCode(ctx, sub.TenantID, planID); err != nil {
			s.logger.WithError(err).
				WithField("tenant_id", sub.TenantID).
				Error("failed to propagate plan change to tenant directory")
		}
	}

	sub.Status = StatusActive
	sub.PlanID, sub.PlanType, sub.AmountCents = planID, planType, amount
	sub.CurrentPeriodStart, sub.CurrentPeriodEnd = newStart, newEnd
	sub.ScheduledPlanID, sub.ScheduledPlanType, sub.ScheduledAmountCents = nil, nil, nil
	sub.ScheduledChange = false
	sub.DiscountCents = discount
	sub.DiscountMonthsRemaining = monthsRemaining
	sub.UpdatedAt = now

	s.logger.WithField("subscription_id", id).
		WithField("period_end", newEnd.Format(time.RFC3339)).
		Info("subscription renewed")
	return sub, nil
}

// ExpireTrial converts a trial into real billing: first invoice, one
// inline payment attempt, active on success and past due on failure. The
// failure path does not retry here; the dunning schedule owns that.
func (s *PostgresService) ExpireTrial(ctx context.Context, id int64) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusTrialing {
		return nil, errs.Ef(errs.KindInvalidState, "subscription %d is not in trial", id)
	}

	now := s.clock.Now()
	periodEnd := advancePeriod(now, sub.BillingCycle)

	query := `
		UPDATE subscriptions
		SET status = $1, current_period_start = $2, current_period_end = $3, updated_at = $2
		WHERE id = $4 AND status = $5
	`
	res, err := s.db.ExecContext(ctx, query, StatusActive, now, periodEnd, id, StatusTrialing)
	if err != nil {
		return nil, fmt.Errorf("failed to expire trial for subscription %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, errs.Ef(errs.KindInvalidState, "subscription %d left trial concurrently", id)
	}

	sub.Status = StatusActive
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = periodEnd

	invoice, err := s.invoices.GenerateSubscriptionInvoice(ctx, invoices.GenerateRequest{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		AmountCents:    sub.AmountCents,
		DiscountCents:  sub.DiscountCents,
		PeriodStart:    now,
		PeriodEnd:      periodEnd,
	})
	if err != nil {
		return nil, err
	}

	result, err := s.payments.ProcessPayment(ctx, invoice.ID)
	if err != nil || !result.Paid {
		if err != nil {
			s.logger.WithError(err).WithField("subscription_id", id).Warn("first payment after trial errored")
		}
		if pdErr := s.MarkPastDue(ctx, id); pdErr != nil {
			return nil, pdErr
		}
		sub.Status = StatusPastDue
	}

	s.logger.WithField("subscription_id", id).
		WithField("status", string(sub.Status)).
		Info("trial expired")
	return sub, nil
}

// MarkPastDue flags a subscription whose payment is in dunning. A no-op
// when the subscription is already past due or cancelled.
func (s *PostgresService) MarkPastDue(ctx context.Context, id int64) error {
	query := `
		UPDATE subscriptions
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`
	res, err := s.db.ExecContext(ctx, query, StatusPastDue, s.clock.Now(), id, StatusActive, StatusTrialing)
	if err != nil {
		return fmt.Errorf("failed to mark subscription %d past due: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetSubscription(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Cancel terminates the subscription with the given reason. Idempotent.
func (s *PostgresService) Cancel(ctx context.Context, id int64, reason string) error {
	now := s.clock.Now()
	query := `
		UPDATE subscriptions
		SET status = $1, cancelled_at = $2, cancel_reason = $3, updated_at = $2
		WHERE id = $4 AND status <> $1
	`
	res, err := s.db.ExecContext(ctx, query, StatusCancelled, now, reason, id)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetSubscription(ctx, id); err != nil {
			return err
		}
		return nil
	}

	s.logger.WithField("subscription_id", id).WithField("reason", reason).Info("subscription cancelled")
	return nil
}

// CancelSubscriptionDueToPayment ends a past-due subscription and
// downgrades the tenant to the free tier. Guarded on past_due: a payment
// collected during the grace window reactivates the subscription and
// makes the scheduled cancellation a no-op.
func (s *PostgresService) CancelSubscriptionDueToPayment(ctx context.Context, id int64) error {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	query := `
		UPDATE subscriptions
		SET status = $1, cancelled_at = $2, cancel_reason = $3, updated_at = $2
		WHERE id = $4 AND status = $5
	`
	res, err := s.db.ExecContext(ctx, query, StatusCancelled, now, ReasonPaymentFailure, id, StatusPastDue)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription %d for non-payment: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		s.logger.WithField("subscription_id", id).Debug("subscription recovered before scheduled cancellation")
		return nil
	}

	if err := s.tenants.DowngradeToFree(ctx, sub.TenantID); err != nil {
		return fmt.Errorf("failed to downgrade tenant %d: %w", sub.TenantID, err)
	}

	s.logger.WithField("subscription_id", id).
		WithField("tenant_id", sub.TenantID).
		Warn("subscription cancelled for non-payment")
	return nil
}

// SchedulePlanChange queues a plan swap for the next renewal.
func (s *PostgresService) SchedulePlanChange(ctx context.Context, id int64, change PlanChange) error {
	if change.PlanID == "" {
		return errs.E(errs.KindValidation, "plan id is required")
	}
	if change.AmountCents < 0 {
		return errs.E(errs.KindValidation, "amount cannot be negative")
	}

	query := `
		UPDATE subscriptions
		SET scheduled_plan_id = $1, scheduled_plan_type = $2, scheduled_amount_cents = $3,
			scheduled_change = TRUE, updated_at = $4
		WHERE id = $5 AND status <> $6
	`
	res, err := s.db.ExecContext(ctx, query, change.PlanID, change.PlanType, change.AmountCents,
		s.clock.Now(), id, StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to schedule plan change for subscription %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		sub, err := s.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		return errs.Ef(errs.KindInvalidState, "subscription %d is %s", id, sub.Status)
	}
	return nil
}

// CancelAtPeriodEnd flags the subscription to lapse instead of renew when
// the current period ends.
func (s *PostgresService) CancelAtPeriodEnd(ctx context.Context, id int64) error {
	query := `
		UPDATE subscriptions
		SET cancel_at_period_end = TRUE, updated_at = $1
		WHERE id = $2 AND status <> $3
	`
	res, err := s.db.ExecContext(ctx, query, s.clock.Now(), id, StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to flag subscription %d for period-end cancellation: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		sub, err := s.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		return errs.Ef(errs.KindInvalidState, "subscription %d is %s", id, sub.Status)
	}
	return nil
}

// FindTrialsEndingWithin returns trialing subscriptions whose trial ends
// inside the lookahead window.
func (s *PostgresService) FindTrialsEndingWithin(ctx context.Context, lookahead time.Duration) ([]*Subscription, error) {
	now := s.clock.Now()
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND trial_end IS NOT NULL AND trial_end <= $2
		ORDER BY trial_end ASC
	`
	return s.querySubscriptions(ctx, query, StatusTrialing, now.Add(lookahead))
}

// FindRenewingWithin returns active subscriptions whose period ends
// inside the lookahead window. Feeds upcoming-invoice generation.
func (s *PostgresService) FindRenewingWithin(ctx context.Context, lookahead time.Duration) ([]*Subscription, error) {
	now := s.clock.Now()
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND current_period_end <= $2
		ORDER BY current_period_end ASC
	`
	return s.querySubscriptions(ctx, query, StatusActive, now.Add(lookahead))
}

// FindLapsed returns active subscriptions whose period has already ended.
func (s *PostgresService) FindLapsed(ctx context.Context, limit int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND current_period_end < $2
		ORDER BY current_period_end ASC
		LIMIT $3
	`
	return s.querySubscriptions(ctx, query, StatusActive, s.clock.Now(), limit)
}

func (s *PostgresService) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(r rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var cancelReason sql.NullString
	err := r.Scan(
		&sub.ID, &sub.TenantID, &sub.PlanID, &sub.PlanType, &sub.AmountCents, &sub.BillingCycle,
		&sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialEnd,
		&sub.ScheduledPlanID, &sub.ScheduledPlanType, &sub.ScheduledAmountCents, &sub.ScheduledChange,
		&sub.DiscountCents, &sub.DiscountMonthsRemaining, &sub.CancelAtPeriodEnd,
		&sub.CancelledAt, &cancelReason, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.CancelReason = cancelReason.String
	return sub, nil
}
