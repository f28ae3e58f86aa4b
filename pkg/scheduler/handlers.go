package scheduler

import (
	"context"
	"fmt"

	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/jobs"
	"github.com/tallyops/tally/pkg/notify"
	"github.com/tallyops/tally/pkg/payments"
	"github.com/tallyops/tally/pkg/subscriptions"
)

// RegisterJobHandlers installs the handler for every billing job type.
// Called once during startup wiring, after the services exist.
func RegisterJobHandlers(
	registry *jobs.Registry,
	invoiceSvc invoices.Service,
	paymentSvc payments.Service,
	subscriptionSvc subscriptions.Service,
	dispatcher *notify.Dispatcher,
) {
	registry.MustRegister(jobs.TypeGenerateInvoice, func(ctx context.Context, job *jobs.BillingJob) (string, error) {
		if job.SubscriptionID == nil {
			return "", errs.E(errs.KindValidation, "generate_invoice job has no subscription")
		}
		sub, err := subscriptionSvc.GetSubscription(ctx, *job.SubscriptionID)
		if err != nil {
			return "", err
		}
		if sub.Status == subscriptions.StatusCancelled || sub.CancelAtPeriodEnd {
			return fmt.Sprintf("subscription %d not renewing, no invoice", sub.ID), nil
		}
		start, end := sub.NextPeriod()
		invoice, err := invoiceSvc.GenerateSubscriptionInvoice(ctx, invoices.GenerateRequest{
			SubscriptionID: sub.ID,
			TenantID:       sub.TenantID,
			AmountCents:    sub.AmountCents,
			DiscountCents:  sub.DiscountCents,
			PeriodStart:    start,
			PeriodEnd:      end,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("invoice %s for subscription %d", invoice.InvoiceNumber, sub.ID), nil
	})

	registry.MustRegister(jobs.TypeProcessPayment, func(ctx context.Context, job *jobs.BillingJob) (string, error) {
		if job.InvoiceID == nil {
			return "", errs.E(errs.KindValidation, "process_payment job has no invoice")
		}
		return describePayment(paymentSvc.ProcessPayment(ctx, *job.InvoiceID))
	})

	registry.MustRegister(jobs.TypeRetryPayment, func(ctx context.Context, job *jobs.BillingJob) (string, error) {
		if job.InvoiceID == nil {
			return "", errs.E(errs.KindValidation, "retry_payment job has no invoice")
		}
		result, err := paymentSvc.RetryPayment(ctx, *job.InvoiceID, false)
		if errs.IsExhaustedRetries(err) {
			// The dunning ladder already ran out; the cancellation job
			// owns the rest.
			return fmt.Sprintf("invoice %d out of retries", *job.InvoiceID), nil
		}
		return describePayment(result, err)
	})

	registry.MustRegister(jobs.TypeSendReminder, func(ctx context.Context, job *jobs.BillingJob) (string, error) {
		sent, cancelled, err := dispatcher.DispatchDueReminders(ctx, 100)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d reminders sent, %d cancelled", sent, cancelled), nil
	})

	registry.MustRegister(jobs.TypeExpireTrial, func(ctx context.Context, job *jobs.BillingJob) (string, error) {
		if job.SubscriptionID == nil {
			return "", errs.E(errs.KindValidation, "expire_trial job has no subscription")
		}
		sub, err := subscriptionSvc.ExpireTrial(ctx, *job.SubscriptionID)
		if errs.IsInvalidState(err) {
			// Already expired or cancelled between enqueue and run.
			return fmt.Sprintf("subscription %d no longer in trial", *job.SubscriptionID), nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("subscription %d trial expired, now %s", sub.ID, sub.Status), nil
	})

	registry.MustRegister(jobs.TypeRenewSubscription, func(ctx context.Context, job *jobs.BillingJob) (string, error) {
		if job.SubscriptionID == nil {
			return "", errs.E(errs.KindValidation, "renew_subscription job has no subscription")
		}
		sub, err := subscriptionSvc.RenewSubscription(ctx, *job.SubscriptionID)
		if errs.IsInvalidState(err) {
			return fmt.Sprintf("subscription %d not renewable", *job.SubscriptionID), nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("subscription %d renewed through %s", sub.ID,
			sub.CurrentPeriodEnd.Format("2006-01-02")), nil
	})

	registry.MustRegister(jobs.TypeCancelSubscription, func(ctx context.Context, job *jobs.BillingJob) (string, error) {
		if job.SubscriptionID == nil {
			return "", errs.E(errs.KindValidation, "cancel_subscription job has no subscription")
		}
		if err := subscriptionSvc.CancelSubscriptionDueToPayment(ctx, *job.SubscriptionID); err != nil {
			return "", err
		}
		return fmt.Sprintf("subscription %d cancellation settled", *job.SubscriptionID), nil
	})
}

// describePayment turns a processor result into a job result line. A
// declined charge is a completed job; the processor already scheduled
// the follow-up.
func describePayment(result *payments.PaymentResult, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if result.Paid {
		return fmt.Sprintf("paid on attempt %d", result.AttemptNumber), nil
	}
	if result.RetriesExhausted {
		return fmt.Sprintf("declined on attempt %d, dunning exhausted", result.AttemptNumber), nil
	}
	if result.NextAttemptAt != nil {
		return fmt.Sprintf("declined on attempt %d, next attempt %s",
			result.AttemptNumber, result.NextAttemptAt.Format("2006-01-02")), nil
	}
	return fmt.Sprintf("declined on attempt %d", result.AttemptNumber), nil
}
