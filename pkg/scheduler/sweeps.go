package scheduler

import (
	"context"
	"fmt"

	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/jobs"
	"github.com/tallyops/tally/pkg/subscriptions"
)

// Sweep names as reported in metrics and logs.
const (
	SweepDrainJobs        = "drain_jobs"
	SweepScanTrials       = "scan_trials"
	SweepUpcomingInvoices = "upcoming_invoices"
	SweepRetryOverdue     = "retry_overdue"
	SweepReminders        = "reminders"
	SweepSettleLapsed     = "settle_lapsed"
	SweepReclaimStale     = "reclaim_stale"
	SweepPurgeJobs        = "purge_jobs"
	SweepDailyReport      = "daily_report"
)

// DrainJobs claims and runs due billing jobs one at a time. A failing
// job is counted and left to the queue's own retry bookkeeping; the
// drain keeps going.
func (s *Scheduler) DrainJobs(ctx context.Context) error {
	pending, err := s.jobs.FindPendingJobs(ctx, s.config.DrainBatch)
	if err != nil {
		return fmt.Errorf("failed to find pending jobs: %w", err)
	}

	for _, job := range pending {
		if err := s.jobs.ProcessJob(ctx, job.ID); err != nil {
			s.countEntityError(SweepDrainJobs, s.logger.WithField("job_id", job.ID), err)
		}
	}

	depth, err := s.jobs.CountDue(ctx)
	if err != nil {
		return fmt.Errorf("failed to count due jobs: %w", err)
	}
	s.metrics.JobQueueDepth.Set(float64(depth))

	if len(pending) > 0 {
		s.logger.WithField("processed", len(pending)).
			WithField("queue_depth", depth).
			Info("drained billing jobs")
	}
	return nil
}

// ScanTrials enqueues an expire_trial job for every trial ending inside
// the lookahead window. The dedup in the queue makes repeated scans
// produce exactly one pending job per subscription.
func (s *Scheduler) ScanTrials(ctx context.Context) error {
	ending, err := s.subscriptions.FindTrialsEndingWithin(ctx, s.config.TrialLookahead)
	if err != nil {
		return fmt.Errorf("failed to find ending trials: %w", err)
	}

	enqueued := 0
	for _, sub := range ending {
		scheduledFor := s.clock.Now()
		if sub.TrialEnd != nil && sub.TrialEnd.After(scheduledFor) {
			scheduledFor = *sub.TrialEnd
		}
		_, created, err := s.jobs.CreateJobUnlessPending(ctx, &jobs.CreateJobRequest{
			JobType:        jobs.TypeExpireTrial,
			ScheduledFor:   scheduledFor,
			TenantID:       &sub.TenantID,
			SubscriptionID: &sub.ID,
		})
		if err != nil {
			s.countEntityError(SweepScanTrials, s.logger.WithField("subscription_id", sub.ID), err)
			continue
		}
		if created {
			enqueued++
		}
	}

	if enqueued > 0 {
		s.logger.WithField("enqueued", enqueued).Info("scheduled trial expirations")
	}
	return nil
}

// GenerateUpcomingInvoices creates the next period's invoice for every
// subscription renewing inside the lookahead window. Generation is
// idempotent per subscription and period, so overlapping runs are safe.
func (s *Scheduler) GenerateUpcomingInvoices(ctx context.Context) error {
	renewing, err := s.subscriptions.FindRenewingWithin(ctx, s.config.InvoiceLookahead)
	if err != nil {
		return fmt.Errorf("failed to find renewing subscriptions: %w", err)
	}

	generated := 0
	for _, sub := range renewing {
		if sub.CancelAtPeriodEnd {
			continue
		}
		start, end := sub.NextPeriod()
		_, err := s.invoices.GenerateSubscriptionInvoice(ctx, invoices.GenerateRequest{
			SubscriptionID: sub.ID,
			TenantID:       sub.TenantID,
			AmountCents:    sub.AmountCents,
			DiscountCents:  sub.DiscountCents,
			PeriodStart:    start,
			PeriodEnd:      end,
		})
		if err != nil {
			s.countEntityError(SweepUpcomingInvoices, s.logger.WithField("subscription_id", sub.ID), err)
			continue
		}
		generated++
	}

	if generated > 0 {
		s.logger.WithField("invoices", generated).Info("generated upcoming invoices")
	}
	return nil
}

// RetryOverdue pushes every overdue invoice with retries left through
// the payment processor. Invoices already at the retry ceiling are
// excluded by the query; an exhaustion race is a skip, not an error.
func (s *Scheduler) RetryOverdue(ctx context.Context) error {
	maxRetries := s.policy.Get().MaxRetries
	overdue, err := s.invoices.FindOverdueInvoices(ctx, maxRetries, s.config.OverdueBatch)
	if err != nil {
		return fmt.Errorf("failed to find overdue invoices: %w", err)
	}

	recovered := 0
	for _, inv := range overdue {
		result, err := s.payments.RetryPayment(ctx, inv.ID, false)
		if err != nil {
			if errs.IsExhaustedRetries(err) {
				continue
			}
			s.countEntityError(SweepRetryOverdue, s.logger.WithField("invoice_id", inv.ID), err)
			continue
		}
		if result.Paid {
			recovered++
		}
	}

	if len(overdue) > 0 {
		s.logger.WithField("attempted", len(overdue)).
			WithField("recovered", recovered).
			Info("retried overdue invoices")
	}
	return nil
}

// DispatchReminders sends every due payment reminder.
func (s *Scheduler) DispatchReminders(ctx context.Context) error {
	sent, cancelled, err := s.dispatcher.DispatchDueReminders(ctx, s.config.ReminderBatch)
	if err != nil {
		return err
	}
	s.metrics.RemindersSentTotal.Add(float64(sent))
	s.metrics.RemindersCancelledTotal.Add(float64(cancelled))
	if sent > 0 || cancelled > 0 {
		s.logger.WithField("sent", sent).
			WithField("cancelled", cancelled).
			Info("dispatched payment reminders")
	}
	return nil
}

// SettleLapsed resolves active subscriptions whose period has ended:
// renew when the renewal invoice was paid, cancel when the tenant asked
// to stop at period end, mark past due otherwise.
func (s *Scheduler) SettleLapsed(ctx context.Context) error {
	lapsed, err := s.subscriptions.FindLapsed(ctx, s.config.LapsedBatch)
	if err != nil {
		return fmt.Errorf("failed to find lapsed subscriptions: %w", err)
	}

	for _, sub := range lapsed {
		logger := s.logger.WithField("subscription_id", sub.ID)

		if sub.CancelAtPeriodEnd {
			if err := s.subscriptions.Cancel(ctx, sub.ID, subscriptions.ReasonCustomerRequest); err != nil {
				s.countEntityError(SweepSettleLapsed, logger, err)
			}
			continue
		}

		paid, err := s.invoices.HasPaidInvoiceSince(ctx, sub.ID, sub.CurrentPeriodStart)
		if err != nil {
			s.countEntityError(SweepSettleLapsed, logger, err)
			continue
		}
		if paid {
			if _, err := s.subscriptions.RenewSubscription(ctx, sub.ID); err != nil {
				s.countEntityError(SweepSettleLapsed, logger, err)
			}
			continue
		}
		if err := s.subscriptions.MarkPastDue(ctx, sub.ID); err != nil {
			s.countEntityError(SweepSettleLapsed, logger, err)
		}
	}
	return nil
}

// ReclaimStaleJobs requeues jobs stuck in running, usually after a
// scheduler crash mid-drain.
func (s *Scheduler) ReclaimStaleJobs(ctx context.Context) error {
	reclaimed, err := s.jobs.ReclaimStale(ctx, s.config.StaleThreshold)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		s.logger.WithField("reclaimed", reclaimed).Warn("reclaimed stale running jobs")
	}
	return nil
}

// PurgeFinishedJobs deletes terminal jobs older than the retention
// window.
func (s *Scheduler) PurgeFinishedJobs(ctx context.Context) error {
	deleted, err := s.jobs.DeleteFinished(ctx, s.config.JobRetention)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.logger.WithField("deleted", deleted).Info("purged finished jobs")
	}
	return nil
}

// DailyReport logs a snapshot of the ledger and refreshes the pool
// gauges. Runs against a read replica when one is configured.
func (s *Scheduler) DailyReport(ctx context.Context) error {
	stats, err := s.GetBillingStats(ctx)
	if err != nil {
		return err
	}
	s.metrics.UpdateDBStats(s.conns.Stats())

	s.logger.WithFields(map[string]interface{}{
		"open_invoices":           stats.OpenInvoices,
		"overdue_invoices":        stats.OverdueInvoices,
		"outstanding_cents":       stats.OutstandingCents,
		"collected_cents_24h":     stats.CollectedCents24h,
		"active_subscriptions":    stats.ActiveSubscriptions,
		"trialing_subscriptions":  stats.TrialingSubscriptions,
		"past_due_subscriptions":  stats.PastDueSubscriptions,
		"cancelled_subscriptions": stats.CancelledSubscriptions,
		"pending_jobs":            stats.PendingJobs,
	}).Info("daily billing report")
	return nil
}
