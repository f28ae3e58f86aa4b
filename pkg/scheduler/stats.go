package scheduler

import (
	"context"
	"fmt"
	"time"
)

// BillingStats is the daily-report snapshot, also served on the health
// server's /stats endpoint.
type BillingStats struct {
	OpenInvoices           int64     `json:"openInvoices"`
	OverdueInvoices        int64     `json:"overdueInvoices"`
	OutstandingCents       int64     `json:"outstandingCents"`
	CollectedCents24h      int64     `json:"collectedCents24h"`
	ActiveSubscriptions    int64     `json:"activeSubscriptions"`
	TrialingSubscriptions  int64     `json:"trialingSubscriptions"`
	PastDueSubscriptions   int64     `json:"pastDueSubscriptions"`
	CancelledSubscriptions int64     `json:"cancelledSubscriptions"`
	PendingJobs            int64     `json:"pendingJobs"`
	GeneratedAt            time.Time `json:"generatedAt"`
}

// GetBillingStats aggregates the report counters in one round trip per
// table, preferring a read replica.
func (s *Scheduler) GetBillingStats(ctx context.Context) (*BillingStats, error) {
	db := s.conns.Reporting()
	now := s.clock.Now()
	stats := &BillingStats{GeneratedAt: now}

	invoiceQuery := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'open'),
			COUNT(*) FILTER (WHERE status = 'open' AND due_date < $1),
			COALESCE(SUM(total_cents) FILTER (WHERE status = 'open'), 0),
			COALESCE(SUM(total_cents) FILTER (WHERE status = 'paid' AND paid_at >= $2), 0)
		FROM invoices
	`
	err := db.QueryRowContext(ctx, invoiceQuery, now, now.Add(-24*time.Hour)).Scan(
		&stats.OpenInvoices, &stats.OverdueInvoices,
		&stats.OutstandingCents, &stats.CollectedCents24h,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate invoice stats: %w", err)
	}

	subscriptionQuery := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'trialing'),
			COUNT(*) FILTER (WHERE status = 'past_due'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM subscriptions
	`
	err = db.QueryRowContext(ctx, subscriptionQuery).Scan(
		&stats.ActiveSubscriptions, &stats.TrialingSubscriptions,
		&stats.PastDueSubscriptions, &stats.CancelledSubscriptions,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate subscription stats: %w", err)
	}

	jobQuery := `SELECT COUNT(*) FROM billing_jobs WHERE status = 'pending'`
	if err := db.QueryRowContext(ctx, jobQuery).Scan(&stats.PendingJobs); err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	return stats, nil
}
