// Package jobs implements the persisted billing job queue.
//
// A BillingJob is a deferred unit of work (generate an invoice, retry a
// payment, expire a trial). Jobs move through a strict state machine:
//
//	pending → running → completed
//	                  → pending   (failure with retries remaining, +1h)
//	                  → cancelled (retries exhausted)
//
// Claiming is a conditional update scoped by status, so concurrent
// drains (or a drain racing a manual trigger) never double-process a
// job: the losing claimer observes zero rows affected and moves on.
//
// Dispatch is table-driven. Handlers are registered once at startup:
//
//	registry := jobs.NewRegistry()
//	registry.Register(jobs.TypeRetryPayment, func(ctx context.Context, job *jobs.BillingJob) (string, error) {
//	    _, err := processor.ProcessPayment(ctx, *job.InvoiceID)
//	    return "payment retried", err
//	})
//
// Jobs abandoned mid-run by a crashed process are reclaimed by
// ReclaimStale, which fails them back into the retry path once their
// started_at passes a staleness threshold.
package jobs
