package notify

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/observability"
)

const defaultSendConcurrency = 8

// Dispatcher drains due reminders. Reminders whose invoice is already
// settled are cancelled lazily here instead of being sent.
type Dispatcher struct {
	invoices    invoices.Service
	sender      Sender
	logger      *observability.Logger
	concurrency int
}

func NewDispatcher(invoiceSvc invoices.Service, sender Sender, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{
		invoices:    invoiceSvc,
		sender:      sender,
		logger:      logger,
		concurrency: defaultSendConcurrency,
	}
}

// DispatchDueReminders sends everything currently due, fanning sends out
// over a bounded worker group. Per-reminder failures are recorded and do
// not abort the batch; the returned counts are sent and cancelled.
func (d *Dispatcher) DispatchDueReminders(ctx context.Context, limit int) (sent, cancelled int, err error) {
	due, err := d.invoices.ListDueReminders(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	var toSend []*invoices.DueReminder
	for _, reminder := range due {
		if reminder.InvoiceStatus == invoices.StatusPaid || reminder.InvoiceStatus == invoices.StatusVoid {
			if cErr := d.invoices.CancelReminder(ctx, reminder.ID); cErr != nil {
				d.logger.WithError(cErr).WithField("reminder_id", reminder.ID).Warn("failed to cancel settled reminder")
				continue
			}
			cancelled++
			continue
		}
		toSend = append(toSend, reminder)
	}

	var (
		group, gctx = errgroup.WithContext(ctx)
		results     = make([]bool, len(toSend))
	)
	group.SetLimit(d.concurrency)

	for i, reminder := range toSend {
		group.Go(func() error {
			sendErr := d.sender.Send(gctx, Notification{
				ReminderType:  reminder.ReminderType,
				InvoiceID:     reminder.InvoiceID,
				InvoiceNumber: reminder.InvoiceNumber,
				TenantID:      reminder.TenantID,
				AmountCents:   reminder.TotalCents,
				DueDate:       reminder.DueDate,
			})
			if sendErr != nil {
				d.logger.WithError(sendErr).
					WithField("reminder_id", reminder.ID).
					WithField("invoice_id", reminder.InvoiceID).
					Warn("reminder send failed")
				if mErr := d.invoices.MarkReminderFailed(ctx, reminder.ID); mErr != nil {
					d.logger.WithError(mErr).WithField("reminder_id", reminder.ID).Warn("failed to record send failure")
				}
				return nil
			}
			if mErr := d.invoices.MarkReminderSent(ctx, reminder.ID); mErr != nil {
				d.logger.WithError(mErr).WithField("reminder_id", reminder.ID).Warn("failed to record send")
				return nil
			}
			results[i] = true
			return nil
		})
	}

	// Group errors are always nil; failures are per-reminder.
	_ = group.Wait()

	for _, ok := range results {
		if ok {
			sent++
		}
	}
	return sent, cancelled, nil
}
