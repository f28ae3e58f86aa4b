package invoices

import (
	"context"
	"fmt"
	"time"
)

// reminderOffsetDays is the reminder schedule around an invoice due date:
// three days and one day before, the due date itself, then three and
// seven days after. Offsets already in the past at scheduling time are
// skipped.
var reminderOffsetDays = []int{-3, -1, 0, 3, 7}

func reminderTypeForOffset(offset int) ReminderType {
	switch {
	case offset < 0:
		return ReminderTypeUpcoming
	case offset == 0:
		return ReminderTypeDue
	default:
		return ReminderTypeOverdue
	}
}

// scheduleReminders inserts the due-date reminder rows for a new invoice.
// Runs inside the invoice-creation transaction.
func scheduleReminders(ctx context.Context, q execQuerier, invoice *Invoice, now time.Time) error {
	query := `
		INSERT INTO payment_reminders (invoice_id, tenant_id, reminder_type, scheduled_for, status)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, offset := range reminderOffsetDays {
		scheduledFor := invoice.DueDate.AddDate(0, 0, offset)
		if scheduledFor.Before(now) {
			continue
		}
		_, err := q.ExecContext(ctx, query, invoice.ID, invoice.TenantID,
			reminderTypeForOffset(offset), scheduledFor, ReminderScheduled)
		if err != nil {
			return fmt.Errorf("failed to schedule reminder for invoice %d: %w", invoice.ID, err)
		}
	}
	return nil
}

// ScheduleAtRiskReminder records an immediate subscription-at-risk
// reminder when the dunning schedule is exhausted.
func (s *PostgresService) ScheduleAtRiskReminder(ctx context.Context, invoiceID, tenantID int64) error {
	query := `
		INSERT INTO payment_reminders (invoice_id, tenant_id, reminder_type, scheduled_for, status)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query, invoiceID, tenantID,
		ReminderTypeAtRisk, s.clock.Now(), ReminderScheduled)
	if err != nil {
		return fmt.Errorf("failed to schedule at-risk reminder for invoice %d: %w", invoiceID, err)
	}
	return nil
}

// CancelScheduledReminders cancels every scheduled reminder of an
// invoice. Called on paid and void transitions.
func (s *PostgresService) CancelScheduledReminders(ctx context.Context, invoiceID int64) (int64, error) {
	query := `
		UPDATE payment_reminders
		SET status = $1, updated_at = $2
		WHERE invoice_id = $3 AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, ReminderCancelled, s.clock.Now(), invoiceID, ReminderScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel reminders for invoice %d: %w", invoiceID, err)
	}
	cancelled, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if cancelled > 0 {
		s.metrics.RemindersCancelledTotal.Add(float64(cancelled))
	}
	return cancelled, nil
}

// ListDueReminders returns scheduled reminders whose time has come,
// joined with the parent invoice so the dispatcher can cancel instead of
// send when the invoice is already settled.
func (s *PostgresService) ListDueReminders(ctx context.Context, limit int) ([]*DueReminder, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT r.id, r.invoice_id, r.tenant_id, r.reminder_type, r.scheduled_for, r.status,
			r.created_at, r.updated_at,
			i.invoice_number, i.status, i.total_cents, i.due_date
		FROM payment_reminders r
		JOIN invoices i ON i.id = r.invoice_id
		WHERE r.status = $1 AND r.scheduled_for <= $2
		ORDER BY r.scheduled_for ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, ReminderScheduled, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due reminders: %w", err)
	}
	defer rows.Close()

	var result []*DueReminder
	for rows.Next() {
		r := &DueReminder{}
		err := rows.Scan(&r.ID, &r.InvoiceID, &r.TenantID, &r.ReminderType,
			&r.ScheduledFor, &r.PaymentReminder.Status, &r.CreatedAt, &r.UpdatedAt,
			&r.InvoiceNumber, &r.InvoiceStatus, &r.TotalCents, &r.DueDate)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due reminder: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// MarkReminderSent closes a reminder after a successful send.
func (s *PostgresService) MarkReminderSent(ctx context.Context, reminderID int64) error {
	if err := s.setReminderStatus(ctx, reminderID, ReminderSent); err != nil {
		return err
	}
	s.metrics.RemindersSentTotal.Inc()
	return nil
}

// MarkReminderFailed records a failed send. The reminder stays closed;
// the next scheduled offset covers the follow-up.
func (s *PostgresService) MarkReminderFailed(ctx context.Context, reminderID int64) error {
	return s.setReminderStatus(ctx, reminderID, ReminderFailed)
}

// CancelReminder cancels a single scheduled reminder.
func (s *PostgresService) CancelReminder(ctx context.Context, reminderID int64) error {
	if err := s.setReminderStatus(ctx, reminderID, ReminderCancelled); err != nil {
		return err
	}
	s.metrics.RemindersCancelledTotal.Inc()
	return nil
}

func (s *PostgresService) setReminderStatus(ctx context.Context, reminderID int64, status ReminderStatus) error {
	query := `
		UPDATE payment_reminders
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	_, err := s.db.ExecContext(ctx, query, status, s.clock.Now(), reminderID, ReminderScheduled)
	if err != nil {
		return fmt.Errorf("failed to set reminder %d to %s: %w", reminderID, status, err)
	}
	return nil
}
