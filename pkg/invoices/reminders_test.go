package invoices

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListDueReminders(t *testing.T) {
	svc, mock := newTestService(t)

	rows := sqlmock.NewRows([]string{
		"id", "invoice_id", "tenant_id", "reminder_type", "scheduled_for", "status",
		"created_at", "updated_at", "invoice_number", "invoice_status", "total_cents", "due_date",
	}).
		AddRow(1, 42, 1, ReminderTypeDue, testNow.Add(-time.Hour), ReminderScheduled,
			testNow, testNow, "INV-202406-3", StatusOpen, 10000, testNow).
		AddRow(2, 43, 1, ReminderTypeOverdue, testNow.Add(-time.Minute), ReminderScheduled,
			testNow, testNow, "INV-202406-4", StatusPaid, 5000, testNow)

	mock.ExpectQuery("SELECT (.+) FROM payment_reminders r").
		WithArgs(ReminderScheduled, testNow, 100).
		WillReturnRows(rows)

	due, err := svc.ListDueReminders(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, StatusOpen, due[0].InvoiceStatus)
	assert.Equal(t, StatusPaid, due[1].InvoiceStatus)
	assert.Equal(t, ReminderTypeOverdue, due[1].ReminderType)
}

func TestCancelScheduledReminders(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("UPDATE payment_reminders").
		WithArgs(ReminderCancelled, testNow, int64(42), ReminderScheduled).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := svc.CancelScheduledReminders(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMarkReminderSent(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("UPDATE payment_reminders").
		WithArgs(ReminderSent, testNow, int64(9), ReminderScheduled).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.MarkReminderSent(context.Background(), 9))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleAtRiskReminder(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("INSERT INTO payment_reminders").
		WithArgs(int64(42), int64(1), ReminderTypeAtRisk, testNow, ReminderScheduled).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, svc.ScheduleAtRiskReminder(context.Background(), 42, 1))
}
