package invoices

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tallyops/tally/pkg/clock"
	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/jobs"
	"github.com/tallyops/tally/pkg/observability"
)

// Service is the invoice manager contract consumed by the payment
// processor, the subscription lifecycle manager, and the scheduler.
type Service interface {
	CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*Invoice, error)
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	ListInvoices(ctx context.Context, tenantID int64, filter ListFilter) ([]*Invoice, error)
	UpdateInvoice(ctx context.Context, id int64, req *UpdateInvoiceRequest) (*Invoice, error)
	MarkPaid(ctx context.Context, id int64) error
	VoidInvoice(ctx context.Context, id int64) error
	GenerateSubscriptionInvoice(ctx context.Context, req GenerateRequest) (*Invoice, error)
	FindOverdueInvoices(ctx context.Context, maxAttempts int, limit int) ([]*Invoice, error)
	HasPaidInvoiceSince(ctx context.Context, subscriptionID int64, since time.Time) (bool, error)

	ScheduleAtRiskReminder(ctx context.Context, invoiceID, tenantID int64) error
	CancelScheduledReminders(ctx context.Context, invoiceID int64) (int64, error)
	ListDueReminders(ctx context.Context, limit int) ([]*DueReminder, error)
	MarkReminderSent(ctx context.Context, reminderID int64) error
	MarkReminderFailed(ctx context.Context, reminderID int64) error
	CancelReminder(ctx context.Context, reminderID int64) error
}

const invoiceColumns = `id, tenant_id, subscription_id, invoice_number,
	subtotal_cents, discount_cents, tax_cents, total_cents, due_date, status,
	billing_attempts, last_attempt_at, next_attempt_at, paid_at, created_at, updated_at`

// PostgresService implements Service over the ledger store.
type PostgresService struct {
	db      *sql.DB
	jobs    *jobs.Queue
	clock   clock.Clock
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewPostgresService(db *sql.DB, jobQueue *jobs.Queue, clk clock.Clock, logger *observability.Logger, metrics *observability.Metrics) *PostgresService {
	return &PostgresService{
		db:      db,
		jobs:    jobQueue,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
	}
}

// CreateInvoice allocates a number and persists the invoice, scheduling
// due-date reminders in the same transaction so a crash cannot leave an
// open invoice without its reminder trail.
func (s *PostgresService) CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*Invoice, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	invoice, err := s.createInvoice(ctx, req, "manual")
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

func validateCreateRequest(req *CreateInvoiceRequest) error {
	if req.TenantID <= 0 {
		return errs.E(errs.KindValidation, "tenant id is required")
	}
	if req.SubtotalCents < 0 {
		return errs.E(errs.KindValidation, "subtotal cannot be negative")
	}
	if req.DiscountCents < 0 || req.DiscountCents > req.SubtotalCents {
		return errs.E(errs.KindValidation, "discount must be between zero and the subtotal")
	}
	if req.TaxCents < 0 {
		return errs.E(errs.KindValidation, "tax cannot be negative")
	}
	if req.DueDate.IsZero() {
		return errs.E(errs.KindValidation, "due date is required")
	}
	return nil
}

func (s *PostgresService) createInvoice(ctx context.Context, req *CreateInvoiceRequest, origin string) (*Invoice, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin invoice transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now()
	number, err := nextInvoiceNumber(ctx, tx, req.TenantID, now)
	if err != nil {
		return nil, err
	}

	status := StatusOpen
	if req.Draft {
		status = StatusDraft
	}

	invoice := &Invoice{
		TenantID:       req.TenantID,
		SubscriptionID: req.SubscriptionID,
		InvoiceNumber:  number,
		SubtotalCents:  req.SubtotalCents,
		DiscountCents:  req.DiscountCents,
		TaxCents:       req.TaxCents,
		TotalCents:     req.SubtotalCents - req.DiscountCents + req.TaxCents,
		DueDate:        req.DueDate,
		Status:         status,
	}

	query := `
		INSERT INTO invoices (tenant_id, subscription_id, invoice_number,
			subtotal_cents, discount_cents, tax_cents, total_cents, due_date, status, billing_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, query, invoice.TenantID, invoice.SubscriptionID,
		invoice.InvoiceNumber, invoice.SubtotalCents, invoice.DiscountCents,
		invoice.TaxCents, invoice.TotalCents, invoice.DueDate, invoice.Status).
		Scan(&invoice.ID, &invoice.CreatedAt, &invoice.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	if status == StatusOpen {
		if err := scheduleReminders(ctx, tx, invoice, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit invoice transaction: %w", err)
	}

	s.metrics.InvoicesCreatedTotal.WithLabelValues(origin).Inc()
	s.logger.WithField("invoice_number", invoice.InvoiceNumber).
		WithField("tenant_id", invoice.TenantID).
		Info("invoice created")
	return invoice, nil
}

// GetInvoice retrieves an invoice by ID.
func (s *PostgresService) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	invoice, err := scanInvoice(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errs.Ef(errs.KindNotFound, "invoice %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %d: %w", id, err)
	}
	return invoice, nil
}

// ListInvoices returns a tenant's invoices, newest first.
func (s *PostgresService) ListInvoices(ctx context.Context, tenantID int64, filter ListFilter) ([]*Invoice, error) {
	var (
		conditions = []string{"tenant_id = $1"}
		args       = []interface{}{tenantID}
	)

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.DueBefore.IsZero() {
		args = append(args, filter.DueBefore)
		conditions = append(conditions, fmt.Sprintf("due_date < $%d", len(args)))
	}
	if filter.Overdue {
		args = append(args, StatusOpen, s.clock.Now())
		conditions = append(conditions, fmt.Sprintf("status = $%d AND due_date < $%d", len(args)-1, len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		invoiceColumns, strings.Join(conditions, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices for tenant %d: %w", tenantID, err)
	}
	defer rows.Close()

	var result []*Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		result = append(result, invoice)
	}
	return result, rows.Err()
}

// UpdateInvoice mutates amount and due-date fields of a draft or open
// invoice. The write is scoped by the status read beforehand, so a
// transition racing this update makes the update lose cleanly.
func (s *PostgresService) UpdateInvoice(ctx context.Context, id int64, req *UpdateInvoiceRequest) (*Invoice, error) {
	invoice, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if invoice.Status != StatusDraft && invoice.Status != StatusOpen {
		return nil, errs.Ef(errs.KindInvalidState, "invoice %s is %s and cannot be updated", invoice.InvoiceNumber, invoice.Status)
	}

	if req.SubtotalCents != nil {
		invoice.SubtotalCents = *req.SubtotalCents
	}
	if req.DiscountCents != nil {
		invoice.DiscountCents = *req.DiscountCents
	}
	if req.TaxCents != nil {
		invoice.TaxCents = *req.TaxCents
	}
	if req.DueDate != nil {
		invoice.DueDate = *req.DueDate
	}
	if invoice.SubtotalCents < 0 || invoice.DiscountCents < 0 || invoice.DiscountCents > invoice.SubtotalCents || invoice.TaxCents < 0 {
		return nil, errs.E(errs.KindValidation, "invoice amounts out of range")
	}
	invoice.TotalCents = invoice.SubtotalCents - invoice.DiscountCents + invoice.TaxCents

	now := s.clock.Now()
	query := `
		UPDATE invoices
		SET subtotal_cents = $1, discount_cents = $2, tax_cents = $3,
			total_cents = $4, due_date = $5, updated_at = $6
		WHERE id = $7 AND status = $8
	`
	res, err := s.db.ExecContext(ctx, query, invoice.SubtotalCents, invoice.DiscountCents,
		invoice.TaxCents, invoice.TotalCents, invoice.DueDate, now, id, invoice.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to update invoice %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, errs.Ef(errs.KindConflict, "invoice %d was modified concurrently", id)
	}

	invoice.UpdatedAt = now
	return invoice, nil
}

// MarkPaid settles an invoice. Idempotent: a second call against an
// already-paid invoice is a no-op. Pending retry jobs and scheduled
// reminders against the invoice are cancelled so nothing fires against a
// settled bill.
func (s *PostgresService) MarkPaid(ctx context.Context, id int64) error {
	now := s.clock.Now()
	query := `
		UPDATE invoices
		SET status = $1, paid_at = $2, next_attempt_at = NULL, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`
	res, err := s.db.ExecContext(ctx, query, StatusPaid, now, id, StatusDraft, StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to mark invoice %d paid: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		invoice, err := s.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if invoice.Status == StatusPaid {
			return nil
		}
		return errs.Ef(errs.KindInvalidState, "invoice %s is %s and cannot be marked paid", invoice.InvoiceNumber, invoice.Status)
	}

	if _, err := s.jobs.CancelPendingJobs(ctx, jobs.TypeRetryPayment, id); err != nil {
		s.logger.WithError(err).WithField("invoice_id", id).Warn("failed to cancel retry jobs for paid invoice")
	}
	if _, err := s.CancelScheduledReminders(ctx, id); err != nil {
		s.logger.WithError(err).WithField("invoice_id", id).Warn("failed to cancel reminders for paid invoice")
	}

	s.metrics.InvoicesPaidTotal.Inc()
	s.logger.WithField("invoice_id", id).Info("invoice paid")
	return nil
}

// VoidInvoice voids a draft or open invoice. A paid invoice cannot be
// voided; voiding an already-void invoice is a no-op.
func (s *PostgresService) VoidInvoice(ctx context.Context, id int64) error {
	now := s.clock.Now()
	query := `
		UPDATE invoices
		SET status = $1, next_attempt_at = NULL, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`
	res, err := s.db.ExecContext(ctx, query, StatusVoid, now, id, StatusDraft, StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to void invoice %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		invoice, err := s.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if invoice.Status == StatusVoid {
			return nil
		}
		return errs.Ef(errs.KindInvalidState, "invoice %s is %s and cannot be voided", invoice.InvoiceNumber, invoice.Status)
	}

	if _, err := s.jobs.CancelPendingJobs(ctx, jobs.TypeRetryPayment, id); err != nil {
		s.logger.WithError(err).WithField("invoice_id", id).Warn("failed to cancel retry jobs for voided invoice")
	}
	if _, err := s.CancelScheduledReminders(ctx, id); err != nil {
		s.logger.WithError(err).WithField("invoice_id", id).Warn("failed to cancel reminders for voided invoice")
	}

	s.metrics.InvoicesVoidedTotal.Inc()
	s.logger.WithField("invoice_id", id).Info("invoice voided")
	return nil
}

// GenerateSubscriptionInvoice produces the invoice for one billing period.
// Idempotent per period: an open or draft invoice already covering the
// period is returned instead of creating a duplicate, so a retriggered
// scheduler run cannot double-bill.
func (s *PostgresService) GenerateSubscriptionInvoice(ctx context.Context, req GenerateRequest) (*Invoice, error) {
	if req.SubscriptionID <= 0 || req.TenantID <= 0 {
		return nil, errs.E(errs.KindValidation, "subscription and tenant ids are required")
	}
	if req.DiscountCents > req.AmountCents {
		req.DiscountCents = req.AmountCents
	}

	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE subscription_id = $1 AND status IN ($2, $3) AND due_date >= $4
		ORDER BY due_date ASC
		LIMIT 1
	`
	existing, err := scanInvoice(s.db.QueryRowContext(ctx, query,
		req.SubscriptionID, StatusDraft, StatusOpen, req.PeriodStart))
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check existing invoice for subscription %d: %w", req.SubscriptionID, err)
	}

	invoice, err := s.createInvoice(ctx, &CreateInvoiceRequest{
		TenantID:       req.TenantID,
		SubscriptionID: &req.SubscriptionID,
		SubtotalCents:  req.AmountCents,
		DiscountCents:  req.DiscountCents,
		DueDate:        req.PeriodEnd,
	}, "subscription")
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// FindOverdueInvoices returns open invoices past due whose next attempt
// time has arrived and whose attempt count leaves retries in the schedule.
func (s *PostgresService) FindOverdueInvoices(ctx context.Context, maxAttempts int, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.clock.Now()
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE status = $1 AND due_date < $2
			AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2
			AND billing_attempts < $3
		ORDER BY next_attempt_at ASC
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, query, StatusOpen, now, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find overdue invoices: %w", err)
	}
	defer rows.Close()

	var result []*Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		result = append(result, invoice)
	}
	return result, rows.Err()
}

// HasPaidInvoiceSince reports whether the subscription has a paid invoice
// due on or after the given time. The expired-subscription sweep uses it
// to decide renew-versus-past-due.
func (s *PostgresService) HasPaidInvoiceSince(ctx context.Context, subscriptionID int64, since time.Time) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM invoices
			WHERE subscription_id = $1 AND status = $2 AND due_date >= $3
		)
	`
	err := s.db.QueryRowContext(ctx, query, subscriptionID, StatusPaid, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check paid invoice for subscription %d: %w", subscriptionID, err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(s rowScanner) (*Invoice, error) {
	invoice := &Invoice{}
	err := s.Scan(
		&invoice.ID, &invoice.TenantID, &invoice.SubscriptionID, &invoice.InvoiceNumber,
		&invoice.SubtotalCents, &invoice.DiscountCents, &invoice.TaxCents, &invoice.TotalCents,
		&invoice.DueDate, &invoice.Status, &invoice.BillingAttempts,
		&invoice.LastAttemptAt, &invoice.NextAttemptAt, &invoice.PaidAt,
		&invoice.CreatedAt, &invoice.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return invoice, nil
}
