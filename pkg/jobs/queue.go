package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tallyops/tally/pkg/clock"
	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/observability"
)

const (
	// DefaultMaxRetries bounds how often a failed job re-enters the
	// pending state before being cancelled.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is how far out a failed job is rescheduled.
	DefaultRetryDelay = 1 * time.Hour
)

const jobColumns = `id, job_type, scheduled_for, status, retry_count, max_retries,
	tenant_id, subscription_id, invoice_id, result, error_message,
	started_at, completed_at, last_retry_at, created_at, updated_at`

// Queue is the persisted billing job queue over the ledger store.
type Queue struct {
	db         *sql.DB
	registry   *Registry
	clock      clock.Clock
	logger     *observability.Logger
	metrics    *observability.Metrics
	retryDelay time.Duration
}

// NewQueue creates a job queue. The registry may be populated after
// construction but before the first ProcessJob call.
func NewQueue(db *sql.DB, registry *Registry, clk clock.Clock, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	return &Queue{
		db:         db,
		registry:   registry,
		clock:      clk,
		logger:     logger,
		metrics:    metrics,
		retryDelay: DefaultRetryDelay,
	}
}

// SetRetryDelay overrides the failed-job reschedule delay.
func (q *Queue) SetRetryDelay(d time.Duration) {
	if d > 0 {
		q.retryDelay = d
	}
}

// CreateJob persists a new pending job.
func (q *Queue) CreateJob(ctx context.Context, req *CreateJobRequest) (*BillingJob, error) {
	if !req.JobType.Valid() {
		return nil, errs.Ef(errs.KindValidation, "unknown job type %q", req.JobType)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	scheduledFor := req.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = q.clock.Now()
	}

	query := `
		INSERT INTO billing_jobs (job_type, scheduled_for, status, retry_count, max_retries,
			tenant_id, subscription_id, invoice_id)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	job := &BillingJob{
		JobType:        req.JobType,
		ScheduledFor:   scheduledFor,
		Status:         StatusPending,
		MaxRetries:     maxRetries,
		TenantID:       req.TenantID,
		SubscriptionID: req.SubscriptionID,
		InvoiceID:      req.InvoiceID,
	}

	err := q.db.QueryRowContext(ctx, query, job.JobType, job.ScheduledFor, job.Status,
		job.MaxRetries, job.TenantID, job.SubscriptionID, job.InvoiceID).
		Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create billing job: %w", err)
	}

	return job, nil
}

// CreateJobUnlessPending creates a job only when no pending job of the
// same type already targets the same subscription. Used by the
// trial-expiry scan to guarantee exactly one expire_trial job per
// subscription across repeated scans.
func (q *Queue) CreateJobUnlessPending(ctx context.Context, req *CreateJobRequest) (*BillingJob, bool, error) {
	if req.SubscriptionID == nil {
		return nil, false, errs.E(errs.KindValidation, "subscription id is required for deduplicated jobs")
	}

	query := `
		SELECT ` + jobColumns + `
		FROM billing_jobs
		WHERE job_type = $1 AND subscription_id = $2 AND status = $3
		LIMIT 1
	`
	existing, err := q.scanJob(q.db.QueryRowContext(ctx, query, req.JobType, *req.SubscriptionID, StatusPending))
	if err == nil {
		return existing, false, nil
	}
	if !errs.IsNotFound(err) {
		return nil, false, err
	}

	job, err := q.CreateJob(ctx, req)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// GetJob retrieves a job by ID.
func (q *Queue) GetJob(ctx context.Context, id int64) (*BillingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM billing_jobs WHERE id = $1`
	job, err := q.scanJob(q.db.QueryRowContext(ctx, query, id))
	if errs.IsNotFound(err) {
		return nil, errs.Ef(errs.KindNotFound, "billing job %d not found", id)
	}
	return job, err
}

// FindPendingJobs returns up to limit jobs due for processing, oldest
// first. Failed jobs whose reschedule time has passed are included so
// they re-enter the retry path.
func (q *Queue) FindPendingJobs(ctx context.Context, limit int) ([]*BillingJob, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + jobColumns + `
		FROM billing_jobs
		WHERE status IN ($1, $2) AND scheduled_for <= $3
		ORDER BY scheduled_for ASC
		LIMIT $4
	`
	rows, err := q.db.QueryContext(ctx, query, StatusPending, StatusFailed, q.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending jobs: %w", err)
	}
	defer rows.Close()

	var result []*BillingJob
	for rows.Next() {
		job, err := q.scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

// CountDue returns the number of jobs currently due, for the queue
// depth gauge.
func (q *Queue) CountDue(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM billing_jobs WHERE status IN ($1, $2) AND scheduled_for <= $3`
	err := q.db.QueryRowContext(ctx, query, StatusPending, StatusFailed, q.clock.Now()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count due jobs: %w", err)
	}
	return count, nil
}

// ProcessJob claims and executes one job. A claim that loses to a
// concurrent drain is not an error: the job is simply skipped.
func (q *Queue) ProcessJob(ctx context.Context, id int64) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}

	claimed, err := q.claim(ctx, job)
	if err != nil {
		return err
	}
	if !claimed {
		q.logger.WithField("job_id", id).Debug("job already claimed by another worker")
		return nil
	}

	ctx = observability.WithJobID(ctx, id)
	result, runErr := q.run(ctx, job)

	if runErr != nil {
		return q.failJob(ctx, job, runErr)
	}
	return q.completeJob(ctx, job, result)
}

// run dispatches the job through the registry with panic containment:
// a panicking handler becomes a failed job, not a crashed drain.
func (q *Queue) run(ctx context.Context, job *BillingJob) (result string, err error) {
	handler, ok := q.registry.Handler(job.JobType)
	if !ok {
		return "", errs.Ef(errs.KindValidation, "no handler registered for job type %q", job.JobType)
	}

	defer func() {
		if rerr := observability.MustRecover(recover()); rerr != nil {
			err = rerr
		}
	}()

	return handler(ctx, job)
}

// claim moves a pending or failed job to running. Zero rows affected
// means another worker got there first.
func (q *Queue) claim(ctx context.Context, job *BillingJob) (bool, error) {
	now := q.clock.Now()
	query := `
		UPDATE billing_jobs
		SET status = $1, started_at = $2, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`
	res, err := q.db.ExecContext(ctx, query, StatusRunning, now, job.ID, StatusPending, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %d: %w", job.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for job %d: %w", job.ID, err)
	}
	return affected == 1, nil
}

func (q *Queue) completeJob(ctx context.Context, job *BillingJob, result string) error {
	now := q.clock.Now()
	query := `
		UPDATE billing_jobs
		SET status = $1, result = $2, completed_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	if _, err := q.db.ExecContext(ctx, query, StatusCompleted, result, now, job.ID, StatusRunning); err != nil {
		return fmt.Errorf("failed to complete job %d: %w", job.ID, err)
	}

	q.metrics.JobsProcessedTotal.WithLabelValues(string(job.JobType), "completed").Inc()
	return nil
}

// failJob applies the retry policy: back to pending while retries
// remain, cancelled once they are spent. A cancelled job never returns
// to pending.
func (q *Queue) failJob(ctx context.Context, job *BillingJob, runErr error) error {
	now := q.clock.Now()
	newRetryCount := job.RetryCount + 1

	if newRetryCount < job.MaxRetries {
		query := `
			UPDATE billing_jobs
			SET status = $1, retry_count = $2, scheduled_for = $3,
				error_message = $4, last_retry_at = $5, updated_at = $5
			WHERE id = $6 AND status = $7
		`
		if _, err := q.db.ExecContext(ctx, query, StatusPending, newRetryCount,
			now.Add(q.retryDelay), runErr.Error(), now, job.ID, StatusRunning); err != nil {
			return fmt.Errorf("failed to reschedule job %d: %w", job.ID, err)
		}

		q.metrics.JobsProcessedTotal.WithLabelValues(string(job.JobType), "retried").Inc()
		q.logger.WithError(runErr).
			WithField("job_id", job.ID).
			WithField("retry_count", newRetryCount).
			Warn("billing job failed, rescheduled")
		return nil
	}

	query := `
		UPDATE billing_jobs
		SET status = $1, retry_count = $2, error_message = $3,
			completed_at = $4, last_retry_at = $4, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	if _, err := q.db.ExecContext(ctx, query, StatusCancelled, newRetryCount,
		runErr.Error(), now, job.ID, StatusRunning); err != nil {
		return fmt.Errorf("failed to cancel job %d: %w", job.ID, err)
	}

	q.metrics.JobsProcessedTotal.WithLabelValues(string(job.JobType), "cancelled").Inc()
	q.logger.WithError(runErr).
		WithField("job_id", job.ID).
		Error("billing job exhausted retries, cancelled")
	return nil
}

// CancelPendingJobs cancels pending jobs of a type targeting an
// invoice. Called when an invoice is paid or voided so no retry fires
// against a settled bill.
func (q *Queue) CancelPendingJobs(ctx context.Context, jobType JobType, invoiceID int64) (int64, error) {
	now := q.clock.Now()
	query := `
		UPDATE billing_jobs
		SET status = $1, updated_at = $2
		WHERE job_type = $3 AND invoice_id = $4 AND status = $5
	`
	res, err := q.db.ExecContext(ctx, query, StatusCancelled, now, jobType, invoiceID, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending %s jobs for invoice %d: %w", jobType, invoiceID, err)
	}
	return res.RowsAffected()
}

// ReclaimStale fails running jobs whose claim is older than threshold,
// returning them to the retry path. Covers workers that crashed
// mid-job and left a row stuck in running.
func (q *Queue) ReclaimStale(ctx context.Context, threshold time.Duration) (int64, error) {
	now := q.clock.Now()
	cutoff := now.Add(-threshold)

	// Reclaimed jobs go through the same retry accounting as a normal
	// failure: pending while retries remain, cancelled otherwise.
	requeue := `
		UPDATE billing_jobs
		SET status = $1, retry_count = retry_count + 1, scheduled_for = $2,
			error_message = 'reclaimed: worker lost mid-run', last_retry_at = $3, updated_at = $3
		WHERE status = $4 AND started_at < $5 AND retry_count + 1 < max_retries
	`
	res, err := q.db.ExecContext(ctx, requeue, StatusPending, now.Add(q.retryDelay), now, StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	requeued, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	cancel := `
		UPDATE billing_jobs
		SET status = $1, retry_count = retry_count + 1,
			error_message = 'reclaimed: worker lost mid-run, retries exhausted',
			completed_at = $2, updated_at = $2
		WHERE status = $3 AND started_at < $4
	`
	res, err = q.db.ExecContext(ctx, cancel, StatusCancelled, now, StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel exhausted stale jobs: %w", err)
	}
	cancelled, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	total := requeued + cancelled
	if total > 0 {
		q.metrics.JobsReclaimedTotal.Add(float64(total))
		q.logger.WithField("requeued", requeued).
			WithField("cancelled", cancelled).
			Warn("reclaimed stale running jobs")
	}
	return total, nil
}

// DeleteFinished removes completed and cancelled jobs older than
// retention. Weekly housekeeping.
func (q *Queue) DeleteFinished(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := q.clock.Now().Add(-retention)
	query := `DELETE FROM billing_jobs WHERE status IN ($1, $2) AND updated_at < $3`
	res, err := q.db.ExecContext(ctx, query, StatusCompleted, StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (q *Queue) scanJob(row *sql.Row) (*BillingJob, error) {
	job, err := scanJobFrom(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.KindNotFound, "billing job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan billing job: %w", err)
	}
	return job, nil
}

func (q *Queue) scanJobRows(rows *sql.Rows) (*BillingJob, error) {
	job, err := scanJobFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan billing job: %w", err)
	}
	return job, nil
}

func scanJobFrom(s rowScanner) (*BillingJob, error) {
	job := &BillingJob{}
	var result, errorMessage sql.NullString
	err := s.Scan(
		&job.ID, &job.JobType, &job.ScheduledFor, &job.Status, &job.RetryCount,
		&job.MaxRetries, &job.TenantID, &job.SubscriptionID, &job.InvoiceID,
		&result, &errorMessage, &job.StartedAt, &job.CompletedAt, &job.LastRetryAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Result = result.String
	job.ErrorMessage = errorMessage.String
	return job, nil
}
