package jobs

import (
	"time"
)

// JobType identifies the work a billing job carries.
type JobType string

const (
	TypeGenerateInvoice    JobType = "generate_invoice"
	TypeProcessPayment     JobType = "process_payment"
	TypeRetryPayment       JobType = "retry_payment"
	TypeSendReminder       JobType = "send_reminder"
	TypeExpireTrial        JobType = "expire_trial"
	TypeRenewSubscription  JobType = "renew_subscription"
	TypeCancelSubscription JobType = "cancel_subscription"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case TypeGenerateInvoice, TypeProcessPayment, TypeRetryPayment,
		TypeSendReminder, TypeExpireTrial, TypeRenewSubscription,
		TypeCancelSubscription:
		return true
	}
	return false
}

// JobStatus represents the status of a billing job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// BillingJob is a persisted deferred unit of work.
type BillingJob struct {
	ID             int64      `json:"id"`
	JobType        JobType    `json:"job_type"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	Status         JobStatus  `json:"status"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	TenantID       *int64     `json:"tenant_id,omitempty"`
	SubscriptionID *int64     `json:"subscription_id,omitempty"`
	InvoiceID      *int64     `json:"invoice_id,omitempty"`
	Result         string     `json:"result,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastRetryAt    *time.Time `json:"last_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CreateJobRequest carries the fields for a new billing job.
type CreateJobRequest struct {
	JobType        JobType   `json:"job_type"`
	ScheduledFor   time.Time `json:"scheduled_for"`
	MaxRetries     int       `json:"max_retries,omitempty"`
	TenantID       *int64    `json:"tenant_id,omitempty"`
	SubscriptionID *int64    `json:"subscription_id,omitempty"`
	InvoiceID      *int64    `json:"invoice_id,omitempty"`
}
