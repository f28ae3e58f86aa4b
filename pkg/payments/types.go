package payments

import (
	"context"
	"time"
)

// AttemptStatus is the lifecycle state of one collection attempt.
// Attempts are immutable once closed.
type AttemptStatus string

const (
	AttemptProcessing AttemptStatus = "processing"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
)

// BillingAttempt is one try to collect an invoice. AttemptNumber is
// 1-based and gapless: it always equals the invoice's billing_attempts
// count plus one at creation time.
type BillingAttempt struct {
	ID            int64         `json:"id"`
	InvoiceID     int64         `json:"invoiceId"`
	AttemptNumber int           `json:"attemptNumber"`
	Status        AttemptStatus `json:"status"`
	ErrorCode     string        `json:"errorCode,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
}

// ChargeRequest is the gateway-facing view of one attempt.
type ChargeRequest struct {
	InvoiceID        int64
	TenantID         int64
	AmountCents      int64
	Currency         string
	CustomerRef      string
	PaymentMethodRef string
}

// ChargeResult is the gateway outcome. Success=false with a nil error is
// a clean decline; a non-nil error from Charge means the outcome is
// unknown or the gateway was unreachable, and feeds the same retry path.
type ChargeResult struct {
	Success       bool
	ReferenceID   string
	FailureCode   string
	FailureReason string
}

// Gateway is the external payment collaborator.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// PaymentResult is what ProcessPayment reports back. A failed attempt is
// not an error: the dunning schedule owns the follow-up.
type PaymentResult struct {
	Paid             bool       `json:"paid"`
	AttemptNumber    int        `json:"attemptNumber"`
	ReferenceID      string     `json:"referenceId,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
	NextAttemptAt    *time.Time `json:"nextAttemptAt,omitempty"`
	RetriesExhausted bool       `json:"retriesExhausted"`
}

// SubscriptionHooks is the narrow slice of the subscription lifecycle the
// processor needs. Full renewal goes through the job queue instead, which
// keeps the two packages from importing each other.
type SubscriptionHooks interface {
	MarkPastDue(ctx context.Context, subscriptionID int64) error
}
