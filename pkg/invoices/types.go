package invoices

import "time"

// Status is the invoice lifecycle state. Paid and void are terminal.
type Status string

const (
	StatusDraft Status = "draft"
	StatusOpen  Status = "open"
	StatusPaid  Status = "paid"
	StatusVoid  Status = "void"
)

// Invoice is one bill owed by a tenant, optionally tied to a subscription.
// Money fields are integer cents.
type Invoice struct {
	ID              int64      `json:"id"`
	TenantID        int64      `json:"tenantId"`
	SubscriptionID  *int64     `json:"subscriptionId,omitempty"`
	InvoiceNumber   string     `json:"invoiceNumber"`
	SubtotalCents   int64      `json:"subtotalCents"`
	DiscountCents   int64      `json:"discountCents"`
	TaxCents        int64      `json:"taxCents"`
	TotalCents      int64      `json:"totalCents"`
	DueDate         time.Time  `json:"dueDate"`
	Status          Status     `json:"status"`
	BillingAttempts int        `json:"billingAttempts"`
	LastAttemptAt   *time.Time `json:"lastAttemptAt,omitempty"`
	NextAttemptAt   *time.Time `json:"nextAttemptAt,omitempty"`
	PaidAt          *time.Time `json:"paidAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// CreateInvoiceRequest describes a manually created invoice. The invoice
// number is allocated by the service, never supplied by the caller.
type CreateInvoiceRequest struct {
	TenantID       int64     `json:"tenantId"`
	SubscriptionID *int64    `json:"subscriptionId,omitempty"`
	SubtotalCents  int64     `json:"subtotalCents"`
	DiscountCents  int64     `json:"discountCents"`
	TaxCents       int64     `json:"taxCents"`
	DueDate        time.Time `json:"dueDate"`
	Draft          bool      `json:"draft"`
}

// UpdateInvoiceRequest carries optional mutations for a draft or open
// invoice. Nil fields are left unchanged.
type UpdateInvoiceRequest struct {
	SubtotalCents *int64     `json:"subtotalCents,omitempty"`
	DiscountCents *int64     `json:"discountCents,omitempty"`
	TaxCents      *int64     `json:"taxCents,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
}

// GenerateRequest carries the subscription fields needed to produce the
// invoice for one billing period.
type GenerateRequest struct {
	SubscriptionID int64
	TenantID       int64
	AmountCents    int64
	DiscountCents  int64
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// ListFilter narrows ListInvoices. Zero values mean no constraint.
type ListFilter struct {
	Status    Status
	DueBefore time.Time
	Overdue   bool
	Limit     int
}

// ReminderType classifies a payment reminder for the notification payload.
type ReminderType string

const (
	ReminderTypeUpcoming ReminderType = "payment_upcoming"
	ReminderTypeDue      ReminderType = "payment_due"
	ReminderTypeOverdue  ReminderType = "payment_overdue"
	ReminderTypeAtRisk   ReminderType = "subscription_at_risk"
)

// ReminderStatus is the reminder lifecycle state.
type ReminderStatus string

const (
	ReminderScheduled ReminderStatus = "scheduled"
	ReminderSent      ReminderStatus = "sent"
	ReminderFailed    ReminderStatus = "failed"
	ReminderCancelled ReminderStatus = "cancelled"
)

// PaymentReminder is a scheduled notification tied to an invoice.
type PaymentReminder struct {
	ID           int64          `json:"id"`
	InvoiceID    int64          `json:"invoiceId"`
	TenantID     int64          `json:"tenantId"`
	ReminderType ReminderType   `json:"reminderType"`
	ScheduledFor time.Time      `json:"scheduledFor"`
	Status       ReminderStatus `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// DueReminder is a reminder joined with the parent invoice fields the
// dispatcher needs to decide send-or-cancel.
type DueReminder struct {
	PaymentReminder
	InvoiceNumber string
	InvoiceStatus Status
	TotalCents    int64
	DueDate       time.Time
}
