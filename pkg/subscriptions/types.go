package subscriptions

import "time"

// BillingCycle is the recurrence period of a subscription.
type BillingCycle string

const (
	CycleMonthly   BillingCycle = "monthly"
	CycleQuarterly BillingCycle = "quarterly"
	CycleYearly    BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	switch c {
	case CycleMonthly, CycleQuarterly, CycleYearly:
		return true
	}
	return false
}

// Months returns the cycle length in calendar months.
func (c BillingCycle) Months() int {
	switch c {
	case CycleQuarterly:
		return 3
	case CycleYearly:
		return 12
	default:
		return 1
	}
}

// Status is the subscription lifecycle state.
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
)

// Cancel reasons recorded on the subscription.
const (
	ReasonPaymentFailure  = "payment_failure"
	ReasonCustomerRequest = "customer_request"
)

// Subscription is a tenant's recurring plan. The scheduled_* fields hold
// a plan change queued for the next renewal; the renewal that applies it
// clears them in the same write.
type Subscription struct {
	ID                      int64        `json:"id"`
	TenantID                int64        `json:"tenantId"`
	PlanID                  string       `json:"planId"`
	PlanType                string       `json:"planType"`
	AmountCents             int64        `json:"amountCents"`
	BillingCycle            BillingCycle `json:"billingCycle"`
	Status                  Status       `json:"status"`
	CurrentPeriodStart      time.Time    `json:"currentPeriodStart"`
	CurrentPeriodEnd        time.Time    `json:"currentPeriodEnd"`
	TrialEnd                *time.Time   `json:"trialEnd,omitempty"`
	ScheduledPlanID         *string      `json:"scheduledPlanId,omitempty"`
	ScheduledPlanType       *string      `json:"scheduledPlanType,omitempty"`
	ScheduledAmountCents    *int64       `json:"scheduledAmountCents,omitempty"`
	ScheduledChange         bool         `json:"scheduledChange"`
	DiscountCents           int64        `json:"discountCents"`
	DiscountMonthsRemaining *int         `json:"discountMonthsRemaining,omitempty"`
	CancelAtPeriodEnd       bool         `json:"cancelAtPeriodEnd"`
	CancelledAt             *time.Time   `json:"cancelledAt,omitempty"`
	CancelReason            string       `json:"cancelReason,omitempty"`
	CreatedAt               time.Time    `json:"createdAt"`
	UpdatedAt               time.Time    `json:"updatedAt"`
}

// CreateSubscriptionRequest starts a new subscription, optionally in
// trial.
type CreateSubscriptionRequest struct {
	TenantID     int64        `json:"tenantId"`
	PlanID       string       `json:"planId"`
	PlanType     string       `json:"planType"`
	AmountCents  int64        `json:"amountCents"`
	BillingCycle BillingCycle `json:"billingCycle"`
	TrialDays    int          `json:"trialDays"`
}

// PlanChange is a plan swap queued for the next renewal.
type PlanChange struct {
	PlanID      string `json:"planId"`
	PlanType    string `json:"planType"`
	AmountCents int64  `json:"amountCents"`
}
