package coupons

import "time"

// DiscountType says how DiscountValue is interpreted: a percentage of
// the purchase amount or a flat amount of cents.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

func (d DiscountType) Valid() bool {
	return d == DiscountPercentage || d == DiscountFixed
}

// Coupon is a discount rule. Codes are unique case-insensitively and
// stored lowercased.
type Coupon struct {
	ID                int64        `json:"id"`
	Code              string       `json:"code"`
	DiscountType      DiscountType `json:"discountType"`
	DiscountValue     int64        `json:"discountValue"`
	MaxDiscountCents  *int64       `json:"maxDiscountCents,omitempty"`
	MinAmountCents    *int64       `json:"minAmountCents,omitempty"`
	ValidFrom         time.Time    `json:"validFrom"`
	ValidUntil        *time.Time   `json:"validUntil,omitempty"`
	MaxUses           *int         `json:"maxUses,omitempty"`
	UsedCount         int          `json:"usedCount"`
	ApplicablePlans   []string     `json:"applicablePlans"`
	FirstPurchaseOnly bool         `json:"firstPurchaseOnly"`
	DurationMonths    *int         `json:"durationMonths,omitempty"`
	IsActive          bool         `json:"isActive"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// CouponUsage records one redemption.
type CouponUsage struct {
	ID              int64     `json:"id"`
	CouponID        int64     `json:"couponId"`
	TenantID        int64     `json:"tenantId"`
	SubscriptionID  *int64    `json:"subscriptionId,omitempty"`
	DiscountApplied int64     `json:"discountApplied"`
	UsedAt          time.Time `json:"usedAt"`
}

// Rejection reasons returned by ValidateCoupon, first failure wins.
const (
	ReasonNotFound       = "coupon not found"
	ReasonInactive       = "coupon is not active"
	ReasonNotYetValid    = "coupon is not valid yet"
	ReasonExpired        = "coupon has expired"
	ReasonExhausted      = "coupon usage limit reached"
	ReasonPlanIneligible = "coupon does not apply to this plan"
	ReasonBelowMinimum   = "amount is below the coupon minimum"
	ReasonNotFirstUse    = "coupon is limited to first purchases"
)

// Validation is the outcome of checking a coupon against a purchase.
type Validation struct {
	Valid            bool   `json:"valid"`
	Reason           string `json:"reason,omitempty"`
	DiscountCents    int64  `json:"discountCents"`
	FinalAmountCents int64  `json:"finalAmountCents"`
	DurationMonths   *int   `json:"durationMonths,omitempty"`
}

// CreateCouponRequest describes a new coupon.
type CreateCouponRequest struct {
	Code              string       `json:"code"`
	DiscountType      DiscountType `json:"discountType"`
	DiscountValue     int64        `json:"discountValue"`
	MaxDiscountCents  *int64       `json:"maxDiscountCents,omitempty"`
	MinAmountCents    *int64       `json:"minAmountCents,omitempty"`
	ValidFrom         time.Time    `json:"validFrom"`
	ValidUntil        *time.Time   `json:"validUntil,omitempty"`
	MaxUses           *int         `json:"maxUses,omitempty"`
	ApplicablePlans   []string     `json:"applicablePlans"`
	FirstPurchaseOnly bool         `json:"firstPurchaseOnly"`
	DurationMonths    *int         `json:"durationMonths,omitempty"`
}

// UpdateCouponRequest carries optional coupon mutations.
type UpdateCouponRequest struct {
	IsActive         *bool      `json:"isActive,omitempty"`
	ValidUntil       *time.Time `json:"validUntil,omitempty"`
	MaxUses          *int       `json:"maxUses,omitempty"`
	MaxDiscountCents *int64     `json:"maxDiscountCents,omitempty"`
}

// ApplyRequest is one redemption attempt.
type ApplyRequest struct {
	Code           string `json:"code"`
	TenantID       int64  `json:"tenantId"`
	SubscriptionID *int64 `json:"subscriptionId,omitempty"`
	PlanCode       string `json:"planCode"`
	AmountCents    int64  `json:"amountCents"`
}
