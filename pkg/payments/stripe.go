package payments

import (
	"context"
	"errors"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"

	"github.com/tallyops/tally/pkg/errs"
)

// StripeGateway collects payments through Stripe PaymentIntents, charging
// the tenant's saved payment method off-session.
type StripeGateway struct{}

// NewStripeGateway sets the API key for the stripe client.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

// Charge confirms an off-session payment intent for the invoice amount.
// Declines come back as a clean failure result; transport errors and
// timeouts come back as a transient error, since the charge outcome is
// unknown.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.PaymentIntentParams{
		Params:     stripe.Params{Context: ctx},
		Amount:     stripe.Int64(req.AmountCents),
		Currency:   stripe.String(strings.ToLower(currency)),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	if req.PaymentMethodRef != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethodRef)
	}
	params.AddMetadata("invoice_id", strconv.FormatInt(req.InvoiceID, 10))
	params.AddMetadata("tenant_id", strconv.FormatInt(req.TenantID, 10))

	intent, err := paymentintent.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return &ChargeResult{
				Success:       false,
				FailureCode:   string(stripeErr.Code),
				FailureReason: stripeErr.Msg,
			}, nil
		}
		return nil, errs.Wrap(errs.KindTransient, "stripe charge failed", err)
	}

	if intent.Status == stripe.PaymentIntentStatusSucceeded {
		return &ChargeResult{Success: true, ReferenceID: intent.ID}, nil
	}
	return &ChargeResult{
		Success:       false,
		FailureCode:   string(intent.Status),
		FailureReason: "payment intent did not complete",
		ReferenceID:   intent.ID,
	}, nil
}
