// Package notify turns due payment reminders into outbound notification
// requests against an external webhook-style endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/observability"
)

// Notification is the outbound payload for one reminder.
type Notification struct {
	ReminderType  invoices.ReminderType `json:"reminderType"`
	InvoiceID     int64                 `json:"invoiceId"`
	InvoiceNumber string                `json:"invoiceNumber"`
	TenantID      int64                 `json:"tenantId"`
	AmountCents   int64                 `json:"amountCents"`
	DueDate       time.Time             `json:"dueDate"`
}

// Sender is the external notification collaborator.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// HTTPSender posts notifications as JSON. Failures are transient: the
// reminder sweep records them and the next scheduled offset follows up.
type HTTPSender struct {
	endpoint string
	secret   string
	client   *http.Client
}

// NewHTTPSender builds a sender with a bounded per-request timeout and
// trace propagation on the transport. When secret is non-empty each
// request carries an HMAC-SHA256 signature of the body in
// X-Tally-Signature so the receiver can authenticate the payload.
func NewHTTPSender(endpoint, secret string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		endpoint: endpoint,
		secret:   secret,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (s *HTTPSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "notification send failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errs.Ef(errs.KindTransient, "notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LogSender writes notifications to the log instead of an endpoint.
// Used when no webhook is configured.
type LogSender struct {
	Logger *observability.Logger
}

func (s LogSender) Send(ctx context.Context, n Notification) error {
	s.Logger.WithFields(map[string]interface{}{
		"reminder_type":  n.ReminderType,
		"invoice_id":     n.InvoiceID,
		"invoice_number": n.InvoiceNumber,
		"tenant_id":      n.TenantID,
		"amount_cents":   n.AmountCents,
		"due_date":       n.DueDate,
	}).Info("payment reminder")
	return nil
}
