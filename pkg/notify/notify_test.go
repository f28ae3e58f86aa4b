package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/observability"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestHTTPSenderPostsJSON(t *testing.T) {
	var received Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get(SignatureHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL, "", time.Second)
	err := sender.Send(context.Background(), Notification{
		ReminderType:  invoices.ReminderTypeDue,
		InvoiceID:     42,
		InvoiceNumber: "INV-202406-1",
		TenantID:      1,
		AmountCents:   9900,
		DueDate:       testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), received.InvoiceID)
	assert.Equal(t, invoices.ReminderTypeDue, received.ReminderType)
}

func TestHTTPSenderServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL, "", time.Second)
	err := sender.Send(context.Background(), Notification{InvoiceID: 1})
	assert.True(t, errs.IsTransient(err))
}

func TestHTTPSenderUnreachableIsTransient(t *testing.T) {
	sender := NewHTTPSender("http://127.0.0.1:1", "", 200*time.Millisecond)
	err := sender.Send(context.Background(), Notification{InvoiceID: 1})
	assert.True(t, errs.IsTransient(err))
}

func TestHTTPSenderSignsPayload(t *testing.T) {
	const secret = "reminder-secret"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.True(t, VerifySignature(body, r.Header.Get(SignatureHeader), secret))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL, secret, time.Second)
	require.NoError(t, sender.Send(context.Background(), Notification{InvoiceID: 7}))
}

func TestVerifySignatureRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"invoiceId":7}`)
	signature := Sign(payload, "secret")
	assert.True(t, VerifySignature(payload, signature, "secret"))
	assert.False(t, VerifySignature([]byte(`{"invoiceId":8}`), signature, "secret"))
	assert.False(t, VerifySignature(payload, signature, "other"))
}

type mockInvoiceService struct {
	invoices.Service

	mu        sync.Mutex
	due       []*invoices.DueReminder
	sent      []int64
	failed    []int64
	cancelled []int64
}

func (m *mockInvoiceService) ListDueReminders(ctx context.Context, limit int) ([]*invoices.DueReminder, error) {
	return m.due, nil
}

func (m *mockInvoiceService) MarkReminderSent(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, id)
	return nil
}

func (m *mockInvoiceService) MarkReminderFailed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, id)
	return nil
}

func (m *mockInvoiceService) CancelReminder(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, id)
	return nil
}

type mockSender struct {
	mu     sync.Mutex
	sent   []Notification
	failOn map[int64]bool
}

func (m *mockSender) Send(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[n.InvoiceID] {
		return errs.E(errs.KindTransient, "endpoint down")
	}
	m.sent = append(m.sent, n)
	return nil
}

func dueReminder(id, invoiceID int64, status invoices.Status) *invoices.DueReminder {
	return &invoices.DueReminder{
		PaymentReminder: invoices.PaymentReminder{
			ID:           id,
			InvoiceID:    invoiceID,
			TenantID:     1,
			ReminderType: invoices.ReminderTypeDue,
			ScheduledFor: testNow,
			Status:       invoices.ReminderScheduled,
		},
		InvoiceNumber: "INV-202406-1",
		InvoiceStatus: status,
		TotalCents:    9900,
		DueDate:       testNow,
	}
}

func TestDispatchDueReminders(t *testing.T) {
	inv := &mockInvoiceService{
		due: []*invoices.DueReminder{
			dueReminder(1, 41, invoices.StatusOpen),
			dueReminder(2, 42, invoices.StatusPaid),
			dueReminder(3, 43, invoices.StatusOpen),
		},
	}
	sender := &mockSender{}
	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})

	sent, cancelled, err := NewDispatcher(inv, sender, logger).DispatchDueReminders(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, cancelled)

	// The paid invoice's reminder was cancelled, never sent.
	assert.ElementsMatch(t, []int64{2}, inv.cancelled)
	assert.ElementsMatch(t, []int64{1, 3}, inv.sent)
	assert.Len(t, sender.sent, 2)
}

func TestDispatchRecordsFailuresWithoutAborting(t *testing.T) {
	inv := &mockInvoiceService{
		due: []*invoices.DueReminder{
			dueReminder(1, 41, invoices.StatusOpen),
			dueReminder(2, 42, invoices.StatusOpen),
		},
	}
	sender := &mockSender{failOn: map[int64]bool{41: true}}
	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})

	sent, cancelled, err := NewDispatcher(inv, sender, logger).DispatchDueReminders(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, cancelled)
	assert.ElementsMatch(t, []int64{1}, inv.failed)
	assert.ElementsMatch(t, []int64{2}, inv.sent)
}
