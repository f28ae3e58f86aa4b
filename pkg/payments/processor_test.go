package payments

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tallyops/tally/pkg/clock"
	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/jobs"
	"github.com/tallyops/tally/pkg/observability"
	"github.com/tallyops/tally/pkg/tenants"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type mockGateway struct {
	chargeFn func(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

func (m *mockGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return m.chargeFn(ctx, req)
}

type mockInvoiceService struct {
	invoices.Service
	getFn      func(ctx context.Context, id int64) (*invoices.Invoice, error)
	markPaidFn func(ctx context.Context, id int64) error
	atRiskFn   func(ctx context.Context, invoiceID, tenantID int64) error
}

func (m *mockInvoiceService) GetInvoice(ctx context.Context, id int64) (*invoices.Invoice, error) {
	return m.getFn(ctx, id)
}

func (m *mockInvoiceService) MarkPaid(ctx context.Context, id int64) error {
	return m.markPaidFn(ctx, id)
}

func (m *mockInvoiceService) ScheduleAtRiskReminder(ctx context.Context, invoiceID, tenantID int64) error {
	return m.atRiskFn(ctx, invoiceID, tenantID)
}

type mockTenantDirectory struct {
	tenants.Service
}

func (m *mockTenantDirectory) GetTenant(ctx context.Context, id int64) (*tenants.Tenant, error) {
	return &tenants.Tenant{
		ID:                      id,
		PlanCode:                "pro",
		GatewayCustomerRef:      "cus_123",
		GatewayPaymentMethodRef: "pm_123",
	}, nil
}

type mockHooks struct {
	markPastDueFn func(ctx context.Context, subscriptionID int64) error
}

func (m *mockHooks) MarkPastDue(ctx context.Context, subscriptionID int64) error {
	return m.markPastDueFn(ctx, subscriptionID)
}

type processorFixture struct {
	processor *Processor
	mock      sqlmock.Sqlmock
	invoices  *mockInvoiceService
	gateway   *mockGateway
	hooks     *mockHooks
	metrics   *observability.Metrics
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
	clk := clock.NewFake(testNow)

	gw := &mockGateway{}
	inv := &mockInvoiceService{
		markPaidFn: func(ctx context.Context, id int64) error { return nil },
		atRiskFn:   func(ctx context.Context, invoiceID, tenantID int64) error { return nil },
	}
	hooks := &mockHooks{
		markPastDueFn: func(ctx context.Context, subscriptionID int64) error { return nil },
	}

	holder, err := NewPolicyHolder(DefaultPolicy())
	require.NoError(t, err)

	queue := jobs.NewQueue(db, jobs.NewRegistry(), clk, logger, metrics)
	processor := NewProcessor(db, gw, inv, queue, &mockTenantDirectory{}, holder, clk, logger, metrics)
	processor.SetSubscriptionHooks(hooks)

	return &processorFixture{
		processor: processor,
		mock:      mock,
		invoices:  inv,
		gateway:   gw,
		hooks:     hooks,
		metrics:   metrics,
	}
}

func openInvoice(attempts int, subscriptionID *int64) *invoices.Invoice {
	return &invoices.Invoice{
		ID:              42,
		TenantID:        1,
		SubscriptionID:  subscriptionID,
		InvoiceNumber:   "INV-202406-1",
		TotalCents:      9900,
		DueDate:         testNow,
		Status:          invoices.StatusOpen,
		BillingAttempts: attempts,
	}
}

func TestProcessPaymentAlreadyPaid(t *testing.T) {
	f := newProcessorFixture(t)
	f.invoices.getFn = func(ctx context.Context, id int64) (*invoices.Invoice, error) {
		inv := openInvoice(1, nil)
		inv.Status = invoices.StatusPaid
		return inv, nil
	}

	result, err := f.processor.ProcessPayment(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, result.Paid)
}

func TestProcessPaymentVoidedInvoice(t *testing.T) {
	f := newProcessorFixture(t)
	f.invoices.getFn = func(ctx context.Context, id int64) (*invoices.Invoice, error) {
		inv := openInvoice(0, nil)
		inv.Status = invoices.StatusVoid
		return inv, nil
	}

	_, err := f.processor.ProcessPayment(context.Background(), 42)
	assert.True(t, errs.IsInvalidState(err))
}

func TestProcessPaymentSuccess(t *testing.T) {
	f := newProcessorFixture(t)

	subID := int64(7)
	f.invoices.getFn = func(ctx context.Context, id int64) (*invoices.Invoice, error) {
		return openInvoice(0, &subID), nil
	}
	f.gateway.chargeFn = func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		assert.Equal(t, int64(9900), req.AmountCents)
		assert.Equal(t, "cus_123", req.CustomerRef)
		return &ChargeResult{Success: true, ReferenceID: "pi_1"}, nil
	}

	var markedPaid bool
	f.invoices.markPaidFn = func(ctx context.Context, id int64) error {
		markedPaid = true
		return nil
	}

	f.mock.ExpectQuery("INSERT INTO billing_attempts").
		WithArgs(int64(42), 1, AttemptProcessing, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	f.mock.ExpectExec("UPDATE billing_attempts").
		WithArgs(AttemptSuccess, "", "", sqlmock.AnyArg(), int64(11), AttemptProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Renewal is queued for the linked subscription.
	f.mock.ExpectQuery("SELECT (.+) FROM billing_jobs").
		WithArgs(jobs.TypeRenewSubscription, subID, jobs.StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery("INSERT INTO billing_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(1, testNow, testNow))

	result, err := f.processor.ProcessPayment(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.Equal(t, 1, result.AttemptNumber)
	assert.Equal(t, "pi_1", result.ReferenceID)
	assert.True(t, markedPaid)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(f.metrics.PaymentAttemptsTotal.WithLabelValues("success")))

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProcessPaymentFailureSchedulesRetry(t *testing.T) {
	f := newProcessorFixture(t)

	f.invoices.getFn = func(ctx context.Context, id int64) (*invoices.Invoice, error) {
		return openInvoice(0, nil), nil
	}
	f.gateway.chargeFn = func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		return &ChargeResult{Success: false, FailureCode: "card_declined", FailureReason: "insufficient funds"}, nil
	}

	wantNext := testNow.Add(24 * time.Hour)

	f.mock.ExpectQuery("INSERT INTO billing_attempts").
		WithArgs(int64(42), 1, AttemptProcessing, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	f.mock.ExpectExec("UPDATE billing_attempts").
		WithArgs(AttemptFailed, "card_declined", "insufficient funds", sqlmock.AnyArg(),
			int64(11), AttemptProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE invoices").
		WithArgs(1, testNow, &wantNext, int64(42), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("INSERT INTO billing_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(1, testNow, testNow))

	result, err := f.processor.ProcessPayment(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, result.Paid)
	assert.False(t, result.RetriesExhausted)
	require.NotNil(t, result.NextAttemptAt)
	assert.Equal(t, wantNext, *result.NextAttemptAt)
	assert.Equal(t, "insufficient funds", result.FailureReason)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProcessPaymentRetryDelaysFollowSchedule(t *testing.T) {
	f := newProcessorFixture(t)

	wantDelays := map[int]time.Duration{
		1: 24 * time.Hour,
		2: 3 * 24 * time.Hour,
		3: 7 * 24 * time.Hour,
		4: 14 * 24 * time.Hour,
	}

	for attempts := 0; attempts < 4; attempts++ {
		attemptNumber := attempts + 1
		invoiceAttempts := attempts
		f.invoices.getFn = func(ctx context.Context, id int64) (*invoices.Invoice, error) {
			return openInvoice(invoiceAttempts, nil), nil
		}
		f.gateway.chargeFn = func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
			return &ChargeResult{Success: false, FailureCode: "card_declined", FailureReason: "declined"}, nil
		}

		f.mock.ExpectQuery("INSERT INTO billing_attempts").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(attemptNumber)))
		f.mock.ExpectExec("UPDATE billing_attempts").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectExec("UPDATE invoices").
			WithArgs(attemptNumber, testNow, testNow.Add(wantDelays[attemptNumber]), int64(42), attempts).
			WillReturnResult(sqlmock.NewResult(0, 1))
		if attemptNumber < DefaultPolicy().MaxRetries {
			f.mock.ExpectQuery("INSERT INTO billing_jobs").
				WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
					AddRow(1, testNow, testNow))
		}

		result, err := f.processor.ProcessPayment(context.Background(), 42)
		require.NoError(t, err)
		require.NotNil(t, result.NextAttemptAt)
		assert.Equal(t, testNow.Add(wantDelays[attemptNumber]), *result.NextAttemptAt,
			"delay after attempt %d", attemptNumber)
	}

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProcessPaymentExhaustionMarksSubscriptionPastDue(t *testing.T) {
	f := newProcessorFixture(t)

	subID := int64(7)
	f.invoices.getFn = func(ctx context.Context, id int64) (*invoices.Invoice, error) {
		return openInvoice(3, &subID), nil
	}
	f.gateway.chargeFn = func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		return &ChargeResult{Success: false, FailureCode: "card_declined", FailureReason: "declined"}, nil
	}

	var pastDueID int64
	f.hooks.markPastDueFn = func(ctx context.Context, subscriptionID int64) error {
		pastDueID = subscriptionID
		return nil
	}
	var atRiskInvoice int64
	f.invoices.atRiskFn = func(ctx context.Context, invoiceID, tenantID int64) error {
		atRiskInvoice = invoiceID
		return nil
	}

	f.mock.ExpectQuery("INSERT INTO billing_attempts").
		WithArgs(int64(42), 4, AttemptProcessing, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(14))
	f.mock.ExpectExec("UPDATE billing_attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Fourth failure: the 14-day schedule entry is still recorded, but no
	// retry job is enqueued.
	f.mock.ExpectExec("UPDATE invoices").
		WithArgs(4, testNow, testNow.Add(14*24*time.Hour), int64(42), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Cancellation lands thirty days out.
	f.mock.ExpectQuery("SELECT (.+) FROM billing_jobs").
		WithArgs(jobs.TypeCancelSubscription, subID, jobs.StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectQuery("INSERT INTO billing_jobs").
		WithArgs(jobs.TypeCancelSubscription, testNow.Add(30*24*time.Hour), jobs.StatusPending,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(2, testNow, testNow))

	result, err := f.processor.ProcessPayment(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, result.Paid)
	assert.True(t, result.RetriesExhausted)
	require.NotNil(t, result.NextAttemptAt)
	assert.Equal(t, testNow.Add(14*24*time.Hour), *result.NextAttemptAt)
	assert.Equal(t, subID, pastDueID)
	assert.Equal(t, int64(42), atRiskInvoice)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DunningExhaustedTotal))

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProcessPaymentLostAttemptCountRace(t *testing.T) {
	f := newProcessorFixture(t)

	f.invoices.getFn = func(ctx context.Context, id int64) (*invoices.Invoice, error) {
		return openInvoice(0, nil), nil
	}
	f.gateway.chargeFn = func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		return nil, errors.New("gateway timeout")
	}

	f.mock.ExpectQuery("INSERT INTO billing_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	f.mock.ExpectExec("UPDATE billing_attempts").
		WithArgs(AttemptFailed, "gateway_error", "gateway timeout", sqlmock.AnyArg(),
			int64(11), AttemptProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// A concurrent processor advanced the count first: no retry job here.
	f.mock.ExpectExec("UPDATE invoices").
		WillReturnResult(sqlmock.NewResult(0, 0))

	result, err := f.processor.ProcessPayment(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, result.Paid)
	assert.Nil(t, result.NextAttemptAt)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRetryPaymentExhaustedWithoutForce(t *testing.T) {
	f := newProcessorFixture(t)

	f.invoices.getFn = func(ctx context.Context, id int64) (*invoices.Invoice, error) {
		return openInvoice(4, nil), nil
	}

	_, err := f.processor.RetryPayment(context.Background(), 42, false)
	assert.True(t, errs.IsExhaustedRetries(err))
}

func TestRetryPaymentForceBypassesGuard(t *testing.T) {
	f := newProcessorFixture(t)

	f.invoices.getFn = func(ctx context.Context, id int64) (*invoices.Invoice, error) {
		return openInvoice(4, nil), nil
	}
	f.gateway.chargeFn = func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		return &ChargeResult{Success: true, ReferenceID: "pi_forced"}, nil
	}

	f.mock.ExpectQuery("INSERT INTO billing_attempts").
		WithArgs(int64(42), 5, AttemptProcessing, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(15))
	f.mock.ExpectExec("UPDATE billing_attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := f.processor.RetryPayment(context.Background(), 42, true)
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.Equal(t, 5, result.AttemptNumber)
}

func TestProcessPaymentEmitsTelemetry(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	f := newProcessorFixture(t)
	otelMetrics, err := observability.NewOTelMetrics()
	require.NoError(t, err)
	f.processor.SetOTelMetrics(otelMetrics)

	f.invoices.getFn = func(ctx context.Context, id int64) (*invoices.Invoice, error) {
		return openInvoice(0, nil), nil
	}
	f.gateway.chargeFn = func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		return &ChargeResult{Success: true, ReferenceID: "pi_traced"}, nil
	}

	f.mock.ExpectQuery("INSERT INTO billing_attempts").
		WithArgs(int64(42), 1, AttemptProcessing, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	f.mock.ExpectExec("UPDATE billing_attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := f.processor.ProcessPayment(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, result.Paid)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "payments.process_payment", span.Name())
	attrs := span.Attributes()
	assert.Contains(t, attrs, attribute.Int64("invoice.id", 42))
	assert.Contains(t, attrs, attribute.Bool("payment.paid", true))
	assert.Contains(t, attrs, attribute.Int("payment.attempt", 1))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name == "billing.payment.attempts" {
				found = true
			}
		}
	}
	assert.True(t, found, "charge attempt not exported through the OTLP instruments")
}
