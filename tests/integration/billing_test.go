//go:build integration

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tallyops/tally/pkg/clock"
	"github.com/tallyops/tally/pkg/coupons"
	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/jobs"
	"github.com/tallyops/tally/pkg/observability"
	"github.com/tallyops/tally/pkg/payments"
	"github.com/tallyops/tally/pkg/storage/postgres"
	"github.com/tallyops/tally/pkg/subscriptions"
	"github.com/tallyops/tally/pkg/tenants"
)

// setupBillingDB starts a PostgreSQL container and applies the billing
// schema, returning a connected pool and a cleanup func.
func setupBillingDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("tally_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	require.NoError(t, db.Ping())
	require.NoError(t, postgres.RunMigrations(ctx, db), "Failed to run migrations")

	cleanup := func() {
		db.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

// billingServices bundles the wired service graph a test exercises
// against the container database.
type billingServices struct {
	clock    *clock.Fake
	gateway  *scriptedGateway
	invoices *invoices.PostgresService
	coupons  *coupons.PostgresService
	payments *payments.Processor
	subs     *subscriptions.PostgresService
	jobs     *jobs.Queue
}

func newBillingServices(t *testing.T, db *sql.DB) *billingServices {
	t.Helper()

	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	queue := jobs.NewQueue(db, jobs.NewRegistry(), clk, logger, metrics)
	invoiceSvc := invoices.NewPostgresService(db, queue, clk, logger, metrics)
	couponSvc := coupons.NewPostgresService(db, nil, clk, logger, metrics)

	tenantDir, err := tenants.NewPostgresService(db, nil, logger)
	require.NoError(t, err)

	policy, err := payments.NewPolicyHolder(payments.DefaultPolicy())
	require.NoError(t, err)

	gateway := &scriptedGateway{}
	processor := payments.NewProcessor(db, gateway, invoiceSvc, queue, tenantDir,
		policy, clk, logger, metrics)
	subSvc := subscriptions.NewPostgresService(db, invoiceSvc, processor, tenantDir, clk, logger)
	processor.SetSubscriptionHooks(subSvc)

	return &billingServices{
		clock:    clk,
		gateway:  gateway,
		invoices: invoiceSvc,
		coupons:  couponSvc,
		payments: processor,
		subs:     subSvc,
		jobs:     queue,
	}
}

// scriptedGateway returns canned outcomes in order, then approves.
type scriptedGateway struct {
	mu      sync.Mutex
	results []*payments.ChargeResult
}

func (g *scriptedGateway) script(results ...*payments.ChargeResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results = append(g.results, results...)
}

func (g *scriptedGateway) Charge(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.results) == 0 {
		return &payments.ChargeResult{Success: true, ReferenceID: "ch_scripted_ok"}, nil
	}
	next := g.results[0]
	g.results = g.results[1:]
	return next, nil
}

func declined() *payments.ChargeResult {
	return &payments.ChargeResult{Success: false, FailureCode: "card_declined", FailureReason: "card declined"}
}

func createTenant(t *testing.T, db *sql.DB, name string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`
		INSERT INTO tenants (name, plan_code, gateway_customer_ref, gateway_payment_method_ref)
		VALUES ($1, 'pro', 'cus_test', 'pm_test')
		RETURNING id
	`, name).Scan(&id)
	require.NoError(t, err)
	return id
}

func createSubscriptionRow(t *testing.T, db *sql.DB, tenantID int64, now time.Time) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`
		INSERT INTO subscriptions (tenant_id, plan_id, plan_type, amount_cents, billing_cycle,
			status, current_period_start, current_period_end)
		VALUES ($1, 'pro', 'saas', 2900, 'monthly', 'active', $2, $3)
		RETURNING id
	`, tenantID, now, now.AddDate(0, 1, 0)).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestMigrationsAreIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupBillingDB(t)
	defer cleanup()

	// A second pass must find every version recorded and change nothing.
	require.NoError(t, postgres.RunMigrations(context.Background(), db))

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM billing_migrations").Scan(&applied))
	assert.Equal(t, len(postgres.GetMigrations()), applied)
}

func TestInvoiceNumbersUniqueUnderConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupBillingDB(t)
	defer cleanup()

	svc := newBillingServices(t, db)
	ctx := context.Background()
	tenantID := createTenant(t, db, "acme")

	const workers = 10
	var wg sync.WaitGroup
	numbers := make(chan string, workers)
	errors := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			invoice, err := svc.invoices.CreateInvoice(ctx, &invoices.CreateInvoiceRequest{
				TenantID:      tenantID,
				SubtotalCents: 1000,
				DueDate:       svc.clock.Now().AddDate(0, 0, 14),
			})
			if err != nil {
				errors <- err
				return
			}
			numbers <- invoice.InvoiceNumber
		}()
	}
	wg.Wait()
	close(numbers)
	close(errors)

	for err := range errors {
		t.Fatalf("concurrent invoice creation failed: %v", err)
	}

	seen := make(map[string]bool)
	for number := range numbers {
		assert.False(t, seen[number], "duplicate invoice number %s", number)
		seen[number] = true
	}
	assert.Len(t, seen, workers)

	// The sequence is gapless: every value 1..N was handed out.
	yearMonth := svc.clock.Now().UTC().Format("200601")
	for seq := 1; seq <= workers; seq++ {
		assert.Contains(t, seen, fmt.Sprintf("INV-%s-%d", yearMonth, seq))
	}
}

func TestSubscriptionInvoiceGenerationIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupBillingDB(t)
	defer cleanup()

	svc := newBillingServices(t, db)
	ctx := context.Background()
	tenantID := createTenant(t, db, "acme")
	subID := createSubscriptionRow(t, db, tenantID, svc.clock.Now())

	req := invoices.GenerateRequest{
		SubscriptionID: subID,
		TenantID:       tenantID,
		AmountCents:    2900,
		PeriodStart:    svc.clock.Now().AddDate(0, 1, 0),
		PeriodEnd:      svc.clock.Now().AddDate(0, 2, 0),
	}

	first, err := svc.invoices.GenerateSubscriptionInvoice(ctx, req)
	require.NoError(t, err)

	second, err := svc.invoices.GenerateSubscriptionInvoice(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.InvoiceNumber, second.InvoiceNumber)

	var count int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM invoices WHERE subscription_id = $1", subID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSingleUseCouponConcurrentRedemption(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupBillingDB(t)
	defer cleanup()

	svc := newBillingServices(t, db)
	ctx := context.Background()

	maxUses := 1
	_, err := svc.coupons.CreateCoupon(ctx, &coupons.CreateCouponRequest{
		Code:          "LAUNCH50",
		DiscountType:  coupons.DiscountPercentage,
		DiscountValue: 50,
		ValidFrom:     svc.clock.Now().AddDate(0, 0, -1),
		MaxUses:       &maxUses,
	})
	require.NoError(t, err)

	tenantA := createTenant(t, db, "tenant-a")
	tenantB := createTenant(t, db, "tenant-b")

	var wg sync.WaitGroup
	outcomes := make(chan error, 2)
	for _, tenantID := range []int64{tenantA, tenantB} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			result, err := svc.coupons.ApplyCoupon(ctx, &coupons.ApplyRequest{
				Code:        "LAUNCH50",
				TenantID:    id,
				PlanCode:    "pro",
				AmountCents: 2900,
			})
			if err == nil && !result.Valid {
				err = fmt.Errorf("rejected: %s", result.Reason)
			}
			outcomes <- err
		}(tenantID)
	}
	wg.Wait()
	close(outcomes)

	var redeemed, refused int
	for err := range outcomes {
		if err == nil {
			redeemed++
			continue
		}
		refused++
		if errs.IsConflict(err) {
			continue
		}
		assert.Contains(t, err.Error(), "rejected", "unexpected outcome: %v", err)
	}
	assert.Equal(t, 1, redeemed, "exactly one redemption must win")
	assert.Equal(t, 1, refused)

	var usedCount int
	require.NoError(t, db.QueryRow(
		"SELECT used_count FROM coupons WHERE code = 'launch50'").Scan(&usedCount))
	assert.Equal(t, 1, usedCount)
}

func TestDunningScheduleAndRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupBillingDB(t)
	defer cleanup()

	svc := newBillingServices(t, db)
	ctx := context.Background()
	tenantID := createTenant(t, db, "acme")
	subID := createSubscriptionRow(t, db, tenantID, svc.clock.Now())

	invoice, err := svc.invoices.GenerateSubscriptionInvoice(ctx, invoices.GenerateRequest{
		SubscriptionID: subID,
		TenantID:       tenantID,
		AmountCents:    2900,
		PeriodStart:    svc.clock.Now(),
		PeriodEnd:      svc.clock.Now().AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	// First attempt declines: day-one retry per the default schedule.
	svc.gateway.script(declined())
	result, err := svc.payments.ProcessPayment(ctx, invoice.ID)
	require.NoError(t, err)
	assert.False(t, result.Paid)
	assert.Equal(t, 1, result.AttemptNumber)
	assert.False(t, result.RetriesExhausted)
	require.NotNil(t, result.NextAttemptAt)
	assert.Equal(t, svc.clock.Now().Add(24*time.Hour), result.NextAttemptAt.UTC())

	var retryJobs int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM billing_jobs WHERE job_type = $1 AND invoice_id = $2",
		jobs.TypeRetryPayment, invoice.ID).Scan(&retryJobs))
	assert.Equal(t, 1, retryJobs)

	// Second attempt succeeds after the clock reaches the retry slot.
	svc.clock.Advance(24 * time.Hour)
	result, err = svc.payments.RetryPayment(ctx, invoice.ID, false)
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.Equal(t, 2, result.AttemptNumber)

	reloaded, err := svc.invoices.GetInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusPaid, reloaded.Status)
	require.NotNil(t, reloaded.PaidAt)

	attempts, err := svc.payments.ListAttempts(ctx, invoice.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, payments.AttemptFailed, attempts[0].Status)
	assert.Equal(t, "card_declined", attempts[0].ErrorCode)
	assert.Equal(t, payments.AttemptSuccess, attempts[1].Status)

	// A paid subscription invoice feeds the renewal queue.
	var renewalJobs int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM billing_jobs WHERE job_type = $1 AND subscription_id = $2",
		jobs.TypeRenewSubscription, subID).Scan(&renewalJobs))
	assert.Equal(t, 1, renewalJobs)
}

func TestDunningExhaustionMarksPastDueAndSchedulesCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupBillingDB(t)
	defer cleanup()

	svc := newBillingServices(t, db)
	ctx := context.Background()
	tenantID := createTenant(t, db, "acme")
	subID := createSubscriptionRow(t, db, tenantID, svc.clock.Now())

	invoice, err := svc.invoices.GenerateSubscriptionInvoice(ctx, invoices.GenerateRequest{
		SubscriptionID: subID,
		TenantID:       tenantID,
		AmountCents:    2900,
		PeriodStart:    svc.clock.Now(),
		PeriodEnd:      svc.clock.Now().AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	policy := payments.DefaultPolicy()
	var result *payments.PaymentResult
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		svc.gateway.script(declined())
		result, err = svc.payments.RetryPayment(ctx, invoice.ID, true)
		require.NoError(t, err)
		assert.False(t, result.Paid)
		assert.Equal(t, attempt, result.AttemptNumber)
		if !result.RetriesExhausted {
			require.NotNil(t, result.NextAttemptAt)
			svc.clock.Set(*result.NextAttemptAt)
		}
	}
	assert.True(t, result.RetriesExhausted)

	// The final schedule entry is still recorded for manual follow-up.
	require.NotNil(t, result.NextAttemptAt)
	assert.Equal(t, svc.clock.Now().Add(14*24*time.Hour), result.NextAttemptAt.UTC())

	// Exhaustion without force is terminal.
	_, err = svc.payments.RetryPayment(ctx, invoice.ID, false)
	require.Error(t, err)
	assert.True(t, errs.IsExhaustedRetries(err))

	sub, err := svc.subs.GetSubscription(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, subscriptions.StatusPastDue, sub.Status)

	var cancelFor time.Time
	require.NoError(t, db.QueryRow(
		"SELECT scheduled_for FROM billing_jobs WHERE job_type = $1 AND subscription_id = $2",
		jobs.TypeCancelSubscription, subID).Scan(&cancelFor))
	assert.WithinDuration(t, svc.clock.Now().AddDate(0, 0, policy.CancelAfterDays), cancelFor, time.Second)

	var atRisk int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM payment_reminders WHERE invoice_id = $1 AND reminder_type = 'subscription_at_risk'",
		invoice.ID).Scan(&atRisk))
	assert.Equal(t, 1, atRisk)
}
