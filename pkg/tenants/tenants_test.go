package tenants

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/observability"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*PostgresService, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
	svc, err := NewPostgresService(db, client, logger)
	require.NoError(t, err)
	return svc, mock, mr
}

func tenantRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "plan_code", "gateway_customer_ref", "gateway_payment_method_ref",
		"created_at", "updated_at",
	}).AddRow(1, "Acme", "pro", "cus_123", "pm_123", testNow, testNow)
}

func TestGetTenantReadThrough(t *testing.T) {
	svc, mock, mr := newFixture(t)

	// One store read; the second call is served from cache.
	mock.ExpectQuery(`SELECT id, name, plan_code`).
		WithArgs(int64(1)).
		WillReturnRows(tenantRow())

	tenant, err := svc.GetTenant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "pro", tenant.PlanCode)
	assert.Equal(t, "cus_123", tenant.GatewayCustomerRef)

	again, err := svc.GetTenant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, tenant, again)

	assert.True(t, mr.Exists("tally:tenant:1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTenantFromRedisWarmsLocal(t *testing.T) {
	svc, mock, mr := newFixture(t)
	mr.Set("tally:tenant:1", `{"id":1,"name":"Acme","planCode":"pro","gatewayCustomerRef":"cus_123"}`)

	tenant, err := svc.GetTenant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "pro", tenant.PlanCode)

	// No store query was expected or issued.
	assert.NoError(t, mock.ExpectationsWereMet())

	cached, ok := svc.local.Get(1)
	require.True(t, ok)
	assert.Equal(t, tenant, cached)
}

func TestGetTenantNotFound(t *testing.T) {
	svc, mock, _ := newFixture(t)

	mock.ExpectQuery(`SELECT id, name, plan_code`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := svc.GetTenant(context.Background(), 7)
	assert.True(t, errs.IsNotFound(err))
}

func TestUpdatePlanCodeInvalidatesCaches(t *testing.T) {
	svc, mock, mr := newFixture(t)

	mock.ExpectQuery(`SELECT id, name, plan_code`).
		WithArgs(int64(1)).
		WillReturnRows(tenantRow())
	_, err := svc.GetTenant(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, mr.Exists("tally:tenant:1"))

	mock.ExpectExec(`UPDATE tenants SET plan_code`).
		WithArgs("enterprise", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.UpdatePlanCode(context.Background(), 1, "enterprise"))

	assert.False(t, mr.Exists("tally:tenant:1"))
	_, ok := svc.local.Get(1)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePlanCodeValidation(t *testing.T) {
	svc, _, _ := newFixture(t)
	err := svc.UpdatePlanCode(context.Background(), 1, "")
	assert.True(t, errs.IsValidation(err))
}

func TestUpdatePlanCodeUnknownTenant(t *testing.T) {
	svc, mock, _ := newFixture(t)

	mock.ExpectExec(`UPDATE tenants SET plan_code`).
		WithArgs("pro", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.UpdatePlanCode(context.Background(), 9, "pro")
	assert.True(t, errs.IsNotFound(err))
}

func TestDowngradeToFree(t *testing.T) {
	svc, mock, _ := newFixture(t)

	mock.ExpectExec(`UPDATE tenants SET plan_code`).
		WithArgs(FreePlanCode, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.DowngradeToFree(context.Background(), 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryRunsWithoutRedis(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
	svc, err := NewPostgresService(db, nil, logger)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, name, plan_code`).
		WithArgs(int64(1)).
		WillReturnRows(tenantRow())

	tenant, err := svc.GetTenant(context.Background(), 1)
	require.NoError(t, err)

	code, err := svc.GetPlanCode(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, tenant.PlanCode, code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
