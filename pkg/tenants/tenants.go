// Package tenants is the tenant directory: the plan code and gateway
// references the billing engine reads on every charge, served through a
// small in-process LRU backed by redis backed by postgres.
package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/observability"
)

// FreePlanCode is the tier a tenant is downgraded to when a subscription
// is cancelled for non-payment.
const FreePlanCode = "free"

const (
	cacheSize = 1024
	cacheTTL  = 5 * time.Minute
)

// Tenant is the directory record. Gateway references identify the tenant
// on the payment gateway side.
type Tenant struct {
	ID                      int64     `json:"id"`
	Name                    string    `json:"name"`
	PlanCode                string    `json:"planCode"`
	GatewayCustomerRef      string    `json:"gatewayCustomerRef"`
	GatewayPaymentMethodRef string    `json:"gatewayPaymentMethodRef"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// Service is the directory contract consumed by payments and
// subscriptions.
type Service interface {
	GetTenant(ctx context.Context, id int64) (*Tenant, error)
	GetPlanCode(ctx context.Context, id int64) (string, error)
	UpdatePlanCode(ctx context.Context, id int64, planCode string) error
	DowngradeToFree(ctx context.Context, id int64) error
}

// PostgresService implements Service with two cache tiers in front of the
// store. The redis client may be nil; the directory then runs on the LRU
// alone.
type PostgresService struct {
	db     *sql.DB
	redis  *redis.Client
	local  *lru.Cache[int64, *Tenant]
	logger *observability.Logger
}

func NewPostgresService(db *sql.DB, redisClient *redis.Client, logger *observability.Logger) (*PostgresService, error) {
	local, err := lru.New[int64, *Tenant](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant cache: %w", err)
	}
	return &PostgresService{
		db:     db,
		redis:  redisClient,
		local:  local,
		logger: logger,
	}, nil
}

// GetTenant reads through the cache tiers.
func (s *PostgresService) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	if tenant, ok := s.local.Get(id); ok {
		return tenant, nil
	}

	if tenant := s.fromRedis(ctx, id); tenant != nil {
		s.local.Add(id, tenant)
		return tenant, nil
	}

	query := `
		SELECT id, name, plan_code, gateway_customer_ref, gateway_payment_method_ref,
			created_at, updated_at
		FROM tenants WHERE id = $1
	`
	tenant := &Tenant{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&tenant.ID, &tenant.Name, &tenant.PlanCode,
		&tenant.GatewayCustomerRef, &tenant.GatewayPaymentMethodRef,
		&tenant.CreatedAt, &tenant.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errs.Ef(errs.KindNotFound, "tenant %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant %d: %w", id, err)
	}

	s.local.Add(id, tenant)
	s.toRedis(ctx, tenant)
	return tenant, nil
}

// GetPlanCode returns just the tenant's plan code.
func (s *PostgresService) GetPlanCode(ctx context.Context, id int64) (string, error) {
	tenant, err := s.GetTenant(ctx, id)
	if err != nil {
		return "", err
	}
	return tenant.PlanCode, nil
}

// UpdatePlanCode propagates a plan change into the directory and drops
// the cached record.
func (s *PostgresService) UpdatePlanCode(ctx context.Context, id int64, planCode string) error {
	if planCode == "" {
		return errs.E(errs.KindValidation, "plan code is required")
	}

	query := `UPDATE tenants SET plan_code = $1, updated_at = NOW() WHERE id = $2`
	res, err := s.db.ExecContext(ctx, query, planCode, id)
	if err != nil {
		return fmt.Errorf("failed to update plan code for tenant %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errs.Ef(errs.KindNotFound, "tenant %d not found", id)
	}

	s.invalidate(ctx, id)
	return nil
}

// DowngradeToFree moves the tenant to the free tier.
func (s *PostgresService) DowngradeToFree(ctx context.Context, id int64) error {
	return s.UpdatePlanCode(ctx, id, FreePlanCode)
}

func (s *PostgresService) invalidate(ctx context.Context, id int64) {
	s.local.Remove(id)
	if s.redis != nil {
		if err := s.redis.Del(ctx, tenantKey(id)).Err(); err != nil {
			s.logger.WithError(err).WithField("tenant_id", id).Warn("failed to invalidate tenant in redis")
		}
	}
}

func (s *PostgresService) fromRedis(ctx context.Context, id int64) *Tenant {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, tenantKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.WithError(err).WithField("tenant_id", id).Warn("redis read failed, falling back to store")
		}
		return nil
	}
	tenant := &Tenant{}
	if err := json.Unmarshal(data, tenant); err != nil {
		return nil
	}
	return tenant
}

func (s *PostgresService) toRedis(ctx context.Context, tenant *Tenant) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(tenant)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, tenantKey(tenant.ID), data, cacheTTL).Err(); err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenant.ID).Warn("redis write failed")
	}
}

func tenantKey(id int64) string {
	return fmt.Sprintf("tally:tenant:%d", id)
}
