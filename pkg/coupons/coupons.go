// Package coupons validates and redeems discount codes. Validation is a
// pure ordered rule chain; redemption pairs the used_count increment with
// the usage record in one transaction, so a limited-use coupon can never
// be over-redeemed by concurrent requests.
package coupons

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"

	"github.com/tallyops/tally/pkg/clock"
	"github.com/tallyops/tally/pkg/errs"
	"github.com/tallyops/tally/pkg/observability"
)

const cacheTTL = 5 * time.Minute

// Service is the coupon engine contract.
type Service interface {
	CreateCoupon(ctx context.Context, req *CreateCouponRequest) (*Coupon, error)
	UpdateCoupon(ctx context.Context, id int64, req *UpdateCouponRequest) (*Coupon, error)
	GetCoupon(ctx context.Context, id int64) (*Coupon, error)
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	ValidateCoupon(ctx context.Context, code, planCode string, amountCents int64, tenantID *int64) (*Validation, error)
	ApplyCoupon(ctx context.Context, req *ApplyRequest) (*Validation, error)
}

const couponColumns = `id, code, discount_type, discount_value, max_discount_cents,
	min_amount_cents, valid_from, valid_until, max_uses, used_count,
	applicable_plans, first_purchase_only, duration_months, is_active, created_at, updated_at`

// PostgresService implements Service with a redis read-through cache on
// code lookups. The redis client may be nil.
type PostgresService struct {
	db      *sql.DB
	redis   *redis.Client
	clock   clock.Clock
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewPostgresService(db *sql.DB, redisClient *redis.Client, clk clock.Clock,
	logger *observability.Logger, metrics *observability.Metrics) *PostgresService {
	return &PostgresService{
		db:      db,
		redis:   redisClient,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
	}
}

// CreateCoupon persists a new coupon. Duplicate codes are a conflict,
// case-insensitively.
func (s *PostgresService) CreateCoupon(ctx context.Context, req *CreateCouponRequest) (*Coupon, error) {
	if req.Code == "" {
		return nil, errs.E(errs.KindValidation, "coupon code is required")
	}
	if !req.DiscountType.Valid() {
		return nil, errs.Ef(errs.KindValidation, "unknown discount type %q", req.DiscountType)
	}
	if req.DiscountValue <= 0 {
		return nil, errs.E(errs.KindValidation, "discount value must be positive")
	}
	if req.DiscountType == DiscountPercentage && req.DiscountValue > 100 {
		return nil, errs.E(errs.KindValidation, "percentage discount cannot exceed 100")
	}

	coupon := &Coupon{
		Code:              strings.ToLower(req.Code),
		DiscountType:      req.DiscountType,
		DiscountValue:     req.DiscountValue,
		MaxDiscountCents:  req.MaxDiscountCents,
		MinAmountCents:    req.MinAmountCents,
		ValidFrom:         req.ValidFrom,
		ValidUntil:        req.ValidUntil,
		MaxUses:           req.MaxUses,
		ApplicablePlans:   req.ApplicablePlans,
		FirstPurchaseOnly: req.FirstPurchaseOnly,
		DurationMonths:    req.DurationMonths,
		IsActive:          true,
	}
	if coupon.ValidFrom.IsZero() {
		coupon.ValidFrom = s.clock.Now()
	}

	query := `
		INSERT INTO coupons (code, discount_type, discount_value, max_discount_cents,
			min_amount_cents, valid_from, valid_until, max_uses, used_count,
			applicable_plans, first_purchase_only, duration_months, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, TRUE)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, coupon.Code, coupon.DiscountType, coupon.DiscountValue,
		coupon.MaxDiscountCents, coupon.MinAmountCents, coupon.ValidFrom, coupon.ValidUntil,
		coupon.MaxUses, pq.Array(coupon.ApplicablePlans), coupon.FirstPurchaseOnly, coupon.DurationMonths).
		Scan(&coupon.ID, &coupon.CreatedAt, &coupon.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, errs.Ef(errs.KindConflict, "coupon code %q already exists", coupon.Code)
		}
		return nil, fmt.Errorf("failed to create coupon: %w", err)
	}

	s.logger.WithField("code", coupon.Code).Info("coupon created")
	return coupon, nil
}

// UpdateCoupon mutates coupon limits and drops the cached copy.
func (s *PostgresService) UpdateCoupon(ctx context.Context, id int64, req *UpdateCouponRequest) (*Coupon, error) {
	coupon, err := s.GetCoupon(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.IsActive != nil {
		coupon.IsActive = *req.IsActive
	}
	if req.ValidUntil != nil {
		coupon.ValidUntil = req.ValidUntil
	}
	if req.MaxUses != nil {
		coupon.MaxUses = req.MaxUses
	}
	if req.MaxDiscountCents != nil {
		coupon.MaxDiscountCents = req.MaxDiscountCents
	}

	query := `
		UPDATE coupons
		SET is_active = $1, valid_until = $2, max_uses = $3, max_discount_cents = $4, updated_at = $5
		WHERE id = $6
	`
	coupon.UpdatedAt = s.clock.Now()
	_, err = s.db.ExecContext(ctx, query, coupon.IsActive, coupon.ValidUntil,
		coupon.MaxUses, coupon.MaxDiscountCents, coupon.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update coupon %d: %w", id, err)
	}

	s.invalidate(ctx, coupon.Code)
	return coupon, nil
}

// GetCoupon retrieves a coupon by ID, bypassing the cache.
func (s *PostgresService) GetCoupon(ctx context.Context, id int64) (*Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`
	coupon, err := scanCoupon(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errs.Ef(errs.KindNotFound, "coupon %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coupon %d: %w", id, err)
	}
	return coupon, nil
}

// FindByCode looks a coupon up by its case-insensitive code through the
// cache.
func (s *PostgresService) FindByCode(ctx context.Context, code string) (*Coupon, error) {
	code = strings.ToLower(code)

	if coupon := s.fromCache(ctx, code); coupon != nil {
		return coupon, nil
	}

	query := `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`
	coupon, err := scanCoupon(s.db.QueryRowContext(ctx, query, code))
	if err == sql.ErrNoRows {
		return nil, errs.Ef(errs.KindNotFound, "coupon %q not found", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find coupon %q: %w", code, err)
	}

	s.toCache(ctx, coupon)
	return coupon, nil
}

// ValidateCoupon checks a coupon against a purchase and computes the
// discount. Rule failures come back as a rejection result, not an error.
func (s *PostgresService) ValidateCoupon(ctx context.Context, code, planCode string,
	amountCents int64, tenantID *int64) (*Validation, error) {
	coupon, err := s.FindByCode(ctx, code)
	if errs.IsNotFound(err) {
		return s.reject(ReasonNotFound, amountCents), nil
	}
	if err != nil {
		return nil, err
	}

	result, err := s.validate(ctx, s.db, coupon, planCode, amountCents, tenantID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresService) validate(ctx context.Context, q querier, coupon *Coupon,
	planCode string, amountCents int64, tenantID *int64) (*Validation, error) {
	now := s.clock.Now()

	switch {
	case !coupon.IsActive:
		return s.reject(ReasonInactive, amountCents), nil
	case now.Before(coupon.ValidFrom):
		return s.reject(ReasonNotYetValid, amountCents), nil
	case coupon.ValidUntil != nil && now.After(*coupon.ValidUntil):
		return s.reject(ReasonExpired, amountCents), nil
	case coupon.MaxUses != nil && coupon.UsedCount >= *coupon.MaxUses:
		return s.reject(ReasonExhausted, amountCents), nil
	case !planApplicable(coupon.ApplicablePlans, planCode):
		return s.reject(ReasonPlanIneligible, amountCents), nil
	case coupon.MinAmountCents != nil && amountCents < *coupon.MinAmountCents:
		return s.reject(ReasonBelowMinimum, amountCents), nil
	}

	if coupon.FirstPurchaseOnly && tenantID != nil {
		used, err := hasPriorUsage(ctx, q, coupon.ID, *tenantID)
		if err != nil {
			return nil, err
		}
		if used {
			return s.reject(ReasonNotFirstUse, amountCents), nil
		}
	}

	discount := computeDiscount(coupon, amountCents)
	s.metrics.CouponValidationsTotal.WithLabelValues("valid").Inc()
	return &Validation{
		Valid:            true,
		DiscountCents:    discount,
		FinalAmountCents: amountCents - discount,
		DurationMonths:   coupon.DurationMonths,
	}, nil
}

func (s *PostgresService) reject(reason string, amountCents int64) *Validation {
	s.metrics.CouponValidationsTotal.WithLabelValues("rejected").Inc()
	return &Validation{Valid: false, Reason: reason, FinalAmountCents: amountCents}
}

// ApplyCoupon validates and redeems in one transaction. The conditional
// used_count increment is the arbiter under concurrency: the loser of the
// last slot observes zero rows and gets a conflict, never a double
// redemption.
func (s *PostgresService) ApplyCoupon(ctx context.Context, req *ApplyRequest) (*Validation, error) {
	if req.TenantID <= 0 {
		return nil, errs.E(errs.KindValidation, "tenant id is required")
	}

	code := strings.ToLower(req.Code)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin redemption transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`
	coupon, err := scanCoupon(tx.QueryRowContext(ctx, query, code))
	if err == sql.ErrNoRows {
		return s.reject(ReasonNotFound, req.AmountCents), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load coupon %q: %w", code, err)
	}

	result, err := s.validate(ctx, tx, coupon, req.PlanCode, req.AmountCents, &req.TenantID)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return result, nil
	}

	increment := `
		UPDATE coupons
		SET used_count = used_count + 1, updated_at = $1
		WHERE id = $2 AND is_active AND (max_uses IS NULL OR used_count < max_uses)
	`
	res, err := tx.ExecContext(ctx, increment, s.clock.Now(), coupon.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to increment coupon %q usage: %w", code, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, errs.Ef(errs.KindConflict, "coupon %q was exhausted concurrently", code)
	}

	usage := `
		INSERT INTO coupon_usages (coupon_id, tenant_id, subscription_id, discount_applied, used_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = tx.ExecContext(ctx, usage, coupon.ID, req.TenantID, req.SubscriptionID,
		result.DiscountCents, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to record coupon %q usage: %w", code, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit redemption: %w", err)
	}

	s.invalidate(ctx, code)
	s.metrics.CouponRedemptionsTotal.Inc()
	s.logger.WithField("code", code).
		WithField("tenant_id", req.TenantID).
		WithField("discount_cents", result.DiscountCents).
		Info("coupon redeemed")
	return result, nil
}

func computeDiscount(coupon *Coupon, amountCents int64) int64 {
	var discount int64
	switch coupon.DiscountType {
	case DiscountPercentage:
		discount = amountCents * coupon.DiscountValue / 100
		if coupon.MaxDiscountCents != nil && discount > *coupon.MaxDiscountCents {
			discount = *coupon.MaxDiscountCents
		}
	case DiscountFixed:
		discount = coupon.DiscountValue
	}
	if discount > amountCents {
		discount = amountCents
	}
	return discount
}

func planApplicable(plans []string, planCode string) bool {
	if len(plans) == 0 {
		return true
	}
	for _, p := range plans {
		if p == planCode {
			return true
		}
	}
	return false
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func hasPriorUsage(ctx context.Context, q querier, couponID, tenantID int64) (bool, error) {
	var used bool
	query := `SELECT EXISTS (SELECT 1 FROM coupon_usages WHERE coupon_id = $1 AND tenant_id = $2)`
	if err := q.QueryRowContext(ctx, query, couponID, tenantID).Scan(&used); err != nil {
		return false, fmt.Errorf("failed to check prior coupon usage: %w", err)
	}
	return used, nil
}

func (s *PostgresService) fromCache(ctx context.Context, code string) *Coupon {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, couponKey(code)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.WithError(err).WithField("code", code).Warn("redis read failed, falling back to store")
		}
		return nil
	}
	coupon := &Coupon{}
	if err := json.Unmarshal(data, coupon); err != nil {
		return nil
	}
	return coupon
}

func (s *PostgresService) toCache(ctx context.Context, coupon *Coupon) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(coupon)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, couponKey(coupon.Code), data, cacheTTL).Err(); err != nil {
		s.logger.WithError(err).WithField("code", coupon.Code).Warn("redis write failed")
	}
}

func (s *PostgresService) invalidate(ctx context.Context, code string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, couponKey(code)).Err(); err != nil {
		s.logger.WithError(err).WithField("code", code).Warn("failed to invalidate coupon in redis")
	}
}

func couponKey(code string) string {
	return "tally:coupon:" + code
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCoupon(r rowScanner) (*Coupon, error) {
	coupon := &Coupon{}
	err := r.Scan(
		&coupon.ID, &coupon.Code, &coupon.DiscountType, &coupon.DiscountValue,
		&coupon.MaxDiscountCents, &coupon.MinAmountCents, &coupon.ValidFrom, &coupon.ValidUntil,
		&coupon.MaxUses, &coupon.UsedCount, pq.Array(&coupon.ApplicablePlans),
		&coupon.FirstPurchaseOnly, &coupon.DurationMonths, &coupon.IsActive,
		&coupon.CreatedAt, &coupon.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return coupon, nil
}
