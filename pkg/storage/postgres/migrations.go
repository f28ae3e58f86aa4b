package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the billing ledger schema in apply order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tenants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenants (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					plan_code VARCHAR(100) NOT NULL DEFAULT 'free',
					gateway_customer_ref VARCHAR(255) NOT NULL DEFAULT '',
					gateway_payment_method_ref VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					plan_id VARCHAR(100) NOT NULL,
					plan_type VARCHAR(100) NOT NULL DEFAULT '',
					amount_cents BIGINT NOT NULL,
					billing_cycle VARCHAR(20) NOT NULL,
					status VARCHAR(20) NOT NULL,
					current_period_start TIMESTAMPTZ NOT NULL,
					current_period_end TIMESTAMPTZ NOT NULL,
					trial_end TIMESTAMPTZ,
					scheduled_plan_id VARCHAR(100),
					scheduled_plan_type VARCHAR(100),
					scheduled_amount_cents BIGINT,
					scheduled_change BOOLEAN NOT NULL DEFAULT FALSE,
					discount_cents BIGINT NOT NULL DEFAULT 0,
					discount_months_remaining INT,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					cancelled_at TIMESTAMPTZ,
					cancel_reason VARCHAR(100),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_subscriptions_tenant_id ON subscriptions(tenant_id);
				CREATE INDEX idx_subscriptions_status_period_end ON subscriptions(status, current_period_end);
				CREATE INDEX idx_subscriptions_trial_end ON subscriptions(trial_end) WHERE trial_end IS NOT NULL;
			`,
		},
		{
			Version:     3,
			Description: "Create invoices and invoice_sequences tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS invoices (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					subscription_id BIGINT REFERENCES subscriptions(id) ON DELETE SET NULL,
					invoice_number VARCHAR(50) NOT NULL UNIQUE,
					subtotal_cents BIGINT NOT NULL,
					discount_cents BIGINT NOT NULL DEFAULT 0,
					tax_cents BIGINT NOT NULL DEFAULT 0,
					total_cents BIGINT NOT NULL,
					due_date TIMESTAMPTZ NOT NULL,
					status VARCHAR(20) NOT NULL,
					billing_attempts INT NOT NULL DEFAULT 0,
					last_attempt_at TIMESTAMPTZ,
					next_attempt_at TIMESTAMPTZ,
					paid_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_invoices_tenant_id ON invoices(tenant_id);
				CREATE INDEX idx_invoices_status_due_date ON invoices(status, due_date);
				CREATE INDEX idx_invoices_subscription_status ON invoices(subscription_id, status);

				CREATE TABLE IF NOT EXISTS invoice_sequences (
					tenant_id BIGINT NOT NULL,
					year_month CHAR(6) NOT NULL,
					last_value BIGINT NOT NULL,
					PRIMARY KEY (tenant_id, year_month)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create billing_attempts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_attempts (
					id BIGSERIAL PRIMARY KEY,
					invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
					attempt_number INT NOT NULL,
					status VARCHAR(20) NOT NULL,
					error_code VARCHAR(100) NOT NULL DEFAULT '',
					error_message TEXT NOT NULL DEFAULT '',
					started_at TIMESTAMPTZ NOT NULL,
					completed_at TIMESTAMPTZ,
					UNIQUE (invoice_id, attempt_number)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create billing_jobs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_jobs (
					id BIGSERIAL PRIMARY KEY,
					job_type VARCHAR(50) NOT NULL,
					scheduled_for TIMESTAMPTZ NOT NULL,
					status VARCHAR(20) NOT NULL,
					retry_count INT NOT NULL DEFAULT 0,
					max_retries INT NOT NULL,
					tenant_id BIGINT,
					subscription_id BIGINT,
					invoice_id BIGINT,
					result TEXT NOT NULL DEFAULT '',
					error_message TEXT NOT NULL DEFAULT '',
					started_at TIMESTAMPTZ,
					completed_at TIMESTAMPTZ,
					last_retry_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_billing_jobs_status_scheduled ON billing_jobs(status, scheduled_for);
				CREATE INDEX idx_billing_jobs_type_subscription ON billing_jobs(job_type, subscription_id, status);
				CREATE INDEX idx_billing_jobs_type_invoice ON billing_jobs(job_type, invoice_id, status);
			`,
		},
		{
			Version:     6,
			Description: "Create payment_reminders table",
			SQL: `
				CREATE TABLE IF NOT EXISTS payment_reminders (
					id BIGSERIAL PRIMARY KEY,
					invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
					tenant_id BIGINT NOT NULL,
					reminder_type VARCHAR(50) NOT NULL,
					scheduled_for TIMESTAMPTZ NOT NULL,
					status VARCHAR(20) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_payment_reminders_status_scheduled ON payment_reminders(status, scheduled_for);
				CREATE INDEX idx_payment_reminders_invoice_status ON payment_reminders(invoice_id, status);
			`,
		},
		{
			Version:     7,
			Description: "Create coupons and coupon_usages tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS coupons (
					id BIGSERIAL PRIMARY KEY,
					code VARCHAR(100) NOT NULL UNIQUE,
					discount_type VARCHAR(20) NOT NULL,
					discount_value BIGINT NOT NULL,
					max_discount_cents BIGINT,
					min_amount_cents BIGINT,
					valid_from TIMESTAMPTZ,
					valid_until TIMESTAMPTZ,
					max_uses BIGINT,
					used_count BIGINT NOT NULL DEFAULT 0,
					applicable_plans TEXT[] NOT NULL DEFAULT '{}',
					first_purchase_only BOOLEAN NOT NULL DEFAULT FALSE,
					duration_months INT,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS coupon_usages (
					id BIGSERIAL PRIMARY KEY,
					coupon_id BIGINT NOT NULL REFERENCES coupons(id) ON DELETE CASCADE,
					tenant_id BIGINT NOT NULL,
					subscription_id BIGINT,
					discount_applied BIGINT NOT NULL,
					used_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX idx_coupon_usages_coupon_tenant ON coupon_usages(coupon_id, tenant_id);
			`,
		},
		{
			Version:     8,
			Description: "Create sweep_leases table",
			SQL: `
				CREATE TABLE IF NOT EXISTS sweep_leases (
					sweep_name VARCHAR(100) PRIMARY KEY,
					holder VARCHAR(64) NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL
				);
			`,
		},
	}
}

// RunMigrations applies pending migrations in order, each in its own
// transaction.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM billing_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO billing_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
