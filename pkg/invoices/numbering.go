package invoices

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// execQuerier is the subset of *sql.DB / *sql.Tx the numbering allocator
// needs, so allocation can run inside the invoice-creation transaction.
type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// nextInvoiceNumber allocates the next INV-{yyyymm}-{seq} number for a
// tenant-month. The upsert increment is the atomic primitive: two
// concurrent allocations for the same tenant-month serialize on the row
// and receive distinct sequence values.
func nextInvoiceNumber(ctx context.Context, q execQuerier, tenantID int64, now time.Time) (string, error) {
	yearMonth := now.UTC().Format("200601")

	query := `
		INSERT INTO invoice_sequences (tenant_id, year_month, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, year_month)
		DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value
	`
	var seq int64
	if err := q.QueryRowContext(ctx, query, tenantID, yearMonth).Scan(&seq); err != nil {
		return "", fmt.Errorf("failed to allocate invoice sequence for tenant %d: %w", tenantID, err)
	}

	return fmt.Sprintf("INV-%s-%d", yearMonth, seq), nil
}
