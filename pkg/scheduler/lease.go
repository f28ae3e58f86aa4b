package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tallyops/tally/pkg/clock"
	"github.com/tallyops/tally/pkg/observability"
)

// Lease serializes sweep runs across scheduler replicas through the
// sweep_leases table. Each process gets a random holder identity; a
// sweep runs only on the replica that wins the row. An expired lease is
// free for the taking, so a crashed holder blocks a sweep for at most
// one TTL.
type Lease struct {
	db     *sql.DB
	holder string
	clock  clock.Clock
	logger *observability.Logger
}

func NewLease(db *sql.DB, clk clock.Clock, logger *observability.Logger) *Lease {
	return &Lease{
		db:     db,
		holder: uuid.New().String(),
		clock:  clk,
		logger: logger,
	}
}

// Holder returns this process's lease identity.
func (l *Lease) Holder() string {
	return l.holder
}

// Acquire takes or renews the named lease for ttl. It returns false
// when another live holder owns it.
func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := l.clock.Now()
	query := `
		INSERT INTO sweep_leases (sweep_name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (sweep_name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE sweep_leases.holder = EXCLUDED.holder OR sweep_leases.expires_at < $4
	`
	res, err := l.db.ExecContext(ctx, query, name, l.holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Release frees the named lease if this process still holds it.
func (l *Lease) Release(ctx context.Context, name string) error {
	query := `DELETE FROM sweep_leases WHERE sweep_name = $1 AND holder = $2`
	if _, err := l.db.ExecContext(ctx, query, name, l.holder); err != nil {
		return fmt.Errorf("failed to release lease %q: %w", name, err)
	}
	return nil
}
