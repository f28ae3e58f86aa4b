// Package async provides panic-safe goroutine helpers for background
// work the scheduler kicks off outside its sweep cadence (pool gauge
// refresh, cache invalidation, fire-and-forget notifications).
package async

import (
	"context"
	"time"

	"github.com/tallyops/tally/pkg/observability"
)

// SafeGo executes a function in a goroutine with context cancellation,
// panic recovery, timeout enforcement, and error logging.
//
// Use this instead of bare `go func()` so a panicking background task
// never takes the scheduler process down:
//
//	async.SafeGo(ctx, logger, 5*time.Second, "pool stats refresh", func(ctx context.Context) error {
//	    metrics.UpdateDBStats(conns.Stats())
//	    return nil
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer observability.RecoverPanic(logger.WithField("task", taskName), taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// SafeGoNoError is like SafeGo but for functions that don't return errors.
func SafeGoNoError(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, logger, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Every runs fn on a fixed interval until ctx is cancelled, with panic
// recovery per tick. The first run happens after the first interval.
func Every(ctx context.Context, logger *observability.Logger, interval time.Duration, taskName string, fn func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				func() {
					defer observability.RecoverPanic(logger.WithField("task", taskName), taskName)
					fn(ctx)
				}()
			case <-ctx.Done():
				return
			}
		}
	}()
}
