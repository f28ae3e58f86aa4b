// Package scheduler runs the periodic sweeps that drive the billing
// engine forward: draining the job queue, scanning for ending trials,
// generating upcoming invoices, retrying overdue ones, dispatching
// reminders, and settling lapsed subscriptions. Every sweep runs under
// a database lease so multiple scheduler replicas never double-process.
package scheduler

import (
	"context"
	"time"

	"github.com/tallyops/tally/pkg/clock"
	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/jobs"
	"github.com/tallyops/tally/pkg/notify"
	"github.com/tallyops/tally/pkg/observability"
	"github.com/tallyops/tally/pkg/payments"
	"github.com/tallyops/tally/pkg/storage/postgres"
	"github.com/tallyops/tally/pkg/subscriptions"
)

// Config holds the sweep knobs. Zero values fall back to defaults.
type Config struct {
	DrainBatch       int
	OverdueBatch     int
	LapsedBatch      int
	ReminderBatch    int
	TrialLookahead   time.Duration
	InvoiceLookahead time.Duration
	StaleThreshold   time.Duration
	JobRetention     time.Duration
	LeaseTTL         time.Duration
}

// DefaultConfig returns the production sweep settings.
func DefaultConfig() Config {
	return Config{
		DrainBatch:       50,
		OverdueBatch:     100,
		LapsedBatch:      100,
		ReminderBatch:    200,
		TrialLookahead:   24 * time.Hour,
		InvoiceLookahead: 7 * 24 * time.Hour,
		StaleThreshold:   10 * time.Minute,
		JobRetention:     30 * 24 * time.Hour,
		LeaseTTL:         5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.DrainBatch <= 0 {
		c.DrainBatch = def.DrainBatch
	}
	if c.OverdueBatch <= 0 {
		c.OverdueBatch = def.OverdueBatch
	}
	if c.LapsedBatch <= 0 {
		c.LapsedBatch = def.LapsedBatch
	}
	if c.ReminderBatch <= 0 {
		c.ReminderBatch = def.ReminderBatch
	}
	if c.TrialLookahead <= 0 {
		c.TrialLookahead = def.TrialLookahead
	}
	if c.InvoiceLookahead <= 0 {
		c.InvoiceLookahead = def.InvoiceLookahead
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = def.StaleThreshold
	}
	if c.JobRetention <= 0 {
		c.JobRetention = def.JobRetention
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
}

// Scheduler owns the sweep implementations. The cron wiring lives in
// the command; the scheduler only knows how to run one sweep at a time.
type Scheduler struct {
	conns         *postgres.ConnectionManager
	jobs          *jobs.Queue
	invoices      invoices.Service
	payments      payments.Service
	policy        *payments.PolicyHolder
	subscriptions subscriptions.Service
	dispatcher    *notify.Dispatcher
	lease         *Lease
	config        Config
	clock         clock.Clock
	logger        *observability.Logger
	metrics       *observability.Metrics
}

func New(
	conns *postgres.ConnectionManager,
	jobQueue *jobs.Queue,
	invoiceSvc invoices.Service,
	paymentSvc payments.Service,
	policy *payments.PolicyHolder,
	subscriptionSvc subscriptions.Service,
	dispatcher *notify.Dispatcher,
	config Config,
	clk clock.Clock,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Scheduler {
	config.applyDefaults()
	return &Scheduler{
		conns:         conns,
		jobs:          jobQueue,
		invoices:      invoiceSvc,
		payments:      paymentSvc,
		policy:        policy,
		subscriptions: subscriptionSvc,
		dispatcher:    dispatcher,
		lease:         NewLease(conns.Primary(), clk, logger),
		config:        config,
		clock:         clk,
		logger:        logger,
		metrics:       metrics,
	}
}

// RunSweep executes fn under the named lease. A lease miss is a silent
// skip; another replica is doing the work. Panics are contained so one
// broken sweep never takes the scheduler down.
func (s *Scheduler) RunSweep(ctx context.Context, name string, fn func(context.Context) error) {
	acquired, err := s.lease.Acquire(ctx, name, s.config.LeaseTTL)
	if err != nil {
		s.logger.WithError(err).WithField("sweep", name).Error("lease acquisition failed")
		s.metrics.ObserveSweep(name, time.Now(), err)
		return
	}
	if !acquired {
		s.metrics.SweepLeaseMisses.WithLabelValues(name).Inc()
		s.logger.WithField("sweep", name).Debug("lease held elsewhere, skipping sweep")
		return
	}
	defer func() {
		if err := s.lease.Release(ctx, name); err != nil {
			s.logger.WithError(err).WithField("sweep", name).Warn("lease release failed")
		}
	}()
	defer observability.RecoverPanic(s.logger, name)

	ctx = observability.WithSweepName(ctx, name)
	start := time.Now()
	err = fn(ctx)
	s.metrics.ObserveSweep(name, start, err)
	if err != nil {
		s.logger.WithError(err).WithField("sweep", name).Error("sweep failed")
		return
	}
	s.logger.WithField("sweep", name).
		WithField("duration", time.Since(start).String()).
		Debug("sweep completed")
}

func (s *Scheduler) countEntityError(sweep string, logger *observability.Logger, err error) {
	s.metrics.SweepEntityErrors.WithLabelValues(sweep).Inc()
	logger.WithError(err).Warn("sweep entity error")
}
