package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/tallyops/tally/pkg/async"
	"github.com/tallyops/tally/pkg/clock"
	"github.com/tallyops/tally/pkg/config"
	"github.com/tallyops/tally/pkg/httputil"
	"github.com/tallyops/tally/pkg/invoices"
	"github.com/tallyops/tally/pkg/jobs"
	"github.com/tallyops/tally/pkg/notify"
	"github.com/tallyops/tally/pkg/observability"
	"github.com/tallyops/tally/pkg/payments"
	"github.com/tallyops/tally/pkg/scheduler"
	"github.com/tallyops/tally/pkg/storage/postgres"
	"github.com/tallyops/tally/pkg/subscriptions"
	"github.com/tallyops/tally/pkg/tenants"
)

var (
	drainSchedule    = flag.String("drain-schedule", "@every 5m", "Cron schedule for the job queue drain")
	trialSchedule    = flag.String("trial-schedule", "@hourly", "Cron schedule for the trial expiry scan")
	invoiceSchedule  = flag.String("invoice-schedule", "30 0 * * *", "Cron schedule for upcoming invoice generation (default: 00:30 UTC)")
	overdueSchedule  = flag.String("overdue-schedule", "@every 30m", "Cron schedule for overdue payment retries")
	reminderSchedule = flag.String("reminder-schedule", "@hourly", "Cron schedule for reminder dispatch")
	lapsedSchedule   = flag.String("lapsed-schedule", "@every 15m", "Cron schedule for settling lapsed subscriptions")
	reclaimSchedule  = flag.String("reclaim-schedule", "@every 10m", "Cron schedule for reclaiming stale jobs")
	purgeSchedule    = flag.String("purge-schedule", "0 1 * * 0", "Cron schedule for purging finished jobs (default: Sunday 01:00 UTC)")
	reportSchedule   = flag.String("report-schedule", "0 6 * * *", "Cron schedule for the daily report (default: 06:00 UTC)")
	runOnce          = flag.Bool("run-once", false, "Run every sweep once and exit (for testing)")
	skipMigrations   = flag.Bool("skip-migrations", false, "Skip applying schema migrations at startup")
)

type sweepEntry struct {
	name     string
	schedule string
	fn       func(context.Context) error
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
		os.Exit(1)
	}

	conns, err := postgres.NewConnectionManager(cfg.Database)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	db := conns.Primary()

	if !*skipMigrations {
		if err := postgres.RunMigrations(ctx, db); err != nil {
			logger.WithError(err).Error("Failed to apply schema migrations")
			os.Exit(1)
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		async.SafeGo(ctx, logger, 5*time.Second, "redis probe", func(probeCtx context.Context) error {
			if err := redisClient.Ping(probeCtx).Err(); err != nil {
				logger.WithError(err).Warn("Redis unavailable, caches degrade to in-process only")
			}
			return nil
		})
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	clk := clock.New()

	async.Every(ctx, logger, time.Minute, "pool stats refresh", func(context.Context) {
		metrics.UpdateDBStats(conns.Stats())
	})

	jobRegistry := jobs.NewRegistry()
	queue := jobs.NewQueue(db, jobRegistry, clk, logger, metrics)

	invoiceSvc := invoices.NewPostgresService(db, queue, clk, logger, metrics)

	tenantSvc, err := tenants.NewPostgresService(db, redisClient, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize tenant directory")
		os.Exit(1)
	}

	policy, err := cfg.DunningPolicy()
	if err != nil {
		logger.WithError(err).Error("Failed to load dunning policy")
		os.Exit(1)
	}
	holder, err := payments.NewPolicyHolder(policy)
	if err != nil {
		logger.WithError(err).Error("Invalid dunning policy")
		os.Exit(1)
	}
	if cfg.DunningPolicyPath != "" {
		if err := config.WatchDunningPolicy(ctx, cfg.DunningPolicyPath, holder, logger); err != nil {
			logger.WithError(err).Warn("Dunning policy hot reload unavailable")
		}
	}

	gateway := payments.NewStripeGateway(cfg.Gateway.StripeAPIKey)
	processor := payments.NewProcessor(db, gateway, invoiceSvc, queue, tenantSvc, holder, clk, logger, metrics)
	subscriptionSvc := subscriptions.NewPostgresService(db, invoiceSvc, processor, tenantSvc, clk, logger)
	processor.SetSubscriptionHooks(subscriptionSvc)

	if cfg.Observability.OTelEnabled {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			logger.WithError(err).Warn("OTLP metric instruments unavailable")
		} else {
			processor.SetOTelMetrics(otelMetrics)
		}
	}

	var sender notify.Sender
	if cfg.Notify.WebhookURL != "" {
		sender = notify.NewHTTPSender(cfg.Notify.WebhookURL, cfg.Notify.SigningSecret, cfg.Notify.Timeout)
	} else {
		logger.Info("No reminder webhook configured, reminders go to the log")
		sender = notify.LogSender{Logger: logger}
	}
	dispatcher := notify.NewDispatcher(invoiceSvc, sender, logger)

	scheduler.RegisterJobHandlers(jobRegistry, invoiceSvc, processor, subscriptionSvc, dispatcher)

	sched := scheduler.New(conns, queue, invoiceSvc, processor, holder, subscriptionSvc,
		dispatcher, cfg.Sweeps, clk, logger, metrics)

	sweeps := []sweepEntry{
		{scheduler.SweepDrainJobs, *drainSchedule, sched.DrainJobs},
		{scheduler.SweepScanTrials, *trialSchedule, sched.ScanTrials},
		{scheduler.SweepUpcomingInvoices, *invoiceSchedule, sched.GenerateUpcomingInvoices},
		{scheduler.SweepRetryOverdue, *overdueSchedule, sched.RetryOverdue},
		{scheduler.SweepReminders, *reminderSchedule, sched.DispatchReminders},
		{scheduler.SweepSettleLapsed, *lapsedSchedule, sched.SettleLapsed},
		{scheduler.SweepReclaimStale, *reclaimSchedule, sched.ReclaimStaleJobs},
		{scheduler.SweepPurgeJobs, *purgeSchedule, sched.PurgeFinishedJobs},
		{scheduler.SweepDailyReport, *reportSchedule, sched.DailyReport},
	}

	if *runOnce {
		for _, entry := range sweeps {
			sched.RunSweep(ctx, entry.name, entry.fn)
		}
		logger.Info("Run-once pass completed")
		if err := conns.Close(); err != nil {
			logger.WithError(err).Warn("Database close error")
		}
		return
	}

	c := cron.New()
	for _, entry := range sweeps {
		if _, err := c.AddFunc(entry.schedule, func() {
			sched.RunSweep(ctx, entry.name, entry.fn)
		}); err != nil {
			logger.WithError(err).Errorf("Failed to schedule sweep %s", entry.name)
			os.Exit(1)
		}
		logger.Infof("Sweep %s scheduled: %s", entry.name, entry.schedule)
	}
	c.Start()

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      healthRouter(observability.NewHealthChecker(db, redisClient), sched, registry, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Infof("Health server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	sm := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		cancel()
		cronCtx := c.Stop()
		select {
		case <-cronCtx.Done():
		case <-shutdownCtx.Done():
			return shutdownCtx.Err()
		}
		return nil
	})
	sm.RegisterShutdownFunc(func(context.Context) error {
		return conns.Close()
	})
	if redisClient != nil {
		sm.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}
	if providers != nil {
		sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
			return observability.ShutdownOTel(shutdownCtx, providers, logger)
		})
	}

	logger.Info("Tally billing scheduler started")
	if err := sm.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("Scheduler stopped")
}

func healthRouter(hc *observability.HealthChecker, sched *scheduler.Scheduler,
	registry *prometheus.Registry, logger *observability.Logger) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", hc.Liveness)
	router.HandleFunc("/readyz", hc.Readiness)

	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := sched.GetBillingStats(r.Context())
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, stats)
	})

	router.Handle("/metrics", observability.Handler(registry))

	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
	)(router)
}
