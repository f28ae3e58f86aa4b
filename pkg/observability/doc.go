// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health checks, panic recovery, and graceful
// shutdown for the billing engine.
//
// # Logging
//
// Logger wraps log/slog with a JSON handler. Domain code attaches
// entity identifiers as fields:
//
//	logger.WithField("invoice_id", inv.ID).
//	    WithField("attempt", attempt.AttemptNumber).
//	    Info("payment attempt failed")
//
// # Metrics
//
// Metrics holds the billing-domain Prometheus collectors: payment
// attempt outcomes, retry scheduling, sweep durations, job queue depth,
// invoices issued, and coupon redemptions. The scheduler daemon serves
// them at /metrics on the health port.
//
// # Health
//
// HealthChecker exposes liveness and readiness probes backed by the
// ledger store and the cache. Readiness degrades (not fails) when only
// the cache is down; the engine works without it.
package observability
