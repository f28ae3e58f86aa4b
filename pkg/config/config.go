package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tallyops/tally/pkg/observability"
	"github.com/tallyops/tally/pkg/payments"
	"github.com/tallyops/tally/pkg/scheduler"
	"github.com/tallyops/tally/pkg/storage/postgres"
)

// Config holds all scheduler process configuration
type Config struct {
	// Health/metrics server configuration
	Server ServerConfig

	// Database configuration
	Database postgres.ConnectionConfig

	// Redis cache configuration
	Redis RedisConfig

	// Payment gateway configuration
	Gateway GatewayConfig

	// Reminder webhook configuration
	Notify NotifyConfig

	// Sweep knobs
	Sweeps scheduler.Config

	// Dunning policy file; empty means built-in defaults
	DunningPolicyPath string

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds the health/metrics HTTP server configuration
type ServerConfig struct {
	Host            string
	HealthPort      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig holds the shared cache settings. An empty address
// disables redis; the in-process caches still work.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GatewayConfig holds payment gateway credentials
type GatewayConfig struct {
	StripeAPIKey string
}

// NotifyConfig holds the reminder webhook settings
type NotifyConfig struct {
	WebhookURL    string
	SigningSecret string
	Timeout       time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:            loadServerConfig(),
		Database:          loadDatabaseConfig(),
		Redis:             loadRedisConfig(),
		Gateway:           loadGatewayConfig(),
		Notify:            loadNotifyConfig(),
		Sweeps:            loadSweepConfig(),
		DunningPolicyPath: getEnv("TALLY_DUNNING_POLICY_FILE", ""),
		Observability:     loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads health server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TALLY_HOST", "0.0.0.0"),
		HealthPort:      getEnv("TALLY_HEALTH_PORT", "9090"),
		ReadTimeout:     getEnvDuration("TALLY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TALLY_WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getEnvDuration("TALLY_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() postgres.ConnectionConfig {
	cfg := postgres.DefaultConnectionConfig(getEnv("TALLY_POSTGRES_URL", ""))

	if replicaURLs := getEnv("TALLY_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.ReplicaURLs = postgres.ParseReplicaURLs(replicaURLs)
	}
	if maxConns := getEnvInt("TALLY_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("TALLY_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("TALLY_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}

	return cfg
}

// loadRedisConfig loads redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     getEnv("TALLY_REDIS_ADDR", ""),
		Password: getEnv("TALLY_REDIS_PASSWORD", ""),
		DB:       getEnvInt("TALLY_REDIS_DB", 0),
	}
}

// loadGatewayConfig loads gateway credentials from environment
func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		StripeAPIKey: getEnv("TALLY_STRIPE_API_KEY", ""),
	}
}

// loadNotifyConfig loads reminder webhook settings from environment
func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		WebhookURL:    getEnv("TALLY_REMINDER_WEBHOOK_URL", ""),
		SigningSecret: getEnv("TALLY_REMINDER_WEBHOOK_SECRET", ""),
		Timeout:       getEnvDuration("TALLY_REMINDER_TIMEOUT", 10*time.Second),
	}
}

// loadSweepConfig loads sweep knobs from environment
func loadSweepConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()

	if batch := getEnvInt("TALLY_DRAIN_BATCH", 0); batch > 0 {
		cfg.DrainBatch = batch
	}
	if batch := getEnvInt("TALLY_OVERDUE_BATCH", 0); batch > 0 {
		cfg.OverdueBatch = batch
	}
	if batch := getEnvInt("TALLY_LAPSED_BATCH", 0); batch > 0 {
		cfg.LapsedBatch = batch
	}
	if batch := getEnvInt("TALLY_REMINDER_BATCH", 0); batch > 0 {
		cfg.ReminderBatch = batch
	}
	if lookahead := getEnvDuration("TALLY_TRIAL_LOOKAHEAD", 0); lookahead > 0 {
		cfg.TrialLookahead = lookahead
	}
	if lookahead := getEnvDuration("TALLY_INVOICE_LOOKAHEAD", 0); lookahead > 0 {
		cfg.InvoiceLookahead = lookahead
	}
	if threshold := getEnvDuration("TALLY_STALE_THRESHOLD", 0); threshold > 0 {
		cfg.StaleThreshold = threshold
	}
	if retention := getEnvDuration("TALLY_JOB_RETENTION", 0); retention > 0 {
		cfg.JobRetention = retention
	}
	if ttl := getEnvDuration("TALLY_LEASE_TTL", 0); ttl > 0 {
		cfg.LeaseTTL = ttl
	}

	return cfg
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("TALLY_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TALLY_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TALLY_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TALLY_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TALLY_OTEL_SERVICE_NAME", "tally-scheduler"),
		OTelServiceVersion: getEnv("TALLY_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TALLY_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}

	if c.Database.PrimaryURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Gateway.StripeAPIKey == "" {
		return fmt.Errorf("stripe API key is required")
	}

	if c.Notify.WebhookURL != "" && !strings.HasPrefix(c.Notify.WebhookURL, "http") {
		return fmt.Errorf("invalid reminder webhook URL: %s", c.Notify.WebhookURL)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// DunningPolicy returns the policy from the configured file, or the
// built-in defaults when no file is set.
func (c *Config) DunningPolicy() (payments.DunningPolicy, error) {
	if c.DunningPolicyPath == "" {
		return payments.DefaultPolicy(), nil
	}
	return LoadDunningPolicy(c.DunningPolicyPath)
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
