package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds worker-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string
	WorkerID              string

	RefreshIntervalSeconds int
	PollIntervalSeconds    int
	PollTimeoutSeconds     int

	OutboxIntervalSeconds int
	OutboxBatchSize       int
	OutboxMaxRetries      int
	FanInURL              string
	WebhookURL            string

	StatusAPIToken string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight work to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "status API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (required)")
	fs.StringVar(&c.WorkerID, "worker-id", "", "identifier stamped onto outbox claims (default: hostname)")
	fs.IntVar(&c.RefreshIntervalSeconds, "refresh-interval-seconds", 120, "seconds between source catalog refreshes (1..3600)")
	fs.IntVar(&c.PollIntervalSeconds, "poll-interval-seconds", 60, "seconds between ingestion cycles (1..3600)")
	fs.IntVar(&c.PollTimeoutSeconds, "poll-timeout-seconds", 30, "per-source poll deadline in seconds (1..300)")
	fs.IntVar(&c.OutboxIntervalSeconds, "outbox-interval-seconds", 5, "seconds the dispatcher sleeps after an empty claim (1..3600)")
	fs.IntVar(&c.OutboxBatchSize, "outbox-batch-size", 25, "max outbox events claimed per cycle (1..1000)")
	fs.IntVar(&c.OutboxMaxRetries, "outbox-max-retries", 10, "delivery retries before an event is dead-lettered (0 = unbounded)")
	fs.StringVar(&c.FanInURL, "fan-in-url", "", "primary delivery sink URL (SSE fan-in endpoint)")
	fs.StringVar(&c.WebhookURL, "webhook-url", "", "secondary delivery sink URL, used when no fan-in URL is set")
	fs.StringVar(&c.StatusAPIToken, "status-api-token", "", "bearer token protecting the status API (empty = unprotected)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// The worker is nothing without its store.
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	if c.RefreshIntervalSeconds <= 0 || c.RefreshIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid REFRESH_INTERVAL_SECONDS %d (must be 1..3600)", c.RefreshIntervalSeconds))
	}
	if c.PollIntervalSeconds <= 0 || c.PollIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL_SECONDS %d (must be 1..3600)", c.PollIntervalSeconds))
	}
	if c.PollTimeoutSeconds <= 0 || c.PollTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid POLL_TIMEOUT_SECONDS %d (must be 1..300)", c.PollTimeoutSeconds))
	}

	if c.OutboxIntervalSeconds <= 0 || c.OutboxIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid OUTBOX_INTERVAL_SECONDS %d (must be 1..3600)", c.OutboxIntervalSeconds))
	}
	if c.OutboxBatchSize <= 0 || c.OutboxBatchSize > 1000 {
		errs = append(errs, fmt.Errorf("invalid OUTBOX_BATCH_SIZE %d (must be 1..1000)", c.OutboxBatchSize))
	}
	if c.OutboxMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid OUTBOX_MAX_RETRIES %d (must be >= 0)", c.OutboxMaxRetries))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SinkURL returns the delivery target by priority: fan-in first, webhook
// second, empty when neither is configured.
func (c *Config) SinkURL() string {
	if c.FanInURL != "" {
		return c.FanInURL
	}
	return c.WebhookURL
}
