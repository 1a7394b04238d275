package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds firewatch-specific configuration alongside the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string
	SweepToken            string
	IngestToken           string
	InactivityHours       float64
	BackfillLimit         int
	ResolveLimit          int
	SweepIntervalSeconds  int
	SweepBudgetSeconds    int
	SlackWebhookURL       string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SweepToken, "sweep-token", "", "token the scheduler must pass as ?token= on the sweep endpoint (empty = unauthenticated)")
	fs.StringVar(&c.IngestToken, "ingest-token", "", "bearer token for the alert ingest and review endpoints (empty = unauthenticated)")
	fs.Float64Var(&c.InactivityHours, "inactivity-threshold-hours", 6, "hours without a new alert after which an open incident auto-closes (> 0)")
	fs.IntVar(&c.BackfillLimit, "backfill-limit", 50, "max unlinked alerts processed per sweep (1..1000)")
	fs.IntVar(&c.ResolveLimit, "resolve-limit", 100, "max stale incidents resolved per sweep (1..1000)")
	fs.IntVar(&c.SweepIntervalSeconds, "sweep-interval-seconds", 0, "in-process sweep interval; 0 relies on the external scheduler hitting the sweep endpoint")
	fs.IntVar(&c.SweepBudgetSeconds, "sweep-budget-seconds", 120, "wall-clock budget per sweep invocation (1..600)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for incident notifications")
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

	// The inactivity threshold drives incident auto-close and must be positive
	if c.InactivityHours <= 0 {
		errs = append(errs, fmt.Errorf("invalid INACTIVITY_THRESHOLD_HOURS %g (must be > 0)", c.InactivityHours))
	}

	// Batch bounds keep a single sweep from running unbounded
	if c.BackfillLimit <= 0 || c.BackfillLimit > 1000 {
		errs = append(errs, fmt.Errorf("invalid BACKFILL_LIMIT %d (must be 1..1000)", c.BackfillLimit))
	}
	if c.ResolveLimit <= 0 || c.ResolveLimit > 1000 {
		errs = append(errs, fmt.Errorf("invalid RESOLVE_LIMIT %d (must be 1..1000)", c.ResolveLimit))
	}

	if c.SweepIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %d (must be >= 0)", c.SweepIntervalSeconds))
	}
	if c.SweepBudgetSeconds <= 0 || c.SweepBudgetSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_BUDGET_SECONDS %d (must be 1..600)", c.SweepBudgetSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
