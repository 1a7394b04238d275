package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// SweepStats aggregates the outcome of one sweep invocation.
type SweepStats struct {
	UnlinkedAlertsFound int         `json:"unlinkedAlertsFound"`
	AlertsProcessed     int         `json:"alertsProcessed"`
	IncidentsResolved   int         `json:"incidentsResolved"`
	Errors              []ItemError `json:"errors"`
	DurationMs          int64       `json:"durationMs"`
}

// Runner is the periodic entry point: one sweep backfills incident links for
// unlinked alerts, then resolves incidents inactive beyond the threshold.
// Invocations may overlap in time (the scheduler gives no mutual exclusion);
// correctness rests on the store's atomicity, not on in-process locking.
type Runner struct {
	svc           *Service
	store         Store
	logger        log.Logger
	metrics       *Metrics
	backfillLimit int
	resolveLimit  int
	budget        time.Duration
	now           func() time.Time
}

// NewRunner creates a sweep runner. A nil logger becomes a Nop logger.
func NewRunner(svc *Service, store Store, logger log.Logger, metrics *Metrics, backfillLimit, resolveLimit int, budget time.Duration) *Runner {
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{
		svc:           svc,
		store:         store,
		logger:        logger,
		metrics:       metrics,
		backfillLimit: backfillLimit,
		resolveLimit:  resolveLimit,
		budget:        budget,
		now:           time.Now,
	}
}

// Sweep runs one bounded backfill-and-resolve pass. Per-item failures are
// recorded in the stats and never abort the pass; only a failure before the
// loops start (e.g. the store is unreachable) fails the invocation. Partial
// work on timeout is safe to resume because every operation is idempotent.
func (r *Runner) Sweep(ctx context.Context) (*SweepStats, error) {
	start := r.now()
	if r.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.budget)
		defer cancel()
	}

	alerts, err := r.store.UnlinkedAlerts(ctx, r.backfillLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch unlinked alerts: %w", err)
	}

	stats := &SweepStats{UnlinkedAlertsFound: len(alerts), Errors: []ItemError{}}
	if r.metrics != nil {
		r.metrics.SweepBacklog.Set(float64(len(alerts)))
	}

	for _, al := range alerts {
		if ctx.Err() != nil {
			r.logger.Warn(ctx, "sweep budget exhausted during backfill",
				"processed", stats.AlertsProcessed, "found", stats.UnlinkedAlertsFound)
			break
		}
		if err := r.svc.ProcessAlert(ctx, al); err != nil {
			r.logger.Error(ctx, err, "alert backfill failed", "alert_id", al.ID, "site_id", al.SiteID)
			if r.metrics != nil {
				r.metrics.SweepErrorsTotal.WithLabelValues("backfill").Inc()
			}
			stats.Errors = append(stats.Errors, ItemError{ID: al.ID, Err: err.Error()})
			continue
		}
		stats.AlertsProcessed++
	}

	closed, failed, err := r.svc.ResolveInactive(ctx, r.resolveLimit)
	stats.IncidentsResolved = closed
	stats.Errors = append(stats.Errors, failed...)
	if err != nil && ctx.Err() == nil {
		// Backfill already produced partial stats; degrade instead of failing.
		r.logger.Error(ctx, err, "resolve phase failed")
		stats.Errors = append(stats.Errors, ItemError{ID: "resolve", Err: err.Error()})
	}

	dur := r.now().Sub(start)
	stats.DurationMs = dur.Milliseconds()
	if r.metrics != nil {
		r.metrics.SweepDuration.Observe(dur.Seconds())
	}

	r.logger.Info(ctx, "sweep complete",
		"unlinked_found", stats.UnlinkedAlertsFound,
		"alerts_processed", stats.AlertsProcessed,
		"incidents_resolved", stats.IncidentsResolved,
		"errors", len(stats.Errors),
		"duration_ms", stats.DurationMs,
	)
	return stats, nil
}

// Run sweeps on a fixed interval until ctx is cancelled. For deployments
// without an external scheduler hitting the sweep endpoint.
func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error(ctx, err, "scheduled sweep failed")
			}
		}
	}
}
