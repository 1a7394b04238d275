package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// Notifier dispatches user-facing opening/closing notifications for an
// incident and returns the id of the notification it sent. The id is stored
// on the incident as evidence the notification went out.
type Notifier interface {
	NotifyOpened(ctx context.Context, in *SiteIncident) (notificationID string, err error)
	NotifyClosed(ctx context.Context, in *SiteIncident) (notificationID string, err error)
}

// NopNotifier records notification ids without dispatching anything.
// Used when no webhook is configured so the lifecycle can still progress.
type NopNotifier struct{}

func (NopNotifier) NotifyOpened(context.Context, *SiteIncident) (string, error) {
	return ulid.Make().String(), nil
}

func (NopNotifier) NotifyClosed(context.Context, *SiteIncident) (string, error) {
	return ulid.Make().String(), nil
}

// ItemError records a per-item failure inside a batch that did not abort it.
type ItemError struct {
	ID  string `json:"id"`
	Err string `json:"error"`
}

// Service implements the alert-to-incident correlation algorithm on top of a
// Store, a Resolver and a Notifier.
type Service struct {
	store    Store
	resolver *Resolver
	notifier Notifier
	logger   log.Logger
	metrics  *Metrics
}

// NewService creates a correlation service. A nil logger becomes a Nop logger
// and a nil notifier becomes a NopNotifier; store and resolver are required.
func NewService(store Store, resolver *Resolver, notifier Notifier, logger log.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// IngestAlert mints an id for a site-scoped detection and stores it unlinked.
func (s *Service) IngestAlert(ctx context.Context, siteID string, eventDate time.Time) (*SiteAlert, error) {
	al := &SiteAlert{
		ID:        ulid.Make().String(),
		SiteID:    siteID,
		EventDate: eventDate,
	}
	if err := s.store.InsertAlert(ctx, al); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.AlertsIngestedTotal.Inc()
	}
	return al, nil
}

// ProcessAlert links an unlinked alert to the site's open incident, creating
// one when no open incident exists. Safe to call twice for the same alert and
// safe to call concurrently for two alerts of the same site: idempotency rests
// on AttachAlert's no-op behavior, single-create on the store's atomic
// conditional create.
func (s *Service) ProcessAlert(ctx context.Context, al *SiteAlert) error {
	if al.IncidentID != nil {
		return nil // already linked on a previous invocation
	}

	in, ok, err := s.store.FindOpenIncident(ctx, al.SiteID)
	if err != nil {
		return fmt.Errorf("find open incident: %w", err)
	}

	// An incident found mid-close loses the race; treat as no open incident.
	if ok && in.ValidateCanAcceptAlerts() == nil {
		if err := s.store.AttachAlert(ctx, in.ID, al); err != nil {
			return fmt.Errorf("attach alert %s: %w", al.ID, err)
		}
		if s.metrics != nil {
			s.metrics.AlertsLinkedTotal.WithLabelValues("attached").Inc()
		}
		return nil
	}

	created, err := s.store.CreateIncidentWithAlert(ctx, al.SiteID, al)
	if errors.Is(err, ErrDuplicateActiveIncident) {
		// A concurrent caller opened the incident first; link to theirs.
		return s.attachToWinner(ctx, al)
	}
	if err != nil {
		return fmt.Errorf("create incident for site %s: %w", al.SiteID, err)
	}

	if s.metrics != nil {
		s.metrics.IncidentsOpenedTotal.Inc()
		s.metrics.AlertsLinkedTotal.WithLabelValues("opened").Inc()
	}
	s.logger.Info(ctx, "incident opened",
		"incident_id", created.ID,
		"site_id", created.SiteID,
		"start_alert_id", al.ID,
	)

	// Record the opening notification; failure is non-fatal and leaves the
	// incident CREATED, which still accepts alerts.
	if err := s.recordOpening(ctx, created); err != nil {
		s.logger.Warn(ctx, "opening notification not recorded",
			"incident_id", created.ID, "error", err)
	}
	return nil
}

func (s *Service) attachToWinner(ctx context.Context, al *SiteAlert) error {
	in, ok, err := s.store.FindOpenIncident(ctx, al.SiteID)
	if err != nil {
		return fmt.Errorf("re-query open incident: %w", err)
	}
	if !ok {
		return fmt.Errorf("site %s: %w", al.SiteID, ErrIncidentNotFound)
	}
	if err := s.store.AttachAlert(ctx, in.ID, al); err != nil {
		return fmt.Errorf("attach alert %s after create race: %w", al.ID, err)
	}
	if s.metrics != nil {
		s.metrics.AlertsLinkedTotal.WithLabelValues("retried").Inc()
	}
	return nil
}

// recordOpening dispatches the opening notification and moves the incident to
// ACTIVE by recording the notification id.
func (s *Service) recordOpening(ctx context.Context, in *SiteIncident) error {
	id, err := s.notifier.NotifyOpened(ctx, in)
	if err != nil {
		if s.metrics != nil {
			s.metrics.NotificationsTotal.WithLabelValues("open", "error").Inc()
		}
		return fmt.Errorf("notify opened: %w", err)
	}
	if err := s.store.RecordStartNotification(ctx, in.ID, id); err != nil {
		return fmt.Errorf("record start notification: %w", err)
	}
	if s.metrics != nil {
		s.metrics.NotificationsTotal.WithLabelValues("open", "ok").Inc()
	}
	return nil
}

// ResolveInactive closes open incidents whose latest alert is older than the
// inactivity threshold. Each incident is processed independently; one item's
// failure is recorded and the batch continues.
func (s *Service) ResolveInactive(ctx context.Context, batchLimit int) (closed int, failed []ItemError, err error) {
	stale, err := s.store.FindStaleOpenIncidents(ctx, s.resolver.Cutoff(), batchLimit)
	if err != nil {
		return 0, nil, fmt.Errorf("find stale incidents: %w", err)
	}

	for _, in := range stale {
		if err := ctx.Err(); err != nil {
			return closed, failed, err
		}
		if err := s.closeOne(ctx, in); err != nil {
			s.logger.Error(ctx, err, "incident resolution failed", "incident_id", in.ID)
			if s.metrics != nil {
				s.metrics.SweepErrorsTotal.WithLabelValues("resolve").Inc()
			}
			failed = append(failed, ItemError{ID: in.ID, Err: err.Error()})
			continue
		}
		closed++
	}
	return closed, failed, nil
}

func (s *Service) closeOne(ctx context.Context, in *SiteIncident) error {
	last, ok, err := s.store.LatestAlert(ctx, in.ID)
	if err != nil {
		return fmt.Errorf("latest alert: %w", err)
	}
	if !ok {
		return fmt.Errorf("incident %s: %w", in.ID, ErrAlertNotFound)
	}
	if !s.resolver.ShouldClose(last.EventDate) {
		return nil // raced with a fresh alert since the stale query
	}

	// A CREATED incident cannot reach CLOSING; record its opening first.
	if in.State == StateCreated {
		if err := s.recordOpening(ctx, in); err != nil {
			return fmt.Errorf("incident %s still unannounced: %w", in.ID, err)
		}
		in.State = StateActive
	}

	endAlertID, endedAt := s.resolver.Closure(last)

	endNotifID, err := s.notifier.NotifyClosed(ctx, in)
	if err != nil {
		if s.metrics != nil {
			s.metrics.NotificationsTotal.WithLabelValues("close", "error").Inc()
		}
		return fmt.Errorf("notify closed: %w", err)
	}

	if err := s.store.CloseIncident(ctx, in.ID, endAlertID, endedAt, endNotifID); err != nil {
		return fmt.Errorf("close incident: %w", err)
	}

	if s.metrics != nil {
		s.metrics.NotificationsTotal.WithLabelValues("close", "ok").Inc()
		s.metrics.IncidentsClosedTotal.Inc()
		s.metrics.OpenIncidentAgeOnClose.Observe(endedAt.Sub(in.StartedAt).Seconds())
	}
	s.logger.Info(ctx, "incident closed",
		"incident_id", in.ID,
		"site_id", in.SiteID,
		"end_alert_id", endAlertID,
		"ended_at", endedAt,
	)
	return nil
}

// Get fetches one incident by id.
func (s *Service) Get(ctx context.Context, id string) (*SiteIncident, bool, error) {
	return s.store.GetIncident(ctx, id)
}

// List returns incidents for a site, newest first.
func (s *Service) List(ctx context.Context, siteID string, limit int) ([]*SiteIncident, error) {
	return s.store.ListIncidents(ctx, siteID, limit)
}

// Review updates the review workflow status of an incident.
func (s *Service) Review(ctx context.Context, id, status string) error {
	rs, err := ParseReviewStatus(status)
	if err != nil {
		return err
	}
	return s.store.UpdateReviewStatus(ctx, id, rs)
}
