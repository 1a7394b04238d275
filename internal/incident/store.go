package incident

import (
	"context"
	"time"
)

// Store is the persistence contract for the correlation engine. It is the sole
// writer of SiteIncident rows; no other component may bypass it.
type Store interface {
	// FindOpenIncident returns the incident currently in CREATED or ACTIVE
	// state for the site, if any. The read is consistent with
	// CreateIncidentWithAlert so two concurrent callers cannot both observe
	// "none" and both create.
	FindOpenIncident(ctx context.Context, siteID string) (*SiteIncident, bool, error)

	// CreateIncidentWithAlert atomically creates an incident in CREATED state
	// with StartAlertID/StartedAt taken from the alert, and links the alert to
	// it. Returns ErrDuplicateActiveIncident when a concurrent caller already
	// opened one for the site; the caller retries via FindOpenIncident.
	CreateIncidentWithAlert(ctx context.Context, siteID string, alert *SiteAlert) (*SiteIncident, error)

	// AttachAlert links an alert to an incident. Re-attaching to the same
	// incident is a no-op; attaching to a different incident returns
	// ErrAlertAlreadyLinked.
	AttachAlert(ctx context.Context, incidentID string, alert *SiteAlert) error

	// FindStaleOpenIncidents returns open incidents whose most recent linked
	// alert predates olderThan, oldest first, at most limit.
	FindStaleOpenIncidents(ctx context.Context, olderThan time.Time, limit int) ([]*SiteIncident, error)

	// CloseIncident moves an open incident through CLOSING to CLOSED in one
	// durable update, validated against the state model before commit.
	CloseIncident(ctx context.Context, incidentID, endAlertID string, endedAt time.Time, endNotificationID string) error

	// RecordStartNotification stores the opening notification id and performs
	// the CREATED→ACTIVE transition.
	RecordStartNotification(ctx context.Context, incidentID, notificationID string) error

	// UpdateReviewStatus sets the review workflow status.
	UpdateReviewStatus(ctx context.Context, incidentID string, status ReviewStatus) error

	// LatestAlert returns the most recent alert linked to the incident.
	LatestAlert(ctx context.Context, incidentID string) (*SiteAlert, bool, error)

	// UnlinkedAlerts returns alerts with no incident yet, oldest event first,
	// at most limit. Input to the backfill phase.
	UnlinkedAlerts(ctx context.Context, limit int) ([]*SiteAlert, error)

	// InsertAlert stores a freshly ingested, unlinked alert. Returns
	// ErrSiteNotFound when the site is unknown.
	InsertAlert(ctx context.Context, alert *SiteAlert) error

	// GetIncident fetches one incident by id.
	GetIncident(ctx context.Context, id string) (*SiteIncident, bool, error)

	// ListIncidents returns incidents for a site, newest first, at most limit.
	ListIncidents(ctx context.Context, siteID string, limit int) ([]*SiteIncident, error)
}
