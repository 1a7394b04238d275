package incident

import "time"

// Resolver decides when an open incident has gone quiet for long enough to
// close, and computes the closing attributes. Pure logic, no I/O.
type Resolver struct {
	threshold time.Duration
	now       func() time.Time
}

// NewResolver builds a resolver for the given inactivity threshold in hours.
func NewResolver(thresholdHours float64) (*Resolver, error) {
	if thresholdHours <= 0 {
		return nil, ErrInvalidInactivityThreshold
	}
	return &Resolver{
		threshold: time.Duration(thresholdHours * float64(time.Hour)),
		now:       time.Now,
	}, nil
}

// Threshold returns the configured inactivity window.
func (r *Resolver) Threshold() time.Duration {
	return r.threshold
}

// Cutoff returns the instant before which a latest-alert time counts as stale.
func (r *Resolver) Cutoff() time.Time {
	return r.now().Add(-r.threshold)
}

// ShouldClose reports whether an incident whose most recent alert fired at
// lastAlertEventDate has been inactive for at least the threshold.
func (r *Resolver) ShouldClose(lastAlertEventDate time.Time) bool {
	return r.now().Sub(lastAlertEventDate) >= r.threshold
}

// Closure computes the closing attributes from the incident's last alert.
func (r *Resolver) Closure(lastAlert *SiteAlert) (endAlertID string, endedAt time.Time) {
	return lastAlert.ID, lastAlert.EventDate
}
