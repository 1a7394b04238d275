package incident

import "errors"

// Validation errors: bad input or a logic bug, never retried automatically.
var (
	ErrInvalidTransition          = errors.New("invalid incident state transition")
	ErrMissingRequiredField       = errors.New("missing required field for incident state")
	ErrInvalidTimestampOrder      = errors.New("incident endedAt precedes startedAt")
	ErrClosedIncidentModification = errors.New("closed incident cannot be modified")
	ErrInactiveIncident           = errors.New("incident is not accepting alerts")
	ErrInvalidInactivityThreshold = errors.New("inactivity threshold must be positive")
	ErrInvalidReviewStatus        = errors.New("invalid review status")
)

// Not-found errors: surfaced as 404-equivalent.
var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrSiteNotFound     = errors.New("site not found")
	ErrAlertNotFound    = errors.New("alert not found")
)

// Conflict errors: expected under races, handled by re-querying rather than
// failing the whole batch.
var (
	ErrDuplicateActiveIncident = errors.New("site already has an open incident")
	ErrAlertAlreadyLinked      = errors.New("alert already linked to another incident")
)

// IsConflict reports whether err is an expected race outcome.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateActiveIncident) || errors.Is(err, ErrAlertAlreadyLinked)
}
