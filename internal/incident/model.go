package incident

import "time"

// State is the logical lifecycle state of an incident.
type State string

const (
	// StateCreated means opened but the opening notification has not been recorded yet
	StateCreated State = "created"

	// StateActive means open with the opening notification recorded
	StateActive State = "active"

	// StateClosing means closure fields are set but the closing notification is not recorded
	StateClosing State = "closing"

	// StateClosed means fully closed; terminal
	StateClosed State = "closed"
)

// ReviewStatus tracks the human review workflow for an incident.
type ReviewStatus string

const (
	ReviewToReview ReviewStatus = "to_review"
	ReviewInReview ReviewStatus = "in_review"
	ReviewReviewed ReviewStatus = "reviewed"
)

// ParseReviewStatus validates a review status value from an external caller.
func ParseReviewStatus(s string) (ReviewStatus, error) {
	switch rs := ReviewStatus(s); rs {
	case ReviewToReview, ReviewInReview, ReviewReviewed:
		return rs, nil
	default:
		return "", ErrInvalidReviewStatus
	}
}

// SiteAlert is one fire-detection event already attributed to a monitored site.
// IncidentID is nil until the alert is linked, and is set exactly once.
type SiteAlert struct {
	ID         string    `json:"id"`
	SiteID     string    `json:"site_id"`
	EventDate  time.Time `json:"event_date"`
	IncidentID *string   `json:"incident_id,omitempty"`
}

// SiteIncident groups temporally contiguous alerts for one site.
type SiteIncident struct {
	ID                  string       `json:"id"`
	SiteID              string       `json:"site_id"`
	State               State        `json:"state"`
	StartedAt           time.Time    `json:"started_at"`
	EndedAt             *time.Time   `json:"ended_at,omitempty"`
	StartAlertID        string       `json:"start_alert_id"`
	EndAlertID          *string      `json:"end_alert_id,omitempty"`
	StartNotificationID *string      `json:"start_notification_id,omitempty"`
	EndNotificationID   *string      `json:"end_notification_id,omitempty"`
	ReviewStatus        ReviewStatus `json:"review_status"`
}

// StateFromFlags derives the logical state from the (isActive, isProcessed)
// storage encoding. The pair is only an encoding; code should carry State.
func StateFromFlags(isActive, isProcessed bool) State {
	switch {
	case isActive && !isProcessed:
		return StateCreated
	case isActive && isProcessed:
		return StateActive
	case !isActive && !isProcessed:
		return StateClosing
	default:
		return StateClosed
	}
}

// Flags returns the (isActive, isProcessed) storage encoding of a state.
func (s State) Flags() (isActive, isProcessed bool) {
	switch s {
	case StateCreated:
		return true, false
	case StateActive:
		return true, true
	case StateClosing:
		return false, false
	default:
		return false, true
	}
}

// Open reports whether the state still accepts alerts (CREATED or ACTIVE).
func (s State) Open() bool {
	return s == StateCreated || s == StateActive
}

// ValidTransition reports whether from→to is a permitted lifecycle step.
// The only permitted steps are CREATED→ACTIVE, ACTIVE→CLOSING, CLOSING→CLOSED.
func ValidTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateActive
	case StateActive:
		return to == StateClosing
	case StateClosing:
		return to == StateClosed
	default:
		return false
	}
}

// Validate checks per-state required fields and timestamp ordering.
func (in *SiteIncident) Validate() error {
	switch in.State {
	case StateCreated:
		if in.StartAlertID == "" || in.StartedAt.IsZero() {
			return ErrMissingRequiredField
		}
	case StateActive:
		if in.StartNotificationID == nil || *in.StartNotificationID == "" {
			return ErrMissingRequiredField
		}
	case StateClosing:
		if in.EndedAt == nil || in.EndAlertID == nil || *in.EndAlertID == "" {
			return ErrMissingRequiredField
		}
	case StateClosed:
		if in.EndNotificationID == nil || *in.EndNotificationID == "" {
			return ErrMissingRequiredField
		}
	default:
		return ErrInvalidTransition
	}

	if in.EndedAt != nil && in.EndedAt.Before(in.StartedAt) {
		return ErrInvalidTimestampOrder
	}
	return nil
}

// ValidateModifiable rejects any mutation of a closed incident.
func (in *SiteIncident) ValidateModifiable() error {
	if in.State == StateClosed {
		return ErrClosedIncidentModification
	}
	return nil
}

// ValidateCanAcceptAlerts rejects linking alerts to incidents that are not open.
func (in *SiteIncident) ValidateCanAcceptAlerts() error {
	if !in.State.Open() {
		return ErrInactiveIncident
	}
	return nil
}

// Transition validates and applies a lifecycle step, checking the required
// fields of the target state after the move.
func (in *SiteIncident) Transition(to State) error {
	if !ValidTransition(in.State, to) {
		return ErrInvalidTransition
	}
	prev := in.State
	in.State = to
	if err := in.Validate(); err != nil {
		in.State = prev
		return err
	}
	return nil
}
