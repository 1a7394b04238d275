// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/firewatch/internal/incident"
)

// Store holds alerts and incidents in memory. Suitable for dev/testing.
// The mutex stands in for the database's atomic conditional create: the
// one-open-incident-per-site invariant is checked and enforced under it.
type Store struct {
	mu        sync.RWMutex
	alerts    map[string]*incident.SiteAlert    // alert ID -> alert
	incidents map[string]*incident.SiteIncident // incident ID -> incident
	sites     map[string]struct{}               // known sites; empty = accept all
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts:    make(map[string]*incident.SiteAlert),
		incidents: make(map[string]*incident.SiteIncident),
		sites:     make(map[string]struct{}),
	}
}

// SeedSites restricts InsertAlert to the given site ids. With no seeded sites
// every site is accepted.
func (s *Store) SeedSites(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.sites[id] = struct{}{}
	}
}

// InsertAlert stores a freshly ingested, unlinked alert.
func (s *Store) InsertAlert(_ context.Context, al *incident.SiteAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sites) > 0 {
		if _, ok := s.sites[al.SiteID]; !ok {
			return incident.ErrSiteNotFound
		}
	}
	cp := *al
	s.alerts[al.ID] = &cp
	return nil
}

// FindOpenIncident returns the CREATED or ACTIVE incident for a site, if any.
func (s *Store) FindOpenIncident(_ context.Context, siteID string) (*incident.SiteIncident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in := s.openIncidentLocked(siteID)
	if in == nil {
		return nil, false, nil
	}
	cp := *in
	return &cp, true, nil
}

// CreateIncidentWithAlert atomically opens an incident and links the alert.
func (s *Store) CreateIncidentWithAlert(_ context.Context, siteID string, al *incident.SiteAlert) (*incident.SiteIncident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sites) > 0 {
		if _, ok := s.sites[siteID]; !ok {
			return nil, incident.ErrSiteNotFound
		}
	}
	if s.openIncidentLocked(siteID) != nil {
		return nil, incident.ErrDuplicateActiveIncident
	}

	in := &incident.SiteIncident{
		ID:           ulid.Make().String(),
		SiteID:       siteID,
		State:        incident.StateCreated,
		StartedAt:    al.EventDate,
		StartAlertID: al.ID,
		ReviewStatus: incident.ReviewToReview,
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	s.incidents[in.ID] = in

	if err := s.attachLocked(in.ID, al); err != nil {
		delete(s.incidents, in.ID)
		return nil, err
	}

	cp := *in
	return &cp, nil
}

// AttachAlert links an alert to an incident. Idempotent for the same incident.
func (s *Store) AttachAlert(_ context.Context, incidentID string, al *incident.SiteAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[incidentID]; !ok {
		return incident.ErrIncidentNotFound
	}
	return s.attachLocked(incidentID, al)
}

func (s *Store) attachLocked(incidentID string, al *incident.SiteAlert) error {
	stored, ok := s.alerts[al.ID]
	if !ok {
		// Alert not ingested through this store; adopt the caller's copy.
		cp := *al
		stored = &cp
		s.alerts[al.ID] = stored
	}
	if stored.IncidentID != nil {
		if *stored.IncidentID == incidentID {
			al.IncidentID = stored.IncidentID
			return nil // re-attach to the same incident is a no-op
		}
		return incident.ErrAlertAlreadyLinked
	}
	id := incidentID
	stored.IncidentID = &id
	al.IncidentID = &id
	return nil
}

// FindStaleOpenIncidents returns open incidents whose most recent linked alert
// predates olderThan, oldest first, at most limit.
func (s *Store) FindStaleOpenIncidents(_ context.Context, olderThan time.Time, limit int) ([]*incident.SiteIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type cand struct {
		in   *incident.SiteIncident
		last time.Time
	}
	var cands []cand
	for _, in := range s.incidents {
		if !in.State.Open() {
			continue
		}
		last, ok := s.latestAlertLocked(in.ID)
		if !ok || !last.EventDate.Before(olderThan) {
			continue
		}
		cands = append(cands, cand{in: in, last: last.EventDate})
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].last.Before(cands[j].last) })
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}

	out := make([]*incident.SiteIncident, 0, len(cands))
	for _, c := range cands {
		cp := *c.in
		out = append(out, &cp)
	}
	return out, nil
}

// CloseIncident moves an open incident through CLOSING to CLOSED in one step.
func (s *Store) CloseIncident(_ context.Context, incidentID, endAlertID string, endedAt time.Time, endNotificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.incidents[incidentID]
	if !ok {
		return incident.ErrIncidentNotFound
	}
	if err := in.ValidateModifiable(); err != nil {
		return err
	}

	next := *in
	next.EndedAt = &endedAt
	next.EndAlertID = &endAlertID
	next.EndNotificationID = &endNotificationID
	if err := next.Transition(incident.StateClosing); err != nil {
		return err
	}
	if err := next.Transition(incident.StateClosed); err != nil {
		return err
	}
	*in = next
	return nil
}

// RecordStartNotification stores the opening notification id, CREATED→ACTIVE.
func (s *Store) RecordStartNotification(_ context.Context, incidentID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.incidents[incidentID]
	if !ok {
		return incident.ErrIncidentNotFound
	}
	if err := in.ValidateModifiable(); err != nil {
		return err
	}

	next := *in
	next.StartNotificationID = &notificationID
	if err := next.Transition(incident.StateActive); err != nil {
		return err
	}
	*in = next
	return nil
}

// UpdateReviewStatus sets the review workflow status.
func (s *Store) UpdateReviewStatus(_ context.Context, incidentID string, status incident.ReviewStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.incidents[incidentID]
	if !ok {
		return incident.ErrIncidentNotFound
	}
	in.ReviewStatus = status
	return nil
}

// LatestAlert returns the most recent alert linked to the incident.
func (s *Store) LatestAlert(_ context.Context, incidentID string) (*incident.SiteAlert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	al, ok := s.latestAlertLocked(incidentID)
	if !ok {
		return nil, false, nil
	}
	cp := *al
	return &cp, true, nil
}

func (s *Store) latestAlertLocked(incidentID string) (*incident.SiteAlert, bool) {
	var latest *incident.SiteAlert
	for _, al := range s.alerts {
		if al.IncidentID == nil || *al.IncidentID != incidentID {
			continue
		}
		if latest == nil || al.EventDate.After(latest.EventDate) {
			latest = al
		}
	}
	return latest, latest != nil
}

// UnlinkedAlerts returns alerts with no incident, oldest event first.
func (s *Store) UnlinkedAlerts(_ context.Context, limit int) ([]*incident.SiteAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*incident.SiteAlert
	for _, al := range s.alerts {
		if al.IncidentID != nil {
			continue
		}
		cp := *al
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventDate.Before(out[j].EventDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetIncident fetches one incident by id. Returns a copy.
func (s *Store) GetIncident(_ context.Context, id string) (*incident.SiteIncident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := *in
	return &cp, true, nil
}

// ListIncidents returns incidents for a site, newest startedAt first.
func (s *Store) ListIncidents(_ context.Context, siteID string, limit int) ([]*incident.SiteIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*incident.SiteIncident
	for _, in := range s.incidents {
		if in.SiteID != siteID {
			continue
		}
		cp := *in
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) openIncidentLocked(siteID string) *incident.SiteIncident {
	for _, in := range s.incidents {
		if in.SiteID == siteID && in.State.Open() {
			return in
		}
	}
	return nil
}
