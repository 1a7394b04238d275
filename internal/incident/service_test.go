package incident

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	incidents map[string]*SiteIncident
	alerts    map[string]*SiteAlert
	nextID    int

	createErr  error
	attachErr  error
	closeErr   map[string]error // incident ID -> injected error
	findErr    error
	findMisses int // pretend the open incident is invisible for N lookups
}

func newMockStore() *mockStore {
	return &mockStore{
		incidents: make(map[string]*SiteIncident),
		alerts:    make(map[string]*SiteAlert),
		closeErr:  make(map[string]error),
	}
}

func (m *mockStore) InsertAlert(_ context.Context, al *SiteAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *al
	m.alerts[al.ID] = &cp
	return nil
}

func (m *mockStore) FindOpenIncident(_ context.Context, siteID string) (*SiteIncident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, false, m.findErr
	}
	if m.findMisses > 0 {
		m.findMisses--
		return nil, false, nil
	}
	for _, in := range m.incidents {
		if in.SiteID == siteID && in.State.Open() {
			cp := *in
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *mockStore) CreateIncidentWithAlert(_ context.Context, siteID string, al *SiteAlert) (*SiteIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	for _, in := range m.incidents {
		if in.SiteID == siteID && in.State.Open() {
			return nil, ErrDuplicateActiveIncident
		}
	}
	m.nextID++
	in := &SiteIncident{
		ID:           "in-" + string(rune('0'+m.nextID)),
		SiteID:       siteID,
		State:        StateCreated,
		StartedAt:    al.EventDate,
		StartAlertID: al.ID,
		ReviewStatus: ReviewToReview,
	}
	m.incidents[in.ID] = in
	m.linkLocked(in.ID, al)
	cp := *in
	return &cp, nil
}

func (m *mockStore) AttachAlert(_ context.Context, incidentID string, al *SiteAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachErr != nil {
		return m.attachErr
	}
	if stored, ok := m.alerts[al.ID]; ok && stored.IncidentID != nil {
		if *stored.IncidentID == incidentID {
			al.IncidentID = stored.IncidentID
			return nil
		}
		return ErrAlertAlreadyLinked
	}
	m.linkLocked(incidentID, al)
	return nil
}

func (m *mockStore) linkLocked(incidentID string, al *SiteAlert) {
	id := incidentID
	cp := *al
	cp.IncidentID = &id
	m.alerts[al.ID] = &cp
	al.IncidentID = &id
}

func (m *mockStore) FindStaleOpenIncidents(_ context.Context, olderThan time.Time, limit int) ([]*SiteIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []*SiteIncident
	for _, in := range m.incidents {
		if !in.State.Open() {
			continue
		}
		last := m.latestLocked(in.ID)
		if last == nil || !last.EventDate.Before(olderThan) {
			continue
		}
		cp := *in
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) CloseIncident(_ context.Context, incidentID, endAlertID string, endedAt time.Time, endNotificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.closeErr[incidentID]; err != nil {
		return err
	}
	in, ok := m.incidents[incidentID]
	if !ok {
		return ErrIncidentNotFound
	}
	in.State = StateClosed
	in.EndedAt = &endedAt
	in.EndAlertID = &endAlertID
	in.EndNotificationID = &endNotificationID
	return nil
}

func (m *mockStore) RecordStartNotification(_ context.Context, incidentID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.incidents[incidentID]
	if !ok {
		return ErrIncidentNotFound
	}
	in.StartNotificationID = &notificationID
	in.State = StateActive
	return nil
}

func (m *mockStore) UpdateReviewStatus(_ context.Context, incidentID string, status ReviewStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.incidents[incidentID]
	if !ok {
		return ErrIncidentNotFound
	}
	in.ReviewStatus = status
	return nil
}

func (m *mockStore) LatestAlert(_ context.Context, incidentID string) (*SiteAlert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.latestLocked(incidentID)
	if last == nil {
		return nil, false, nil
	}
	cp := *last
	return &cp, true, nil
}

func (m *mockStore) latestLocked(incidentID string) *SiteAlert {
	var last *SiteAlert
	for _, al := range m.alerts {
		if al.IncidentID == nil || *al.IncidentID != incidentID {
			continue
		}
		if last == nil || al.EventDate.After(last.EventDate) {
			last = al
		}
	}
	return last
}

func (m *mockStore) UnlinkedAlerts(_ context.Context, limit int) ([]*SiteAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SiteAlert
	for _, al := range m.alerts {
		if al.IncidentID != nil {
			continue
		}
		cp := *al
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) GetIncident(_ context.Context, id string) (*SiteIncident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := *in
	return &cp, true, nil
}

func (m *mockStore) ListIncidents(_ context.Context, siteID string, limit int) ([]*SiteIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SiteIncident
	for _, in := range m.incidents {
		if in.SiteID != siteID {
			continue
		}
		cp := *in
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) openIncident(siteID string) *SiteIncident {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.incidents {
		if in.SiteID == siteID && in.State.Open() {
			cp := *in
			return &cp
		}
	}
	return nil
}

// mockNotifier records calls and can be made to fail.
type mockNotifier struct {
	mu      sync.Mutex
	opened  int
	closed  int
	openErr error
}

func (n *mockNotifier) NotifyOpened(context.Context, *SiteIncident) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.openErr != nil {
		return "", n.openErr
	}
	n.opened++
	return "notif-open", nil
}

func (n *mockNotifier) NotifyClosed(context.Context, *SiteIncident) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed++
	return "notif-close", nil
}

func newTestService(store Store, resolver *Resolver, notifier Notifier) *Service {
	return NewService(store, resolver, notifier, log.Nop(), nil)
}

func sixHourResolver(t *testing.T, now time.Time) *Resolver {
	t.Helper()
	r, err := NewResolver(6)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	r.now = func() time.Time { return now }
	return r
}

func TestProcessAlert_CreatesIncident(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := newMockStore()
	notifier := &mockNotifier{}
	svc := newTestService(store, sixHourResolver(t, now), notifier)

	al := &SiteAlert{ID: "al-1", SiteID: "site-1", EventDate: now.Add(-time.Minute)}
	if err := store.InsertAlert(context.Background(), al); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}

	if err := svc.ProcessAlert(context.Background(), al); err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}

	in := store.openIncident("site-1")
	if in == nil {
		t.Fatal("no open incident created")
	}
	if in.StartAlertID != "al-1" {
		t.Errorf("StartAlertID = %q, want al-1", in.StartAlertID)
	}
	if !in.StartedAt.Equal(al.EventDate) {
		t.Errorf("StartedAt = %v, want %v", in.StartedAt, al.EventDate)
	}
	if in.State != StateActive {
		t.Errorf("state = %q, want %q after opening notification recorded", in.State, StateActive)
	}
	if in.StartNotificationID == nil || *in.StartNotificationID != "notif-open" {
		t.Errorf("StartNotificationID = %v, want notif-open", in.StartNotificationID)
	}
	if notifier.opened != 1 {
		t.Errorf("opened notifications = %d, want 1", notifier.opened)
	}
}

func TestProcessAlert_AttachesToOpenIncident(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := newMockStore()
	svc := newTestService(store, sixHourResolver(t, now), &mockNotifier{})
	ctx := context.Background()

	first := &SiteAlert{ID: "al-1", SiteID: "site-1", EventDate: now.Add(-2 * time.Minute)}
	second := &SiteAlert{ID: "al-2", SiteID: "site-1", EventDate: now.Add(-time.Minute)}
	for _, al := range []*SiteAlert{first, second} {
		if err := store.InsertAlert(ctx, al); err != nil {
			t.Fatalf("InsertAlert: %v", err)
		}
	}

	if err := svc.ProcessAlert(ctx, first); err != nil {
		t.Fatalf("ProcessAlert(first): %v", err)
	}
	if err := svc.ProcessAlert(ctx, second); err != nil {
		t.Fatalf("ProcessAlert(second): %v", err)
	}

	in := store.openIncident("site-1")
	if in == nil {
		t.Fatal("no open incident")
	}
	if len(store.incidents) != 1 {
		t.Errorf("incidents = %d, want 1", len(store.incidents))
	}
	if second.IncidentID == nil || *second.IncidentID != in.ID {
		t.Errorf("second alert incident = %v, want %q", second.IncidentID, in.ID)
	}
}

func TestProcessAlert_Idempotent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := newMockStore()
	svc := newTestService(store, sixHourResolver(t, now), &mockNotifier{})
	ctx := context.Background()

	al := &SiteAlert{ID: "al-1", SiteID: "site-1", EventDate: now.Add(-time.Minute)}
	if err := store.InsertAlert(ctx, al); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}

	if err := svc.ProcessAlert(ctx, al); err != nil {
		t.Fatalf("ProcessAlert(1st): %v", err)
	}
	if err := svc.ProcessAlert(ctx, al); err != nil {
		t.Fatalf("ProcessAlert(2nd): %v", err)
	}

	if len(store.incidents) != 1 {
		t.Errorf("incidents = %d, want exactly 1 after repeated processing", len(store.incidents))
	}
}

func TestProcessAlert_CreateRace_AttachesToWinner(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := newMockStore()
	svc := newTestService(store, sixHourResolver(t, now), &mockNotifier{})
	ctx := context.Background()

	winner := &SiteAlert{ID: "al-w", SiteID: "site-1", EventDate: now.Add(-2 * time.Minute)}
	if err := store.InsertAlert(ctx, winner); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	if _, err := store.CreateIncidentWithAlert(ctx, "site-1", winner); err != nil {
		t.Fatalf("CreateIncidentWithAlert: %v", err)
	}

	// Hide the winner's incident from the first lookup so the loser takes the
	// create path, loses on the duplicate, and has to re-query and attach.
	loser := &SiteAlert{ID: "al-l", SiteID: "site-1", EventDate: now.Add(-time.Minute)}
	if err := store.InsertAlert(ctx, loser); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	store.mu.Lock()
	store.findMisses = 1
	store.mu.Unlock()

	if err := svc.ProcessAlert(ctx, loser); err != nil {
		t.Fatalf("ProcessAlert(loser): %v", err)
	}
	in := store.openIncident("site-1")
	if loser.IncidentID == nil || *loser.IncidentID != in.ID {
		t.Errorf("loser linked to %v, want %q", loser.IncidentID, in.ID)
	}
	if len(store.incidents) != 1 {
		t.Errorf("incidents = %d, want 1", len(store.incidents))
	}
}

func TestProcessAlert_AlreadyLinked_NoOp(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := newMockStore()
	svc := newTestService(store, sixHourResolver(t, now), &mockNotifier{})

	id := "in-old"
	al := &SiteAlert{ID: "al-1", SiteID: "site-1", EventDate: now, IncidentID: &id}

	if err := svc.ProcessAlert(context.Background(), al); err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}
	if len(store.incidents) != 0 {
		t.Errorf("incidents = %d, want 0 for an already-linked alert", len(store.incidents))
	}
}

func TestProcessAlert_NotificationFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := newMockStore()
	notifier := &mockNotifier{openErr: errors.New("webhook down")}
	svc := newTestService(store, sixHourResolver(t, now), notifier)
	ctx := context.Background()

	al := &SiteAlert{ID: "al-1", SiteID: "site-1", EventDate: now.Add(-time.Minute)}
	if err := store.InsertAlert(ctx, al); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}

	if err := svc.ProcessAlert(ctx, al); err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}

	in := store.openIncident("site-1")
	if in == nil {
		t.Fatal("incident not created despite notification failure")
	}
	if in.State != StateCreated {
		t.Errorf("state = %q, want %q when opening notification failed", in.State, StateCreated)
	}
}

func TestResolveInactive_ClosesStaleIncident(t *testing.T) {
	t.Parallel()

	lastEvent := time.Date(2026, 3, 14, 5, 0, 0, 0, time.UTC)
	now := lastEvent.Add(7 * time.Hour) // threshold 6h, 7h since last alert
	store := newMockStore()
	notifier := &mockNotifier{}
	svc := newTestService(store, sixHourResolver(t, now), notifier)
	ctx := context.Background()

	al := &SiteAlert{ID: "al-1", SiteID: "site-1", EventDate: lastEvent}
	if err := store.InsertAlert(ctx, al); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	if err := svc.ProcessAlert(ctx, al); err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}

	closed, failed, err := svc.ResolveInactive(ctx, 10)
	if err != nil {
		t.Fatalf("ResolveInactive: %v", err)
	}
	if closed != 1 {
		t.Errorf("closed = %d, want 1", closed)
	}
	if len(failed) != 0 {
		t.Errorf("failed = %v, want none", failed)
	}

	var in *SiteIncident
	for _, cand := range store.incidents {
		in = cand
	}
	if in.State != StateClosed {
		t.Errorf("state = %q, want %q", in.State, StateClosed)
	}
	if in.EndedAt == nil || !in.EndedAt.Equal(lastEvent) {
		t.Errorf("EndedAt = %v, want %v", in.EndedAt, lastEvent)
	}
	if in.EndAlertID == nil || *in.EndAlertID != "al-1" {
		t.Errorf("EndAlertID = %v, want al-1", in.EndAlertID)
	}
	if notifier.closed != 1 {
		t.Errorf("closed notifications = %d, want 1", notifier.closed)
	}
}

func TestResolveInactive_FreshIncidentStaysOpen(t *testing.T) {
	t.Parallel()

	lastEvent := time.Date(2026, 3, 14, 5, 0, 0, 0, time.UTC)
	now := lastEvent.Add(5 * time.Hour) // inside the 6h threshold
	store := newMockStore()
	svc := newTestService(store, sixHourResolver(t, now), &mockNotifier{})
	ctx := context.Background()

	al := &SiteAlert{ID: "al-1", SiteID: "site-1", EventDate: lastEvent}
	if err := store.InsertAlert(ctx, al); err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	if err := svc.ProcessAlert(ctx, al); err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}

	closed, _, err := svc.ResolveInactive(ctx, 10)
	if err != nil {
		t.Fatalf("ResolveInactive: %v", err)
	}
	if closed != 0 {
		t.Errorf("closed = %d, want 0", closed)
	}
	if in := store.openIncident("site-1"); in == nil {
		t.Error("incident was closed inside the threshold")
	}
}

func TestResolveInactive_OneFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	lastEvent := time.Date(2026, 3, 14, 5, 0, 0, 0, time.UTC)
	now := lastEvent.Add(8 * time.Hour)
	store := newMockStore()
	svc := newTestService(store, sixHourResolver(t, now), &mockNotifier{})
	ctx := context.Background()

	for i, site := range []string{"site-1", "site-2", "site-3"} {
		al := &SiteAlert{
			ID:        "al-" + site,
			SiteID:    site,
			EventDate: lastEvent.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertAlert(ctx, al); err != nil {
			t.Fatalf("InsertAlert: %v", err)
		}
		if err := svc.ProcessAlert(ctx, al); err != nil {
			t.Fatalf("ProcessAlert: %v", err)
		}
	}

	// Break closing for exactly one incident.
	broken := store.openIncident("site-2")
	store.closeErr[broken.ID] = errors.New("store unreachable")

	closed, failed, err := svc.ResolveInactive(ctx, 10)
	if err != nil {
		t.Fatalf("ResolveInactive: %v", err)
	}
	if closed != 2 {
		t.Errorf("closed = %d, want 2", closed)
	}
	if len(failed) != 1 {
		t.Fatalf("failed = %v, want exactly 1", failed)
	}
	if failed[0].ID != broken.ID {
		t.Errorf("failed ID = %q, want %q", failed[0].ID, broken.ID)
	}
}

func TestReview_InvalidStatus(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(store, sixHourResolver(t, time.Now()), &mockNotifier{})

	if err := svc.Review(context.Background(), "in-1", "done"); !errors.Is(err, ErrInvalidReviewStatus) {
		t.Errorf("Review = %v, want ErrInvalidReviewStatus", err)
	}
}
