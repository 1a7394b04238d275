package incident_test

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/firewatch/internal/incident"
	"github.com/linnemanlabs/firewatch/internal/incident/memstore"
)

func newSweepFixture(t *testing.T, now time.Time) (*incident.Runner, *incident.Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	resolver, err := incident.NewResolver(6)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	resolver.SetNow(func() time.Time { return now })
	svc := incident.NewService(store, resolver, nil, nil, nil)
	runner := incident.NewRunner(svc, store, nil, nil, 50, 100, 0)
	return runner, svc, store
}

func TestSweep_BackfillGroupsAlertsIntoOneIncident(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	runner, svc, store := newSweepFixture(t, now)
	ctx := context.Background()

	// Three detections for the same site within minutes of each other, none
	// linked yet. One sweep must fold them into a single incident anchored on
	// the oldest detection.
	times := []time.Time{
		now.Add(-10 * time.Minute),
		now.Add(-7 * time.Minute),
		now.Add(-4 * time.Minute),
	}
	var ids []string
	for _, ts := range times {
		al, err := svc.IngestAlert(ctx, "site-1", ts)
		if err != nil {
			t.Fatalf("IngestAlert: %v", err)
		}
		ids = append(ids, al.ID)
	}

	stats, err := runner.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.UnlinkedAlertsFound != 3 {
		t.Errorf("unlinkedAlertsFound = %d, want 3", stats.UnlinkedAlertsFound)
	}
	if stats.AlertsProcessed != 3 {
		t.Errorf("alertsProcessed = %d, want 3", stats.AlertsProcessed)
	}
	if stats.IncidentsResolved != 0 {
		t.Errorf("incidentsResolved = %d, want 0", stats.IncidentsResolved)
	}
	if len(stats.Errors) != 0 {
		t.Errorf("errors = %v, want none", stats.Errors)
	}

	list, err := store.ListIncidents(ctx, "site-1", 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("incidents = %d, want 1", len(list))
	}
	in := list[0]

	// The backfill walks alerts in event order, so the incident anchors on the
	// oldest detection.
	if in.StartAlertID != ids[0] {
		t.Errorf("StartAlertID = %q, want oldest alert %q", in.StartAlertID, ids[0])
	}
	if !in.StartedAt.Equal(times[0]) {
		t.Errorf("StartedAt = %v, want %v", in.StartedAt, times[0])
	}
	last, ok, err := store.LatestAlert(ctx, in.ID)
	if err != nil || !ok {
		t.Fatalf("LatestAlert: ok=%v err=%v", ok, err)
	}
	if last.ID != ids[2] {
		t.Errorf("latest linked alert = %q, want newest %q", last.ID, ids[2])
	}

	// Nothing left unlinked means all three ended up on the one incident.
	unlinked, err := store.UnlinkedAlerts(ctx, 0)
	if err != nil {
		t.Fatalf("UnlinkedAlerts: %v", err)
	}
	if len(unlinked) != 0 {
		t.Errorf("unlinked alerts after sweep = %d, want 0", len(unlinked))
	}
}

func TestSweep_ResolvesQuietIncident(t *testing.T) {
	t.Parallel()

	lastEvent := time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC)
	now := lastEvent.Add(7 * time.Hour)
	runner, svc, store := newSweepFixture(t, now)
	ctx := context.Background()

	al, err := svc.IngestAlert(ctx, "site-1", lastEvent)
	if err != nil {
		t.Fatalf("IngestAlert: %v", err)
	}
	if err := svc.ProcessAlert(ctx, al); err != nil {
		t.Fatalf("ProcessAlert: %v", err)
	}

	stats, err := runner.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.IncidentsResolved != 1 {
		t.Errorf("incidentsResolved = %d, want 1", stats.IncidentsResolved)
	}

	list, err := store.ListIncidents(ctx, "site-1", 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("incidents = %d, want 1", len(list))
	}
	in := list[0]
	if in.State != incident.StateClosed {
		t.Errorf("state = %q, want %q", in.State, incident.StateClosed)
	}
	if in.EndedAt == nil || !in.EndedAt.Equal(lastEvent) {
		t.Errorf("EndedAt = %v, want last alert time %v", in.EndedAt, lastEvent)
	}
	if in.EndAlertID == nil || *in.EndAlertID != al.ID {
		t.Errorf("EndAlertID = %v, want %q", in.EndAlertID, al.ID)
	}
	if in.EndNotificationID == nil || *in.EndNotificationID == "" {
		t.Error("EndNotificationID not recorded")
	}
}

func TestSweep_BackfillThenResolveInOnePass(t *testing.T) {
	t.Parallel()

	lastEvent := time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC)
	now := lastEvent.Add(7 * time.Hour)
	runner, svc, store := newSweepFixture(t, now)
	ctx := context.Background()

	// An unlinked alert old enough that the incident it opens is already
	// beyond the inactivity threshold: a single sweep both links and closes.
	if _, err := svc.IngestAlert(ctx, "site-1", lastEvent); err != nil {
		t.Fatalf("IngestAlert: %v", err)
	}

	stats, err := runner.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.AlertsProcessed != 1 {
		t.Errorf("alertsProcessed = %d, want 1", stats.AlertsProcessed)
	}
	if stats.IncidentsResolved != 1 {
		t.Errorf("incidentsResolved = %d, want 1", stats.IncidentsResolved)
	}

	list, err := store.ListIncidents(ctx, "site-1", 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(list) != 1 || list[0].State != incident.StateClosed {
		t.Fatalf("want one closed incident, got %+v", list)
	}
}

func TestSweep_PerAlertFailureIsolated(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	runner, svc, store := newSweepFixture(t, now)
	ctx := context.Background()

	// The bad alert slips in before the site registry is seeded; its item
	// fails during backfill while the good one still links.
	bad, err := svc.IngestAlert(ctx, "site-decommissioned", now.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("IngestAlert(bad): %v", err)
	}
	store.SeedSites("site-ok")
	if _, err := svc.IngestAlert(ctx, "site-ok", now.Add(-time.Minute)); err != nil {
		t.Fatalf("IngestAlert(good): %v", err)
	}

	stats, err := runner.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.UnlinkedAlertsFound != 2 {
		t.Errorf("unlinkedAlertsFound = %d, want 2", stats.UnlinkedAlertsFound)
	}
	if stats.AlertsProcessed != 1 {
		t.Errorf("alertsProcessed = %d, want 1", stats.AlertsProcessed)
	}
	if len(stats.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly 1", stats.Errors)
	}
	if stats.Errors[0].ID != bad.ID {
		t.Errorf("failed item = %q, want %q", stats.Errors[0].ID, bad.ID)
	}

	list, err := store.ListIncidents(ctx, "site-ok", 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("incidents for good site = %d, want 1", len(list))
	}
}

func TestSweep_EmptyStore(t *testing.T) {
	t.Parallel()

	runner, _, _ := newSweepFixture(t, time.Now())

	stats, err := runner.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.UnlinkedAlertsFound != 0 || stats.AlertsProcessed != 0 || stats.IncidentsResolved != 0 {
		t.Errorf("stats = %+v, want all zero", stats)
	}
	if stats.Errors == nil {
		t.Error("Errors must marshal as [], not null")
	}
}

func TestSweep_BudgetExhaustedStopsBackfill(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	_, svc, store := newSweepFixture(t, now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.IngestAlert(ctx, "site-1", now.Add(-time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("IngestAlert: %v", err)
		}
	}

	runner := incident.NewRunner(svc, store, nil, nil, 50, 100, time.Nanosecond)
	stats, err := runner.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	// The timeout fires before the loop gets anywhere; partial progress is
	// reported rather than an error.
	if stats.AlertsProcessed == 5 {
		t.Skip("sweep outran a 1ns budget; nothing to assert")
	}
	if stats.UnlinkedAlertsFound != 5 {
		t.Errorf("unlinkedAlertsFound = %d, want 5", stats.UnlinkedAlertsFound)
	}
}
