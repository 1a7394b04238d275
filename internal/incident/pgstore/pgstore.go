// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/firewatch/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/firewatch/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Postgres error codes mapped to the domain taxonomy.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store persists alerts and incidents in PostgreSQL. The one-open-incident-
// per-site invariant is enforced by a partial unique index, so overlapping
// sweep invocations cannot double-open regardless of in-process interleaving.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store on the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const incidentColumns = `id, site_id, is_active, is_processed, started_at, ended_at,
	start_alert_id, end_alert_id, start_notification_id, end_notification_id, review_status`

// InsertAlert stores a freshly ingested, unlinked alert.
func (s *Store) InsertAlert(ctx context.Context, al *incident.SiteAlert) error {
	ctx, span := s.startSpan(ctx, "pgstore.InsertAlert", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO site_alerts (id, site_id, event_date, site_incident_id) VALUES ($1, $2, $3, NULL)`,
		al.ID, al.SiteID, al.EventDate,
	)
	if err != nil {
		if isPgErr(err, pgForeignKeyViolation) {
			return incident.ErrSiteNotFound
		}
		return s.fail(span, fmt.Errorf("insert alert: %w", err))
	}
	return nil
}

// FindOpenIncident returns the CREATED or ACTIVE incident for a site, if any.
// The partial unique index guarantees at most one row matches.
func (s *Store) FindOpenIncident(ctx context.Context, siteID string) (*incident.SiteIncident, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.FindOpenIncident", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM site_incidents WHERE site_id = $1 AND is_active`
	in, err := scanIncident(s.pool.QueryRow(ctx, query, siteID))
	if err != nil {
		return nil, false, s.fail(span, err)
	}
	if in == nil {
		return nil, false, nil
	}
	return in, true, nil
}

// CreateIncidentWithAlert atomically opens an incident and links its first
// alert. The unique-index violation from a concurrent open maps to
// ErrDuplicateActiveIncident.
func (s *Store) CreateIncidentWithAlert(ctx context.Context, siteID string, al *incident.SiteAlert) (*incident.SiteIncident, error) {
	ctx, span := s.startSpan(ctx, "pgstore.CreateIncidentWithAlert", "INSERT")
	defer span.End()

	in := &incident.SiteIncident{
		ID:           ulid.Make().String(),
		SiteID:       siteID,
		State:        incident.StateCreated,
		StartedAt:    al.EventDate,
		StartAlertID: al.ID,
		ReviewStatus: incident.ReviewToReview,
	}
	if err := in.Validate(); err != nil {
		return nil, s.fail(span, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	isActive, isProcessed := in.State.Flags()
	_, err = tx.Exec(ctx,
		`INSERT INTO site_incidents (id, site_id, is_active, is_processed, started_at, start_alert_id, review_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID, in.SiteID, isActive, isProcessed, in.StartedAt, in.StartAlertID, string(in.ReviewStatus),
	)
	if err != nil {
		switch {
		case isPgErr(err, pgUniqueViolation):
			return nil, incident.ErrDuplicateActiveIncident
		case isPgErr(err, pgForeignKeyViolation):
			return nil, incident.ErrSiteNotFound
		}
		return nil, s.fail(span, fmt.Errorf("insert incident: %w", err))
	}

	if err := attachTx(ctx, tx, in.ID, al.ID); err != nil {
		return nil, s.fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, s.fail(span, fmt.Errorf("commit: %w", err))
	}

	al.IncidentID = &in.ID
	return in, nil
}

// AttachAlert links an alert to an incident. Re-attaching to the same incident
// is a no-op; attaching to a different one returns ErrAlertAlreadyLinked.
func (s *Store) AttachAlert(ctx context.Context, incidentID string, al *incident.SiteAlert) error {
	ctx, span := s.startSpan(ctx, "pgstore.AttachAlert", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := attachTx(ctx, tx, incidentID, al.ID); err != nil {
		if incident.IsConflict(err) || errors.Is(err, incident.ErrAlertNotFound) {
			return err
		}
		return s.fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return s.fail(span, fmt.Errorf("commit: %w", err))
	}

	al.IncidentID = &incidentID
	return nil
}

// attachTx performs the guarded link inside a transaction. The WHERE clause on
// NULL makes repeated attaches for the same incident a detectable no-op rather
// than a lost update.
func attachTx(ctx context.Context, tx pgx.Tx, incidentID, alertID string) error {
	tag, err := tx.Exec(ctx,
		`UPDATE site_alerts SET site_incident_id = $1 WHERE id = $2 AND site_incident_id IS NULL`,
		incidentID, alertID,
	)
	if err != nil {
		return fmt.Errorf("link alert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current *string
	err = tx.QueryRow(ctx, `SELECT site_incident_id FROM site_alerts WHERE id = $1`, alertID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return incident.ErrAlertNotFound
	}
	if err != nil {
		return fmt.Errorf("check alert link: %w", err)
	}
	if current != nil && *current == incidentID {
		return nil
	}
	return incident.ErrAlertAlreadyLinked
}

// FindStaleOpenIncidents returns open incidents whose most recent linked alert
// predates olderThan, oldest first.
func (s *Store) FindStaleOpenIncidents(ctx context.Context, olderThan time.Time, limit int) ([]*incident.SiteIncident, error) {
	ctx, span := s.startSpan(ctx, "pgstore.FindStaleOpenIncidents", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + `, last_event FROM (
			SELECT i.*, (SELECT max(a.event_date) FROM site_alerts a WHERE a.site_incident_id = i.id) AS last_event
			FROM site_incidents i
			WHERE i.is_active
		) sub
		WHERE last_event < $1
		ORDER BY last_event ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query stale incidents: %w", err))
	}
	defer rows.Close()

	var out []*incident.SiteIncident
	for rows.Next() {
		var lastEvent time.Time
		in, err := scanIncidentValues(rows, &lastEvent)
		if err != nil {
			return nil, s.fail(span, err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, fmt.Errorf("iterate stale incidents: %w", err))
	}
	return out, nil
}

// CloseIncident moves an open incident through CLOSING to CLOSED in one
// durable update, validated against the state model before commit.
func (s *Store) CloseIncident(ctx context.Context, incidentID, endAlertID string, endedAt time.Time, endNotificationID string) error {
	ctx, span := s.startSpan(ctx, "pgstore.CloseIncident", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	in, err := lockIncident(ctx, tx, incidentID)
	if err != nil {
		return s.failDomain(span, err)
	}
	if err := in.ValidateModifiable(); err != nil {
		return err
	}

	in.EndedAt = &endedAt
	in.EndAlertID = &endAlertID
	in.EndNotificationID = &endNotificationID
	if err := in.Transition(incident.StateClosing); err != nil {
		return err
	}
	if err := in.Transition(incident.StateClosed); err != nil {
		return err
	}

	isActive, isProcessed := in.State.Flags()
	_, err = tx.Exec(ctx,
		`UPDATE site_incidents
		 SET is_active = $2, is_processed = $3, ended_at = $4, end_alert_id = $5, end_notification_id = $6
		 WHERE id = $1`,
		incidentID, isActive, isProcessed, endedAt, endAlertID, endNotificationID,
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("close incident: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return s.fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// RecordStartNotification stores the opening notification id, CREATED→ACTIVE.
func (s *Store) RecordStartNotification(ctx context.Context, incidentID, notificationID string) error {
	ctx, span := s.startSpan(ctx, "pgstore.RecordStartNotification", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	in, err := lockIncident(ctx, tx, incidentID)
	if err != nil {
		return s.failDomain(span, err)
	}
	if err := in.ValidateModifiable(); err != nil {
		return err
	}

	in.StartNotificationID = &notificationID
	if err := in.Transition(incident.StateActive); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE site_incidents SET is_processed = true, start_notification_id = $2 WHERE id = $1`,
		incidentID, notificationID,
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("record start notification: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return s.fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// UpdateReviewStatus sets the review workflow status.
func (s *Store) UpdateReviewStatus(ctx context.Context, incidentID string, status incident.ReviewStatus) error {
	ctx, span := s.startSpan(ctx, "pgstore.UpdateReviewStatus", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE site_incidents SET review_status = $2 WHERE id = $1`,
		incidentID, string(status),
	)
	if err != nil {
		return s.fail(span, fmt.Errorf("update review status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrIncidentNotFound
	}
	return nil
}

// LatestAlert returns the most recent alert linked to the incident.
func (s *Store) LatestAlert(ctx context.Context, incidentID string) (*incident.SiteAlert, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.LatestAlert", "SELECT")
	defer span.End()

	al, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT id, site_id, event_date, site_incident_id FROM site_alerts
		 WHERE site_incident_id = $1 ORDER BY event_date DESC LIMIT 1`,
		incidentID,
	))
	if err != nil {
		return nil, false, s.fail(span, err)
	}
	if al == nil {
		return nil, false, nil
	}
	return al, true, nil
}

// UnlinkedAlerts returns alerts with no incident, oldest event first.
func (s *Store) UnlinkedAlerts(ctx context.Context, limit int) ([]*incident.SiteAlert, error) {
	ctx, span := s.startSpan(ctx, "pgstore.UnlinkedAlerts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, site_id, event_date, site_incident_id FROM site_alerts
		 WHERE site_incident_id IS NULL ORDER BY event_date ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query unlinked alerts: %w", err))
	}
	defer rows.Close()

	var out []*incident.SiteAlert
	for rows.Next() {
		var al incident.SiteAlert
		if err := rows.Scan(&al.ID, &al.SiteID, &al.EventDate, &al.IncidentID); err != nil {
			return nil, s.fail(span, fmt.Errorf("scan alert: %w", err))
		}
		out = append(out, &al)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, fmt.Errorf("iterate unlinked alerts: %w", err))
	}
	return out, nil
}

// GetIncident fetches one incident by id.
func (s *Store) GetIncident(ctx context.Context, id string) (*incident.SiteIncident, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.GetIncident", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM site_incidents WHERE id = $1`
	in, err := scanIncident(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, s.fail(span, err)
	}
	if in == nil {
		return nil, false, nil
	}
	return in, true, nil
}

// ListIncidents returns incidents for a site, newest first.
func (s *Store) ListIncidents(ctx context.Context, siteID string, limit int) ([]*incident.SiteIncident, error) {
	ctx, span := s.startSpan(ctx, "pgstore.ListIncidents", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM site_incidents WHERE site_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, siteID, limit)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var out []*incident.SiteIncident
	for rows.Next() {
		in, err := scanIncidentValues(rows)
		if err != nil {
			return nil, s.fail(span, err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

// lockIncident reads an incident FOR UPDATE so the lifecycle step validates
// against the row the update will land on.
func lockIncident(ctx context.Context, tx pgx.Tx, id string) (*incident.SiteIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM site_incidents WHERE id = $1 FOR UPDATE`
	in, err := scanIncident(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, incident.ErrIncidentNotFound
	}
	return in, nil
}

// scanIncident scans a single incident row. Returns (nil, nil) when not found.
func scanIncident(row pgx.Row) (*incident.SiteIncident, error) {
	in, err := scanIncidentFrom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return in, nil
}

func scanIncidentFrom(row pgx.Row, extra ...any) (*incident.SiteIncident, error) {
	var (
		in           incident.SiteIncident
		isActive     bool
		isProcessed  bool
		reviewStatus string
	)
	dest := []any{
		&in.ID, &in.SiteID, &isActive, &isProcessed, &in.StartedAt, &in.EndedAt,
		&in.StartAlertID, &in.EndAlertID, &in.StartNotificationID, &in.EndNotificationID, &reviewStatus,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	in.State = incident.StateFromFlags(isActive, isProcessed)
	in.ReviewStatus = incident.ReviewStatus(reviewStatus)
	return &in, nil
}

func scanIncidentValues(rows pgx.Rows, extra ...any) (*incident.SiteIncident, error) {
	in, err := scanIncidentFrom(rows, extra...)
	if err != nil {
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	return in, nil
}

// scanAlert scans a single alert row. Returns (nil, nil) when not found.
func scanAlert(row pgx.Row) (*incident.SiteAlert, error) {
	var al incident.SiteAlert
	if err := row.Scan(&al.ID, &al.SiteID, &al.EventDate, &al.IncidentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	return &al, nil
}

func (s *Store) startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func (s *Store) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// failDomain records the span error but passes domain errors through unwrapped.
func (s *Store) failDomain(span trace.Span, err error) error {
	if errors.Is(err, incident.ErrIncidentNotFound) {
		return err
	}
	return s.fail(span, err)
}

func isPgErr(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
