// Package incidentapi exposes the HTTP surface of the correlation engine:
// the scheduler-triggered sweep, the site-alert ingest feed, and incident
// read/review endpoints.
package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/firewatch/internal/authmw"
	"github.com/linnemanlabs/firewatch/internal/incident"
)

const defaultListLimit = 50

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	IngestAlert(ctx context.Context, siteID string, eventDate time.Time) (*incident.SiteAlert, error)
	Get(ctx context.Context, id string) (*incident.SiteIncident, bool, error)
	List(ctx context.Context, siteID string, limit int) ([]*incident.SiteIncident, error)
	Review(ctx context.Context, id, status string) error
}

// Sweeper runs one backfill-and-resolve pass.
type Sweeper interface {
	Sweep(ctx context.Context) (*incident.SweepStats, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger      log.Logger
	svc         IncidentService
	sweeper     Sweeper
	sweepToken  string
	ingestToken string
}

// New creates a new API handler. Empty tokens disable the respective checks.
func New(logger log.Logger, svc IncidentService, sweeper Sweeper, sweepToken, ingestToken string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	if sweeper == nil {
		panic(xerrors.New("sweeper is required"))
	}
	return &API{
		logger:      logger,
		svc:         svc,
		sweeper:     sweeper,
		sweepToken:  sweepToken,
		ingestToken: ingestToken,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.With(authmw.QueryToken("token", a.sweepToken)).Post("/sweep", a.handleSweep)

		r.Group(func(r chi.Router) {
			if a.ingestToken != "" {
				r.Use(authmw.BearerToken(a.ingestToken))
			}
			r.Post("/alerts", a.handleIngestAlerts)
			r.Patch("/incidents/{id}/review", a.handleReview)
		})

		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/incidents", a.handleListIncidents)
	})
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := a.sweeper.Sweep(r.Context())
	if err != nil {
		// No partial stats were produced; the invocation itself failed.
		a.logger.Error(r.Context(), err, "sweep failed")
		http.Error(w, `{"error":"sweep failed"}`, http.StatusInternalServerError)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int("firewatch.sweep.alerts_processed", stats.AlertsProcessed),
		attribute.Int("firewatch.sweep.incidents_resolved", stats.IncidentsResolved),
		attribute.Int("firewatch.sweep.errors", len(stats.Errors)),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "sweep complete",
		"stats":   stats,
	})
}

type ingestRequest struct {
	Alerts []ingestAlert `json:"alerts"`
}

type ingestAlert struct {
	SiteID    string    `json:"siteId"`
	EventDate time.Time `json:"eventDate"`
}

func (a *API) handleIngestAlerts(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if len(req.Alerts) == 0 {
		http.Error(w, `{"error":"no alerts in payload"}`, http.StatusBadRequest)
		return
	}

	var accepted []string
	var failures []incident.ItemError

	for i, in := range req.Alerts {
		if in.SiteID == "" || in.EventDate.IsZero() {
			failures = append(failures, incident.ItemError{ID: strconv.Itoa(i), Err: "siteId and eventDate are required"})
			continue
		}
		al, err := a.svc.IngestAlert(r.Context(), in.SiteID, in.EventDate)
		if err != nil {
			a.logger.Error(r.Context(), err, "alert ingest failed", "site_id", in.SiteID)
			failures = append(failures, incident.ItemError{ID: in.SiteID, Err: publicError(err)})
			continue
		}
		accepted = append(accepted, al.ID)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"errors":   failures,
	})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("firewatch.incident.id", id))

	in, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("firewatch.incident.state", string(in.State)))

	writeJSON(w, http.StatusOK, in)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	siteID := r.URL.Query().Get("site")
	if siteID == "" {
		http.Error(w, `{"error":"site query parameter is required"}`, http.StatusBadRequest)
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := a.svc.List(r.Context(), siteID, limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents", "site_id", siteID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*incident.SiteIncident{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"incidents": list})
}

type reviewRequest struct {
	Status string `json:"status"`
}

func (a *API) handleReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	err := a.svc.Review(r.Context(), id, req.Status)
	switch {
	case errors.Is(err, incident.ErrInvalidReviewStatus):
		http.Error(w, `{"error":"invalid review status"}`, http.StatusBadRequest)
	case errors.Is(err, incident.ErrIncidentNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to update review status", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})
	}
}

// publicError maps domain errors to strings safe to return to callers.
func publicError(err error) string {
	switch {
	case errors.Is(err, incident.ErrSiteNotFound):
		return "site not found"
	default:
		return "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
