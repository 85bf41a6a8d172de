// Package api exposes event ingestion and the read API over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/djlord-it/easy-gitops/internal/domain"
	"github.com/djlord-it/easy-gitops/internal/metrics"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// EventFilter selects events for ListEvents. Empty fields match everything.
// Limit 0 means no limit.
type EventFilter struct {
	Project string
	Status  domain.EventStatus
	Limit   int
	Offset  int
}

type Store interface {
	// InsertEvent persists a received event. It returns
	// domain.ErrDuplicateEvent when the project already has an event of the
	// same type for the build.
	InsertEvent(ctx context.Context, event domain.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (domain.EventRecord, error)
	ListEvents(ctx context.Context, f EventFilter) ([]domain.EventRecord, error)
	ListJobRuns(ctx context.Context, eventID uuid.UUID) ([]domain.JobRun, error)
}

// EventEmitter hands accepted events to the dispatcher.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.Event) error
}

type ProjectSource interface {
	Lookup(name string) (domain.Project, bool)
}

// HealthChecker provides storage health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// MetricsSink records ingestion metrics. Methods must not block.
type MetricsSink interface {
	EventReceived(eventType string)
	IngestRejected(reason string)
}

type Handler struct {
	store    Store
	emitter  EventEmitter
	projects ProjectSource
	secret   string // empty = signatures not required
	health   HealthChecker
	metrics  MetricsSink
	now      func() time.Time

	router chi.Router
}

func NewHandler(store Store, emitter EventEmitter, projects ProjectSource) *Handler {
	h := &Handler{
		store:    store,
		emitter:  emitter,
		projects: projects,
		now:      time.Now,
	}

	r := chi.NewRouter()
	r.Get("/health", h.healthCheck)
	r.Post("/projects/{project}/events", h.ingest)
	r.Get("/events", h.listEvents)
	r.Get("/events/{id}", h.getEvent)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	h.router = r
	return h
}

// WithSecret requires every ingested body to carry a valid signature.
func (h *Handler) WithSecret(secret string) *Handler {
	h.secret = secret
	return h
}

// WithHealthChecker sets the storage health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(c HealthChecker) *Handler {
	h.health = c
	return h
}

func (h *Handler) WithMetrics(sink MetricsSink) *Handler {
	h.metrics = sink
	return h
}

func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose || h.health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.health.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, metrics.RejectBadRequest, "request body too large")
			return
		}
		h.reject(w, http.StatusBadRequest, metrics.RejectBadRequest, "failed to read body")
		return
	}

	// Project names carry slashes and arrive path-escaped.
	name, err := url.PathUnescape(chi.URLParam(r, "project"))
	if err != nil || name == "" {
		h.reject(w, http.StatusBadRequest, metrics.RejectBadRequest, "invalid project")
		return
	}

	// The signature is checked before the lookup so unauthenticated callers
	// cannot learn which projects exist.
	if h.secret != "" && !VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)) {
		log.Printf("api: project=%q rejected: bad signature", name)
		h.reject(w, http.StatusUnauthorized, metrics.RejectBadSignature, "invalid signature")
		return
	}

	if _, ok := h.projects.Lookup(name); !ok {
		h.reject(w, http.StatusNotFound, metrics.RejectUnknownProject, "unknown project")
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.reject(w, http.StatusBadRequest, metrics.RejectBadRequest, "invalid json")
		return
	}
	if err := validateIngest(req); err != nil {
		h.reject(w, http.StatusBadRequest, metrics.RejectBadRequest, err.Error())
		return
	}

	event := domain.Event{
		ID:         uuid.New(),
		Type:       domain.ParseEventType(req.Type),
		Project:    name,
		BuildID:    req.BuildID,
		Revision:   req.Revision,
		Payload:    req.Payload,
		ReceivedAt: h.now().UTC(),
	}

	if err := h.store.InsertEvent(r.Context(), event); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			h.reject(w, http.StatusConflict, metrics.RejectDuplicate, "event already received for this build")
			return
		}
		log.Printf("api: insert event error: %v", err)
		h.reject(w, http.StatusInternalServerError, metrics.RejectStoreError, "failed to store event")
		return
	}

	// The event is persisted; if the bus is full the reconciler re-emits it.
	if err := h.emitter.Emit(r.Context(), event); err != nil {
		log.Printf("api: event=%s emit deferred to reconciler: %v", event.ID, err)
	}

	if h.metrics != nil {
		h.metrics.EventReceived(typeLabel(event.Type))
	}
	log.Printf("api: event=%s type=%s project=%s build=%s received", event.ID, event.Type, event.Project, event.BuildID)

	writeJSON(w, http.StatusAccepted, IngestResponse{
		ID:     event.ID.String(),
		Status: string(domain.EventStatusReceived),
	})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f := EventFilter{
		Project: r.URL.Query().Get("project"),
		Limit:   limit,
		Offset:  offset,
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status, ok := domain.ParseEventStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		f.Status = status
	}

	records, err := h.store.ListEvents(r.Context(), f)
	if err != nil {
		log.Printf("api: list events error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	resp := ListEventsResponse{Events: make([]EventResponse, len(records))}
	for i, rec := range records {
		resp.Events[i] = newEventResponse(rec)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	rec, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		log.Printf("api: get event error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return
	}

	runs, err := h.store.ListJobRuns(r.Context(), id)
	if err != nil {
		log.Printf("api: list job runs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list job runs")
		return
	}

	resp := newEventResponse(rec)
	for _, run := range runs {
		resp.JobRuns = append(resp.JobRuns, newJobRunResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) reject(w http.ResponseWriter, status int, reason, msg string) {
	if h.metrics != nil {
		h.metrics.IngestRejected(reason)
	}
	writeError(w, status, msg)
}

var knownTypeLabels = func() []string {
	var labels []string
	for _, t := range domain.KnownEventTypes() {
		labels = append(labels, string(t))
	}
	return labels
}()

func typeLabel(t domain.EventType) string {
	return metrics.BoundedLabel(string(t), knownTypeLabels)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
