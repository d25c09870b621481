/*
handlers.go - HTTP API handlers for the sales dashboard engine

PURPOSE:
  Exposes widget bindings via REST and websocket. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Widgets:
    GET    /api/widgets                          Widget catalogue
    GET    /api/widgets/{widget}/records         {records, loading, error, stale}
    GET    /api/widgets/{widget}/metrics         Computed metrics
    GET    /api/widgets/{widget}/stream          Websocket metric stream

  Records:
    GET    /api/activities?ownerRef=             Snapshot proxy
    POST   /api/activities                       Ingest activities

  Scenarios:
    GET    /api/scenarios                        List demo scenarios
    POST   /api/scenarios/load                   Load a demo scenario

  Dismissals:
    GET    /api/dismissals?ownerRef=             Today's dismissals
    POST   /api/dismissals                       Dismiss an item for today

  Ops:
    GET    /healthz
    GET    /metrics                              Prometheus

QUERY PARAMETERS (records, metrics, stream):
  ownerRef  Owner to bind (required except for stream)
  from, to  Date range; RFC3339 or YYYY-MM-DD
  wait      "true" or a duration; block until the first load finishes
  <field>   Any other parameter is an exact match on a record field

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Missing owner, unknown match field, invalid input
  - 404: Unknown widget
  - 501: Ingest unavailable (remote snapshot source)
  - 502: Snapshot endpoint failed
  - 503: Server shutting down
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenarios and ingest
  - sessions.go: Binding lifetime
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/warp/salesops-engine/activity"
	"github.com/warp/salesops-engine/generic"
)

// DefaultWait bounds ?wait=true.
const DefaultWait = 10 * time.Second

// reservedParams are query parameters that are not record matches.
var reservedParams = map[string]struct{}{
	"ownerRef": {},
	"from":     {},
	"to":       {},
	"wait":     {},
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Sessions   *Sessions[activity.Activity]
	Dismissals generic.DismissStore
	Logger     slog.Logger

	// Ping reports the health of the backing store, if any.
	Ping func(context.Context) error

	// Ingest persists activities for scenarios and POST /api/activities.
	// Nil when the snapshot source is remote.
	Ingest IngestFunc

	Clock quartz.Clock
}

// NewHandler creates a handler serving the sessions' widgets.
func NewHandler(sessions *Sessions[activity.Activity], dismissals generic.DismissStore, logger slog.Logger) *Handler {
	return &Handler{
		Sessions:   sessions,
		Dismissals: dismissals,
		Logger:     logger.Named("api"),
		Clock:      quartz.NewReal(),
	}
}

// =============================================================================
// WIDGET HANDLERS
// =============================================================================

// ListWidgets returns the widget catalogue.
func (h *Handler) ListWidgets(w http.ResponseWriter, r *http.Request) {
	widgets := h.Sessions.Widgets()
	dtos := make([]WidgetDTO, 0, len(widgets))
	for _, wd := range widgets {
		dtos = append(dtos, toWidgetDTO(wd))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRecords returns the widget's records for an owner.
func (h *Handler) GetRecords(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "widget")
	q := r.URL.Query()

	wait, err := parseWait(q.Get("wait"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid wait parameter", err)
		return
	}

	binding, release, err := h.Sessions.Acquire(r.Context(), name, q.Get("ownerRef"))
	if err != nil {
		h.fail(w, r, "Failed to bind widget", err)
		return
	}
	defer release()

	h.waitReady(r.Context(), binding, wait)
	writeJSON(w, http.StatusOK, toRecordsResponse(name, binding.State()))
}

// GetMetrics computes the widget's metrics for an owner and criteria.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "widget")
	q := r.URL.Query()

	spec, err := h.Sessions.Widget(name)
	if err != nil {
		h.fail(w, r, "Unknown widget", err)
		return
	}
	criteria := criteriaFromQuery(q)
	if err := spec.Pipeline.Validate(criteria); err != nil {
		h.fail(w, r, "Invalid criteria", err)
		return
	}
	wait, err := parseWait(q.Get("wait"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid wait parameter", err)
		return
	}

	binding, release, err := h.Sessions.Acquire(r.Context(), name, q.Get("ownerRef"))
	if err != nil {
		h.fail(w, r, "Failed to bind widget", err)
		return
	}
	defer release()

	h.waitReady(r.Context(), binding, wait)
	state := binding.State()
	report, err := binding.Metrics(criteria)
	if err != nil {
		h.fail(w, r, "Failed to compute metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, toMetricsResponse(spec, state, report))
}

func (h *Handler) waitReady(ctx context.Context, b *generic.Binding[activity.Activity], wait time.Duration) {
	if wait <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	// A timeout just returns the state as it is, loading flag included.
	_ = b.WaitReady(ctx)
}

// =============================================================================
// STREAMING
// =============================================================================

// StreamMetrics upgrades to a websocket and pushes the metrics document
// whenever the widget's records change. Clients may send StreamCommand
// messages to switch owner or criteria.
func (h *Handler) StreamMetrics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "widget")
	q := r.URL.Query()

	spec, err := h.Sessions.Widget(name)
	if err != nil {
		h.fail(w, r, "Unknown widget", err)
		return
	}
	criteria := criteriaFromQuery(q)
	if err := spec.Pipeline.Validate(criteria); err != nil {
		h.fail(w, r, "Invalid criteria", err)
		return
	}

	binding, closeBinding, err := h.Sessions.Open(name)
	if err != nil {
		h.fail(w, r, "Failed to open widget", err)
		return
	}
	defer closeBinding()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.Logger.Debug(r.Context(), "accept websocket", slog.Error(err))
		return
	}
	defer conn.Close(websocket.StatusAbnormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	logger := h.Logger.With(slog.F("widget", name))

	commands := make(chan StreamCommand)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		for {
			var cmd StreamCommand
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				return
			}
			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-readDone
	}()

	updates, stopWatch := binding.Watch()
	defer stopWatch()

	if owner := q.Get("ownerRef"); owner != "" {
		if err := binding.SetOwner(ctx, owner); err != nil {
			_ = wsjson.Write(ctx, conn, StreamMessage{Type: "error", Error: err.Error()})
			return
		}
	}

	push := func() error {
		if binding.Owner() == "" {
			return nil
		}
		state := binding.State()
		report, err := binding.Metrics(criteria)
		if err != nil {
			return wsjson.Write(ctx, conn, StreamMessage{Type: "error", Error: err.Error()})
		}
		resp := toMetricsResponse(spec, state, report)
		return wsjson.Write(ctx, conn, StreamMessage{Type: "metrics", Metrics: &resp})
	}

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "widget closed")
				return
			}
			if err := push(); err != nil {
				logger.Debug(ctx, "push metrics", slog.Error(err))
				return
			}

		case cmd := <-commands:
			next := commandCriteria(cmd)
			if err := spec.Pipeline.Validate(next); err != nil {
				if err := wsjson.Write(ctx, conn, StreamMessage{Type: "error", Error: err.Error()}); err != nil {
					return
				}
				continue
			}
			criteria = next
			if cmd.OwnerRef != "" {
				if err := binding.SetOwner(ctx, cmd.OwnerRef); err != nil {
					if err := wsjson.Write(ctx, conn, StreamMessage{Type: "error", Error: err.Error()}); err != nil {
						return
					}
					continue
				}
			}
			if err := push(); err != nil {
				logger.Debug(ctx, "push metrics", slog.Error(err))
				return
			}
		}
	}
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// ListActivities proxies the snapshot source in its own envelope, so this
// service can stand in for the snapshot endpoint.
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("ownerRef"))
	if owner == "" {
		h.fail(w, r, "ownerRef is required", generic.ErrOwnerRequired)
		return
	}
	records, err := h.Sessions.Snapshots().Fetch(r.Context(), owner)
	if err != nil {
		h.fail(w, r, "Failed to load activities", err)
		return
	}
	if records == nil {
		records = []activity.Activity{}
	}
	writeJSON(w, http.StatusOK, ActivitiesResponse{Activities: records})
}

// =============================================================================
// DISMISSAL HANDLERS
// =============================================================================

// ListDismissals returns today's dismissals for an owner.
func (h *Handler) ListDismissals(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("ownerRef"))
	if owner == "" {
		h.fail(w, r, "ownerRef is required", generic.ErrOwnerRequired)
		return
	}
	list, err := h.Dismissals.Dismissed(r.Context(), owner)
	if err != nil {
		h.fail(w, r, "Failed to list dismissals", err)
		return
	}
	if list == nil {
		list = []generic.Dismissal{}
	}
	writeJSON(w, http.StatusOK, DismissalsResponse{OwnerRef: owner, Dismissals: list})
}

// Dismiss hides an item for the rest of the day.
func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	var req DismissRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.OwnerRef) == "" {
		h.fail(w, r, "ownerRef is required", generic.ErrOwnerRequired)
		return
	}
	if strings.TrimSpace(req.ItemKey) == "" {
		writeError(w, http.StatusBadRequest, "itemKey is required", nil)
		return
	}

	d, err := h.Dismissals.Dismiss(r.Context(), req.OwnerRef, req.ItemKey)
	if err != nil {
		h.fail(w, r, "Failed to dismiss item", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// =============================================================================
// OPS
// =============================================================================

// Healthz reports liveness and the number of shared bindings.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"bindings": h.Sessions.Len(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// criteriaFromQuery turns query parameters into criteria. Every parameter
// that is not reserved is an exact match on a record field.
func criteriaFromQuery(q url.Values) generic.Criteria {
	c := generic.Criteria{Range: generic.ParseDateRange(q.Get("from"), q.Get("to"))}

	fields := make([]string, 0, len(q))
	for field := range q {
		if _, ok := reservedParams[field]; !ok {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	for _, field := range fields {
		for _, v := range q[field] {
			c.Matches = append(c.Matches, generic.Match{Field: field, Value: v})
		}
	}
	return c
}

func commandCriteria(cmd StreamCommand) generic.Criteria {
	q := url.Values{}
	for field, v := range cmd.Match {
		q.Set(field, v)
	}
	q.Set("from", cmd.From)
	q.Set("to", cmd.To)
	return criteriaFromQuery(q)
}

func parseWait(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0":
		return 0, nil
	case "true", "1":
		return DefaultWait, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative wait %s", d)
	}
	return min(d, time.Minute), nil
}

func statusFor(err error) int {
	switch {
	case generic.IsClientError(err):
		return http.StatusBadRequest
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, generic.ErrBindingClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Warn(r.Context(), message, slog.F("path", r.URL.Path), slog.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
