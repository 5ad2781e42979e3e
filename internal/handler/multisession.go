package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/multisession-server-go/internal/audit"
	apperrors "github.com/openclaw/multisession-server-go/internal/errors"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/service"
)

const maxBulkSessions = 500

// MultiSessionHandler serves the session catalog and bulk actions.
type MultiSessionHandler struct {
	sessions *service.SessionService
	bulk     *service.BulkActionCoordinator
	events   http.Handler
	ws       http.Handler
}

func NewMultiSessionHandler(
	sessions *service.SessionService,
	bulk *service.BulkActionCoordinator,
	events http.Handler,
	ws http.Handler,
) *MultiSessionHandler {
	return &MultiSessionHandler{
		sessions: sessions,
		bulk:     bulk,
		events:   events,
		ws:       ws,
	}
}

func (h *MultiSessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/bulk", h.Bulk)
	if h.events != nil {
		r.Get("/events", h.events.ServeHTTP)
	}
	if h.ws != nil {
		r.Get("/ws", h.ws.ServeHTTP)
	}
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)

	return r
}

// GET /api/multisessions?status=&platform=&limit=&offset=
func (h *MultiSessionHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSessionFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sessions, err := h.sessions.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(len(sessions)))
	if p, ok := ParsePagination(r); ok {
		sessions = paginate(sessions, p)
	}
	writeJSON(w, http.StatusOK, sessions)
}

func parseSessionFilter(r *http.Request) (model.SessionFilter, error) {
	var filter model.SessionFilter
	q := r.URL.Query()

	if s := q.Get("status"); s != "" {
		status, err := model.ParseSessionStatus(s)
		if err != nil {
			return filter, apperrors.InvalidInput("status", err.Error())
		}
		filter.Status = &status
	}
	if p := q.Get("platform"); p != "" {
		platform, err := model.ParsePlatform(p)
		if err != nil {
			return filter, apperrors.InvalidInput("platform", err.Error())
		}
		filter.Platform = &platform
	}
	return filter, nil
}

type createSessionRequest struct {
	Name     string         `json:"name"`
	Platform model.Platform `json:"platform"`
	Handle   *string        `json:"handle"`
	Config   model.Config   `json:"config"`
}

// POST /api/multisessions
func (h *MultiSessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.sessions.Create(r.Context(), model.CreateSessionParams{
		Name:     req.Name,
		Platform: req.Platform,
		Handle:   req.Handle,
		Config:   req.Config,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionCreate,
		SessionID: session.ID,
		Details: map[string]interface{}{
			"name":     session.Name,
			"platform": string(session.Platform),
		},
	})
	writeJSON(w, http.StatusCreated, session)
}

// GET /api/multisessions/{id}
func (h *MultiSessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type updateSessionRequest struct {
	Name   *string      `json:"name"`
	Handle *string      `json:"handle"`
	Config model.Config `json:"config"`
}

// PUT /api/multisessions/{id}
func (h *MultiSessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.sessions.Update(r.Context(), id, model.UpdateSessionParams{
		Name:   req.Name,
		Handle: req.Handle,
		Config: req.Config,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventSessionUpdate, SessionID: id})
	writeJSON(w, http.StatusOK, session)
}

// DELETE /api/multisessions/{id}
func (h *MultiSessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.sessions.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventSessionDelete, SessionID: id})
	w.WriteHeader(http.StatusNoContent)
}

type bulkRequest struct {
	SessionIDs []string `json:"sessionIds"`
	Action     string   `json:"action"`
}

// POST /api/multisessions/bulk
func (h *MultiSessionHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Action == "" {
		writeError(w, apperrors.MissingRequired("action"))
		return
	}
	if len(req.SessionIDs) > maxBulkSessions {
		writeError(w, apperrors.InvalidInput("sessionIds", "at most 500 sessions per request"))
		return
	}

	report, err := h.bulk.Execute(r.Context(), req.SessionIDs, model.BulkAction(req.Action))
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type: audit.EventBulkAction,
		Details: map[string]interface{}{
			"action":     req.Action,
			"sessionIds": req.SessionIDs,
			"succeeded":  len(report.Succeeded()),
			"failed":     len(report.Failed()),
		},
	})
	writeJSON(w, http.StatusOK, report.Results)
}
