package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/multisession-server-go/internal/audit"
	"github.com/openclaw/multisession-server-go/internal/connector"
	apperrors "github.com/openclaw/multisession-server-go/internal/errors"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/service"
)

// BotsHandler serves the per-session command surface used by the dashboard
// and by connector sidecars.
type BotsHandler struct {
	controller *service.SessionController
	sessions   *service.SessionService
	pairing    *service.PairingService
	logs       *service.LogCollector
	commandMW  []func(http.Handler) http.Handler
}

func NewBotsHandler(
	controller *service.SessionController,
	sessions *service.SessionService,
	pairing *service.PairingService,
	logs *service.LogCollector,
	commandMW ...func(http.Handler) http.Handler,
) *BotsHandler {
	return &BotsHandler{
		controller: controller,
		sessions:   sessions,
		pairing:    pairing,
		logs:       logs,
		commandMW:  commandMW,
	}
}

func (h *BotsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(h.commandMW...)
		r.Post("/{id}/start", h.Start)
		r.Post("/{id}/stop", h.Stop)
		r.Post("/{id}/restart", h.Restart)
	})

	r.Get("/{id}/qrcode", h.QRCode)
	r.Get("/{id}/logs", h.Logs)
	r.Post("/{id}/pair", h.Pair)
	r.Post("/{id}/events", h.RecordEvent)

	return r
}

type statusResponse struct {
	Status model.SessionStatus `json:"status"`
}

// POST /bots/{id}/start
func (h *BotsHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.controller.Start(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionStart,
		SessionID: id,
		Details:   map[string]interface{}{"status": string(result.Status)},
	})
	writeJSON(w, http.StatusOK, result)
}

// POST /bots/{id}/stop
func (h *BotsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := h.controller.Stop(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventSessionStop, SessionID: id})
	writeJSON(w, http.StatusOK, statusResponse{Status: session.Status})
}

// POST /bots/{id}/restart
func (h *BotsHandler) Restart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.controller.Restart(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionRestart,
		SessionID: id,
		Details:   map[string]interface{}{"status": string(result.Status)},
	})
	writeJSON(w, http.StatusOK, result)
}

type qrcodeResponse struct {
	QRCode    string    `json:"qrcode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// GET /bots/{id}/qrcode
func (h *BotsHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.sessions.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	challenge := h.pairing.Active(id)
	if challenge == nil {
		writeError(w, apperrors.NotFound("pairing challenge"))
		return
	}
	writeJSON(w, http.StatusOK, qrcodeResponse{QRCode: challenge.QRCode, ExpiresAt: challenge.ExpiresAt})
}

// GET /bots/{id}/logs?limit=
func (h *BotsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.sessions.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"logs": h.logs.Fetch(id, parseLogLimit(r)),
	})
}

type pairRequest struct {
	Token       string         `json:"token"`
	Credentials map[string]any `json:"credentials"`
}

// POST /bots/{id}/pair
// Delivers a scan result. Called by the connector side once the user has
// scanned the code.
func (h *BotsHandler) Pair(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if _, err := h.pairing.Resolve(ctx, id, req.Token, req.Credentials); err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventPairingResolve, SessionID: id})

	session, err := h.sessions.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: session.Status})
}

type eventRequest struct {
	Direction   model.Direction `json:"direction"`
	Type        string          `json:"type"`
	Message     string          `json:"message"`
	ActiveChats *int            `json:"activeChats"`
}

// POST /bots/{id}/events
// Connector-observed traffic for a connected session.
func (h *BotsHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Direction == "" {
		writeError(w, apperrors.MissingRequired("direction"))
		return
	}

	err := h.controller.RecordEvent(r.Context(), id, connector.Event{
		Direction:   req.Direction,
		Type:        req.Type,
		Message:     req.Message,
		ActiveChats: req.ActiveChats,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
