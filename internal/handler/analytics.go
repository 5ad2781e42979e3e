package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openclaw/multisession-server-go/internal/errors"
	"github.com/openclaw/multisession-server-go/internal/service"
)

type AnalyticsHandler struct {
	analytics *service.AnalyticsAggregator
}

func NewAnalyticsHandler(analytics *service.AnalyticsAggregator) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: analytics}
}

func (h *AnalyticsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/platforms", h.Platforms)
	r.Get("/response-times", h.ResponseTimes)
	r.Get("/messages-over-time", h.MessagesOverTime)
	r.Get("/real-time-metrics", h.RealTimeMetrics)

	return r
}

// GET /api/analytics/platforms?by=sessions|messages
func (h *AnalyticsHandler) Platforms(w http.ResponseWriter, r *http.Request) {
	by, err := service.ParseDistributionBy(r.URL.Query().Get("by"))
	if err != nil {
		writeError(w, apperrors.InvalidInput("by", err.Error()))
		return
	}

	shares, err := h.analytics.PlatformDistribution(r.Context(), by)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by":        by,
		"platforms": shares,
	})
}

// GET /api/analytics/response-times
func (h *AnalyticsHandler) ResponseTimes(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.analytics.ResponseTimes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}

// GET /api/analytics/messages-over-time
func (h *AnalyticsHandler) MessagesOverTime(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.analytics.MessagesOverTime(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}

// GET /api/analytics/real-time-metrics
func (h *AnalyticsHandler) RealTimeMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.analytics.RealTimeMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}
