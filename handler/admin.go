// Package handler's operator surface: manual queue clears and an
// on-demand janitor run, for incident response without a deploy.
package handler

import (
	"net/http"

	"github.com/AlfredDev/sentrybox/janitor"
	"github.com/AlfredDev/sentrybox/queue"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AdminHandler serves the operator-only /admin/* routes.
type AdminHandler struct {
	queue   *queue.Queue
	janitor *janitor.Janitor
	logger  zerolog.Logger
}

func NewAdminHandler(q *queue.Queue, j *janitor.Janitor, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{queue: q, janitor: j, logger: logger.With().Str("component", "admin_handler").Logger()}
}

// ClearQueue handles POST /admin/queue/clear?tier=tier1.
func (h *AdminHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	tier := r.URL.Query().Get("tier")
	if tier == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "tier query parameter is required")
		return
	}
	if err := h.queue.ClearAll(r.Context(), tier); err != nil {
		h.logger.Error().Err(err).Str("tier", tier).Msg("admin queue clear failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not clear queue")
		return
	}
	h.logger.Warn().Str("tier", tier).Msg("admin manually cleared queue tier")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "tier": tier})
}

// RunJanitor handles POST /admin/janitor/run — triggers an immediate
// sweep outside the cron schedule.
func (h *AdminHandler) RunJanitor(w http.ResponseWriter, r *http.Request) {
	stats := h.janitor.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"blobsDeleted": stats.BlobsDeleted,
		"jobsDeleted":  stats.JobsDeleted,
		"ranAt":        stats.RanAt,
		"error":        errString(stats.Err),
	})
}

// QueueStats handles GET /admin/queue/{tier}/stats.
func (h *AdminHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	tier := chi.URLParam(r, "tier")
	stats, err := h.queue.GetStats(r.Context(), tier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not load queue stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "tier": tier, "stats": stats})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
