// Package handler's dashboard variant of the ingestion surface. Session
// auth is an external Non-goal; this handler trusts an already-resolved
// owner id in the request context (middleware.GetUserID), the same
// context key the dashboard's session middleware is expected to set.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/AlfredDev/sentrybox/config"
	"github.com/AlfredDev/sentrybox/ingestion"
	"github.com/AlfredDev/sentrybox/jobstore"
	"github.com/AlfredDev/sentrybox/middleware"
	"github.com/rs/zerolog"
)

// UserHandler serves the /user/analyze dashboard surface.
type UserHandler struct {
	admitter *ingestion.Admitter
	jobs     *jobstore.Store
	cfg      *config.Config
	logger   zerolog.Logger
}

func NewUserHandler(admitter *ingestion.Admitter, jobs *jobstore.Store, cfg *config.Config, logger zerolog.Logger) *UserHandler {
	return &UserHandler{admitter: admitter, jobs: jobs, cfg: cfg, logger: logger.With().Str("component", "user_handler").Logger()}
}

// Analyze handles POST /user/analyze — same admission path as the SDK
// endpoint, tagged with Source "dashboard" and no API key capability
// check (session auth already gated access to the dashboard).
func (h *UserHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetUserID(r.Context())
	if owner == "" {
		writeError(w, http.StatusUnauthorized, CodeInvalidRequest, "not signed in")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.BlobMaxFileBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, CodeMissingFile, "could not parse multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMissingFile, "field 'file' is required")
		return
	}
	defer file.Close()

	if header.Size > h.cfg.BlobMaxFileBytes {
		writeError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, "file exceeds the maximum allowed size")
		return
	}

	job, cached, err := h.admitter.Submit(r.Context(), ingestion.Request{
		Owner:     owner,
		Filename:  header.Filename,
		Size:      header.Size,
		Body:      file,
		Tier:      "tier2",
		SourceIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Source:    "dashboard",
	})
	if err != nil {
		var insufficient *ingestion.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			writeInsufficientCredits(w, insufficient.Required, insufficient.Available, insufficient.Deficit)
		default:
			h.logger.Error().Err(err).Msg("dashboard submit failed")
			writeError(w, http.StatusInternalServerError, CodeInternal, "could not submit file for analysis")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"jobId":   job.ID,
		"cached":  cached,
		"status":  job.Status,
	})
}

// History handles GET /user/analyze — paged job history.
func (h *UserHandler) History(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetUserID(r.Context())
	if owner == "" {
		writeError(w, http.StatusUnauthorized, CodeInvalidRequest, "not signed in")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 25
	offset := (page - 1) * pageSize

	jobs, total, err := h.jobs.ListByOwner(r.Context(), owner, pageSize, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("history lookup failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"jobs":    jobs,
		"pagination": map[string]interface{}{
			"page":     page,
			"pageSize": pageSize,
			"total":    total,
		},
	})
}
