/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       SDK ingestion surface: single and batch file analyze,
             job polling, hash cache probe, and the credits snapshot.
             Drives the Ingestion API's admission gate and the Tiered
             Queue enqueue, then hands the caller a pollable job id.
Root Cause:  Sprint task T218 — SDK-facing analyze/results endpoints.
Context:     This is the primary entry point for every binary a
             customer submits; admission, dedup and validation all
             happen here before anything touches durable storage.
Suitability: L3 — request validation and multipart handling.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/AlfredDev/sentrybox/apikey"
	"github.com/AlfredDev/sentrybox/config"
	"github.com/AlfredDev/sentrybox/ingestion"
	"github.com/AlfredDev/sentrybox/jobstore"
	"github.com/AlfredDev/sentrybox/ledger"
	"github.com/AlfredDev/sentrybox/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// SDKHandler serves the /sdk/* surface.
type SDKHandler struct {
	admitter *ingestion.Admitter
	jobs     *jobstore.Store
	ledger   *ledger.Ledger
	cfg      *config.Config
	logger   zerolog.Logger
}

func NewSDKHandler(admitter *ingestion.Admitter, jobs *jobstore.Store, led *ledger.Ledger, cfg *config.Config, logger zerolog.Logger) *SDKHandler {
	return &SDKHandler{admitter: admitter, jobs: jobs, ledger: led, cfg: cfg, logger: logger.With().Str("component", "sdk_handler").Logger()}
}

func tierForPriority(priority int) string {
	if priority >= 5 {
		return "tier1"
	}
	return "tier2"
}

// Analyze handles POST /sdk/analyze.
func (h *SDKHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	key, ok := middleware.GetAPIKey(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidRequest, "missing API key")
		return
	}
	if err := apikey.RequireCapability(key, apikey.CapAnalyze, time.Now()); err != nil {
		writeError(w, http.StatusForbidden, CodeInvalidRequest, err.Error())
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

	priority := 0
	if p, err := strconv.Atoi(r.FormValue("priority")); err == nil {
		priority = p
	}

	req := ingestion.Request{
		Owner:     key.Owner,
		APIKeyID:  &key.Token,
		Filename:  header.Filename,
		Size:      header.Size,
		Body:      file,
		Tier:      tierForPriority(priority),
		Priority:  priority,
		SourceIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Source:    "sdk",
	}

	job, cached, err := h.admitter.Submit(r.Context(), req)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	if cached {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"jobId":   job.ID,
			"status":  job.Status,
			"cached":  true,
			"results": job.Results,
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"jobId":   job.ID,
		"polling": map[string]interface{}{
			"url":        "/sdk/results/" + job.ID,
			"intervalMs": 2000,
		},
	})
}

// AnalyzeBatch handles POST /sdk/analyze/batch.
func (h *SDKHandler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	key, ok := middleware.GetAPIKey(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidRequest, "missing API key")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, CodeMissingFile, "could not parse multipart form: "+err.Error())
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, CodeMissingFile, "field 'files' is required")
		return
	}
	if len(files) > h.admitter.MaxBatchFiles() {
		writeError(w, http.StatusBadRequest, CodeTooManyFiles, "batch exceeds the maximum file count")
		return
	}

	reqs := make([]ingestion.Request, 0, len(files))
	opened := make([]interface{ Close() error }, 0, len(files))
	defer func() {
		for _, c := range opened {
			c.Close()
		}
	}()

	for _, fh := range files {
		if fh.Size > h.cfg.BlobMaxFileBytes {
			continue
		}
		f, err := fh.Open()
		if err != nil {
			continue
		}
		opened = append(opened, f)
		reqs = append(reqs, ingestion.Request{
			Owner:     key.Owner,
			APIKeyID:  &key.Token,
			Filename:  fh.Filename,
			Size:      fh.Size,
			Body:      f,
			Tier:      "tier2",
			SourceIP:  r.RemoteAddr,
			UserAgent: r.UserAgent(),
			Source:    "sdk",
		})
	}

	results, err := h.admitter.SubmitBatch(r.Context(), reqs)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		item := map[string]interface{}{"filename": res.Filename}
		if res.Err != nil {
			item["success"] = false
			item["message"] = res.Err.Error()
		} else {
			item["success"] = true
			item["jobId"] = res.Job.ID
			item["cached"] = res.Cached
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "results": out})
}

// Results handles GET /sdk/results/{jobId}.
func (h *SDKHandler) Results(w http.ResponseWriter, r *http.Request) {
	key, ok := middleware.GetAPIKey(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidRequest, "missing API key")
		return
	}
	jobID := chi.URLParam(r, "jobId")

	job, err := h.jobs.Get(r.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) || job.Owner != key.Owner {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "no such job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not load job")
		return
	}

	resp := map[string]interface{}{
		"success":  true,
		"status":   job.Status,
		"progress": job.Progress,
	}
	if job.Status == jobstore.StatusCompleted {
		resp["results"] = job.Results
	}
	if job.Status == jobstore.StatusFailed {
		resp["error"] = job.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckHash handles GET /sdk/check-hash?hash=<sha256-hex>.
func (h *SDKHandler) CheckHash(w http.ResponseWriter, r *http.Request) {
	key, ok := middleware.GetAPIKey(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidRequest, "missing API key")
		return
	}
	hash := r.URL.Query().Get("hash")
	if len(hash) != 64 {
		writeError(w, http.StatusBadRequest, CodeInvalidHash, "hash must be a 64-character sha256 hex digest")
		return
	}

	job, err := h.jobs.FindByOwnerAndHash(r.Context(), key.Owner, hash)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "cached": false})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "cached": true, "job": job})
}

// Credits handles GET /sdk/credits.
func (h *SDKHandler) Credits(w http.ResponseWriter, r *http.Request) {
	key, ok := middleware.GetAPIKey(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeInvalidRequest, "missing API key")
		return
	}
	bal, err := h.ledger.Snapshot(r.Context(), key.Owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not load balance")
		return
	}

	percent := 0.0
	if bal.Total > 0 {
		percent = float64(bal.Used) / float64(bal.Total) * 100
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"credits": map[string]interface{}{
			"total":     bal.Total,
			"used":      bal.Used,
			"remaining": bal.Remaining,
			"percent":   percent,
		},
		"tier": tierForPriority(0),
	})
}

func (h *SDKHandler) writeSubmitError(w http.ResponseWriter, err error) {
	var insufficient *ingestion.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		writeInsufficientCredits(w, insufficient.Required, insufficient.Available, insufficient.Deficit)
	case errors.Is(err, ingestion.ErrTooManyFiles):
		writeError(w, http.StatusBadRequest, CodeTooManyFiles, err.Error())
	default:
		h.logger.Error().Err(err).Msg("submit failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not submit file for analysis")
	}
}
