/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Per-job state machine driving a binary through download,
             analysis, result persistence, and debt-tolerant billing.
             Idempotent on Job.id so queue redeliveries never
             double-charge a user that already received results.
Root Cause:  Sprint task T220 — worker pool state machine.
Context:     A job may be redelivered after a transient failure; the
             worker must detect an already-completed job and short
             circuit rather than re-run analysis or re-bill.
Suitability: L4 — financial correctness (no double charge).
──────────────────────────────────────────────────────────────
*/

// Package worker implements the Worker (component G): the per-job state
// machine that takes a queued job from received through completed or
// failed.
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/AlfredDev/sentrybox/analyzer"
	"github.com/AlfredDev/sentrybox/blobstore"
	"github.com/AlfredDev/sentrybox/eventbus"
	"github.com/AlfredDev/sentrybox/jobstore"
	"github.com/AlfredDev/sentrybox/ledger"
	"github.com/AlfredDev/sentrybox/observability"
	"github.com/AlfredDev/sentrybox/pricer"
	"github.com/AlfredDev/sentrybox/queue"
	"github.com/rs/zerolog"
)

type workerError string

func (e workerError) Error() string { return string(e) }

// ErrStaleJob signals a queue entry pointing at a job row that no longer
// exists; this is fatal and must not be retried.
const ErrStaleJob workerError = "worker: job not found in store, stale queue entry"

// Runner executes the state machine for individual jobs. It holds no
// per-job state itself; Process is safe to call concurrently for
// different jobs, one at a time per job (the queue guarantees that).
type Runner struct {
	jobs     *jobstore.Store
	blobs    *blobstore.Store
	ledger   *ledger.Ledger
	pricerFn func(sizeBytes int64, elapsedSeconds float64) pricer.Breakdown
	analyzer *analyzer.Client
	events   *eventbus.Bus
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func New(jobs *jobstore.Store, blobs *blobstore.Store, led *ledger.Ledger, an *analyzer.Client, events *eventbus.Bus, logger zerolog.Logger) *Runner {
	return &Runner{
		jobs:     jobs,
		blobs:    blobs,
		ledger:   led,
		pricerFn: pricer.Price,
		analyzer: an,
		events:   events,
		logger:   logger.With().Str("component", "worker").Logger(),
	}
}

// SetMetrics attaches a metrics sink. Optional; Process is a no-op on the
// metrics front when this is never called.
func (r *Runner) SetMetrics(m *observability.Metrics) {
	r.metrics = m
}

func (r *Runner) trackCompletion(tier, status string, processingSecs float64, creditsCharged int64) {
	if r.metrics == nil {
		return
	}
	r.metrics.TrackJobCompletion(tier, status, processingSecs, creditsCharged)
}

// Process drives one job through the state machine. The returned error,
// if any, tells the queue whether to retry (transient) or stop
// (ErrStaleJob / analyzer logical failures already terminalized the job).
func (r *Runner) Process(ctx context.Context, item queue.Item) error {
	job, err := r.jobs.Get(ctx, item.JobID)
	if err == jobstore.ErrNotFound {
		r.logger.Error().Str("job_id", item.JobID).Msg("worker received a job id absent from the store")
		return ErrStaleJob
	}
	if err != nil {
		return fmt.Errorf("worker: load job %s: %w", item.JobID, err)
	}

	// Idempotency: a redelivered job that already charged and completed
	// must short-circuit rather than re-run analysis or double-bill.
	if job.Status == jobstore.StatusCompleted && job.CreditsCharged > 0 {
		r.logger.Info().Str("job_id", job.ID).Msg("worker skipping already-completed, already-charged job")
		return nil
	}

	if err := r.jobs.UpdateStatus(ctx, job.ID, jobstore.StatusProcessing, nil); err != nil {
		return fmt.Errorf("worker: transition to processing: %w", err)
	}
	r.publish(ctx, job, eventbus.KindProcessing, 10, nil)

	var tempPath string
	fail := func(stage string, cause error, code string) error {
		r.logger.Error().Err(cause).Str("job_id", job.ID).Str("stage", stage).Msg("worker job failed")
		jobErr := &jobstore.JobError{Message: cause.Error(), Code: code}
		if uerr := r.jobs.UpdateStatus(ctx, job.ID, jobstore.StatusFailed, jobErr); uerr != nil {
			r.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("worker: failed to persist failed status")
		}
		r.publish(ctx, job, eventbus.KindFailed, job.Progress, map[string]interface{}{"error": jobErr})
		r.trackCompletion(job.Tier, "failed", time.Since(job.QueuedAt).Seconds(), 0)

		if tempPath != "" {
			os.Remove(tempPath)
		}
		// Failed jobs don't justify the storage cost; no refund since
		// nothing was charged yet.
		if derr := r.blobs.Delete(ctx, job.BlobHandle); derr != nil {
			r.logger.Error().Err(derr).Str("job_id", job.ID).Msg("worker: failed to delete blob for failed job")
		}
		return cause
	}

	// → downloading
	if err := r.jobs.UpdateProgress(ctx, job.ID, 20); err != nil {
		return fail("downloading", err, "DOWNLOAD_FAILED")
	}
	r.publish(ctx, job, eventbus.KindProgress, 20, nil)

	tempPath, err = r.blobs.GetToTempFile(ctx, job.BlobHandle, job.Filename)
	if err != nil {
		return fail("downloading", err, "DOWNLOAD_FAILED")
	}

	// → analyzing
	if err := r.jobs.UpdateProgress(ctx, job.ID, 40); err != nil {
		return fail("analyzing", err, "ANALYZE_FAILED")
	}
	r.publish(ctx, job, eventbus.KindProgress, 40, nil)

	t0 := time.Now()
	result, err := r.analyzer.Analyze(ctx, tempPath, job.Filename)
	if err != nil {
		return fail("analyzing", err, "ANALYZE_FAILED")
	}

	// → analyzed / results-saved
	if err := r.jobs.AttachResults(ctx, job.ID, result); err != nil {
		return fail("results-saved", err, "RESULTS_SAVE_FAILED")
	}
	if err := r.jobs.UpdateProgress(ctx, job.ID, 90); err != nil {
		return fail("results-saved", err, "RESULTS_SAVE_FAILED")
	}
	r.publish(ctx, job, eventbus.KindProgress, 75, nil)

	// → charged. A ledger failure here does not fail the job — the user
	// already has results; it is logged and surfaced out-of-band.
	elapsed := time.Since(t0).Seconds()
	breakdown := r.pricerFn(job.SizeBytes, elapsed)
	description := descriptionFor(job.Metadata.Source)

	if err := r.jobs.SetCreditCharge(ctx, job.ID, breakdown.Total, jobstore.CreditBreakdown{
		SizeTier: string(breakdown.SizeTier), TimeTier: string(breakdown.TimeTier),
		SizeCredits: breakdown.SizeCredits, TimeCredits: breakdown.TimeCredits, Total: breakdown.Total,
	}, elapsed); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: failed to persist credit charge")
	}

	if _, err := r.ledger.DeductUsage(ctx, job.Owner, breakdown.Total, job.ID, job.APIKeyID, description); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Str("owner", job.Owner).
			Msg("ledger charge failed to apply; job still completes since results were delivered")
	}

	// → completed
	if err := r.jobs.UpdateStatus(ctx, job.ID, jobstore.StatusCompleted, nil); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: failed to persist completed status")
	}
	r.publish(ctx, job, eventbus.KindCompleted, 100, map[string]interface{}{
		"results":        result,
		"creditsCharged": breakdown.Total,
	})
	r.trackCompletion(job.Tier, "completed", time.Since(job.QueuedAt).Seconds(), int64(breakdown.Total))

	os.Remove(tempPath)
	// The blob itself is retained by design for up to the configured
	// retention window; the Janitor sweeps it later.
	return nil
}

func (r *Runner) publish(ctx context.Context, job jobstore.Job, kind eventbus.Kind, progress int, extra map[string]interface{}) {
	fields := map[string]interface{}{"progress": progress}
	for k, v := range extra {
		fields[k] = v
	}
	r.events.Publish(ctx, job.Owner, eventbus.Event{Kind: kind, JobID: job.ID, Fields: fields})
}

func descriptionFor(source string) string {
	if source == "dashboard" {
		return "Dashboard Binary Analysis"
	}
	return "SDK Binary Analysis"
}
