// Package ingestion is the Ingestion API (component E): the admission
// gate between an uploaded binary and the durable job pipeline. It owns
// the credit pre-check, the blob write, the hash-based dedup lookup, and
// the initial Job row plus queue enqueue.
package ingestion

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/AlfredDev/sentrybox/blobstore"
	"github.com/AlfredDev/sentrybox/jobstore"
	"github.com/AlfredDev/sentrybox/ledger"
	"github.com/AlfredDev/sentrybox/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ingestError string

func (e ingestError) Error() string { return string(e) }

const (
	// ErrInsufficientCredits is the sentinel wrapped by InsufficientCreditsError,
	// returned when the owner's balance is already below the admission
	// threshold. No blob is written.
	ErrInsufficientCredits ingestError = "ingestion: insufficient credits"
	// ErrTooManyFiles is returned when a batch exceeds the configured cap.
	ErrTooManyFiles ingestError = "ingestion: batch exceeds maximum file count"
)

// InsufficientCreditsError carries the admission threshold, the owner's
// actual balance, and the shortfall, so callers can report all three
// instead of just rejecting the upload.
type InsufficientCreditsError struct {
	Required  int
	Available int
	Deficit   int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%s: required %d, available %d, deficit %d", ErrInsufficientCredits, e.Required, e.Available, e.Deficit)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// Request describes one file submitted for analysis.
type Request struct {
	Owner     string
	APIKeyID  *string
	Filename  string
	Size      int64
	Body      io.Reader
	Tier      string
	Priority  int
	SourceIP  string
	UserAgent string
	Source    string // "sdk" | "dashboard"
}

// Admitter is the Ingestion API.
type Admitter struct {
	blobs              *blobstore.Store
	jobs               *jobstore.Store
	ledger             *ledger.Ledger
	queue              *queue.Queue
	admissionThreshold int
	maxBatchFiles      int
	logger             zerolog.Logger
}

func New(blobs *blobstore.Store, jobs *jobstore.Store, led *ledger.Ledger, q *queue.Queue, admissionThreshold, maxBatchFiles int, logger zerolog.Logger) *Admitter {
	return &Admitter{
		blobs:              blobs,
		jobs:               jobs,
		ledger:             led,
		queue:              q,
		admissionThreshold: admissionThreshold,
		maxBatchFiles:      maxBatchFiles,
		logger:             logger.With().Str("component", "ingestion").Logger(),
	}
}

// MaxBatchFiles exposes the configured cap for handlers that need to
// reject an oversized batch before any of its files is uploaded.
func (a *Admitter) MaxBatchFiles() int { return a.maxBatchFiles }

// Submit admits a single file. It performs the credit pre-check, persists
// the blob (which yields its digest), then checks for an existing
// completed job with the same (owner, digest) — in which case the new
// blob is deleted and the cached job is returned instead of re-running
// analysis. Otherwise it rows a new queued Job and enqueues it.
func (a *Admitter) Submit(ctx context.Context, req Request) (jobstore.Job, bool, error) {
	ok, balance, err := a.ledger.HasAtLeast(ctx, req.Owner, a.admissionThreshold)
	if err != nil {
		return jobstore.Job{}, false, fmt.Errorf("ingestion: admission check: %w", err)
	}
	if !ok {
		return jobstore.Job{}, false, &InsufficientCreditsError{
			Required:  a.admissionThreshold,
			Available: balance.Remaining,
			Deficit:   a.admissionThreshold - balance.Remaining,
		}
	}

	handle, urlHint, digest, err := a.blobs.Put(ctx, req.Owner, req.Filename, req.Body, req.Size)
	if err != nil {
		return jobstore.Job{}, false, fmt.Errorf("ingestion: blob put: %w", err)
	}

	if cached, err := a.jobs.FindByOwnerAndHash(ctx, req.Owner, digest); err == nil {
		a.logger.Info().Str("owner", req.Owner).Str("digest", digest).Str("job_id", cached.ID).
			Msg("ingestion found a cached result for this digest, discarding duplicate upload")
		if derr := a.blobs.Delete(ctx, handle); derr != nil {
			a.logger.Error().Err(derr).Str("handle", handle).Msg("ingestion: failed to delete duplicate blob")
		}
		return cached, true, nil
	} else if err != jobstore.ErrNotFound {
		return jobstore.Job{}, false, fmt.Errorf("ingestion: dedup lookup: %w", err)
	}

	job := jobstore.Job{
		ID:          "job_" + uuid.NewString(),
		Owner:       req.Owner,
		APIKeyID:    req.APIKeyID,
		Filename:    req.Filename,
		SizeBytes:   req.Size,
		Digest:      digest,
		BlobHandle:  handle,
		BlobURLHint: urlHint,
		Tier:        req.Tier,
		Priority:    req.Priority,
		Status:      jobstore.StatusQueued,
		Progress:    0,
		QueuedAt:    time.Now().UTC(),
		Metadata: jobstore.UploadMetadata{
			SourceIP:  req.SourceIP,
			UserAgent: req.UserAgent,
			Source:    req.Source,
		},
	}

	if err := a.jobs.Insert(ctx, job); err != nil {
		if derr := a.blobs.Delete(ctx, handle); derr != nil {
			a.logger.Error().Err(derr).Str("handle", handle).Msg("ingestion: failed to clean up blob after insert failure")
		}
		return jobstore.Job{}, false, fmt.Errorf("ingestion: insert job: %w", err)
	}

	if err := a.queue.Enqueue(ctx, queue.Item{JobID: job.ID, Tier: job.Tier, Priority: job.Priority}); err != nil {
		// The job row exists but nothing will ever dequeue it. Mark it
		// failed rather than leaving a ghost queued row behind.
		jobErr := &jobstore.JobError{Message: err.Error(), Code: "ENQUEUE_FAILED"}
		if uerr := a.jobs.UpdateStatus(ctx, job.ID, jobstore.StatusFailed, jobErr); uerr != nil {
			a.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("ingestion: failed to mark orphaned job as failed")
		}
		return jobstore.Job{}, false, fmt.Errorf("ingestion: enqueue: %w", err)
	}

	return job, false, nil
}

// SubmitBatch admits a slice of requests as one unit, rejecting the whole
// batch if it exceeds the configured file count cap. Individual file
// failures (oversized file, blob error) are reported per-item; the batch
// itself does not abort on a single file's failure.
type BatchResult struct {
	Job      jobstore.Job
	Cached   bool
	Filename string
	Err      error
}

func (a *Admitter) SubmitBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	if len(reqs) > a.maxBatchFiles {
		return nil, fmt.Errorf("%w: %d files, max %d", ErrTooManyFiles, len(reqs), a.maxBatchFiles)
	}

	results := make([]BatchResult, 0, len(reqs))
	for _, req := range reqs {
		job, cached, err := a.Submit(ctx, req)
		results = append(results, BatchResult{Job: job, Cached: cached, Filename: req.Filename, Err: err})
	}
	return results, nil
}
