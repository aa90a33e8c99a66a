// Package janitor is the Janitor (component J): a cron-scheduled sweep
// that reclaims expired blobs and prunes terminal job rows past their
// retention window. Scheduling follows the background-poller idiom used
// elsewhere in this module (Start/Stop with a cancelable context), but
// the actual fire times come from github.com/robfig/cron/v3 rather than
// a fixed ticker, since the sweep runs once daily at an operator-chosen
// time rather than at a fixed short interval.
package janitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlfredDev/sentrybox/blobstore"
	"github.com/AlfredDev/sentrybox/jobstore"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Janitor periodically sweeps expired blobs and terminal job rows.
type Janitor struct {
	blobs         *blobstore.Store
	jobs          *jobstore.Store
	blobRetention time.Duration
	jobRetention  time.Duration
	logger        zerolog.Logger

	cron *cron.Cron

	// running guards against overlapping sweeps if a run takes longer
	// than the schedule's own period.
	running int32

	mu        sync.Mutex
	lastStats SweepStats
}

// SweepStats reports the outcome of the most recent sweep for operator
// introspection via the manual-trigger admin endpoint.
type SweepStats struct {
	RanAt         time.Time
	BlobsDeleted  int
	JobsDeleted   int64
	Err           error
}

func New(blobs *blobstore.Store, jobs *jobstore.Store, blobRetention, jobRetention time.Duration, logger zerolog.Logger) *Janitor {
	return &Janitor{
		blobs:         blobs,
		jobs:          jobs,
		blobRetention: blobRetention,
		jobRetention:  jobRetention,
		logger:        logger.With().Str("component", "janitor").Logger(),
	}
}

// Start schedules the sweep per the given cron expression (e.g. the
// default "0 2 * * *" for daily at 02:00) and begins running it in the
// background. Call Stop to halt scheduling; an in-flight sweep finishes.
func (j *Janitor) Start(schedule string) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(schedule, func() {
		j.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info().Str("schedule", schedule).Msg("janitor scheduled")
	return nil
}

// Stop halts future scheduled runs. It does not interrupt a sweep
// already in progress.
func (j *Janitor) Stop() {
	if j.cron != nil {
		ctx := j.cron.Stop()
		<-ctx.Done()
	}
}

// RunOnce performs a single sweep immediately, reentrancy-guarded so a
// manual trigger (the admin endpoint) can never overlap a scheduled run.
func (j *Janitor) RunOnce(ctx context.Context) SweepStats {
	if !atomic.CompareAndSwapInt32(&j.running, 0, 1) {
		j.logger.Warn().Msg("janitor sweep requested while one is already in progress, skipping")
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.lastStats
	}
	defer atomic.StoreInt32(&j.running, 0)

	stats := SweepStats{RanAt: time.Now().UTC()}

	handles, err := j.blobs.ListOlderThan(ctx, j.blobRetention, "binaries/")
	if err != nil {
		j.logger.Error().Err(err).Msg("janitor: failed to list expired blobs")
		stats.Err = err
	} else {
		for _, h := range handles {
			if err := j.blobs.Delete(ctx, h); err != nil {
				j.logger.Error().Err(err).Str("handle", h).Msg("janitor: failed to delete expired blob")
				continue
			}
			stats.BlobsDeleted++
		}
	}

	n, err := j.jobs.DeleteTerminalOlderThan(ctx, j.jobRetention)
	if err != nil {
		j.logger.Error().Err(err).Msg("janitor: failed to prune terminal jobs")
		if stats.Err == nil {
			stats.Err = err
		}
	}
	stats.JobsDeleted = n

	j.logger.Info().
		Int("blobs_deleted", stats.BlobsDeleted).
		Int64("jobs_deleted", stats.JobsDeleted).
		Msg("janitor sweep complete")

	j.mu.Lock()
	j.lastStats = stats
	j.mu.Unlock()
	return stats
}

// LastStats returns the outcome of the most recently completed sweep.
func (j *Janitor) LastStats() SweepStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastStats
}
