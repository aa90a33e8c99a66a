/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Per-tier worker pool: N goroutines per tier, sized by the
             tier's configured concurrency, each looping Dequeue →
             Process → Ack/Nack against the Tiered Queue. A background
             maintenance loop promotes delayed retries and reaps
             stalled leases on a fixed interval, independent of the
             worker goroutines themselves.
Root Cause:  Sprint task T221 — worker pool runner and per-tier
             concurrency enforcement.
Context:     Tier1 and tier2 must never starve each other and must
             each respect their own concurrency cap; a dead worker's
             lease must eventually be reclaimed.
Suitability: L3 — background concurrency orchestration.
──────────────────────────────────────────────────────────────
*/

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AlfredDev/sentrybox/analyzer"
	"github.com/AlfredDev/sentrybox/observability"
	"github.com/AlfredDev/sentrybox/queue"
	"github.com/rs/zerolog"
)

// Pool runs a Runner across a fixed number of goroutines per tier.
type Pool struct {
	runner       *Runner
	q            *queue.Queue
	tiers        map[string]queue.TierConfig
	pollInterval time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// SetMetrics attaches a metrics sink the maintenance loop reports queue
// depth to. Optional.
func (p *Pool) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

func NewPool(runner *Runner, q *queue.Queue, tiers map[string]queue.TierConfig, logger zerolog.Logger) *Pool {
	return &Pool{
		runner:       runner,
		q:            q,
		tiers:        tiers,
		pollInterval: 2 * time.Second,
		logger:       logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches Concurrency goroutines per tier plus one maintenance
// loop. Call Stop for graceful shutdown.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for tier, cfg := range p.tiers {
		n := cfg.Concurrency
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.workerLoop(ctx, tier, i)
		}
	}

	p.wg.Add(1)
	go p.maintenanceLoop(ctx)

	p.logger.Info().Int("tiers", len(p.tiers)).Msg("worker pool started")
}

// Stop cancels all worker and maintenance goroutines and waits for them
// to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, tier string, id int) {
	defer p.wg.Done()
	log := p.logger.With().Str("tier", tier).Int("worker", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.q.Dequeue(ctx, tier)
		if err == queue.ErrEmpty {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("dequeue failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		if perr := p.runner.Process(ctx, item); perr != nil {
			if perr == ErrStaleJob || errors.Is(perr, analyzer.ErrAnalyzerLogical) {
				p.q.Ack(ctx, tier, item.JobID, false)
				continue
			}
			log.Warn().Err(perr).Str("job_id", item.JobID).Int("attempts", item.Attempts).Msg("job attempt failed")
			if nerr := p.q.Nack(ctx, item); nerr != nil {
				log.Error().Err(nerr).Str("job_id", item.JobID).Msg("failed to nack job")
			}
			continue
		}
		if aerr := p.q.Ack(ctx, tier, item.JobID, true); aerr != nil {
			log.Error().Err(aerr).Str("job_id", item.JobID).Msg("failed to ack completed job")
		}
	}
}

func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for tier := range p.tiers {
				if n, err := p.q.PromoteDelayed(ctx, tier); err != nil {
					p.logger.Error().Err(err).Str("tier", tier).Msg("promote delayed failed")
				} else if n > 0 {
					p.logger.Debug().Str("tier", tier).Int("count", n).Msg("promoted delayed jobs")
				}

				if n, err := p.q.ReapStalled(ctx, tier); err != nil {
					p.logger.Error().Err(err).Str("tier", tier).Msg("reap stalled failed")
				} else if n > 0 {
					p.logger.Warn().Str("tier", tier).Int("count", n).Msg("reaped stalled jobs")
				}

				if p.metrics != nil {
					if stats, err := p.q.GetStats(ctx, tier); err == nil {
						p.metrics.TrackQueueDepth(tier, stats.Waiting, stats.Active)
					}
				}
			}
		}
	}
}
