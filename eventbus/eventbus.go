// Package eventbus publishes best-effort per-job progress notifications
// over Redis pub/sub (component I). A missed publish never fails the
// worker — Publish swallows and logs transport errors rather than
// returning them.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindProcessing Kind = "job:processing"
	KindProgress   Kind = "job:progress"
	KindCompleted  Kind = "job:completed"
	KindFailed     Kind = "job:failed"
)

// Event is published to both job:<jobId> and user:<userId> channels.
type Event struct {
	Kind      Kind                   `json:"kind"`
	JobID     string                 `json:"jobId"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

type Bus struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func New(rdb *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger.With().Str("component", "eventbus").Logger()}
}

func jobChannel(jobID string) string   { return "job:" + jobID }
func userChannel(userID string) string { return "user:" + userID }

// Publish fans an event out to the job and user channels. Failures are
// logged at debug level and otherwise swallowed — see the design note on
// event-bus guarantees being best-effort.
func (b *Bus) Publish(ctx context.Context, userID string, e Event) {
	e.Timestamp = time.Now().UTC()
	body, err := json.Marshal(e)
	if err != nil {
		b.logger.Debug().Err(err).Msg("eventbus: failed to marshal event")
		return
	}

	if err := b.rdb.Publish(ctx, jobChannel(e.JobID), body).Err(); err != nil {
		b.logger.Debug().Err(err).Str("job_id", e.JobID).Msg("eventbus: publish to job channel failed")
	}
	if err := b.rdb.Publish(ctx, userChannel(userID), body).Err(); err != nil {
		b.logger.Debug().Err(err).Str("user_id", userID).Msg("eventbus: publish to user channel failed")
	}
}

// SubscribeJob returns a subscription to a single job's channel, used by
// long-polling or SSE handlers to stream progress.
func (b *Bus) SubscribeJob(ctx context.Context, jobID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, jobChannel(jobID))
}

// SubscribeUser returns a subscription to a user's aggregate channel.
func (b *Bus) SubscribeUser(ctx context.Context, userID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, userChannel(userID))
}
