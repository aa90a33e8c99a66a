package queue

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTierConfigFallsBackWhenUnknown(t *testing.T) {
	q := New(nil, map[string]TierConfig{
		"tier1": {Concurrency: 10, AttemptTimeout: 10 * time.Minute, MaxAttempts: 3, BackoffBase: 10 * time.Second},
	}, zerolog.Nop())

	cfg := q.tierConfig("tier2")
	assert.Equal(t, 3, cfg.MaxAttempts, "unknown tier should still get a sane default, not a zero-value queue")
}

func TestTierConfigKnownTier(t *testing.T) {
	q := New(nil, map[string]TierConfig{
		"tier1": {Concurrency: 10, MaxAttempts: 3},
	}, zerolog.Nop())

	cfg := q.tierConfig("tier1")
	assert.Equal(t, 10, cfg.Concurrency)
}
