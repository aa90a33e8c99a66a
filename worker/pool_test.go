package worker

import (
	"context"
	"testing"
	"time"

	"github.com/AlfredDev/sentrybox/queue"
	"github.com/rs/zerolog"
)

func TestPoolStartStopWithNoTiers(t *testing.T) {
	q := queue.New(nil, map[string]queue.TierConfig{}, zerolog.Nop())
	p := NewPool(&Runner{}, q, map[string]queue.TierConfig{}, zerolog.Nop())

	p.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	p.Stop()
}
