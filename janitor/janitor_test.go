package janitor

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLastStatsInitiallyZero(t *testing.T) {
	j := New(nil, nil, 0, 0, zerolog.Nop())
	stats := j.LastStats()
	assert.True(t, stats.RanAt.IsZero())
	assert.Equal(t, 0, stats.BlobsDeleted)
}
