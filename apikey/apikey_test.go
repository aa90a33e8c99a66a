package apikey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequireCapabilityInactive(t *testing.T) {
	k := Key{Active: false}
	assert.ErrorIs(t, RequireCapability(k, CapAnalyze, time.Now()), ErrInactive)
}

func TestRequireCapabilityExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	k := Key{Active: true, ExpiresAt: &past, Capabilities: map[Capability]bool{CapAnalyze: true}}
	assert.ErrorIs(t, RequireCapability(k, CapAnalyze, time.Now()), ErrExpired)
}

func TestRequireCapabilityMissing(t *testing.T) {
	k := Key{Active: true, Capabilities: map[Capability]bool{CapAnalyze: true}}
	assert.ErrorIs(t, RequireCapability(k, CapBatch, time.Now()), ErrNoCapability)
}

func TestRequireCapabilityGranted(t *testing.T) {
	future := time.Now().Add(time.Hour)
	k := Key{Active: true, ExpiresAt: &future, Capabilities: map[Capability]bool{CapAnalyze: true}}
	assert.NoError(t, RequireCapability(k, CapAnalyze, time.Now()))
}
