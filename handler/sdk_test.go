package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AlfredDev/sentrybox/apikey"
	"github.com/AlfredDev/sentrybox/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTierForPriority(t *testing.T) {
	assert.Equal(t, "tier1", tierForPriority(5))
	assert.Equal(t, "tier1", tierForPriority(9))
	assert.Equal(t, "tier2", tierForPriority(0))
	assert.Equal(t, "tier2", tierForPriority(4))
}

func withTestAPIKey(r *http.Request, k apikey.Key) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.APIKeyContextKey, k)
	return r.WithContext(ctx)
}

func TestCheckHashRejectsShortHash(t *testing.T) {
	h := NewSDKHandler(nil, nil, nil, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/sdk/check-hash?hash=abc", nil)
	req = withTestAPIKey(req, apikey.Key{Token: "tok", Owner: "owner-1", Active: true})
	w := httptest.NewRecorder()

	h.CheckHash(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckHashRequiresAPIKey(t *testing.T) {
	h := NewSDKHandler(nil, nil, nil, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/sdk/check-hash?hash=abc", nil)
	w := httptest.NewRecorder()

	h.CheckHash(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
