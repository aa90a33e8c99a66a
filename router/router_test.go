package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/AlfredDev/sentrybox/config"
)

func TestHealthzDoesNotRequireAuth(t *testing.T) {
	cfg := &config.Config{APIKeyHeader: "Authorization"}
	r := NewRouter(cfg, zerolog.Nop(), Deps{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyDoesNotRequireAuth(t *testing.T) {
	cfg := &config.Config{APIKeyHeader: "Authorization"}
	r := NewRouter(cfg, zerolog.Nop(), Deps{})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSDKRouteRequiresAPIKey(t *testing.T) {
	cfg := &config.Config{APIKeyHeader: "Authorization"}
	r := NewRouter(cfg, zerolog.Nop(), Deps{})

	req := httptest.NewRequest(http.MethodGet, "/sdk/credits", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsEndpointAbsentWithoutMetricsDep(t *testing.T) {
	cfg := &config.Config{APIKeyHeader: "Authorization"}
	r := NewRouter(cfg, zerolog.Nop(), Deps{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
