package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestUserAnalyzeRequiresSession(t *testing.T) {
	h := NewUserHandler(nil, nil, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/user/analyze", nil)
	w := httptest.NewRecorder()

	h.Analyze(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserHistoryRequiresSession(t *testing.T) {
	h := NewUserHandler(nil, nil, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/user/analyze", nil)
	w := httptest.NewRecorder()

	h.History(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
