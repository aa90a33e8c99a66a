package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestClearQueueRequiresTier(t *testing.T) {
	h := NewAdminHandler(nil, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/admin/queue/clear", nil)
	w := httptest.NewRecorder()

	h.ClearQueue(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrString(t *testing.T) {
	assert.Equal(t, "", errString(nil))
	assert.Equal(t, "boom", errString(errors.New("boom")))
}
