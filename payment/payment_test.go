package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAccepts(t *testing.T) {
	h := New("shh", nil, nil, zerolog.Nop())
	body := []byte(`{"event":"payment.captured"}`)
	err := h.VerifySignature(body, sign("shh", body))
	require.NoError(t, err)
}

func TestVerifySignatureRejectsMismatch(t *testing.T) {
	h := New("shh", nil, nil, zerolog.Nop())
	body := []byte(`{"event":"payment.captured"}`)
	err := h.VerifySignature(body, sign("wrong-secret", body))
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestPriceListKnownPlans(t *testing.T) {
	plan, ok := PriceList["standard"]
	require.True(t, ok)
	assert.Equal(t, 500, plan.Credits)
	assert.Equal(t, int64(450000), plan.Paise)
}

// HandleFailed and HandleCaptured now resolve the order id against the
// Postgres-backed Store before doing anything else, so exercising them
// needs a real database; that's left to integration testing rather than
// this package's unit tests, matching how apikey's and jobstore's
// DB-backed methods are left untested at this layer.
