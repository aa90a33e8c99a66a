package otp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestThenVerify(t *testing.T) {
	s := New()
	c, err := s.RequestOTP("u1", "login")
	require.NoError(t, err)
	assert.Len(t, c.Value, 6)

	require.NoError(t, s.VerifyOTP("u1", "login", c.Value))
}

func TestVerifyRejectsReuse(t *testing.T) {
	s := New()
	c, _ := s.RequestOTP("u1", "login")
	require.NoError(t, s.VerifyOTP("u1", "login", c.Value))
	assert.ErrorIs(t, s.VerifyOTP("u1", "login", c.Value), ErrUsed)
}

func TestVerifyRejectsMismatch(t *testing.T) {
	s := New()
	s.RequestOTP("u1", "login")
	assert.ErrorIs(t, s.VerifyOTP("u1", "login", "000000"), ErrMismatch)
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := New()
	s.ttl = -time.Second
	c, _ := s.RequestOTP("u1", "login")
	assert.ErrorIs(t, s.VerifyOTP("u1", "login", c.Value), ErrExpired)
}

func TestVerifyRejectsAtExactExpiryInstant(t *testing.T) {
	s := New()
	s.ttl = 0
	c, _ := s.RequestOTP("u1", "login")
	assert.ErrorIs(t, s.VerifyOTP("u1", "login", c.Value), ErrExpired)
}

func TestVerifyUnknownOwner(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.VerifyOTP("ghost", "login", "123456"), ErrNotFound)
}
