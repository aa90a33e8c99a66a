// Package apikey models the ApiKey entity and its capability checks. HTTP
// authentication itself (extracting the key from a request, session auth
// for the dashboard) is external per the purpose-and-scope Non-goals;
// this package only answers "is this key allowed to do X", plus the
// minimal lookup needed to turn a bearer token into a Key.
package apikey

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

type Capability string

const (
	CapAnalyze    Capability = "analyze"
	CapBatch      Capability = "batch"
	CapResults    Capability = "results"
	CapCredits    Capability = "credits"
	CapCheckHash  Capability = "check-hash"
)

// Key is one ApiKey record. Exactly one active record exists per token
// value; enforcing that uniqueness is the store's job, not this type's.
type Key struct {
	Token        string
	Owner        string
	DisplayName  string
	Active       bool
	ExpiresAt    *time.Time
	LastUsedAt   *time.Time
	RequestCount int64
	Capabilities map[Capability]bool
}

type keyError string

func (e keyError) Error() string { return string(e) }

const (
	ErrInactive     keyError = "apikey: key is not active"
	ErrExpired      keyError = "apikey: key has expired"
	ErrNoCapability keyError = "apikey: key lacks the required capability"
	ErrNotFound     keyError = "apikey: no key matches this token"
)

// RequireCapability returns nil if k may perform cap right now, else the
// specific Authorization-kind error.
func RequireCapability(k Key, cap Capability, now time.Time) error {
	if !k.Active {
		return ErrInactive
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return ErrExpired
	}
	if !k.Capabilities[cap] {
		return ErrNoCapability
	}
	return nil
}

// Store is the minimal Postgres-backed lookup from bearer token to Key.
// Provisioning keys is out of scope (account CRUD is an external
// collaborator per the purpose-and-scope Non-goals); this is read-only.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "apikey").Logger()}
}

const Schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	token         TEXT PRIMARY KEY,
	owner         TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at    TIMESTAMPTZ,
	last_used_at  TIMESTAMPTZ,
	request_count BIGINT NOT NULL DEFAULT 0,
	capabilities  JSONB NOT NULL DEFAULT '{}'
);
`

// Get loads a Key by its bearer token.
func (s *Store) Get(ctx context.Context, token string) (Key, error) {
	var k Key
	var expiresAt, lastUsedAt sql.NullTime
	var capsJSON []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT token, owner, display_name, active, expires_at, last_used_at, request_count, capabilities
		FROM api_keys WHERE token=$1`, token).
		Scan(&k.Token, &k.Owner, &k.DisplayName, &k.Active, &expiresAt, &lastUsedAt, &k.RequestCount, &capsJSON)
	if err == sql.ErrNoRows {
		return Key{}, ErrNotFound
	}
	if err != nil {
		return Key{}, fmt.Errorf("apikey: get: %w", err)
	}

	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Time
	}
	k.Capabilities = make(map[Capability]bool)
	if len(capsJSON) > 0 {
		var raw map[string]bool
		if err := json.Unmarshal(capsJSON, &raw); err == nil {
			for c, v := range raw {
				k.Capabilities[Capability(c)] = v
			}
		}
	}
	return k, nil
}

// TouchUsage records that token was used just now, best-effort.
func (s *Store) TouchUsage(ctx context.Context, token string) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at=$1, request_count=request_count+1 WHERE token=$2`,
		time.Now().UTC(), token); err != nil {
		s.logger.Debug().Err(err).Str("token", token).Msg("apikey: failed to record usage")
	}
}
