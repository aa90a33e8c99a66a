/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       API key authentication middleware extracting Bearer
             tokens from the Authorization header and resolving them
             to an ApiKey record via the apikey Store, short-circuiting
             on inactive/expired/unknown keys before the handler runs.
Root Cause:  Sprint task T012 — API key authentication middleware.
Context:     Security-critical; every SDK request must resolve to a
             known, active key before it can touch the ingestion path.
Suitability: L4 model required for auth middleware design.
──────────────────────────────────────────────────────────────
*/

package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AlfredDev/sentrybox/apikey"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	// APIKeyContextKey stores the resolved apikey.Key in request context.
	APIKeyContextKey contextKey = "api_key"
	// UserIDContextKey stores the authenticated owner ID in request context.
	UserIDContextKey contextKey = "user_id"
)

// AuthMiddleware resolves bearer tokens to apikey.Key records, caching
// hits briefly to avoid a store round trip on every request.
type AuthMiddleware struct {
	logger    zerolog.Logger
	store     *apikey.Store
	cache     sync.Map
	cacheTTL  time.Duration
	headerKey string
}

type cachedAuth struct {
	key       apikey.Key
	expiresAt time.Time
}

// NewAuthMiddleware creates a new authentication middleware backed by
// store. headerKey defaults to "Authorization" when empty.
func NewAuthMiddleware(logger zerolog.Logger, store *apikey.Store, headerKey string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{
		logger:    logger,
		store:     store,
		cacheTTL:  30 * time.Second,
		headerKey: headerKey,
	}
}

// Handler returns the middleware handler function.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(am.headerKey)
		if authHeader == "" {
			http.Error(w, `{"success":false,"message":"Authorization header required","code":"MISSING_API_KEY"}`, http.StatusUnauthorized)
			return
		}

		token := authHeader
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			token = authHeader[7:]
		}
		if token == "" {
			http.Error(w, `{"success":false,"message":"API key cannot be empty","code":"MISSING_API_KEY"}`, http.StatusUnauthorized)
			return
		}

		if cached, ok := am.cache.Load(token); ok {
			ca := cached.(cachedAuth)
			if time.Now().Before(ca.expiresAt) {
				am.serveWithKey(w, r, next, ca.key)
				return
			}
			am.cache.Delete(token)
		}

		k, err := am.store.Get(r.Context(), token)
		if err != nil {
			http.Error(w, `{"success":false,"message":"invalid API key","code":"INVALID_API_KEY"}`, http.StatusUnauthorized)
			return
		}
		am.cache.Store(token, cachedAuth{key: k, expiresAt: time.Now().Add(am.cacheTTL)})
		am.serveWithKey(w, r, next, k)
	})
}

func (am *AuthMiddleware) serveWithKey(w http.ResponseWriter, r *http.Request, next http.Handler, k apikey.Key) {
	if err := apikey.RequireCapability(k, "", time.Now()); err != nil && (err == apikey.ErrInactive || err == apikey.ErrExpired) {
		http.Error(w, `{"success":false,"message":"`+err.Error()+`","code":"INVALID_API_KEY"}`, http.StatusUnauthorized)
		return
	}
	am.store.TouchUsage(r.Context(), k.Token)
	ctx := context.WithValue(r.Context(), APIKeyContextKey, k)
	ctx = context.WithValue(ctx, UserIDContextKey, k.Owner)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// GetAPIKey extracts the resolved apikey.Key from the request context.
func GetAPIKey(ctx context.Context) (apikey.Key, bool) {
	v, ok := ctx.Value(APIKeyContextKey).(apikey.Key)
	return v, ok
}

// GetUserID extracts the authenticated owner ID from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDContextKey).(string); ok {
		return v
	}
	return ""
}
