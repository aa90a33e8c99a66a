/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Full service router with middleware chain:
             CORS → Security Headers → Request ID → Recoverer →
             Request Logger → Body Size Limit → (per-group) Auth →
             Concurrency Guard. Routes: /sdk/*, /user/*,
             /payment/webhook, /admin/*, /healthz, /ready, /metrics.
Root Cause:  Sprint tasks T218-T231 — service core.
Context:     Router design affects all downstream handlers.
Suitability: L3 model for proper middleware chain design.
──────────────────────────────────────────────────────────────
*/

package router

import (
	"crypto/hmac"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/sentrybox/apikey"
	"github.com/AlfredDev/sentrybox/config"
	"github.com/AlfredDev/sentrybox/handler"
	"github.com/AlfredDev/sentrybox/ingestion"
	"github.com/AlfredDev/sentrybox/janitor"
	"github.com/AlfredDev/sentrybox/jobstore"
	"github.com/AlfredDev/sentrybox/ledger"
	gwmw "github.com/AlfredDev/sentrybox/middleware"
	"github.com/AlfredDev/sentrybox/observability"
	"github.com/AlfredDev/sentrybox/payment"
	"github.com/AlfredDev/sentrybox/queue"
)

// Deps bundles the constructed components NewRouter wires into handlers.
type Deps struct {
	Admitter      *ingestion.Admitter
	Jobs          *jobstore.Store
	Ledger        *ledger.Ledger
	Queue         *queue.Queue
	Janitor       *janitor.Janitor
	Payments      *payment.Handler
	PaymentOrders *payment.Store
	APIKeys       *apikey.Store
	Metrics       *observability.Metrics
}

// NewRouter returns a configured chi Router with the full middleware
// chain and all routes mounted.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger, deps.Metrics))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints (no auth) ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"sentrybox"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"sentrybox"}`))
	})
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler())
	}

	sdkHandler := handler.NewSDKHandler(deps.Admitter, deps.Jobs, deps.Ledger, cfg, appLogger)
	userHandler := handler.NewUserHandler(deps.Admitter, deps.Jobs, cfg, appLogger)
	paymentHandler := handler.NewPaymentHandler(deps.Payments, deps.PaymentOrders, "X-Razorpay-Signature", appLogger)
	adminHandler := handler.NewAdminHandler(deps.Queue, deps.Janitor, appLogger)

	authMW := gwmw.NewAuthMiddleware(appLogger, deps.APIKeys, cfg.APIKeyHeader)
	// Bounds concurrent in-flight uploads per API key so a burst of large
	// files can't starve blob-store and admission-check capacity; this is
	// independent of the worker pool's own per-tier concurrency cap.
	uploadGuard := gwmw.NewConcurrencyGuard(cfg.Tier("tier1").Concurrency+cfg.Tier("tier2").Concurrency, 5*time.Second, appLogger)

	// --- SDK surface: bearer API-key auth, concurrency-guarded ---
	r.Route("/sdk", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(uploadGuard.Middleware)

		r.Post("/analyze", sdkHandler.Analyze)
		r.Post("/analyze/batch", sdkHandler.AnalyzeBatch)
		r.Get("/results/{jobId}", sdkHandler.Results)
		r.Get("/check-hash", sdkHandler.CheckHash)
		r.Get("/credits", sdkHandler.Credits)
	})

	// --- Dashboard surface: session auth is external; this service
	// only trusts an already-populated user-id context key. ---
	r.Route("/user", func(r chi.Router) {
		r.Post("/analyze", userHandler.Analyze)
		r.Get("/analyze", userHandler.History)
		r.Post("/payment/order", paymentHandler.CreateOrder)
	})

	// --- Payment webhook: no bearer auth, signature-verified instead ---
	r.Post("/payment/webhook", paymentHandler.Webhook)

	// --- Operator surface: a shared X-Admin-Token secret, not a per-user
	// capability. Out of scope per the ingestion model; this is a
	// stand-in for whatever operator SSO fronts the admin surface. ---
	r.Route("/admin", func(r chi.Router) {
		r.Use(mwAdminToken(cfg.AdminToken))
		r.Post("/queue/clear", adminHandler.ClearQueue)
		r.Post("/janitor/run", adminHandler.RunJanitor)
		r.Get("/queue/{tier}/stats", adminHandler.QueueStats)
	})

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 90 * 1024 * 1024
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"success":false,"message":"request body too large","code":"FILE_TOO_LARGE"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// mwAdminToken gates the operator surface behind a static shared secret.
// An empty token disables the admin routes entirely rather than leaving
// them open, since an unset secret almost certainly means misconfiguration.
func mwAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("X-Admin-Token")
			if token == "" || !hmac.Equal([]byte(supplied), []byte(token)) {
				http.Error(w, `{"success":false,"message":"admin token required","code":"UNAUTHORIZED"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
			if metrics != nil {
				metrics.TrackRequest(r.URL.Path, r.Method, rw.Status(), float64(dur.Milliseconds()))
			}
		})
	}
}
