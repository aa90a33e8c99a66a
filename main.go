/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Service entry point with graceful shutdown: wires config,
             logger, Postgres, Redis, every core component (blob store,
             job store, ledger, pricer, ingestion, queue, analyzer,
             event bus, janitor, payment, alerting), starts the worker
             pool, and serves the HTTP router.
Root Cause:  Sprint task T011 — HTTP server with graceful shutdown.
Context:     Entry point wiring config → logger → Postgres/Redis →
             components → worker pool → router → HTTP server with OS
             signal handling.
Suitability: L3 model for graceful shutdown and system wiring.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlfredDev/sentrybox/alerting"
	"github.com/AlfredDev/sentrybox/analyzer"
	"github.com/AlfredDev/sentrybox/apikey"
	"github.com/AlfredDev/sentrybox/blobstore"
	"github.com/AlfredDev/sentrybox/config"
	"github.com/AlfredDev/sentrybox/eventbus"
	"github.com/AlfredDev/sentrybox/ingestion"
	"github.com/AlfredDev/sentrybox/janitor"
	"github.com/AlfredDev/sentrybox/jobstore"
	"github.com/AlfredDev/sentrybox/ledger"
	"github.com/AlfredDev/sentrybox/logger"
	"github.com/AlfredDev/sentrybox/observability"
	"github.com/AlfredDev/sentrybox/payment"
	"github.com/AlfredDev/sentrybox/queue"
	"github.com/AlfredDev/sentrybox/redisclient"
	"github.com/AlfredDev/sentrybox/router"
	"github.com/AlfredDev/sentrybox/worker"
	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("sentrybox starting")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database connection")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("database ping failed")
	}
	defer db.Close()

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis init failed")
	}
	if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — continuing, queue/cache calls will error until it recovers")
	} else {
		log.Info().Msg("redis connected")
	}
	defer rc.Close()

	alerter := alerting.New(alerting.Config{
		RoutingKey:  cfg.PagerDutyRoutingKey,
		Enabled:     cfg.PagerDutyEnabled,
		SourceName:  "sentrybox",
		HTTPTimeout: 10 * time.Second,
	}, log)

	blobs, err := blobstore.New(blobstore.Config{
		Bucket:      cfg.BlobBucket,
		Region:      cfg.BlobRegion,
		AccessKey:   cfg.BlobAccessKey,
		SecretKey:   cfg.BlobSecretKey,
		Endpoint:    cfg.BlobEndpoint,
		MaxFileSize: cfg.BlobMaxFileBytes,
		CallTimeout: cfg.BlobCallTimeout,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("blob store init failed")
	}

	jobs := jobstore.New(db, log)
	led := ledger.New(db, rc.Raw(), log)
	led.SetAlerter(func(owner string, cause error) {
		if aerr := alerter.AlertLedgerWriteFailed(owner, cause); aerr != nil {
			log.Error().Err(aerr).Str("owner", owner).Msg("failed to page on ledger write failure")
		}
	})

	an := analyzer.New(analyzer.Config{
		Endpoint:    cfg.AnalyzerURL,
		Timeout:     cfg.AnalyzerTimeout,
		ServiceName: cfg.AnalyzerServiceTag,
	}, log)

	events := eventbus.New(rc.Raw(), log)

	tiers := make(map[string]queue.TierConfig, len(cfg.QueueTiers))
	for name, t := range cfg.QueueTiers {
		tiers[name] = queue.TierConfig{
			Concurrency:    t.Concurrency,
			AttemptTimeout: t.AttemptTimeout,
			MaxAttempts:    t.MaxAttempts,
			BackoffBase:    t.BackoffBase,
		}
	}

	q := queue.New(rc.Raw(), tiers, log)

	admitter := ingestion.New(blobs, jobs, led, q, cfg.AdmissionThreshold, cfg.MaxBatchFiles, log)

	apiKeys := apikey.NewStore(db, log)

	paymentOrders := payment.NewStore(db, log)
	payments := payment.New(cfg.PaymentWebhookSecret, led, paymentOrders, log)
	payments.OnPaymentFailure(func(owner, reason string) {
		if aerr := alerter.AlertPaymentFailed(owner, reason); aerr != nil {
			log.Error().Err(aerr).Str("owner", owner).Msg("failed to page on payment failure")
		}
	})

	jan := janitor.New(blobs, jobs, cfg.BlobRetention, cfg.JobRetention, log)
	if err := jan.Start(cfg.JanitorSchedule); err != nil {
		log.Fatal().Err(err).Msg("janitor cron schedule invalid")
	}

	metrics := observability.NewMetrics(log)

	runner := worker.New(jobs, blobs, led, an, events, log)
	runner.SetMetrics(metrics)
	pool := worker.NewPool(runner, q, tiers, log)
	pool.SetMetrics(metrics)
	poolCtx, poolCancel := context.WithCancel(context.Background())
	pool.Start(poolCtx)

	r := router.NewRouter(cfg, log, router.Deps{
		Admitter:      admitter,
		Jobs:          jobs,
		Ledger:        led,
		Queue:         q,
		Janitor:       jan,
		Payments:      payments,
		PaymentOrders: paymentOrders,
		APIKeys:       apiKeys,
		Metrics:       metrics,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.AnalyzerTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("sentrybox listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	poolCancel()
	pool.Stop()
	jan.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("sentrybox stopped gracefully")
	}
}
