/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       PagerDuty Events API v2 integration for the operator
             alerting surface. Fires alerts on ledger mutations that
             failed to apply atomically and on blob-store quota
             exhaustion — the two failure modes the core components
             intentionally do not fail a job for, but that still need a
             human in the loop.
Root Cause:  Sprint task T231 — operator alerting surface.
Context:     A ledger write failure or storage quota exhaustion must
             page someone even though neither aborts the job in flight.
Suitability: L2 — standard HTTP webhook integration.
──────────────────────────────────────────────────────────────
*/

// Package alerting sends operator-facing pages for failure modes the
// core pipeline deliberately swallows rather than surfaces to the
// caller: ledger writes that could not apply atomically, and blob store
// quota exhaustion.
package alerting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Config holds configuration for PagerDuty Events API v2.
type Config struct {
	RoutingKey  string
	Enabled     bool
	SourceName  string
	HTTPTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RoutingKey:  "",
		Enabled:     false,
		SourceName:  "sentrybox",
		HTTPTimeout: 10 * time.Second,
	}
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Client sends incidents to PagerDuty Events API v2.
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

const eventsURL = "https://events.pagerduty.com/v2/enqueue"

func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With().Str("component", "alerting").Logger(),
	}
}

func (c *Client) TriggerAlert(severity Severity, summary, dedupKey string, details map[string]interface{}) error {
	if !c.cfg.Enabled || c.cfg.RoutingKey == "" {
		c.logger.Debug().Str("summary", summary).Msg("alerting disabled — alert suppressed")
		return nil
	}

	payload := map[string]interface{}{
		"routing_key":  c.cfg.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    dedupKey,
		"payload": map[string]interface{}{
			"summary":         summary,
			"severity":        string(severity),
			"source":          c.cfg.SourceName,
			"component":       "sentrybox",
			"group":           "binary-analysis",
			"class":           "infrastructure",
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
			"custom_details":  details,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alerting: marshal failed: %w", err)
	}

	resp, err := c.client.Post(eventsURL, "application/json", bytes.NewReader(body))
	if err != nil {
		c.logger.Error().Err(err).Str("dedup_key", dedupKey).Msg("alerting API call failed")
		return fmt.Errorf("alerting: API call failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		c.logger.Error().Int("status", resp.StatusCode).Str("dedup_key", dedupKey).Msg("alerting API error")
		return fmt.Errorf("alerting: HTTP %d", resp.StatusCode)
	}

	c.logger.Info().Str("dedup_key", dedupKey).Str("severity", string(severity)).Msg("alert triggered")
	return nil
}

func (c *Client) ResolveAlert(dedupKey string) error {
	if !c.cfg.Enabled || c.cfg.RoutingKey == "" {
		return nil
	}

	payload := map[string]interface{}{
		"routing_key":  c.cfg.RoutingKey,
		"event_action": "resolve",
		"dedup_key":    dedupKey,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alerting: marshal failed: %w", err)
	}

	resp, err := c.client.Post(eventsURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerting: resolve call failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	c.logger.Info().Str("dedup_key", dedupKey).Msg("alert resolved")
	return nil
}

// ─── Domain-specific alert wrappers ─────────────────────────────────

// AlertLedgerWriteFailed pages when a balance/transaction pair could not
// be applied atomically. Wired as the Ledger's alerter callback.
func (c *Client) AlertLedgerWriteFailed(owner string, cause error) error {
	return c.TriggerAlert(
		SeverityCritical,
		fmt.Sprintf("sentrybox: ledger write failed for owner %s", owner),
		fmt.Sprintf("sentrybox-ledger-write-failed-%s", owner),
		map[string]interface{}{
			"owner": owner,
			"error": cause.Error(),
		},
	)
}

// AlertBlobQuotaExceeded pages when the object store reports its quota
// exhausted, a fatal condition the blob store surfaces but cannot
// recover from on its own.
func (c *Client) AlertBlobQuotaExceeded(bucket string) error {
	return c.TriggerAlert(
		SeverityCritical,
		fmt.Sprintf("sentrybox: blob store quota exceeded on bucket %s", bucket),
		fmt.Sprintf("sentrybox-blob-quota-%s", bucket),
		map[string]interface{}{"bucket": bucket},
	)
}

// AlertPaymentFailed fires a lower-severity page for a failed payment so
// support can follow up; not a p1, so warning rather than critical.
func (c *Client) AlertPaymentFailed(owner, reason string) error {
	return c.TriggerAlert(
		SeverityWarning,
		fmt.Sprintf("sentrybox: payment failed for %s", owner),
		fmt.Sprintf("sentrybox-payment-failed-%s-%d", owner, time.Now().Unix()/300),
		map[string]interface{}{"owner": owner, "reason": reason},
	)
}
