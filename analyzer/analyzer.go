// Package analyzer streams an artifact to the external ML analysis
// service and normalizes its response into the canonical Result shape
// (component H). The HTTP transport follows the pooled-client pattern
// used for outbound provider calls elsewhere in this module.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/AlfredDev/sentrybox/jobstore"
	"github.com/rs/zerolog"
)

type analyzerError string

func (e analyzerError) Error() string { return string(e) }

const (
	ErrAnalyzerUnavailable analyzerError = "analyzer: service unavailable"
	ErrAnalyzerTimeout     analyzerError = "analyzer: request timed out"
	ErrAnalyzerLogical     analyzerError = "analyzer: service returned an error payload"
)

// Config configures the Analyzer Client.
type Config struct {
	Endpoint    string
	Timeout     time.Duration
	ServiceName string
}

// Client is the Analyzer Client (component H).
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "analyzer").Logger(),
	}
}

// Analyze streams the file at path to the configured endpoint and returns
// the normalized Result.
func (c *Client) Analyze(ctx context.Context, path, originalFilename string) (jobstore.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return jobstore.Result{}, fmt.Errorf("analyzer: open %s: %w", path, err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", filepath.Base(originalFilename))
	if err != nil {
		return jobstore.Result{}, fmt.Errorf("analyzer: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return jobstore.Result{}, fmt.Errorf("analyzer: copy file into request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return jobstore.Result{}, fmt.Errorf("analyzer: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, body)
	if err != nil {
		return jobstore.Result{}, fmt.Errorf("analyzer: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Service", c.cfg.ServiceName)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return jobstore.Result{}, ErrAnalyzerTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return jobstore.Result{}, ErrAnalyzerTimeout
		}
		return jobstore.Result{}, fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return jobstore.Result{}, fmt.Errorf("analyzer: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return jobstore.Result{}, fmt.Errorf("%w: status %d", ErrAnalyzerUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return jobstore.Result{}, fmt.Errorf("%w: status %d: %s", ErrAnalyzerLogical, resp.StatusCode, string(raw))
	}

	shape := "flat"
	var probe modularResponse
	if json.Unmarshal(raw, &probe) == nil && probe.Analysis != nil {
		shape = "modular"
	}
	c.logger.Debug().Str("shape", shape).Msg("analyzer response shape")

	return Normalize(raw)
}

// ─── Response normalization ─────────────────────────────────────────

// modularResponse is the `analysis: {...}` wrapper shape.
type modularResponse struct {
	Analysis *flatResponse `json:"analysis"`
}

// flatResponse is the legacy shape; also embedded under Analysis in the
// modular shape. Both are accepted per the spec's documented ambiguity —
// callers should not assume one is canonical.
type flatResponse struct {
	FileType    string            `json:"fileType"`
	FileSize    int64             `json:"fileSize"`
	MD5         string            `json:"md5"`
	SHA1        string            `json:"sha1"`
	SHA256      string            `json:"sha256"`
	Algorithms  []algorithmDTO    `json:"algorithms"`
	Findings    []findingDTO      `json:"findings"`
	Protocols   []string          `json:"protocols"`
	Vulns       []vulnDTO         `json:"vulns"`
	Explanation string            `json:"explanation"`
	Error       string            `json:"error,omitempty"`
}

type algorithmDTO struct {
	Name          string   `json:"name"`
	Confidence    float64  `json:"confidence"`
	Class         string   `json:"class"`
	StructuralTag string   `json:"structuralTag"`
	Evidence      []string `json:"evidence"`
}

type findingDTO struct {
	Name       string   `json:"name"`
	Address    string   `json:"address"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary"`
}

type vulnDTO struct {
	Severity       string   `json:"severity"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation"`
	Score          float64  `json:"score"`
}

// Normalize accepts either accepted shape and produces the canonical
// Result. It is idempotent: re-normalizing an already-normalized payload
// (re-marshaled through flatResponse) yields the same Result.
func Normalize(raw []byte) (jobstore.Result, error) {
	var modular modularResponse
	if err := json.Unmarshal(raw, &modular); err == nil && modular.Analysis != nil {
		if modular.Analysis.Error != "" {
			return jobstore.Result{}, fmt.Errorf("%w: %s", ErrAnalyzerLogical, modular.Analysis.Error)
		}
		return toResult(*modular.Analysis), nil
	}

	var flat flatResponse
	if err := json.Unmarshal(raw, &flat); err != nil {
		return jobstore.Result{}, fmt.Errorf("analyzer: unrecognized response shape: %w", err)
	}
	if flat.Error != "" {
		return jobstore.Result{}, fmt.Errorf("%w: %s", ErrAnalyzerLogical, flat.Error)
	}
	return toResult(flat), nil
}

func toResult(f flatResponse) jobstore.Result {
	r := jobstore.Result{
		FileType:    f.FileType,
		FileSize:    f.FileSize,
		MD5:         f.MD5,
		SHA1:        f.SHA1,
		SHA256:      f.SHA256,
		Protocols:   f.Protocols,
		Explanation: f.Explanation,
	}
	for _, a := range f.Algorithms {
		r.Algorithms = append(r.Algorithms, jobstore.Algorithm{
			Name: a.Name, Confidence: a.Confidence, Class: a.Class,
			StructuralTag: a.StructuralTag, Evidence: a.Evidence,
		})
	}
	for _, fi := range f.Findings {
		r.Findings = append(r.Findings, jobstore.Finding{
			Name: fi.Name, Address: fi.Address, Tags: fi.Tags,
			Confidence: fi.Confidence, Summary: fi.Summary,
		})
	}
	r.Vulns = aggregateSeverity(f.Vulns)
	return r
}

// aggregateSeverity applies the canonical rule: Critical if any vuln is
// critical, else High if any is high, else Medium if any at all, else
// None.
func aggregateSeverity(vulns []vulnDTO) jobstore.VulnAssessment {
	v := jobstore.VulnAssessment{Severity: "None"}
	if len(vulns) == 0 {
		return v
	}
	v.HasVulns = true

	hasCritical, hasHigh, hasMedium := false, false, false
	for _, vv := range vulns {
		switch vv.Severity {
		case "Critical":
			hasCritical = true
		case "High":
			hasHigh = true
		case "Medium":
			hasMedium = true
		}
		if vv.Description != "" {
			v.Lines = append(v.Lines, vv.Description)
		}
		if vv.Recommendation != "" {
			v.Recommendations = append(v.Recommendations, vv.Recommendation)
		}
		if vv.Score > v.Score {
			v.Score = vv.Score
		}
	}

	switch {
	case hasCritical:
		v.Severity = "Critical"
	case hasHigh:
		v.Severity = "High"
	case hasMedium:
		v.Severity = "Medium"
	default:
		v.Severity = "Medium" // at least one vuln exists but none matched the named tiers above
	}
	return v
}
