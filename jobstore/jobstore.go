// Package jobstore is the transactional record store for analysis jobs
// (component B). It is backed by PostgreSQL, following the durable
// source-of-truth half of the dual-store ledger pattern used elsewhere in
// this module: every mutation is a single SQL statement or explicit
// transaction, never a read-modify-write across round trips.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Algorithm is one detected algorithm in a Result artifact.
type Algorithm struct {
	Name          string   `json:"name"`
	Confidence    float64  `json:"confidence"`
	Class         string   `json:"class"`
	StructuralTag string   `json:"structuralTag"`
	Evidence      []string `json:"evidence"`
}

// Finding is a function-level finding in a Result artifact.
type Finding struct {
	Name       string   `json:"name"`
	Address    string   `json:"address"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary"`
}

// VulnAssessment is the vulnerability summary of a Result artifact.
type VulnAssessment struct {
	HasVulns        bool     `json:"hasVulns"`
	Severity        string   `json:"severity"` // None|Low|Medium|High|Critical
	Lines           []string `json:"lines"`
	Recommendations []string `json:"recommendations"`
	Score           float64  `json:"score"`
}

// Result is the normalized output of the analyzer, attached to a job once
// analysis completes successfully.
type Result struct {
	FileType     string         `json:"fileType"`
	FileSize     int64          `json:"fileSize"`
	MD5          string         `json:"md5"`
	SHA1         string         `json:"sha1"`
	SHA256       string         `json:"sha256"`
	Algorithms   []Algorithm    `json:"algorithms"`
	Findings     []Finding      `json:"findings"`
	Protocols    []string       `json:"protocols"`
	Vulns        VulnAssessment `json:"vulns"`
	Explanation  string         `json:"explanation"`
}

// CreditBreakdown mirrors pricer.Breakdown for persistence without an
// import cycle back into the pricer package's label types.
type CreditBreakdown struct {
	SizeTier    string `json:"sizeTier"`
	TimeTier    string `json:"timeTier"`
	SizeCredits int    `json:"sizeCredits"`
	TimeCredits int    `json:"timeCredits"`
	Total       int    `json:"total"`
}

// JobError is the structured error recorded on a failed job.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Stack   string `json:"stack,omitempty"`
}

// UploadMetadata is free-form context recorded at ingestion time.
type UploadMetadata struct {
	SourceIP  string `json:"sourceIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Source    string `json:"source,omitempty"` // "sdk" | "dashboard"
}

// Job is the durable record of one analysis job.
type Job struct {
	ID               string
	Owner            string
	APIKeyID         *string
	Filename         string
	SizeBytes        int64
	Digest           string
	BlobHandle       string
	BlobURLHint      string
	Tier             string
	Priority         int
	Status           Status
	Progress         int
	QueuedAt         time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ProcessingSecs   float64
	CreditsCharged   int
	Breakdown        *CreditBreakdown
	Results          *Result
	Error            *JobError
	Metadata         UploadMetadata
}

type storeError string

func (e storeError) Error() string { return string(e) }

const ErrNotFound storeError = "jobstore: job not found"

// Store is the Job Store (component B).
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "jobstore").Logger()}
}

// Schema is applied by migrations outside this package; it is documented
// here because the queries below depend on it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	owner           TEXT NOT NULL,
	api_key_id      TEXT,
	filename        TEXT NOT NULL,
	size_bytes      BIGINT NOT NULL,
	digest          TEXT NOT NULL,
	blob_handle     TEXT NOT NULL,
	blob_url_hint   TEXT,
	tier            TEXT NOT NULL,
	priority        INT NOT NULL,
	status          TEXT NOT NULL,
	progress        INT NOT NULL DEFAULT 0,
	queued_at       TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	processing_secs DOUBLE PRECISION,
	credits_charged INT NOT NULL DEFAULT 0,
	breakdown       JSONB,
	results         JSONB,
	error           JSONB,
	metadata        JSONB
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_status ON jobs (owner, status);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_hash ON jobs (owner, digest);
CREATE INDEX IF NOT EXISTS idx_jobs_status_tier_queued ON jobs (status, tier, queued_at);
CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs (completed_at);
`

// Insert persists a freshly queued job.
func (s *Store) Insert(ctx context.Context, j Job) error {
	meta, _ := json.Marshal(j.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner, api_key_id, filename, size_bytes, digest, blob_handle,
			blob_url_hint, tier, priority, status, progress, queued_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		j.ID, j.Owner, j.APIKeyID, j.Filename, j.SizeBytes, j.Digest, j.BlobHandle,
		j.BlobURLHint, j.Tier, j.Priority, j.Status, j.Progress, j.QueuedAt, meta)
	if err != nil {
		return fmt.Errorf("jobstore: insert: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, api_key_id, filename, size_bytes, digest, blob_handle, blob_url_hint,
			tier, priority, status, progress, queued_at, started_at, completed_at,
			processing_secs, credits_charged, breakdown, results, error, metadata
		FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// UpdateStatus transitions status, optionally recording a terminal error.
// Setting started_at happens exactly once, on the first transition out of
// queued.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, jobErr *JobError) error {
	var errJSON []byte
	if jobErr != nil {
		errJSON, _ = json.Marshal(jobErr)
	}

	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch status {
	case StatusProcessing:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status=$1, started_at=COALESCE(started_at,$2) WHERE id=$3`,
			status, now, id)
	case StatusCompleted, StatusFailed:
		progress := 0
		if status == StatusCompleted {
			progress = 100
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status=$1, progress=$2, completed_at=$3, error=$4 WHERE id=$5`,
			status, progress, now, nullableJSON(errJSON), id)
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE jobs SET status=$1 WHERE id=$2`, status, id)
	}
	if err != nil {
		return fmt.Errorf("jobstore: update status: %w", err)
	}
	return checkRowsAffected(res, id)
}

// UpdateProgress sets the 0..100 progress indicator.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress=$1 WHERE id=$2`, progress, id)
	if err != nil {
		return fmt.Errorf("jobstore: update progress: %w", err)
	}
	return checkRowsAffected(res, id)
}

// AttachResults stores the normalized analyzer output on the job.
func (s *Store) AttachResults(ctx context.Context, id string, results Result) error {
	body, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("jobstore: marshal results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET results=$1 WHERE id=$2`, body, id)
	if err != nil {
		return fmt.Errorf("jobstore: attach results: %w", err)
	}
	return checkRowsAffected(res, id)
}

// SetCreditCharge records the priced cost of a completed job.
func (s *Store) SetCreditCharge(ctx context.Context, id string, amount int, breakdown CreditBreakdown, processingSeconds float64) error {
	body, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("jobstore: marshal breakdown: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET credits_charged=$1, breakdown=$2, processing_secs=$3 WHERE id=$4`,
		amount, body, processingSeconds, id)
	if err != nil {
		return fmt.Errorf("jobstore: set credit charge: %w", err)
	}
	return checkRowsAffected(res, id)
}

// FindByOwnerAndHash returns the latest completed job for (owner, digest),
// or ErrNotFound. This is the cache-hit lookup behind ingestion dedup.
func (s *Store) FindByOwnerAndHash(ctx context.Context, owner, hash string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, api_key_id, filename, size_bytes, digest, blob_handle, blob_url_hint,
			tier, priority, status, progress, queued_at, started_at, completed_at,
			processing_secs, credits_charged, breakdown, results, error, metadata
		FROM jobs WHERE owner=$1 AND digest=$2 AND status=$3
		ORDER BY queued_at DESC LIMIT 1`, owner, hash, StatusCompleted)
	return scanJob(row)
}

// ListByOwner returns one page of owner's jobs, most recent first, plus
// the total matching row count for pagination.
func (s *Store) ListByOwner(ctx context.Context, owner string, limit, offset int) ([]Job, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE owner=$1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("jobstore: list count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, api_key_id, filename, size_bytes, digest, blob_handle, blob_url_hint,
			tier, priority, status, progress, queued_at, started_at, completed_at,
			processing_secs, credits_charged, breakdown, results, error, metadata
		FROM jobs WHERE owner=$1
		ORDER BY queued_at DESC LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("jobstore: list: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

// DeleteTerminalOlderThan removes completed/failed rows past the
// retention horizon. Called by the Janitor.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN ($1,$2) AND completed_at < $3`,
		StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("jobstore: delete terminal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("jobstore: job %s: %w", id, ErrNotFound)
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row *sql.Row) (Job, error) {
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

func scanJobRow(row rowScanner) (Job, error) {
	var j Job
	var apiKeyID sql.NullString
	var urlHint sql.NullString
	var startedAt, completedAt sql.NullTime
	var processingSecs sql.NullFloat64
	var breakdown, results, jobErr, metadata []byte

	err := row.Scan(&j.ID, &j.Owner, &apiKeyID, &j.Filename, &j.SizeBytes, &j.Digest,
		&j.BlobHandle, &urlHint, &j.Tier, &j.Priority, &j.Status, &j.Progress,
		&j.QueuedAt, &startedAt, &completedAt, &processingSecs, &j.CreditsCharged,
		&breakdown, &results, &jobErr, &metadata)
	if err != nil {
		return Job{}, err
	}

	if apiKeyID.Valid {
		j.APIKeyID = &apiKeyID.String
	}
	if urlHint.Valid {
		j.BlobURLHint = urlHint.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if processingSecs.Valid {
		j.ProcessingSecs = processingSecs.Float64
	}
	if len(breakdown) > 0 {
		var b CreditBreakdown
		if err := json.Unmarshal(breakdown, &b); err == nil {
			j.Breakdown = &b
		}
	}
	if len(results) > 0 {
		var r Result
		if err := json.Unmarshal(results, &r); err == nil {
			j.Results = &r
		}
	}
	if len(jobErr) > 0 {
		var e JobError
		if err := json.Unmarshal(jobErr, &e); err == nil {
			j.Error = &e
		}
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &j.Metadata)
	}

	return j, nil
}
