// Package blobstore adapts the credit-job-orchestration subsystem to an
// S3-compatible object store. It is the sole place in the module that
// understands the shape of a blob handle; every other component treats
// handles as opaque strings.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type blobError string

func (e blobError) Error() string { return string(e) }

const (
	// ErrTooLarge is returned by Put when the upload exceeds MaxFileSize.
	ErrTooLarge blobError = "blobstore: file exceeds maximum allowed size"
	// ErrNotFound is returned by Get/GetToTempFile for a missing or
	// concurrently-deleted handle.
	ErrNotFound blobError = "blobstore: handle not found"
	// ErrQuotaExceeded signals a fatal, operator-facing failure: the bucket
	// or account quota has been exhausted.
	ErrQuotaExceeded blobError = "blobstore: storage quota exceeded"
	// ErrUnauthorized signals a fatal credential failure.
	ErrUnauthorized blobError = "blobstore: credentials rejected by object store"
)

// Config configures the S3-compatible backing store.
type Config struct {
	Bucket      string
	Region      string
	AccessKey   string
	SecretKey   string
	Endpoint    string // non-empty for S3-compatible services (MinIO, R2, ...)
	MaxFileSize int64
	CallTimeout time.Duration
}

// Store is the Blob Store Adapter (component A). Put is never retried by
// this package — an oversized upload fails fast. Get/GetToTempFile retry
// transient transport errors with exponential backoff.
type Store struct {
	cfg    Config
	s3     *s3.S3
	up     *s3manager.Uploader
	dl     *s3manager.Downloader
	logger zerolog.Logger
}

// New constructs a Store from the given config and AWS session.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")).
		WithS3ForcePathStyle(cfg.Endpoint != "")
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("blobstore: session init: %w", err)
	}

	return &Store{
		cfg:    cfg,
		s3:     s3.New(sess),
		up:     s3manager.NewUploader(sess),
		dl:     s3manager.NewDownloader(sess),
		logger: logger.With().Str("component", "blobstore").Logger(),
	}, nil
}

// Put streams r into the store under a fresh opaque handle, computing the
// SHA-256 digest as it goes. Repeated Puts of identical bytes yield
// distinct handles — deduplication is the ingestion layer's job, keyed on
// digest, not this layer's.
func (s *Store) Put(ctx context.Context, owner, filename string, r io.Reader, size int64) (handle, urlHint, digest string, err error) {
	if size > s.cfg.MaxFileSize {
		return "", "", "", ErrTooLarge
	}

	hasher := sha256.New()
	buf := &bytes.Buffer{}
	if _, err := io.Copy(io.MultiWriter(buf, hasher), io.LimitReader(r, s.cfg.MaxFileSize+1)); err != nil {
		return "", "", "", fmt.Errorf("blobstore: read upload: %w", err)
	}
	if int64(buf.Len()) > s.cfg.MaxFileSize {
		return "", "", "", ErrTooLarge
	}

	key := fmt.Sprintf("binaries/%s/%s-%s", owner, uuid.NewString(), sanitizeName(filename))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	out, err := s.up.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return "", "", "", classifyErr(err)
	}

	digest = hex.EncodeToString(hasher.Sum(nil))
	return key, out.Location, digest, nil
}

// Get streams the blob identified by handle. Retries transient failures
// up to 3 times with exponential backoff (base 1s, doubling, capped).
func (s *Store) Get(ctx context.Context, handle string) (io.ReadCloser, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(backoff*2), float64(30*time.Second)))
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		out, err := s.s3.GetObjectWithContext(callCtx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(handle),
		})
		cancel()
		if err == nil {
			return out.Body, nil
		}
		lastErr = classifyErr(err)
		if lastErr == ErrNotFound || lastErr == ErrUnauthorized {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("blobstore: get %s after retries: %w", handle, lastErr)
}

// GetToTempFile downloads the blob to a local temp file and returns its
// path. The caller owns cleanup.
func (s *Store) GetToTempFile(ctx context.Context, handle, name string) (string, error) {
	r, err := s.Get(ctx, handle)
	if err != nil {
		return "", err
	}
	defer r.Close()

	f, err := os.CreateTemp("", "sentrybox-"+sanitizeName(name)+"-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: create temp file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, io.LimitReader(r, s.cfg.MaxFileSize+1)); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("blobstore: write temp file: %w", err)
	}
	return f.Name(), nil
}

// Delete removes a blob. A missing handle is not surfaced as an error —
// the caller asked for the blob to be gone and it is.
func (s *Store) Delete(ctx context.Context, handle string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		classified := classifyErr(err)
		if classified == ErrNotFound {
			return nil
		}
		return fmt.Errorf("blobstore: delete %s: %w", handle, err)
	}
	return nil
}

// ListOlderThan pages through the bucket under prefix, returning handles
// whose last-modified time is older than age. It never materializes the
// full catalog in memory.
func (s *Store) ListOlderThan(ctx context.Context, age time.Duration, prefix string) ([]string, error) {
	cutoff := time.Now().Add(-age)
	var handles []string

	err := s.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoff) {
				handles = append(handles, aws.StringValue(obj.Key))
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: list %s: %w", prefix, err)
	}
	return handles, nil
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound"):
		return ErrNotFound
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "InvalidAccessKeyId") || strings.Contains(msg, "SignatureDoesNotMatch"):
		return ErrUnauthorized
	case strings.Contains(msg, "QuotaExceeded") || strings.Contains(msg, "ServiceUnavailable") && strings.Contains(msg, "quota"):
		return ErrQuotaExceeded
	default:
		return err
	}
}
