package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bobarin/ttsfx/internal/logger"
	"github.com/rs/zerolog"
)

const (
	// Per attempt; rendered clips are a few hundred KB at most.
	attemptTimeout = 30 * time.Second

	maxAttempts = 4
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
)

// StatusError is a non-2xx answer from the storage API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("storage returned status %d: %s", e.Code, e.Body)
}

// Transient reports whether the same request may succeed later.
func (e *StatusError) Transient() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Storage publishes finished artifacts to a Supabase Storage bucket.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	backoff    func(attempt int) time.Duration
	log        zerolog.Logger
}

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		backoff: expBackoff,
		log:     logger.For("storage"),
	}
}

// Upload PUTs data under path with x-upsert, retrying transient failures.
func (s *Storage) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var retryAfter time.Duration
		retryAfter, err = s.uploadOnce(ctx, path, data, contentType)
		if err == nil {
			if attempt > 1 {
				s.log.Info().Int("attempt", attempt).Str("path", path).Msg("Upload succeeded after retry")
			}
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("upload cancelled: %w", ctx.Err())
		}
		if !retryable(err) || attempt == maxAttempts {
			break
		}

		wait := s.backoff(attempt)
		if retryAfter > 0 {
			wait = min(retryAfter, backoffCap)
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Str("path", path).Dur("wait", wait).Msg("Upload attempt failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("upload cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("upload %s: %w", path, err)
}

// uploadOnce makes a single PUT. On a non-2xx answer it also returns the
// server's Retry-After hint, zero when absent.
func (s *Storage) uploadOnce(ctx context.Context, path string, data []byte, contentType string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return 0, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	return parseRetryAfter(resp.Header.Get("Retry-After")), &StatusError{Code: resp.StatusCode, Body: string(body)}
}

// UploadFile uploads a file from a local path, guessing the content type
// from its extension.
func (s *Storage) UploadFile(ctx context.Context, storagePath, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", localPath, err)
	}

	return s.Upload(ctx, storagePath, data, ContentTypeFor(localPath))
}

// GetPublicURL returns the public URL for a file
func (s *Storage) GetPublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, path)
}

// GenerateStoragePath creates a storage path for an artifact
func (s *Storage) GenerateStoragePath(id, localPath string) string {
	return path.Join("renders", id, filepath.Base(localPath))
}

// ContentTypeFor maps an audio file extension to a MIME type.
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// expBackoff doubles from backoffBase up to backoffCap and keeps the upper
// half of each step plus a random share of the lower half.
func expBackoff(attempt int) time.Duration {
	d := min(backoffBase<<(attempt-1), backoffCap)
	half := d / 2
	return half + rand.N(half+1)
}

// parseRetryAfter understands the delay-seconds form only.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retryable sorts an attempt's failure into worth-retrying or final.
func retryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}
