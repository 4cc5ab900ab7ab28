package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/models"
	"github.com/Guizzs26/go-sync-stock/pkg/infra"
	"github.com/Guizzs26/go-sync-stock/pkg/metrics"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// ErrCanceled is the only error Send returns: ordinary delivery failures are reported as false
var ErrCanceled = errors.New("transmission canceled")

const (
	DefaultMaxRetries           = 3
	DefaultCompressionThreshold = 50

	// retryJitter bounds the random part added to every backoff delay
	retryJitter = time.Second
	// diagnosticSample is how many records are logged when a batch is given up
	diagnosticSample = 3
)

type Options struct {
	Endpoint             string
	AuthHeader           string
	AuthToken            string
	Timeout              time.Duration
	MaxRetries           int
	BaseDelay            time.Duration
	CompressionEnabled   bool
	CompressionThreshold int
}

// Client posts record batches to the downstream endpoint
type Client struct {
	opts   Options
	http   *http.Client
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
	newID  func() string
}

func NewClient(opts Options, httpClient *http.Client, logger *slog.Logger) *Client {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = DefaultCompressionThreshold
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		opts:   opts,
		http:   httpClient,
		logger: logger,
		sleep:  infra.Sleep,
		newID:  uuid.NewString,
	}
}

// attemptError describes a failed delivery attempt
type attemptError struct {
	status    int
	retryable bool
	err       error
}

func (e *attemptError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return "unexpected status " + strconv.Itoa(e.status)
}

// Send delivers one batch. It returns true once the endpoint accepted it and false when the
// batch was rejected or retries ran out. The error is non-nil only when ctx was canceled
func (c *Client) Send(ctx context.Context, records []models.Record) (bool, error) {
	if len(records) == 0 {
		return true, nil
	}

	batchID := c.newID()
	l := c.logger.With("batch_id", batchID, "count", len(records))

	body, compressed, err := c.encode(records)
	if err != nil {
		l.Error("Failed to encode batch", "error", err)
		return false, nil
	}

	backoff := infra.NewBackoff(c.opts.BaseDelay, 0, 2.0, retryJitter)
	start := time.Now()

	var last *attemptError
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff.Next()
			metrics.TransportRetries.WithLabelValues(retryReason(last)).Inc()
			l.Warn("Retrying batch delivery",
				"attempt", attempt,
				"wait", wait,
				"last_error", last,
			)
			if err := c.sleep(ctx, wait); err != nil {
				return false, fmt.Errorf("%w: %w", ErrCanceled, err)
			}
		}

		aerr := c.post(ctx, batchID, body, compressed)
		if aerr == nil {
			l.Info("Batch delivered",
				"attempts", attempt+1,
				"compressed", compressed,
				"bytes", len(body),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return true, nil
		}
		if ctx.Err() != nil {
			return false, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}

		last = aerr
		if !aerr.retryable {
			l.Error("Batch rejected by endpoint", "status", aerr.status, "error", aerr)
			return false, nil
		}
	}

	l.Error("Batch delivery failed after retries",
		"max_retries", c.opts.MaxRetries,
		"last_error", last,
		"duration_ms", time.Since(start).Milliseconds(),
		"sample", sample(records),
	)
	return false, nil
}

func (c *Client) encode(records []models.Record) ([]byte, bool, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, false, err
	}
	if !c.opts.CompressionEnabled || len(records) <= c.opts.CompressionThreshold {
		return raw, false, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, err
	}
	if err := zw.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

func (c *Client) post(ctx context.Context, batchID string, body []byte, compressed bool) *attemptError {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &attemptError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-ID", batchID)
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.opts.AuthHeader != "" && c.opts.AuthToken != "" {
		req.Header.Set(c.opts.AuthHeader, c.opts.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures and client timeouts are treated like a 408
		return &attemptError{retryable: true, err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &attemptError{status: resp.StatusCode, retryable: IsRetryableStatus(resp.StatusCode)}
}

// IsRetryableStatus reports whether a response status is worth another attempt:
// server errors, request timeout and rate limiting
func IsRetryableStatus(status int) bool {
	return (status >= 500 && status < 600) || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func retryReason(e *attemptError) string {
	switch {
	case e == nil:
		return "unknown"
	case e.status == 0:
		return "network"
	default:
		return strconv.Itoa(e.status)
	}
}

// sample keeps exhaustion logs bounded regardless of the batch size
func sample(records []models.Record) []models.Record {
	return records[:min(len(records), diagnosticSample)]
}
