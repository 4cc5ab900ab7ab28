package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/models"
	"github.com/klauspost/compress/gzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu       sync.Mutex
	statuses []int
	requests []*http.Request
	bodies   [][]byte
}

func (c *capture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()

		var body []byte
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			body, err = io.ReadAll(zr)
			require.NoError(t, err)
		} else {
			body, _ = io.ReadAll(r.Body)
		}
		c.requests = append(c.requests, r)
		c.bodies = append(c.bodies, body)

		status := http.StatusOK
		if n := len(c.requests); n <= len(c.statuses) {
			status = c.statuses[n-1]
		}
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func records(n int) []models.Record {
	out := make([]models.Record, n)
	for i := range out {
		out[i] = models.Record{
			Code:                i + 1,
			ItemName:            "Item",
			SalePrice:           decimal.NewFromInt(10),
			TotalAvailableStock: decimal.NewFromInt(int64(i)),
			LastModified:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func newTestClient(t *testing.T, c *capture, opts Options) (*Client, *[]time.Duration) {
	srv := httptest.NewServer(c.handler(t))
	t.Cleanup(srv.Close)

	opts.Endpoint = srv.URL
	client := NewClient(opts, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	var sleeps []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return client, &sleeps
}

func TestSendRecoversFromTransientFailures(t *testing.T) {
	c := &capture{statuses: []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK}}
	client, sleeps := newTestClient(t, c, Options{MaxRetries: 3, BaseDelay: time.Second})

	ok, err := client.Send(context.Background(), records(5))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, c.count())
	require.Len(t, *sleeps, 2)

	for i, d := range *sleeps {
		floor := time.Second * time.Duration(1<<i)
		assert.GreaterOrEqual(t, d, floor)
		assert.Less(t, d, floor+time.Second)
	}
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	c := &capture{statuses: []int{429, 429, 429, 429, 429}}
	client, sleeps := newTestClient(t, c, Options{MaxRetries: 3, BaseDelay: 100 * time.Millisecond})

	ok, err := client.Send(context.Background(), records(10))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 4, c.count())
	assert.Len(t, *sleeps, 3)
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity} {
		c := &capture{statuses: []int{status}}
		client, sleeps := newTestClient(t, c, Options{MaxRetries: 3, BaseDelay: time.Second})

		ok, err := client.Send(context.Background(), records(1))
		require.NoError(t, err)
		assert.False(t, ok, "status %d", status)
		assert.Equal(t, 1, c.count())
		assert.Empty(t, *sleeps)
	}
}

func TestSendRetriesRequestTimeout(t *testing.T) {
	c := &capture{statuses: []int{http.StatusRequestTimeout}}
	client, sleeps := newTestClient(t, c, Options{MaxRetries: 1})

	ok, err := client.Send(context.Background(), records(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, *sleeps, 1)
}

func TestSendCompressionThreshold(t *testing.T) {
	c := &capture{}
	client, _ := newTestClient(t, c, Options{CompressionEnabled: true, CompressionThreshold: 50})

	ok, err := client.Send(context.Background(), records(50))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = client.Send(context.Background(), records(51))
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, 2, c.count())
	assert.Empty(t, c.requests[0].Header.Get("Content-Encoding"))
	assert.Equal(t, "gzip", c.requests[1].Header.Get("Content-Encoding"))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(c.bodies[1], &decoded))
	assert.Len(t, decoded, 51)
	assert.Equal(t, float64(1), decoded[0]["Code"])
	assert.Contains(t, decoded[0], "TotalAvailableStock")
}

func TestSendCompressionDisabled(t *testing.T) {
	c := &capture{}
	client, _ := newTestClient(t, c, Options{CompressionEnabled: false, CompressionThreshold: 1})

	ok, err := client.Send(context.Background(), records(100))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, c.requests[0].Header.Get("Content-Encoding"))
}

func TestSendHeaders(t *testing.T) {
	c := &capture{}
	client, _ := newTestClient(t, c, Options{AuthHeader: "X-Api-Key", AuthToken: "secret"})

	_, err := client.Send(context.Background(), records(2))
	require.NoError(t, err)
	_, err = client.Send(context.Background(), records(2))
	require.NoError(t, err)

	require.Equal(t, 2, c.count())
	assert.Equal(t, "application/json", c.requests[0].Header.Get("Content-Type"))
	assert.Equal(t, "secret", c.requests[0].Header.Get("X-Api-Key"))
	// No deduplication: the same records go out twice as independent batches
	assert.NotEqual(t, c.requests[0].Header.Get("X-Batch-ID"), c.requests[1].Header.Get("X-Batch-ID"))
	assert.Equal(t, c.bodies[0], c.bodies[1])
}

func TestSendCanceledDuringBackoff(t *testing.T) {
	c := &capture{statuses: []int{500, 500, 500, 500}}
	client, _ := newTestClient(t, c, Options{MaxRetries: 3, BaseDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	client.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	ok, err := client.Send(ctx, records(1))
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.count())
}

func TestSendNetworkErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(Options{Endpoint: url, MaxRetries: 2}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var sleeps int
	client.sleep = func(context.Context, time.Duration) error { sleeps++; return nil }

	ok, err := client.Send(context.Background(), records(1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, sleeps)
}

func TestIsRetryableStatus(t *testing.T) {
	for _, s := range []int{500, 502, 503, 504, 599, 408, 429} {
		assert.True(t, IsRetryableStatus(s), s)
	}
	for _, s := range []int{400, 401, 403, 404, 409, 422, 600, 799} {
		assert.False(t, IsRetryableStatus(s), s)
	}
}

func TestSendEmptyBatch(t *testing.T) {
	c := &capture{}
	client, _ := newTestClient(t, c, Options{})
	ok, err := client.Send(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, c.count())
}
