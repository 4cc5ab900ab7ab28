package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/alerting"
	"github.com/Guizzs26/go-sync-stock/internal/models"
	"github.com/Guizzs26/go-sync-stock/internal/monitor"
	"github.com/Guizzs26/go-sync-stock/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubScheduler struct {
	healthy bool
	status  service.Status
}

func (s stubScheduler) Status() service.Status { return s.status }
func (s stubScheduler) IsHealthy() bool        { return s.healthy }

type stubCursor struct {
	cur models.SyncCursor
	err error
}

func (s stubCursor) Cursor(context.Context) (models.SyncCursor, error) { return s.cur, s.err }

type stubMetrics struct {
	asked time.Duration
}

func (s *stubMetrics) AveragesOver(w time.Duration) map[string]float64 {
	s.asked = w
	return map[string]float64{models.MetricRetrievalMs: 120}
}
func (s *stubMetrics) Len() int { return 7 }

type stubAlerts []alerting.Alert

func (s stubAlerts) Recent() []alerting.Alert { return s }

type stubLoad struct{}

func (stubLoad) History() ([]monitor.Sample, []monitor.Sample) {
	return []monitor.Sample{{CPUPercent: 12}}, nil
}

func newTestServer(deps Deps) *httptest.Server {
	o := NewObservability(":0", deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return httptest.NewServer(o.Handler())
}

func defaultDeps(metrics *stubMetrics) Deps {
	synced := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	return Deps{
		Scheduler: stubScheduler{healthy: true, status: service.Status{State: service.Idle, Period: time.Minute, Cycles: 3}},
		Cursor:    stubCursor{cur: models.SyncCursor{LastSyncTime: &synced, LastSyncCount: 450}},
		Metrics:   metrics,
		Alerts:    stubAlerts{{Type: models.AlertSyncFailure, Message: "boom"}},
		Load:      stubLoad{},
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	deps := defaultDeps(&stubMetrics{})
	srv := newTestServer(deps)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	deps.Scheduler = stubScheduler{healthy: false}
	failing := newTestServer(deps)
	defer failing.Close()

	resp, err = http.Get(failing.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusIncludesCursor(t *testing.T) {
	srv := newTestServer(defaultDeps(&stubMetrics{}))
	defer srv.Close()

	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &body))
	assert.Equal(t, "idle", body["state"])
	assert.EqualValues(t, 3, body["cycles"])

	cursor, ok := body["cursor"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 450, cursor["last_sync_count"])
}

func TestStatusReportsCursorError(t *testing.T) {
	deps := defaultDeps(&stubMetrics{})
	deps.Cursor = stubCursor{err: errors.New("db down")}
	srv := newTestServer(deps)
	defer srv.Close()

	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &body))
	assert.Equal(t, "db down", body["cursor_error"])
	assert.NotContains(t, body, "cursor")
}

func TestMetricsWindow(t *testing.T) {
	m := &stubMetrics{}
	srv := newTestServer(defaultDeps(m))
	defer srv.Close()

	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/metrics?window=15m", &body))
	assert.Equal(t, 15*time.Minute, m.asked)
	assert.EqualValues(t, 7, body["samples"])

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/metrics", &body))
	assert.Equal(t, defaultWindow, m.asked)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/metrics?window=soon", nil))
}

func TestAlertsAndLoad(t *testing.T) {
	srv := newTestServer(defaultDeps(&stubMetrics{}))
	defer srv.Close()

	var alerts []alerting.Alert
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/alerts", &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "boom", alerts[0].Message)

	var load map[string][]monitor.Sample
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/load", &load))
	assert.Len(t, load["cpu"], 1)
	assert.NotNil(t, load["memory"])
}

func TestRunShutsDownOnCancel(t *testing.T) {
	o := NewObservability("127.0.0.1:0", defaultDeps(&stubMetrics{}), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
