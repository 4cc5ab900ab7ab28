package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/alerting"
	"github.com/Guizzs26/go-sync-stock/internal/models"
	"github.com/Guizzs26/go-sync-stock/internal/monitor"
	"github.com/Guizzs26/go-sync-stock/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultWindow   = 5 * time.Minute
	shutdownTimeout = 5 * time.Second
)

type Scheduler interface {
	Status() service.Status
	IsHealthy() bool
}

type CursorReader interface {
	Cursor(ctx context.Context) (models.SyncCursor, error)
}

type MetricsReader interface {
	AveragesOver(window time.Duration) map[string]float64
	Len() int
}

type AlertHistory interface {
	Recent() []alerting.Alert
}

type LoadHistory interface {
	History() (cpu, mem []monitor.Sample)
}

// Deps are the read-only views the dashboard exposes. Cursor may be nil when change tracking is off
type Deps struct {
	Scheduler Scheduler
	Cursor    CursorReader
	Metrics   MetricsReader
	Alerts    AlertHistory
	Load      LoadHistory
}

// Observability serves /metrics, /health and the JSON dashboard endpoints
type Observability struct {
	deps   Deps
	srv    *http.Server
	logger *slog.Logger
}

func NewObservability(addr string, deps Deps, logger *slog.Logger) *Observability {
	o := &Observability{deps: deps, logger: logger}
	o.srv = &http.Server{
		Addr:         addr,
		Handler:      o.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return o
}

func (o *Observability) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", o.health)
	mux.HandleFunc("GET /api/status", o.status)
	mux.HandleFunc("GET /api/metrics", o.metrics)
	mux.HandleFunc("GET /api/alerts", o.alerts)
	mux.HandleFunc("GET /api/load", o.load)
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully
func (o *Observability) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		o.logger.Info("📊 Observability server online", "url", "http://localhost"+o.srv.Addr+"/metrics")
		if err := o.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			o.logger.Error("Observability server failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := o.srv.Shutdown(shutdownCtx); err != nil {
		o.logger.Error("Observability server shutdown failed", "error", err)
		return err
	}
	o.logger.Info("🛑 Observability server stopped")
	return nil
}

func (o *Observability) health(w http.ResponseWriter, _ *http.Request) {
	if !o.deps.Scheduler.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("STOCKSYNC UNHEALTHY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("STOCKSYNC ALIVE"))
}

type statusResponse struct {
	service.Status
	Cursor      *models.SyncCursor `json:"cursor,omitempty"`
	CursorError string             `json:"cursor_error,omitempty"`
}

func (o *Observability) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: o.deps.Scheduler.Status()}
	if o.deps.Cursor != nil {
		cur, err := o.deps.Cursor.Cursor(r.Context())
		if err != nil {
			o.logger.Warn("Dashboard could not read sync cursor", "error", err)
			resp.CursorError = err.Error()
		} else {
			resp.Cursor = &cur
		}
	}
	o.writeJSON(w, http.StatusOK, resp)
}

func (o *Observability) metrics(w http.ResponseWriter, r *http.Request) {
	window := defaultWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			o.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "window must be a positive duration such as 5m"})
			return
		}
		window = d
	}
	o.writeJSON(w, http.StatusOK, map[string]any{
		"window":   window.String(),
		"samples":  o.deps.Metrics.Len(),
		"averages": o.deps.Metrics.AveragesOver(window),
	})
}

func (o *Observability) alerts(w http.ResponseWriter, _ *http.Request) {
	recent := o.deps.Alerts.Recent()
	if recent == nil {
		recent = []alerting.Alert{}
	}
	o.writeJSON(w, http.StatusOK, recent)
}

func (o *Observability) load(w http.ResponseWriter, _ *http.Request) {
	cpu, mem := o.deps.Load.History()
	o.writeJSON(w, http.StatusOK, map[string]any{"cpu": nonNil(cpu), "memory": nonNil(mem)})
}

func (o *Observability) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		o.logger.Warn("Failed to write dashboard response", "error", err)
	}
}

func nonNil(s []monitor.Sample) []monitor.Sample {
	if s == nil {
		return []monitor.Sample{}
	}
	return s
}
