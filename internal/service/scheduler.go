package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/config"
	"github.com/Guizzs26/go-sync-stock/internal/models"
	"github.com/Guizzs26/go-sync-stock/internal/monitor"
	"github.com/Guizzs26/go-sync-stock/pkg/infra"
	"github.com/Guizzs26/go-sync-stock/pkg/metrics"
	"github.com/google/uuid"
)

const (
	ModeChanges  = "changes"
	ModeSnapshot = "snapshot"

	schemaRetryMin = time.Second
	schemaRetryMax = 30 * time.Second
)

// ChangeTracker is the change-log and cursor store
type ChangeTracker interface {
	EnsureSchema(ctx context.Context) error
	PendingChanges(ctx context.Context) ([]models.ChangeEvent, error)
	MarkProcessed(ctx context.Context, ids []int64) error
	SetCursor(ctx context.Context, at time.Time, count int) error
}

// CatalogReader resolves records from the source database
type CatalogReader interface {
	FetchAll(ctx context.Context) ([]models.Record, error)
	FetchByKeys(ctx context.Context, keys []int) ([]models.Record, error)
}

// Transmitter delivers one batch downstream
type Transmitter interface {
	Send(ctx context.Context, records []models.Record) (bool, error)
}

// LoadAdvisor samples process and database load
type LoadAdvisor interface {
	Assess(ctx context.Context) monitor.Assessment
}

// Notifier evaluates metrics and emits alerts
type Notifier interface {
	Notify(ctx context.Context, typ, message string, kv map[string]any) bool
	Evaluate(ctx context.Context, values map[string]float64)
}

// MetricRecorder is the in-memory sample store
type MetricRecorder interface {
	Record(name string, value float64, at time.Time)
	RecentAverages(n int) map[string]float64
}

type Options struct {
	PollInterval      time.Duration
	BatchSize         int
	BatchPause        time.Duration
	ChangeTracking    bool
	AckMode           config.ChangeAckMode
	SchemaRetries     int
	AdaptiveInterval  bool
	AlertSampleWindow int
	// BusinessHours gates each tick; nil means always open
	BusinessHours func(time.Time) bool
}

// OptionsFromConfig maps the environment configuration onto the scheduler options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PollInterval:      cfg.PollInterval,
		BatchSize:         cfg.BatchSize,
		BatchPause:        cfg.BatchPause,
		ChangeTracking:    cfg.ChangeTrackingEnabled,
		AckMode:           cfg.ChangeAckMode,
		SchemaRetries:     cfg.SchemaRetries,
		AdaptiveInterval:  cfg.AdaptiveIntervalEnabled,
		AlertSampleWindow: cfg.AlertSampleWindow,
		BusinessHours:     cfg.WithinBusinessHours,
	}
}

// CycleReport summarises one synchronization cycle
type CycleReport struct {
	ID               string        `json:"id"`
	Mode             string        `json:"mode"`
	StartedAt        time.Time     `json:"started_at"`
	PendingEvents    int           `json:"pending_events"`
	Records          int           `json:"records"`
	Batches          int           `json:"batches"`
	SucceededBatches int           `json:"succeeded_batches"`
	FailedBatches    int           `json:"failed_batches"`
	RecordsDelivered int           `json:"records_delivered"`
	Retrieval        time.Duration `json:"retrieval_ns"`
	Transmission     time.Duration `json:"transmission_ns"`
	Duration         time.Duration `json:"duration_ns"`
	Interrupted      bool          `json:"interrupted"`
}

// Status is a point-in-time view of the scheduler for the dashboard
type Status struct {
	State     State         `json:"state"`
	Period    time.Duration `json:"period_ns"`
	NextTick  *time.Time    `json:"next_tick,omitempty"`
	Cycles    int64         `json:"cycles"`
	LastCycle *CycleReport  `json:"last_cycle,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// SyncService owns the polling cadence and runs one synchronization cycle per tick
type SyncService struct {
	opts    Options
	tracker ChangeTracker
	catalog CatalogReader
	sender  Transmitter
	load    LoadAdvisor
	alerts  Notifier
	store   MetricRecorder
	logger  *slog.Logger

	now  func() time.Time
	wait func(context.Context, time.Duration) error

	state  atomic.Int32
	period atomic.Int64
	cycles atomic.Int64

	mu        sync.Mutex
	lastCycle *CycleReport
	lastError string
	nextTick  time.Time
}

func NewSyncService(opts Options, tracker ChangeTracker, catalog CatalogReader, sender Transmitter,
	load LoadAdvisor, alerts Notifier, store MetricRecorder, logger *slog.Logger) *SyncService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.SchemaRetries <= 0 {
		opts.SchemaRetries = 1
	}
	if opts.AlertSampleWindow <= 0 {
		opts.AlertSampleWindow = 50
	}
	if opts.AckMode == "" {
		opts.AckMode = config.AckOnDelivery
	}

	s := &SyncService{
		opts:    opts,
		tracker: tracker,
		catalog: catalog,
		sender:  sender,
		load:    load,
		alerts:  alerts,
		store:   store,
		logger:  logger,
		now:     time.Now,
		wait:    infra.Sleep,
	}
	s.setPeriod(opts.PollInterval)
	return s
}

// Run blocks until ctx is canceled or a cycle fails.
// Cancellation returns nil; a failed cycle is returned so the process can exit non-zero
func (s *SyncService) Run(ctx context.Context) error {
	defer s.setState(Stopped)

	if s.opts.ChangeTracking {
		if err := s.ensureSchema(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.mu.Lock()
			s.lastError = err.Error()
			s.mu.Unlock()
			metrics.HealthStatus.Set(0)
			return err
		}
	}

	metrics.HealthStatus.Set(1)
	s.logger.Info("📦 Stock sync service started",
		"period", s.Period(),
		"batch_size", s.opts.BatchSize,
		"change_tracking", s.opts.ChangeTracking,
		"ack_mode", s.opts.AckMode,
		"adaptive", s.opts.AdaptiveInterval,
	)

	for {
		if err := s.tick(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Sync service shutting down...")
				return nil
			}
			metrics.HealthStatus.Set(0)
			return err
		}

		s.setState(Idle)
		period := s.Period()
		s.setNextTick(s.now().Add(period))
		if err := s.wait(ctx, period); err != nil {
			s.logger.Info("Sync service shutting down...")
			return nil
		}
	}
}

// ensureSchema retries the change-log bootstrap with backoff before giving up
func (s *SyncService) ensureSchema(ctx context.Context) error {
	backoff := infra.NewBackoff(schemaRetryMin, schemaRetryMax, 2.0, 500*time.Millisecond)

	var err error
	for attempt := 1; attempt <= s.opts.SchemaRetries; attempt++ {
		if err = s.tracker.EnsureSchema(ctx); err == nil {
			return nil
		}
		if attempt == s.opts.SchemaRetries {
			break
		}
		wait := backoff.Next()
		s.logger.Warn("Change tracking schema unavailable, retrying",
			"attempt", attempt,
			"max_attempts", s.opts.SchemaRetries,
			"wait", wait,
			"error", err,
		)
		if werr := s.wait(ctx, wait); werr != nil {
			return werr
		}
	}
	s.logger.Error("CRITICAL: change tracking schema could not be ensured", "attempts", s.opts.SchemaRetries, "error", err)
	return fmt.Errorf("ensure change tracking schema after %d attempts: %w", s.opts.SchemaRetries, err)
}

func (s *SyncService) tick(ctx context.Context) error {
	s.setState(Ticking)
	if s.opts.BusinessHours != nil && !s.opts.BusinessHours(s.now()) {
		metrics.SyncCycles.WithLabelValues("skipped").Inc()
		s.logger.Debug("Outside business hours, skipping cycle")
		return nil
	}
	_, err := s.RunCycle(ctx)
	return err
}

// RunCycle performs one synchronization: resolve records, send them in batches,
// advance the cursor, feed metrics to alerting and adapt the period
func (s *SyncService) RunCycle(ctx context.Context) (CycleReport, error) {
	s.setState(Running)
	s.cycles.Add(1)

	report := CycleReport{ID: uuid.NewString(), StartedAt: s.now()}
	err := s.runCycle(ctx, &report)
	report.Duration = s.now().Sub(report.StartedAt)

	switch {
	case err != nil && ctx.Err() != nil:
		report.Interrupted = true
		s.logger.Warn("Cycle interrupted by shutdown",
			"cycle_id", report.ID,
			"mode", report.Mode,
			"batches_sent", report.SucceededBatches+report.FailedBatches,
			"batches_total", report.Batches,
		)
	case err != nil:
		s.fail(ctx, report, err)
	default:
		metrics.SyncCycles.WithLabelValues("success").Inc()
		s.logger.Info("Sync cycle completed",
			"cycle_id", report.ID,
			"mode", report.Mode,
			"records", report.Records,
			"batches_ok", report.SucceededBatches,
			"batches_failed", report.FailedBatches,
			"duration_ms", report.Duration.Milliseconds(),
		)
	}

	s.mu.Lock()
	r := report
	s.lastCycle = &r
	if err != nil && ctx.Err() == nil {
		s.lastError = err.Error()
	} else if err == nil {
		s.lastError = ""
	}
	s.mu.Unlock()

	return report, err
}

func (s *SyncService) runCycle(ctx context.Context, report *CycleReport) error {
	retrievalStart := s.now()
	records, pending, err := s.resolve(ctx, report)
	if err != nil {
		return err
	}
	report.Retrieval = s.now().Sub(retrievalStart)
	report.Records = len(records)
	metrics.PhaseDuration.WithLabelValues("retrieval").Observe(report.Retrieval.Seconds())

	transmissionStart := s.now()
	if err := s.transmit(ctx, records, pending, report); err != nil {
		return err
	}
	report.Transmission = s.now().Sub(transmissionStart)
	metrics.PhaseDuration.WithLabelValues("transmission").Observe(report.Transmission.Seconds())

	// Partial batch failures do not hold the cursor back
	if s.opts.ChangeTracking {
		if err := s.tracker.SetCursor(ctx, s.now(), len(records)); err != nil {
			return fmt.Errorf("advance sync cursor: %w", err)
		}
	}

	s.recordCycleMetrics(ctx, report)
	return nil
}

// resolve returns the records to send and, in delivery ack mode, the event ids still
// waiting for their record to be delivered, keyed by item code
func (s *SyncService) resolve(ctx context.Context, report *CycleReport) ([]models.Record, map[int][]int64, error) {
	if !s.opts.ChangeTracking {
		return s.snapshot(ctx, report)
	}

	events, err := s.tracker.PendingChanges(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read pending changes: %w", err)
	}
	report.PendingEvents = len(events)
	metrics.PendingChanges.Set(float64(len(events)))

	// Nothing tracked: changes may have reached the source through an untracked path
	if len(events) == 0 {
		return s.snapshot(ctx, report)
	}

	report.Mode = ModeChanges
	keys, idsByCode := models.ChangeKeys(events)
	records, err := s.catalog.FetchByKeys(ctx, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %d changed keys: %w", len(keys), err)
	}

	if s.opts.AckMode == config.AckOnRead {
		if err := s.tracker.MarkProcessed(ctx, allIDs(events)); err != nil {
			return nil, nil, fmt.Errorf("mark %d change events processed: %w", len(events), err)
		}
		return records, nil, nil
	}

	// Events whose record no longer exists have nothing left to deliver
	found := make(map[int]struct{}, len(records))
	for _, r := range records {
		found[r.Code] = struct{}{}
	}
	var orphans []int64
	pending := make(map[int][]int64, len(records))
	for code, ids := range idsByCode {
		if _, ok := found[code]; ok {
			pending[code] = ids
		} else {
			orphans = append(orphans, ids...)
		}
	}
	if len(orphans) > 0 {
		if err := s.tracker.MarkProcessed(ctx, orphans); err != nil {
			return nil, nil, fmt.Errorf("mark %d orphaned change events processed: %w", len(orphans), err)
		}
		s.logger.Info("Change events without a source record acknowledged", "count", len(orphans))
	}

	return records, pending, nil
}

func (s *SyncService) snapshot(ctx context.Context, report *CycleReport) ([]models.Record, map[int][]int64, error) {
	report.Mode = ModeSnapshot
	records, err := s.catalog.FetchAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch full snapshot: %w", err)
	}
	return records, nil, nil
}

// transmit sends batches one at a time, pausing between them.
// Cancellation is only honoured between batches
func (s *SyncService) transmit(ctx context.Context, records []models.Record, pending map[int][]int64, report *CycleReport) error {
	batches := models.Partition(records, s.opts.BatchSize)
	report.Batches = len(batches)

	for i, batch := range batches {
		if i > 0 && s.opts.BatchPause > 0 {
			if err := s.wait(ctx, s.opts.BatchPause); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		metrics.BatchSize.Observe(float64(len(batch)))
		ok, err := s.sender.Send(ctx, batch)
		if err != nil {
			return err
		}
		if !ok {
			report.FailedBatches++
			metrics.Batches.WithLabelValues("failed").Inc()
			metrics.RecordsTransmitted.WithLabelValues("failed").Add(float64(len(batch)))
			s.logger.Warn("Batch failed, continuing with the next one",
				"batch", i+1,
				"of", len(batches),
				"count", len(batch),
			)
			continue
		}

		report.SucceededBatches++
		report.RecordsDelivered += len(batch)
		metrics.Batches.WithLabelValues("sent").Inc()
		metrics.RecordsTransmitted.WithLabelValues("sent").Add(float64(len(batch)))

		if ids := batchEventIDs(batch, pending); len(ids) > 0 {
			if err := s.tracker.MarkProcessed(ctx, ids); err != nil {
				return fmt.Errorf("acknowledge change events for batch %d: %w", i+1, err)
			}
		}
	}
	return nil
}

func (s *SyncService) recordCycleMetrics(ctx context.Context, report *CycleReport) {
	at := s.now()
	s.store.Record(models.MetricRetrievalMs, float64(report.Retrieval.Milliseconds()), at)
	s.store.Record(models.MetricTransmissionMs, float64(report.Transmission.Milliseconds()), at)
	s.store.Record(models.MetricRecordsSynced, float64(report.RecordsDelivered), at)
	s.store.Record(models.MetricFailedBatches, float64(report.FailedBatches), at)
	s.store.Record(models.MetricQueueSize, float64(report.PendingEvents), at)

	var assessment *monitor.Assessment
	if s.load != nil {
		a := s.load.Assess(ctx)
		assessment = &a
		s.store.Record(models.MetricCPUPercent, a.CPUPercent, at)
		s.store.Record(models.MetricMemoryMB, a.MemoryMB, at)
		if a.HighLoad {
			s.logger.Warn("⚠️ Host under high load", "cpu_percent", a.CPUPercent, "memory_mb", a.MemoryMB)
		}
	}

	s.alerts.Evaluate(ctx, s.store.RecentAverages(s.opts.AlertSampleWindow))

	if s.opts.AdaptiveInterval && assessment != nil {
		if prev := s.Period(); prev != assessment.Delay {
			s.logger.Info("Adjusting poll interval",
				"from", prev,
				"to", assessment.Delay,
				"multiplier", assessment.Multiplier,
			)
		}
		s.setPeriod(assessment.Delay)
	}
}

func (s *SyncService) fail(ctx context.Context, report CycleReport, err error) {
	metrics.SyncCycles.WithLabelValues("failure").Inc()
	s.store.Record(models.MetricSyncFailures, 1, s.now())
	s.logger.Error("Sync cycle failed",
		"cycle_id", report.ID,
		"mode", report.Mode,
		"records", report.Records,
		"duration_ms", report.Duration.Milliseconds(),
		"error", err,
	)
	s.alerts.Notify(ctx, models.AlertSyncFailure, err.Error(), map[string]any{
		"duration_ms": report.Duration.Milliseconds(),
		"mode":        report.Mode,
		"cycle_id":    report.ID,
	})
}

// Period is the wait applied before the next tick
func (s *SyncService) Period() time.Duration {
	return time.Duration(s.period.Load())
}

func (s *SyncService) setPeriod(d time.Duration) {
	s.period.Store(int64(d))
	metrics.PollInterval.Set(d.Seconds())
}

func (s *SyncService) State() State {
	return State(s.state.Load())
}

func (s *SyncService) setState(st State) {
	s.state.Store(int32(st))
}

func (s *SyncService) setNextTick(t time.Time) {
	s.mu.Lock()
	s.nextTick = t
	s.mu.Unlock()
}

func (s *SyncService) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:     s.State(),
		Period:    s.Period(),
		Cycles:    s.cycles.Load(),
		LastError: s.lastError,
	}
	if s.lastCycle != nil {
		r := *s.lastCycle
		st.LastCycle = &r
	}
	if !s.nextTick.IsZero() && st.State == Idle {
		next := s.nextTick
		st.NextTick = &next
	}
	return st
}

// IsHealthy is false once the loop stopped on a failed cycle
func (s *SyncService) IsHealthy() bool {
	if s.State() != Stopped {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError == ""
}

func allIDs(events []models.ChangeEvent) []int64 {
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func batchEventIDs(batch []models.Record, pending map[int][]int64) []int64 {
	if len(pending) == 0 {
		return nil
	}
	var ids []int64
	for _, r := range batch {
		ids = append(ids, pending[r.Code]...)
	}
	return ids
}
