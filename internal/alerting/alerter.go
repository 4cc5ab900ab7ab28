package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/models"
	"github.com/Guizzs26/go-sync-stock/pkg/metrics"
)

const (
	DefaultCooldown = 10 * time.Minute
	recentSize      = 50
)

// Alert is one emitted notification
type Alert struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// Sink delivers alerts somewhere an operator will see them
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// Thresholds maps metric names to the value above which they alert
type Thresholds map[string]float64

// Alerter evaluates metrics against thresholds and emits deduplicated alerts
type Alerter struct {
	thresholds Thresholds
	cooldown   time.Duration
	sinks      []Sink
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	lastSent map[alertKey]time.Time
	recent   []Alert
}

type alertKey struct {
	typ     string
	message string
}

func NewAlerter(thresholds Thresholds, cooldown time.Duration, logger *slog.Logger, sinks ...Sink) *Alerter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	t := make(Thresholds, len(thresholds))
	for k, v := range thresholds {
		t[k] = v
	}
	return &Alerter{
		thresholds: t,
		cooldown:   cooldown,
		sinks:      sinks,
		logger:     logger,
		now:        time.Now,
		lastSent:   make(map[alertKey]time.Time),
	}
}

// ThresholdFor returns the configured threshold, +Inf for unknown metrics
func (a *Alerter) ThresholdFor(metric string) float64 {
	if v, ok := a.thresholds[metric]; ok {
		return v
	}
	return math.Inf(1)
}

func (a *Alerter) IsExceeded(metric string, value float64) bool {
	return value > a.ThresholdFor(metric)
}

// Notify emits the alert unless the same (type, message) went out within the cooldown.
// It reports whether the alert was emitted
func (a *Alerter) Notify(ctx context.Context, typ, message string, kv map[string]any) bool {
	now := a.now()
	key := alertKey{typ: typ, message: message}

	a.mu.Lock()
	if last, ok := a.lastSent[key]; ok && now.Sub(last) < a.cooldown {
		a.mu.Unlock()
		metrics.Alerts.WithLabelValues(typ, "suppressed").Inc()
		a.logger.Debug("Alert suppressed by cooldown", "type", typ, "message", message, "last_sent", last)
		return false
	}
	a.lastSent[key] = now

	alert := Alert{Type: typ, Message: message, Context: kv, EmittedAt: now}
	a.recent = append(a.recent, alert)
	if over := len(a.recent) - recentSize; over > 0 {
		a.recent = append(a.recent[:0], a.recent[over:]...)
	}
	a.mu.Unlock()

	metrics.Alerts.WithLabelValues(typ, "emitted").Inc()
	for _, s := range a.sinks {
		if err := s.Deliver(ctx, alert); err != nil {
			a.logger.Error("Alert sink failed", "type", typ, "sink", fmt.Sprintf("%T", s), "error", err)
		}
	}
	return true
}

// Evaluate notifies for every metric above its threshold
func (a *Alerter) Evaluate(ctx context.Context, values map[string]float64) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := values[name]
		if !a.IsExceeded(name, value) {
			continue
		}
		threshold := a.ThresholdFor(name)
		a.Notify(ctx, models.AlertThresholdExceeded,
			fmt.Sprintf("%s is %s, above threshold %s", name, roundedValue(value), roundedValue(threshold)),
			map[string]any{"metric": name, "value": value, "threshold": threshold},
		)
	}
}

// roundedValue keeps two significant digits so that a slowly drifting average
// produces the same message and stays under the cooldown
func roundedValue(v float64) string {
	if v == 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	mag := int(math.Floor(math.Log10(math.Abs(v))))
	if mag >= 1 {
		step := math.Pow10(mag - 1)
		return strconv.FormatFloat(math.Round(v/step)*step, 'f', 0, 64)
	}
	scale := math.Pow10(1 - mag)
	return strconv.FormatFloat(math.Round(v*scale)/scale, 'f', -1, 64)
}

// Recent returns the last emitted alerts, oldest first
func (a *Alerter) Recent() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.recent...)
}

// LogSink writes alerts to the structured log
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, a Alert) error {
	args := []any{"type", a.Type, "message", a.Message}
	keys := make([]string, 0, len(a.Context))
	for k := range a.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, a.Context[k])
	}
	s.Logger.Warn("🚨 ALERT", args...)
	return nil
}
