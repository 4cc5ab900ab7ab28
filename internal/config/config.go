package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 5000

	MinKeyChunkSize = 1
	MaxKeyChunkSize = 10000

	// A zero timeout or poll interval would fail every query or spin the scheduler
	MaxTimeoutSec      = 3600
	MaxPollIntervalSec = 86400
	MaxBatchPauseMs    = 60000
)

// ChangeAckMode controls when change events are flipped to processed
type ChangeAckMode string

const (
	// AckOnDelivery marks events only once the batch carrying their record was delivered
	AckOnDelivery ChangeAckMode = "delivery"
	// AckOnRead marks events as soon as their records were resolved
	AckOnRead ChangeAckMode = "read"
)

type Config struct {
	// Source database
	SourceDriver  string
	SourceDSN     string
	SourceCharset string
	QueryTimeout  time.Duration
	KeyChunkSize  int

	// Outbound endpoint
	SyncEndpoint         string
	AuthHeader           string
	AuthToken            string
	HTTPTimeout          time.Duration
	MaxRetries           int
	RetryBaseDelay       time.Duration
	CompressionEnabled   bool
	CompressionThreshold int

	// Scheduling
	PollInterval            time.Duration
	BatchSize               int
	BatchPause              time.Duration
	ChangeTrackingEnabled   bool
	ChangeAckMode           ChangeAckMode
	SchemaRetries           int
	BusinessHoursEnabled    bool
	BusinessHoursStart      int
	BusinessHoursEnd        int
	AdaptiveIntervalEnabled bool
	MinInterval             time.Duration
	MaxInterval             time.Duration

	// Thresholds & alerting
	CPUThreshold       float64
	MemoryThresholdMB  float64
	QueryTimeThreshold time.Duration
	QueueThreshold     int
	AlertCooldown      time.Duration
	AlertSampleWindow  int
	RabbitMQURL        string
	AlertExchange      string

	// In-memory metrics
	MetricsRetention     time.Duration
	MetricsMaxSamples    int
	MetricsEvictInterval time.Duration

	// Observability
	ObservabilityAddr string
	LogLevel          string
	LogFormat         string
	LogFile           string
}

func Load() *Config {
	_ = godotenv.Load()

	batchSize := clampInt("BATCH_SIZE", getEnvInt("BATCH_SIZE", 200), MinBatchSize, MaxBatchSize)
	chunkSize := clampInt("KEY_CHUNK_SIZE", getEnvInt("KEY_CHUNK_SIZE", 2000), MinKeyChunkSize, MaxKeyChunkSize)

	ackMode := ChangeAckMode(strings.ToLower(getEnv("CHANGE_ACK_MODE", string(AckOnDelivery))))
	if ackMode != AckOnDelivery && ackMode != AckOnRead {
		slog.Warn("Unknown CHANGE_ACK_MODE, falling back to delivery", "requested", ackMode)
		ackMode = AckOnDelivery
	}

	minInterval := time.Duration(getEnvInt("MIN_INTERVAL_SEC", 10)) * time.Second
	maxInterval := time.Duration(getEnvInt("MAX_INTERVAL_SEC", 300)) * time.Second
	if maxInterval < minInterval {
		slog.Warn("MAX_INTERVAL_SEC below MIN_INTERVAL_SEC. Using the minimum for both", "min", minInterval, "max", maxInterval)
		maxInterval = minInterval
	}

	return &Config{
		SourceDriver:  strings.ToLower(getEnv("SOURCE_DRIVER", "firebird")),
		SourceDSN:     getEnv("SOURCE_DSN", "SYSDBA:masterkey@localhost:3050/var/lib/firebird/data/estoque.fdb"),
		SourceCharset: strings.ToUpper(getEnv("SOURCE_CHARSET", "WIN1252")),
		QueryTimeout:  time.Duration(clampInt("QUERY_TIMEOUT_SEC", getEnvInt("QUERY_TIMEOUT_SEC", 30), 1, MaxTimeoutSec)) * time.Second,
		KeyChunkSize:  chunkSize,

		SyncEndpoint:         getEnv("SYNC_ENDPOINT", "http://localhost:8080/api/stock/sync"),
		AuthHeader:           getEnv("SYNC_AUTH_HEADER", ""),
		AuthToken:            getEnv("SYNC_AUTH_TOKEN", ""),
		HTTPTimeout:          time.Duration(clampInt("HTTP_TIMEOUT_SEC", getEnvInt("HTTP_TIMEOUT_SEC", 30), 1, MaxTimeoutSec)) * time.Second,
		MaxRetries:           max(getEnvInt("MAX_RETRIES", 3), 0),
		RetryBaseDelay:       time.Duration(getEnvFloat("RETRY_BASE_DELAY_SEC", 1) * float64(time.Second)),
		CompressionEnabled:   getEnvBool("COMPRESSION_ENABLED", true),
		CompressionThreshold: getEnvInt("COMPRESSION_THRESHOLD", 50),

		PollInterval:            time.Duration(clampInt("POLL_INTERVAL_SEC", getEnvInt("POLL_INTERVAL_SEC", 30), 1, MaxPollIntervalSec)) * time.Second,
		BatchSize:               batchSize,
		BatchPause:              time.Duration(clampInt("BATCH_PAUSE_MS", getEnvInt("BATCH_PAUSE_MS", 100), 0, MaxBatchPauseMs)) * time.Millisecond,
		ChangeTrackingEnabled:   getEnvBool("CHANGE_TRACKING_ENABLED", true),
		ChangeAckMode:           ackMode,
		SchemaRetries:           max(getEnvInt("SCHEMA_RETRIES", 5), 1),
		BusinessHoursEnabled:    getEnvBool("BUSINESS_HOURS_ENABLED", false),
		BusinessHoursStart:      clampInt("BUSINESS_HOURS_START", getEnvInt("BUSINESS_HOURS_START", 8), 0, 24),
		BusinessHoursEnd:        clampInt("BUSINESS_HOURS_END", getEnvInt("BUSINESS_HOURS_END", 20), 0, 24),
		AdaptiveIntervalEnabled: getEnvBool("ADAPTIVE_INTERVAL_ENABLED", true),
		MinInterval:             minInterval,
		MaxInterval:             maxInterval,

		CPUThreshold:       getEnvFloat("CPU_THRESHOLD", 80),
		MemoryThresholdMB:  getEnvFloat("MEMORY_THRESHOLD_MB", 1000),
		QueryTimeThreshold: time.Duration(getEnvInt("QUERY_TIME_THRESHOLD_MS", 5000)) * time.Millisecond,
		QueueThreshold:     getEnvInt("QUEUE_THRESHOLD", 10000),
		AlertCooldown:      time.Duration(getEnvInt("ALERT_COOLDOWN_MIN", 10)) * time.Minute,
		AlertSampleWindow:  max(getEnvInt("ALERT_SAMPLE_WINDOW", 50), 1),
		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		AlertExchange:      getEnv("ALERT_EXCHANGE", "stocksync.alerts"),

		MetricsRetention:     time.Duration(getEnvInt("METRICS_RETENTION_HOURS", 24)) * time.Hour,
		MetricsMaxSamples:    max(getEnvInt("METRICS_MAX_SAMPLES", 10000), 1),
		MetricsEvictInterval: time.Duration(max(getEnvInt("METRICS_EVICT_INTERVAL_MIN", 5), 1)) * time.Minute,

		ObservabilityAddr: getEnv("OBSERVABILITY_ADDR", ":9091"),
		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		LogFormat:         getEnv("LOG_FORMAT", "TEXT"),
		LogFile:           getEnv("LOG_FILE", "stocksync.log"),
	}
}

// WithinBusinessHours reports whether t falls inside the configured window.
// A window whose end is before its start wraps past midnight
func (c *Config) WithinBusinessHours(t time.Time) bool {
	if !c.BusinessHoursEnabled {
		return true
	}
	h := t.Hour()
	if c.BusinessHoursStart <= c.BusinessHoursEnd {
		return h >= c.BusinessHoursStart && h < c.BusinessHoursEnd
	}
	return h >= c.BusinessHoursStart || h < c.BusinessHoursEnd
}

func clampInt(key string, v, lo, hi int) int {
	if v > hi {
		slog.Warn("Value exceeds safety limit. Clamping to maximum", "key", key, "requested", v, "limit", hi)
		return hi
	}
	if v < lo {
		slog.Warn("Value below minimum. Clamping", "key", key, "requested", v, "limit", lo)
		return lo
	}
	return v
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}
