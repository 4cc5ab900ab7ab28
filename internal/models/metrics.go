package models

// Metric names shared by the scheduler, the in-memory store and alerting
const (
	MetricRetrievalMs    = "retrieval_ms"
	MetricTransmissionMs = "transmission_ms"
	MetricRecordsSynced  = "records_synced"
	MetricFailedBatches  = "failed_batches"
	MetricQueueSize      = "queue_size"
	MetricCPUPercent     = "cpu_percent"
	MetricMemoryMB       = "memory_mb"
	MetricSyncFailures   = "sync_failures"
)

// Alert types
const (
	AlertSyncFailure       = "SYNC_FAILURE"
	AlertThresholdExceeded = "THRESHOLD_EXCEEDED"
)
