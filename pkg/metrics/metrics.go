package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncCycles counts scheduler cycles by outcome
	// status: success, failure, skipped (outside business hours)
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksync_cycles_total",
		Help: "Total number of synchronization cycles by outcome",
	}, []string{"status"})

	// PhaseDuration measures retrieval and transmission separately
	// Firebird on spinning disks can be slow, hence the wide buckets
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocksync_phase_duration_seconds",
		Help:    "Duration of a cycle phase in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"phase"})

	// RecordsTransmitted tracks records by delivery result
	RecordsTransmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksync_records_total",
		Help: "Total number of records handed to the transport by result",
	}, []string{"status"})

	// Batches tracks batch delivery results
	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksync_batches_total",
		Help: "Total number of batches sent by result",
	}, []string{"status"})

	// BatchSize tracks the number of records in each batch
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stocksync_batch_size",
		Help:    "Number of records per batch",
		Buckets: []float64{1, 10, 50, 100, 200, 500, 1000},
	})

	// TransportRetries counts retry attempts against the endpoint, labeled by the cause
	TransportRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksync_transport_retries_total",
		Help: "Number of retried HTTP deliveries",
	}, []string{"reason"})

	// QueryDuration measures source database queries
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocksync_query_duration_seconds",
		Help:    "Source database query duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
	}, []string{"query", "status"})

	// PendingChanges is the backlog of unprocessed change events
	// This is the primary indicator of sync lag
	PendingChanges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksync_pending_changes",
		Help: "Unprocessed change events found at the start of the last cycle",
	})

	// PollInterval exposes the period currently applied to the scheduler
	PollInterval = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksync_poll_interval_seconds",
		Help: "Current polling period, including adaptive adjustments",
	})

	ProcessCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksync_process_cpu_percent",
		Help: "Process CPU usage sampled by the load monitor",
	})

	ProcessMemory = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksync_process_memory_mb",
		Help: "Process resident memory sampled by the load monitor",
	})

	// Alerts counts alerts by type and whether they were emitted or suppressed by the cooldown
	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksync_alerts_total",
		Help: "Alerts evaluated by result",
	}, []string{"type", "result"})

	// HealthStatus provides a binary 0/1 signal for the service's health
	// 1 = Healthy, 0 = the loop stopped on a failed cycle
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksync_healthy",
		Help: "Current health status of the poller (1 for healthy, 0 for unhealthy)",
	})

	// BrokerHealth tracks the optional AMQP alert link
	BrokerHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksync_alert_broker_healthy",
		Help: "1 when the AMQP alert publisher is connected",
	})
)
