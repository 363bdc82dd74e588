// Package metrics defines the Prometheus collectors shared by the server and
// worker binaries. All collectors register on the default registry, exposed
// via promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Rate limiter ───────────────────────────────────

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_rate_limit_requests_total",
		Help: "Rate limit checks by channel and result.",
	}, []string{"channel_type", "result"})

	RateLimitCurrentCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "channel_rate_limit_current_count",
		Help: "Requests counted in the current window.",
	}, []string{"channel_type", "connection_id"})

	RateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "channel_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit slot.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"channel_type"})

	// ─── Circuit breaker ────────────────────────────────

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "channel_circuit_breaker_state",
		Help: "Circuit state per channel (0=closed, 1=open, 2=half_open).",
	}, []string{"channel_type"})

	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_circuit_breaker_transitions_total",
		Help: "Circuit state transitions.",
	}, []string{"channel_type", "from_state", "to_state"})

	CircuitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_circuit_breaker_rejections_total",
		Help: "Calls rejected while the circuit was open.",
	}, []string{"channel_type"})

	CircuitSuccesses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_circuit_breaker_successes_total",
		Help: "Successful calls recorded by the circuit.",
	}, []string{"channel_type"})

	CircuitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_circuit_breaker_failures_total",
		Help: "Failed calls recorded by the circuit.",
	}, []string{"channel_type", "error_type"})

	// ─── Webhooks ───────────────────────────────────────

	WebhookReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_webhook_received_total",
		Help: "Webhooks received by channel and event type.",
	}, []string{"channel_type", "event_type"})

	WebhookProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_webhook_processed_total",
		Help: "Webhook outcomes (success, duplicate, error).",
	}, []string{"channel_type", "status"})

	WebhookProcessingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "channel_webhook_processing_seconds",
		Help:    "Webhook ingress handling latency.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"channel_type"})

	// ─── Sync engine ────────────────────────────────────

	SyncOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_sync_operations_total",
		Help: "Sync operations by channel, type and outcome.",
	}, []string{"channel_type", "sync_type", "status"})

	// ─── Task queue ─────────────────────────────────────

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_tasks_processed_total",
		Help: "Task executions by type and outcome.",
	}, []string{"task_type", "status"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_task_duration_seconds",
		Help:    "Task handler execution time.",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 120, 240},
	}, []string{"task_type"})
)
