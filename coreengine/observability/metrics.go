// Package observability provides Prometheus metrics instrumentation for the coreengine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// WORKFLOW METRICS
// =============================================================================

var (
	workflowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_workflow_transitions_total",
			Help: "Total number of workflow phase transitions",
		},
		[]string{"from", "to"},
	)

	routingCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoff_routing_cycles_total",
			Help: "Workflows failed by routing cycle detection",
		},
	)

	approvalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_approval_decisions_total",
			Help: "Human approval decisions applied",
		},
		[]string{"kind"}, // approve, changes, reject
	)

	packetsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_packets_rejected_total",
			Help: "Completion messages rejected by validation",
		},
		[]string{"field"},
	)
)

// =============================================================================
// TASK METRICS
// =============================================================================

var (
	taskExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_task_executions_total",
			Help: "Total number of task executions by outcome",
		},
		[]string{"worker", "outcome"}, // outcome: succeeded, escalated, failed
	)

	taskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_task_duration_seconds",
			Help:    "Task execution duration in seconds, retries included",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"worker"},
	)

	taskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_task_retries_total",
			Help: "Task retries by error class",
		},
		[]string{"worker", "class"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "handoff_circuit_state",
			Help: "Per-worker circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"worker"},
	)
)

// =============================================================================
// CACHE METRICS
// =============================================================================

var (
	cacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_cache_requests_total",
			Help: "Result cache lookups by domain and result",
		},
		[]string{"domain", "result"}, // result: hit, miss, error
	)

	cacheBytesUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "handoff_cache_bytes",
			Help: "Bytes held by each result cache domain",
		},
		[]string{"domain"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_cache_evictions_total",
			Help: "Entries evicted from a result cache domain",
		},
		[]string{"domain", "reason"}, // reason: size, age
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"},
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

var busMessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "handoff_bus_messages_total",
		Help: "Messages through the in-process bus by category, type and outcome",
	},
	[]string{"category", "message_type", "outcome"},
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordTransition records a workflow phase change.
func RecordTransition(from, to string) {
	workflowTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRoutingCycle records a workflow failed by cycle detection.
func RecordRoutingCycle() {
	routingCyclesTotal.Inc()
}

// RecordApprovalDecision records an applied approval decision.
func RecordApprovalDecision(kind string) {
	approvalDecisionsTotal.WithLabelValues(kind).Inc()
}

// RecordPacketRejected records a completion message rejected at validation.
func RecordPacketRejected(field string) {
	packetsRejectedTotal.WithLabelValues(field).Inc()
}

// RecordTaskExecution records the final outcome of a task run.
func RecordTaskExecution(worker, outcome string, durationMS int) {
	taskExecutionsTotal.WithLabelValues(worker, outcome).Inc()
	taskDurationSeconds.WithLabelValues(worker).Observe(float64(durationMS) / 1000.0)
}

// RecordRetry records one retry of a task.
func RecordRetry(worker, class string) {
	taskRetriesTotal.WithLabelValues(worker, class).Inc()
}

// SetCircuitState publishes a worker's breaker state.
func SetCircuitState(worker string, state float64) {
	circuitState.WithLabelValues(worker).Set(state)
}

// RecordCacheLookup records a cache lookup result ("hit", "miss", "error").
func RecordCacheLookup(domain, result string) {
	cacheRequestsTotal.WithLabelValues(domain, result).Inc()
}

// SetCacheBytes publishes the bytes held by a cache domain.
func SetCacheBytes(domain string, bytes int64) {
	cacheBytesUsed.WithLabelValues(domain).Set(float64(bytes))
}

// RecordCacheEviction records an evicted cache entry.
func RecordCacheEviction(domain, reason string) {
	cacheEvictionsTotal.WithLabelValues(domain, reason).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// RecordBusMessage counts one bus message. Outcome is "ok", "error",
// "dropped" or "no_handler".
func RecordBusMessage(category, messageType, outcome string) {
	busMessagesTotal.WithLabelValues(category, messageType, outcome).Inc()
}
