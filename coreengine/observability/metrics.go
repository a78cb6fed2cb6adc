// Package observability provides Prometheus metrics, tracing and logging for the assistant.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// PIPELINE METRICS
// =============================================================================

var (
	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sahayak_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal state",
		},
		[]string{"pipeline", "state"}, // state: completed, blocked, failed
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sahayak_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"pipeline"},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sahayak_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "status"}, // status: success, blocked, empty, error
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sahayak_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	stageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sahayak_stage_retries_total",
			Help: "Total number of stage-level backend retries",
		},
		[]string{"stage", "kind"},
	)
)

// =============================================================================
// BACKEND METRICS
// =============================================================================

var (
	backendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sahayak_backend_calls_total",
			Help: "Total number of generation backend calls",
		},
		[]string{"provider", "model", "status"},
	)

	backendDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sahayak_backend_duration_seconds",
			Help:    "Generation backend call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sahayak_tool_calls_total",
			Help: "Total number of external tool calls",
		},
		[]string{"tool", "status"}, // status: success, empty, error
	)
)

// =============================================================================
// ROUTING, SAFETY & DELIVERY METRICS
// =============================================================================

var (
	routeDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sahayak_route_decisions_total",
			Help: "Total number of routing decisions",
		},
		[]string{"target", "outcome"}, // outcome: completed, blocked, failed, clarify
	)

	safetyBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sahayak_safety_blocks_total",
			Help: "Total number of inputs blocked by the safety filter",
		},
		[]string{"category"},
	)

	webhookUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sahayak_webhook_updates_total",
			Help: "Total number of inbound webhook updates",
		},
		[]string{"result"}, // result: processed, ignored, duplicate, rate_limited, unauthorized
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sahayak_deliveries_total",
			Help: "Total number of outbound reply deliveries",
		},
		[]string{"status"}, // status: success, error
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sahayak_grpc_requests_total",
			Help: "Total admin gRPC requests",
		},
		[]string{"method", "status"},
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sahayak_grpc_request_duration_seconds",
			Help:    "Admin gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordPipelineRun records a finished pipeline run.
func RecordPipelineRun(pipeline string, state string, durationMS int) {
	pipelineRunsTotal.WithLabelValues(pipeline, state).Inc()
	pipelineDurationSeconds.WithLabelValues(pipeline).Observe(float64(durationMS) / 1000.0)
}

// RecordStageExecution records one stage execution.
func RecordStageExecution(stage string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordStageRetry records a stage-level retry of the given failure kind.
func RecordStageRetry(stage string, kind string) {
	stageRetriesTotal.WithLabelValues(stage, kind).Inc()
}

// RecordBackendCall records one generation backend call.
func RecordBackendCall(provider string, model string, status string, durationMS int) {
	backendCallsTotal.WithLabelValues(provider, model, status).Inc()
	backendDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordToolCall records one external tool call.
func RecordToolCall(tool string, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordRouteDecision records the router's target choice and how it ended.
func RecordRouteDecision(target string, outcome string) {
	routeDecisionsTotal.WithLabelValues(target, outcome).Inc()
}

// RecordSafetyBlock records a safety filter block.
func RecordSafetyBlock(category string) {
	safetyBlocksTotal.WithLabelValues(category).Inc()
}

// RecordWebhookUpdate records how an inbound update was handled.
func RecordWebhookUpdate(result string) {
	webhookUpdatesTotal.WithLabelValues(result).Inc()
}

// RecordDelivery records an outbound reply delivery.
func RecordDelivery(status string) {
	deliveriesTotal.WithLabelValues(status).Inc()
}

// RecordGRPCRequest records admin gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
