package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordPipelineRun(t *testing.T) {
	tests := []struct {
		name       string
		pipeline   string
		state      string
		durationMS int
	}{
		{"completed story", "story", "completed", 4000},
		{"blocked story", "story", "blocked", 5},
		{"failed worksheet", "worksheet", "failed", 12000},
		{"zero duration", "knowledge", "completed", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(pipelineRunsTotal.WithLabelValues(tt.pipeline, tt.state))
			RecordPipelineRun(tt.pipeline, tt.state, tt.durationMS)
			after := testutil.ToFloat64(pipelineRunsTotal.WithLabelValues(tt.pipeline, tt.state))
			assert.Equal(t, before+1, after)
		})
	}
}

func TestRecordStageExecutionAndRetry(t *testing.T) {
	RecordStageExecution("draft", "success", 120)
	RecordStageRetry("draft", "backend_unavailable")

	assert.Greater(t, testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("draft", "success")), 0.0)
	assert.Greater(t, testutil.ToFloat64(stageRetriesTotal.WithLabelValues("draft", "backend_unavailable")), 0.0)
}

func TestRecordBackendAndToolCalls(t *testing.T) {
	RecordBackendCall("gemini", "gemini-2.0-flash", "success", 800)
	RecordToolCall("web_search", "empty")

	assert.Greater(t, testutil.ToFloat64(backendCallsTotal.WithLabelValues("gemini", "gemini-2.0-flash", "success")), 0.0)
	assert.Greater(t, testutil.ToFloat64(toolCallsTotal.WithLabelValues("web_search", "empty")), 0.0)
}

func TestRecordRoutingSafetyDelivery(t *testing.T) {
	RecordRouteDecision("story", "completed")
	RecordSafetyBlock("violence")
	RecordWebhookUpdate("ignored")
	RecordDelivery("error")
	RecordGRPCRequest("/grpc.health.v1.Health/Check", "OK", 1)

	assert.Greater(t, testutil.ToFloat64(routeDecisionsTotal.WithLabelValues("story", "completed")), 0.0)
	assert.Greater(t, testutil.ToFloat64(safetyBlocksTotal.WithLabelValues("violence")), 0.0)
	assert.Greater(t, testutil.ToFloat64(webhookUpdatesTotal.WithLabelValues("ignored")), 0.0)
	assert.Greater(t, testutil.ToFloat64(deliveriesTotal.WithLabelValues("error")), 0.0)
	assert.Greater(t, testutil.ToFloat64(grpcRequestsTotal.WithLabelValues("/grpc.health.v1.Health/Check", "OK")), 0.0)
}

// =============================================================================
// LOGGER TESTS
// =============================================================================

func TestZapLoggerRedactsSecrets(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLoggerFrom(zap.New(core))

	logger.Bind("pipeline", "story").Info("pipeline_started", "bot_token", "123:abc", "run_id", "run_1")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "pipeline_started", entries[0].Message)
	assert.Equal(t, "story", fields["pipeline"])
	assert.Equal(t, "[REDACTED]", fields["bot_token"])
	assert.Equal(t, "run_1", fields["run_id"])
}

func TestRedactOddFields(t *testing.T) {
	out := redact([]any{"api_key", "k", "dangling"})
	assert.Equal(t, []any{"api_key", "[REDACTED]", "dangling"}, out)
}

func TestNewZapLoggerModes(t *testing.T) {
	for _, mode := range []string{"production", "development"} {
		l, err := NewZapLogger(mode)
		require.NoError(t, err)
		l.Debug("debug_event")
	}
}

func TestNopLogger(t *testing.T) {
	var l Logger = NopLogger{}
	l.Bind("a", 1).Info("ignored")
}

// =============================================================================
// TRACING TESTS
// =============================================================================

func TestInitTracer(t *testing.T) {
	// The OTLP exporter connects lazily, so construction succeeds without a collector.
	shutdown, err := InitTracer(context.Background(), TracingConfig{
		ServiceName: "sahayak-test",
		Version:     "test",
		Environment: "test",
		Endpoint:    "localhost:4317",
		Insecure:    true,
		SampleRatio: 0.5,
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	_ = shutdown(context.Background())
}
