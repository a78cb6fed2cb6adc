package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MOCK BACKEND TESTS
// =============================================================================

func TestMockBackendLookupOrder(t *testing.T) {
	m := NewMockBackend().
		WithStageResponse("draft", "by stage").
		WithResponse("Summarize", "by prefix")

	got, err := m.Generate(context.Background(), stages.GenerateRequest{Stage: "draft", Prompt: "Summarize this"})
	require.NoError(t, err)
	assert.Equal(t, "by stage", got)

	got, _ = m.Generate(context.Background(), stages.GenerateRequest{Stage: "other", Prompt: "Summarize this"})
	assert.Equal(t, "by prefix", got)

	got, _ = m.Generate(context.Background(), stages.GenerateRequest{Stage: "other", Prompt: "Hello"})
	assert.Equal(t, "mock response", got)

	assert.Equal(t, 3, m.GetCallCount())
	assert.Equal(t, []string{"draft", "other", "other"}, m.CalledStages())
}

func TestMockBackendQueuedErrors(t *testing.T) {
	boom := errors.New("unavailable")
	m := NewMockBackend().WithStageErrors("draft", boom).WithStageResponse("draft", "ok")

	_, err := m.Generate(context.Background(), stages.GenerateRequest{Stage: "draft"})
	assert.ErrorIs(t, err, boom)

	got, err := m.Generate(context.Background(), stages.GenerateRequest{Stage: "draft"})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	m.Reset()
	assert.Equal(t, 0, m.GetCallCount())
}

// =============================================================================
// MOCK TOOL EXECUTOR TESTS
// =============================================================================

func TestMockToolExecutor(t *testing.T) {
	m := NewMockToolExecutor().
		WithResult("web_search", map[string]any{"text": "found"}).
		WithError("ocr", errors.New("vision down"))

	res, err := m.Execute(context.Background(), "web_search", map[string]any{"query": "rain"})
	require.NoError(t, err)
	assert.Equal(t, "found", res["text"])

	_, err = m.Execute(context.Background(), "ocr", nil)
	assert.Error(t, err)

	_, err = m.Execute(context.Background(), "unknown", nil)
	assert.Contains(t, err.Error(), "tool not found")

	last, ok := m.LastCall()
	require.True(t, ok)
	assert.Equal(t, "unknown", last.ToolName)
	assert.Equal(t, 3, m.GetCallCount())
}

// =============================================================================
// MOCK LOGGER TESTS
// =============================================================================

func TestMockLoggerBindSharesEntries(t *testing.T) {
	logger := NewMockLogger()
	child := logger.Bind("stage", "draft")

	child.Info("draft_started", "run_id", "run_1")

	logs := logger.GetLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "draft", logs[0].Fields["stage"])
	assert.Equal(t, "run_1", logs[0].Fields["run_id"])
	assert.True(t, logger.HasLog("info", "draft_started"))

	logger.Clear()
	assert.Empty(t, logger.GetLogs())
}

// =============================================================================
// FIXTURE TESTS
// =============================================================================

func TestNewChainSpec(t *testing.T) {
	spec := NewChainSpec("chain")
	require.NoError(t, spec.Validate())

	assert.Equal(t, []string{"draft", "refine", "format"}, spec.GetStageOrder())
	assert.Equal(t, "format_output", spec.FinalOutputKey)
	assert.True(t, spec.Stages[0].Filter)
	assert.False(t, spec.Stages[1].Filter)
}
