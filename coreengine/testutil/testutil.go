// Package testutil provides shared test utilities and mocks for the coreengine packages.
//
// The mocks stand in for the external collaborators (generation backend, tools) and
// record every call so tests can assert on what a run did and did not invoke.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/stages"
)

// =============================================================================
// MOCK BACKEND
// =============================================================================

// MockBackend implements stages.Backend for testing.
// Responses are looked up by stage name, then by prompt prefix, then DefaultResponse.
type MockBackend struct {
	// StageResponses maps stage names to responses.
	StageResponses map[string]string

	// Responses maps prompt prefixes to responses.
	Responses map[string]string

	// DefaultResponse is returned when nothing else matches.
	DefaultResponse string

	// Delay simulates backend latency.
	Delay time.Duration

	// Error causes every call to fail.
	Error error

	// StageErrors holds queued errors per stage, consumed one per call.
	StageErrors map[string][]error

	// GenerateFunc replaces the lookup when set.
	GenerateFunc func(context.Context, stages.GenerateRequest) (string, error)

	CallCount int
	Calls     []stages.GenerateRequest

	mu sync.Mutex
}

// NewMockBackend creates a MockBackend with a plain-text default response.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		StageResponses:  make(map[string]string),
		Responses:       make(map[string]string),
		StageErrors:     make(map[string][]error),
		DefaultResponse: "mock response",
	}
}

// Generate implements stages.Backend.
func (m *MockBackend) Generate(ctx context.Context, req stages.GenerateRequest) (string, error) {
	m.mu.Lock()
	m.CallCount++
	m.Calls = append(m.Calls, req)
	customFunc := m.GenerateFunc
	var queued error
	if errs := m.StageErrors[req.Stage]; len(errs) > 0 {
		queued = errs[0]
		m.StageErrors[req.Stage] = errs[1:]
	}
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if customFunc != nil {
		return customFunc(ctx, req)
	}
	if queued != nil {
		return "", queued
	}
	if m.Error != nil {
		return "", m.Error
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if resp, ok := m.StageResponses[req.Stage]; ok {
		return resp, nil
	}
	for prefix, resp := range m.Responses {
		if strings.HasPrefix(req.Prompt, prefix) {
			return resp, nil
		}
	}
	return m.DefaultResponse, nil
}

// WithStageResponse sets the response for one stage.
func (m *MockBackend) WithStageResponse(stage, response string) *MockBackend {
	m.StageResponses[stage] = response
	return m
}

// WithResponse adds a prefix-based response.
func (m *MockBackend) WithResponse(prefix, response string) *MockBackend {
	m.Responses[prefix] = response
	return m
}

// WithStageErrors queues errors returned by a stage's next calls.
func (m *MockBackend) WithStageErrors(stage string, errs ...error) *MockBackend {
	m.StageErrors[stage] = append(m.StageErrors[stage], errs...)
	return m
}

// WithError configures every call to fail.
func (m *MockBackend) WithError(err error) *MockBackend {
	m.Error = err
	return m
}

// WithDelay adds latency simulation.
func (m *MockBackend) WithDelay(d time.Duration) *MockBackend {
	m.Delay = d
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockBackend) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// CalledStages returns the stage name of every call, in order.
func (m *MockBackend) CalledStages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Stage
	}
	return out
}

// Reset clears call history.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount = 0
	m.Calls = nil
}

// =============================================================================
// MOCK TOOL EXECUTOR
// =============================================================================

// MockToolExecutor implements stages.ToolExecutor for testing.
type MockToolExecutor struct {
	Results     map[string]map[string]any
	Errors      map[string]error
	Delay       time.Duration
	ExecuteFunc func(context.Context, string, map[string]any) (map[string]any, error)

	CallCount int
	Calls     []ToolCall

	mu sync.Mutex
}

// ToolCall records a single tool execution for assertion.
type ToolCall struct {
	ToolName string
	Params   map[string]any
}

// NewMockToolExecutor creates a MockToolExecutor with no results configured.
func NewMockToolExecutor() *MockToolExecutor {
	return &MockToolExecutor{
		Results: make(map[string]map[string]any),
		Errors:  make(map[string]error),
	}
}

// Execute implements stages.ToolExecutor. Unknown tools return an error.
func (m *MockToolExecutor) Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	m.mu.Lock()
	m.CallCount++
	m.Calls = append(m.Calls, ToolCall{ToolName: toolName, Params: params})
	customFunc := m.ExecuteFunc
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if customFunc != nil {
		return customFunc(ctx, toolName, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Errors[toolName]; ok {
		return nil, err
	}
	if result, ok := m.Results[toolName]; ok {
		return result, nil
	}
	return nil, fmt.Errorf("tool not found: %s", toolName)
}

// WithResult adds a tool result.
func (m *MockToolExecutor) WithResult(toolName string, result map[string]any) *MockToolExecutor {
	m.Results[toolName] = result
	return m
}

// WithError configures a tool to return an error.
func (m *MockToolExecutor) WithError(toolName string, err error) *MockToolExecutor {
	m.Errors[toolName] = err
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockToolExecutor) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// LastCall returns the most recent call.
func (m *MockToolExecutor) LastCall() (ToolCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return ToolCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements observability.Logger for testing.
type MockLogger struct {
	entries *[]LogEntry
	fields  []any
	mu      *sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{entries: &[]LogEntry{}, mu: &sync.Mutex{}}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.log("debug", msg, keysAndValues...) }
func (m *MockLogger) Info(msg string, keysAndValues ...any)  { m.log("info", msg, keysAndValues...) }
func (m *MockLogger) Warn(msg string, keysAndValues ...any)  { m.log("warn", msg, keysAndValues...) }
func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.log("error", msg, keysAndValues...) }

// Bind returns a child logger that shares captured entries.
func (m *MockLogger) Bind(fields ...any) observability.Logger {
	bound := make([]any, 0, len(m.fields)+len(fields))
	bound = append(bound, m.fields...)
	bound = append(bound, fields...)
	return &MockLogger{entries: m.entries, fields: bound, mu: m.mu}
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	all := append(append([]any{}, m.fields...), keysAndValues...)
	fields := make(map[string]any, len(all)/2)
	for i := 0; i+1 < len(all); i += 2 {
		if key, ok := all[i].(string); ok {
			fields[key] = all[i+1]
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	*m.entries = append(*m.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

// GetLogs returns a copy of captured entries.
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(*m.entries))
	copy(out, *m.entries)
	return out
}

// HasLog checks if a log entry with the given level and message exists.
func (m *MockLogger) HasLog(level, message string) bool {
	for _, e := range m.GetLogs() {
		if e.Level == level && e.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured entries.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.entries = nil
}

// =============================================================================
// PIPELINE FIXTURES
// =============================================================================

// FastRetry is a retry policy with millisecond waits for tests.
func FastRetry() stages.RetryPolicy {
	return stages.RetryPolicy{
		MaxRetries:      2,
		SchemaRetries:   1,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

// FromRequest binds a request field under its own name.
func FromRequest(field string) config.InputBinding {
	return config.InputBinding{Name: field, Source: config.SourceRequest, Key: field}
}

// FromStage binds an earlier stage's output key under the given name.
func FromStage(name, key string) config.InputBinding {
	return config.InputBinding{Name: name, Source: config.SourceStage, Key: key}
}

// NewChainSpec builds a text pipeline over request field "request" in which each
// stage reads the previous stage's output. The first stage has the safety filter on.
func NewChainSpec(name string, stageNames ...string) *config.PipelineSpec {
	if len(stageNames) == 0 {
		stageNames = []string{"draft", "refine", "format"}
	}
	spec := config.NewPipelineSpec(name, "request", "language")
	for i, s := range stageNames {
		stage := &config.StageSpec{
			Name:        s,
			Kind:        config.StageGeneration,
			Instruction: fmt.Sprintf("Stage %s instruction.", s),
			OutputKey:   s + "_output",
		}
		if i == 0 {
			stage.Filter = true
			stage.Inputs = []config.InputBinding{FromRequest("request"), FromRequest("language")}
		} else {
			stage.Inputs = []config.InputBinding{FromStage("previous", stageNames[i-1]+"_output")}
		}
		spec.Stages = append(spec.Stages, stage)
	}
	spec.FinalOutputKey = stageNames[len(stageNames)-1] + "_output"
	return spec
}
