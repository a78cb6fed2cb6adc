// Package tools is the registry of external collaborators a tool stage may call:
// web search, textbook retrieval, OCR and calendar availability.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/typeutil"
)

var tracer = otel.Tracer("sahayak/tools")

// Result keys shared by registered tools.
const (
	KeyText  = "text"  // Human-readable rendering of the result
	KeyItems = "items" // Ranked result items, if any
	KeyQuery = "query" // Query parameter name
)

// ErrToolNotFound is returned when no tool is registered under a name.
var ErrToolNotFound = errors.New("tool not found")

// ToolHandler runs one tool call.
type ToolHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// ToolDefinition names a tool and its handler.
type ToolDefinition struct {
	Name        string
	Description string
	Category    string // search, retrieval, calendar, vision
	Handler     ToolHandler
}

// ToolExecutor runs registered tools by name. Registration happens at startup;
// Execute is safe for concurrent runs.
type ToolExecutor struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition
}

// NewToolExecutor creates an empty registry.
func NewToolExecutor() *ToolExecutor {
	return &ToolExecutor{tools: make(map[string]*ToolDefinition)}
}

// Register adds a tool. Names are unique.
func (e *ToolExecutor) Register(def *ToolDefinition) error {
	if def == nil || def.Name == "" {
		return errors.New("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler is required for '%s'", def.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	e.tools[def.Name] = def
	return nil
}

// Execute runs a tool inside a span and counts the call as success, empty or error.
func (e *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	e.mu.RLock()
	def, exists := e.tools[toolName]
	e.mu.RUnlock()
	if !exists {
		observability.RecordToolCall(toolName, "error")
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}

	ctx, span := tracer.Start(ctx, "tool.execute")
	defer span.End()
	span.SetAttributes(attribute.String("sahayak.tool", toolName), attribute.String("sahayak.tool_category", def.Category))

	start := time.Now()
	result, err := def.Handler(ctx, params)
	status := "success"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case IsEmpty(result):
		status = "empty"
	}
	span.SetAttributes(attribute.String("sahayak.tool_status", status), attribute.Int64("sahayak.duration_ms", time.Since(start).Milliseconds()))
	observability.RecordToolCall(toolName, status)
	return result, err
}

// Has reports whether a tool is registered.
func (e *ToolExecutor) Has(toolName string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.tools[toolName]
	return exists
}

// List returns the registered tool names, sorted.
func (e *ToolExecutor) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// RESULT HELPERS
// =============================================================================

// Text returns the text rendering of a tool result.
func Text(result map[string]any) string {
	return strings.TrimSpace(typeutil.SafeStringDefault(result[KeyText], ""))
}

// Items returns the result items of a tool result.
func Items(result map[string]any) []any {
	return typeutil.SafeSliceDefault(result[KeyItems], nil)
}

// IsEmpty reports whether a tool result carries nothing usable.
func IsEmpty(result map[string]any) bool {
	if len(result) == 0 {
		return true
	}
	return Text(result) == "" && len(Items(result)) == 0
}

// TextResult builds a result carrying only text.
func TextResult(text string) map[string]any {
	return map[string]any{KeyText: text}
}
