// Package stages provides the stage variants a pipeline is composed of.
//
// Every variant implements Stage. A stage receives its resolved inputs, may call the
// generation backend or one tool, and returns exactly one value for its output key.
// Writing that value into the run's StateBag is the runner's job.
package stages

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/safety"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/statebag"
)

// GenerateRequest is one call to the generation backend.
type GenerateRequest struct {
	Stage       string               // Stage name, for logs and metrics
	Role        string               // Model role; the backend maps it to a concrete model
	Prompt      string               // Instruction followed by the rendered inputs
	Schema      *config.OutputSchema // Nil for free text
	Temperature *float64
}

// Backend is the generation service.
type Backend interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// ToolExecutor is the interface for tool execution.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error)
}

// ContentFilter guards backend calls.
type ContentFilter interface {
	Check(text string) safety.Verdict
	Refusal() string
}

// Logger is the interface for logging.
type Logger = observability.Logger

// Inputs maps binding names to resolved values.
type Inputs map[string]any

// Result is what a stage produced.
type Result struct {
	Value        any
	ToolCall     *statebag.ToolCallRecord
	Blocked      *safety.Verdict // Set when the safety filter refused the input
	Empty        bool            // Tool call failed or returned nothing; Value is the fallback
	BackendCalls int
}

// Stage is the capability shared by every variant.
type Stage interface {
	Name() string
	OutputKey() string
	Spec() *config.StageSpec
	Execute(ctx context.Context, in Inputs) (*Result, error)
}

// Deps are the collaborators stages are built with.
type Deps struct {
	Backend Backend
	Tools   ToolExecutor
	Filter  ContentFilter
	Retry   RetryPolicy
	Logger  Logger
}

// New builds the stage for a generation or tool spec. Pipeline-as-stage specs are
// assembled by the runtime, which owns pipelines.
func New(spec *config.StageSpec, deps Deps) (Stage, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Kind {
	case config.StageGeneration:
		return NewGenerationStage(spec, deps)
	case config.StageTool:
		return NewToolStage(spec, deps)
	default:
		return nil, fmt.Errorf("stage '%s': kind '%s' is not built by the stages package", spec.Name, spec.Kind)
	}
}

// checkInput runs the content filter over the composed input text, if the stage asks for it.
func checkInput(spec *config.StageSpec, filter ContentFilter, logger Logger, composed string) *Result {
	if !spec.Filter || filter == nil {
		return nil
	}
	verdict := filter.Check(composed)
	if verdict.Allowed {
		return nil
	}
	observability.RecordSafetyBlock(verdict.Category)
	logger.Warn(fmt.Sprintf("%s_blocked", spec.Name), "category", verdict.Category, "term", verdict.Term)
	return &Result{Value: filter.Refusal(), Blocked: &verdict}
}
