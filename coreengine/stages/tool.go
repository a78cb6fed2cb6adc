package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/statebag"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/tools"
)

// ToolStage is a two-phase stage: formulate one tool call, make it, then optionally
// generate the output with the tool's response as an extra input. A failed or empty
// call never fails the stage; the stage outputs its fallback instead.
type ToolStage struct {
	spec   *config.StageSpec
	gen    *generator
	tools  ToolExecutor
	filter ContentFilter
	logger Logger
}

// NewToolStage creates a tool-invoking stage.
func NewToolStage(spec *config.StageSpec, deps Deps) (*ToolStage, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Kind != config.StageTool {
		return nil, fmt.Errorf("stage '%s' is a %s stage, not tool", spec.Name, spec.Kind)
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("tool stage '%s' has no tool executor", spec.Name)
	}
	needsBackend := spec.Instruction != "" || spec.QueryInstruction != ""
	if needsBackend && deps.Backend == nil {
		return nil, fmt.Errorf("tool stage '%s' generates but has no backend", spec.Name)
	}
	logger := loggerOrNop(deps.Logger).Bind("stage", spec.Name, "tool", spec.Tool)
	return &ToolStage{
		spec:   spec,
		gen:    newGenerator(spec, deps, logger),
		tools:  deps.Tools,
		filter: deps.Filter,
		logger: logger,
	}, nil
}

func (s *ToolStage) Name() string            { return s.spec.Name }
func (s *ToolStage) OutputKey() string       { return s.spec.OutputKey }
func (s *ToolStage) Spec() *config.StageSpec { return s.spec }

// Execute runs the formulate, call and generate phases.
func (s *ToolStage) Execute(ctx context.Context, in Inputs) (*Result, error) {
	secs := sections(s.spec.Inputs, in)
	if blocked := checkInput(s.spec, s.filter, s.logger, renderSections(secs)); blocked != nil {
		return blocked, nil
	}

	calls := 0
	params, n, err := s.formulate(ctx, in, secs)
	calls += n
	if err != nil {
		return &Result{BackendCalls: calls}, err
	}

	record := &statebag.ToolCallRecord{Tool: s.spec.Tool, Request: redactParams(params)}
	start := time.Now()
	response, toolErr := s.tools.Execute(ctx, s.spec.Tool, params)
	record.DurationMS = int(time.Since(start).Milliseconds())

	if ctx.Err() != nil {
		return &Result{ToolCall: record, BackendCalls: calls}, ctx.Err()
	}

	if toolErr != nil || tools.IsEmpty(response) {
		record.Empty = true
		if toolErr != nil {
			record.Err = toolErr.Error()
		}
		s.logger.Warn(fmt.Sprintf("%s_tool_call_empty", s.spec.Name), "error", record.Err, "duration_ms", record.DurationMS)
		return &Result{Value: s.spec.Fallback, ToolCall: record, Empty: true, BackendCalls: calls}, nil
	}
	record.Response = response

	if s.spec.Instruction == "" {
		return &Result{Value: tools.Text(response), ToolCall: record, BackendCalls: calls}, nil
	}

	withResult := append(secs, section{Name: ToolResultInput, Value: tools.Text(response)})
	value, n, err := s.gen.generate(ctx, s.spec.Instruction, withResult, s.spec.Output)
	calls += n
	if err != nil {
		return &Result{ToolCall: record, BackendCalls: calls}, err
	}
	return &Result{Value: value, ToolCall: record, BackendCalls: calls}, nil
}

// formulate builds the tool parameters: the declared tool_params, plus a query taken
// from an input or generated by the backend.
func (s *ToolStage) formulate(ctx context.Context, in Inputs, secs []section) (map[string]any, int, error) {
	params := make(map[string]any, len(s.spec.ToolParams)+1)
	for k, v := range s.spec.ToolParams {
		params[k] = v
	}

	switch {
	case s.spec.QueryInput != "":
		params[tools.KeyQuery] = in[s.spec.QueryInput]
		return params, 0, nil
	case s.spec.QueryInstruction != "":
		value, calls, err := s.gen.generate(ctx, s.spec.QueryInstruction, secs, config.OutputSchema{Kind: config.SchemaText})
		if err != nil {
			return nil, calls, err
		}
		query := strings.Trim(strings.TrimSpace(fmt.Sprint(value)), `"`)
		s.logger.Debug(fmt.Sprintf("%s_query_formulated", s.spec.Name), "query", query)
		params[tools.KeyQuery] = query
		return params, calls, nil
	default:
		return params, 0, nil
	}
}

// redactParams keeps image bytes out of the tool call record.
func redactParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if img, ok := v.(*statebag.Image); ok {
			out[k] = Render(img)
			continue
		}
		out[k] = v
	}
	return out
}
