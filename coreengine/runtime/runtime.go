// Package runtime provides the Pipeline - sequential stage orchestration over one StateBag.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/kernel"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/safety"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/stages"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/statebag"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/typeutil"
)

var tracer = otel.Tracer("sahayak/runtime")

// State is the run state machine: Pending -> Running(i) -> Blocked | Failed | Completed.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateBlocked   State = "blocked"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Stage status values recorded per executed stage.
const (
	StageSuccess = "success"
	StageBlocked = "blocked"
	StageEmpty   = "empty"
	StageError   = "error"
)

// StageRecord summarizes one executed stage.
type StageRecord struct {
	Name         string `json:"name"`
	OutputKey    string `json:"output_key"`
	Status       string `json:"status"`
	DurationMS   int    `json:"duration_ms"`
	BackendCalls int    `json:"backend_calls"`
	Error        string `json:"error,omitempty"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	RunID      string
	Pipeline   string
	State      State
	StageIndex int    // Index of the last stage entered; -1 before the first
	Output     string // Final output, refusal, halt fallback or apology
	Bag        *statebag.Bag
	Stages     []StageRecord
	Block      *safety.Verdict
	Halted     bool // A halt-on-empty tool stage ended the run early
	Err        error
	DurationMS int
}

// Deps are the collaborators shared by every pipeline built from one catalog.
type Deps struct {
	Backend stages.Backend
	Tools   stages.ToolExecutor
	Filter  stages.ContentFilter
	Retry   stages.RetryPolicy
	Logger  observability.Logger

	// Pipelines resolves pipeline-as-stage references. Set by the Registry.
	Pipelines func(name string) (*Pipeline, bool)
}

func (d Deps) stageDeps() stages.Deps {
	return stages.Deps{
		Backend: d.Backend,
		Tools:   d.Tools,
		Filter:  d.Filter,
		Retry:   d.Retry,
		Logger:  d.Logger,
	}
}

// Pipeline runs a validated PipelineSpec. A Pipeline holds no per-run state and is
// safe for concurrent runs.
type Pipeline struct {
	spec     *config.PipelineSpec
	stages   []stages.Stage
	required []string
	logger   observability.Logger
}

// NewPipeline validates the spec and builds its stages.
func NewPipeline(spec *config.PipelineSpec, deps Deps) (*Pipeline, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger{}
	}

	p := &Pipeline{
		spec:     spec,
		required: spec.RequiredRequestFields(),
		logger:   deps.Logger.Bind("pipeline", spec.Name),
	}

	for _, s := range spec.Stages {
		var (
			stage stages.Stage
			err   error
		)
		if s.Kind == config.StagePipeline {
			stage, err = newPipelineStage(s, deps)
		} else {
			stage, err = stages.New(s, deps.stageDeps())
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline '%s': failed to build stage '%s': %w", spec.Name, s.Name, err)
		}
		p.stages = append(p.stages, stage)
	}

	p.logger.Debug("pipeline_built", "stages", spec.GetStageOrder())
	return p, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.spec.Name }

// Spec returns the pipeline spec.
func (p *Pipeline) Spec() *config.PipelineSpec { return p.spec }

// Run executes every stage in order over a fresh StateBag seeded with params.
// The returned error is non-nil exactly when the run ended Failed.
func (p *Pipeline) Run(ctx context.Context, params map[string]any) (*Result, error) {
	bag := statebag.New(params)
	res := &Result{
		RunID:      bag.RunID,
		Pipeline:   p.spec.Name,
		State:      StatePending,
		StageIndex: -1,
		Bag:        bag,
	}
	logger := p.logger.Bind("run_id", bag.RunID)

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("sahayak.pipeline", p.spec.Name),
		attribute.String("sahayak.run_id", bag.RunID),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		res.DurationMS = int(time.Since(start).Milliseconds())
		observability.RecordPipelineRun(p.spec.Name, string(res.State), res.DurationMS)
		span.SetAttributes(
			attribute.String("sahayak.state", string(res.State)),
			attribute.Int("sahayak.stages_run", len(res.Stages)),
		)
		if res.State == StateFailed {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		} else {
			span.SetStatus(codes.Ok, string(res.State))
		}
	}()

	for _, field := range p.required {
		if _, ok := bag.Param(field); !ok {
			err := failures.Newf(failures.KindInternal, p.spec.Name, "missing request field '%s'", field)
			return p.fail(logger, res, err), err
		}
	}

	logger.Info("pipeline_started", "stage_order", p.spec.GetStageOrder(), "request_fields", bag.SortedParamNames())
	res.State = StateRunning

	for i, stage := range p.stages {
		// Stage boundary: a cancelled run stops here and drops what it produced.
		select {
		case <-ctx.Done():
			return p.cancel(ctx, logger, res)
		default:
		}

		res.StageIndex = i
		in, err := resolveInputs(stage.Spec(), bag)
		if err != nil {
			return p.fail(logger, res, err), err
		}

		out, record, err := p.runStage(ctx, logger, stage, in)
		res.Stages = append(res.Stages, record)
		if err != nil {
			if ctx.Err() != nil {
				return p.cancel(ctx, logger, res)
			}
			return p.fail(logger, res, err), err
		}

		entry := statebag.Entry{Value: out.Value, ToolCall: out.ToolCall, Stage: stage.Name()}
		if err := bag.Put(stage.OutputKey(), entry); err != nil {
			err = failures.New(failures.KindInternal, stage.Name(), err)
			return p.fail(logger, res, err), err
		}

		if out.Blocked != nil {
			res.State = StateBlocked
			res.Block = out.Blocked
			res.Output = stages.Render(out.Value)
			logger.Info("pipeline_blocked", "stage", stage.Name(), "category", out.Blocked.Category)
			return res, nil
		}

		if out.Empty && stage.Spec().HaltOnEmpty {
			res.State = StateCompleted
			res.Halted = true
			res.Output = stages.Render(out.Value)
			logger.Info("pipeline_halted", "stage", stage.Name(), "tool_calls", toolCalls(bag))
			return res, nil
		}
	}

	final, _ := bag.Get(p.spec.FinalOutputKey)
	res.State = StateCompleted
	res.Output = stages.Render(final)
	logger.Info("pipeline_completed",
		"stages_run", len(res.Stages),
		"outputs", bag.Keys(),
		"final_output_key", p.spec.FinalOutputKey,
		"tool_calls", toolCalls(bag),
	)
	return res, nil
}

// runStage executes one stage with panic recovery, tracing and metrics.
func (p *Pipeline) runStage(ctx context.Context, logger observability.Logger, stage stages.Stage, in stages.Inputs) (*stages.Result, StageRecord, error) {
	ctx, span := tracer.Start(ctx, "stage.execute", trace.WithAttributes(
		attribute.String("sahayak.stage", stage.Name()),
		attribute.String("sahayak.stage_kind", string(stage.Spec().Kind)),
	))
	defer span.End()

	logger.Info(fmt.Sprintf("%s_started", stage.Name()))
	start := time.Now()

	out, err := kernel.SafeExecuteWithResult(logger, "stage_"+stage.Name(), func() (*stages.Result, error) {
		return stage.Execute(ctx, in)
	})

	record := StageRecord{
		Name:       stage.Name(),
		OutputKey:  stage.OutputKey(),
		DurationMS: int(time.Since(start).Milliseconds()),
	}
	if out != nil {
		record.BackendCalls = out.BackendCalls
	}

	var pe *kernel.PanicError
	if errors.As(err, &pe) {
		err = failures.New(failures.KindInternal, stage.Name(), err)
	}
	if err == nil && out == nil {
		err = failures.Newf(failures.KindInternal, stage.Name(), "stage returned no result")
	}

	switch {
	case err != nil:
		record.Status = StageError
		record.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error(fmt.Sprintf("%s_error", stage.Name()), "error", err.Error(), "duration_ms", record.DurationMS)
	case out.Blocked != nil:
		record.Status = StageBlocked
	case out.Empty:
		record.Status = StageEmpty
	default:
		record.Status = StageSuccess
	}
	observability.RecordStageExecution(stage.Name(), record.Status, record.DurationMS)
	span.SetAttributes(
		attribute.String("sahayak.stage_status", record.Status),
		attribute.Int("sahayak.backend_calls", record.BackendCalls),
	)

	if err != nil {
		return nil, record, err
	}
	logger.Info(fmt.Sprintf("%s_completed", stage.Name()),
		"status", record.Status,
		"duration_ms", record.DurationMS,
		"backend_calls", record.BackendCalls,
	)
	return out, record, nil
}

func (p *Pipeline) fail(logger observability.Logger, res *Result, err error) *Result {
	res.State = StateFailed
	res.Err = err
	res.Output = failures.Apology
	logger.Error("pipeline_failed",
		"stage_index", res.StageIndex,
		"kind", string(failures.KindOf(err)),
		"error", err.Error(),
	)
	return res
}

func (p *Pipeline) cancel(ctx context.Context, logger observability.Logger, res *Result) (*Result, error) {
	dropped := res.Bag.Len()
	res.Bag.Discard()
	err := failures.New(failures.KindCancelled, p.spec.Name, ctx.Err())
	logger.Info("pipeline_cancelled", "stage_index", res.StageIndex, "dropped_outputs", dropped, "reason", ctx.Err().Error())
	res.State = StateFailed
	res.Err = err
	res.Output = failures.Apology
	return res, err
}

// toolCalls summarizes the tool call records kept in the bag as "tool:status".
func toolCalls(bag *statebag.Bag) []string {
	var out []string
	for _, key := range bag.Keys() {
		e, ok := bag.Entry(key)
		if !ok || e.ToolCall == nil {
			continue
		}
		status := "ok"
		switch {
		case e.ToolCall.Err != "":
			status = "error"
		case e.ToolCall.Empty:
			status = "empty"
		}
		out = append(out, e.ToolCall.Tool+":"+status)
	}
	return out
}

// resolveInputs reads every binding of a stage from the bag.
func resolveInputs(spec *config.StageSpec, bag *statebag.Bag) (stages.Inputs, error) {
	in := make(stages.Inputs, len(spec.Inputs))
	for _, b := range spec.Inputs {
		var (
			v  any
			ok bool
		)
		switch b.Source {
		case config.SourceRequest:
			v, ok = bag.Param(b.Key)
		case config.SourceStage:
			v, ok = bag.Get(b.Key)
			if ok && b.Field != "" {
				record, isRecord := typeutil.SafeMapStringAny(v)
				if !isRecord {
					ok = false
					break
				}
				v, ok = typeutil.GetNestedValue(record, b.Field)
			}
		}
		if !ok {
			if b.Optional {
				continue
			}
			return nil, failures.Newf(failures.KindInternal, spec.Name, "input '%s' (%s '%s') is not available", b.Name, b.Source, b.Key)
		}
		in[b.Name] = v
	}
	return in, nil
}
