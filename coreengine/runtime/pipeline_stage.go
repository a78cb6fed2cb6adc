package runtime

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/stages"
)

// PipelineStage runs a whole pipeline as one stage. Its bound inputs seed the
// sub-run; the sub-run's final output becomes the stage output.
type PipelineStage struct {
	spec *config.StageSpec
	sub  *Pipeline
}

func newPipelineStage(spec *config.StageSpec, deps Deps) (*PipelineStage, error) {
	if deps.Pipelines == nil {
		return nil, fmt.Errorf("pipeline stage '%s' needs a pipeline registry", spec.Name)
	}
	sub, ok := deps.Pipelines(spec.Pipeline)
	if !ok {
		return nil, fmt.Errorf("pipeline stage '%s' references unknown pipeline '%s'", spec.Name, spec.Pipeline)
	}

	bound := make(map[string]bool, len(spec.Inputs))
	for _, in := range spec.Inputs {
		bound[in.Name] = true
	}
	for _, field := range sub.required {
		if !bound[field] {
			return nil, fmt.Errorf("pipeline stage '%s' does not bind '%s' required by pipeline '%s'", spec.Name, field, sub.Name())
		}
	}
	return &PipelineStage{spec: spec, sub: sub}, nil
}

func (s *PipelineStage) Name() string            { return s.spec.Name }
func (s *PipelineStage) OutputKey() string       { return s.spec.OutputKey }
func (s *PipelineStage) Spec() *config.StageSpec { return s.spec }

// Execute runs the sub-pipeline. A blocked sub-run blocks this stage; a failed one
// fails it with the sub-run's classified error.
func (s *PipelineStage) Execute(ctx context.Context, in stages.Inputs) (*stages.Result, error) {
	params := make(map[string]any, len(in))
	for k, v := range in {
		params[k] = v
	}

	res, err := s.sub.Run(ctx, params)
	calls := 0
	for _, st := range res.Stages {
		calls += st.BackendCalls
	}
	if err != nil {
		return &stages.Result{BackendCalls: calls}, err
	}

	out := &stages.Result{Value: res.Output, BackendCalls: calls, Empty: res.Halted}
	if res.State == StateBlocked {
		out.Blocked = res.Block
	}
	return out, nil
}
