package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
)

// generator performs one backend generation with retries and output validation.
type generator struct {
	stage   string
	role    string
	temp    *float64
	backend Backend
	retry   RetryPolicy
	logger  Logger
}

// generate returns a string for text schemas and a validated record for record schemas.
func (g *generator) generate(ctx context.Context, instruction string, secs []section, schema config.OutputSchema) (any, int, error) {
	req := GenerateRequest{
		Stage:       g.stage,
		Role:        g.role,
		Prompt:      BuildPrompt(instruction, secs, schema),
		Temperature: g.temp,
	}
	if schema.IsRecord() {
		s := schema
		req.Schema = &s
	}

	return retryCall(ctx, g.retry, g.stage, g.logger, func(ctx context.Context) (any, error) {
		text, err := g.backend.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		g.logger.Debug(fmt.Sprintf("%s_backend_response", g.stage),
			"response_length", len(text),
			"response_preview", truncate(text, 200),
		)
		if !schema.IsRecord() {
			if strings.TrimSpace(text) == "" {
				return nil, failures.Newf(failures.KindSchemaViolation, g.stage, "empty text response")
			}
			return strings.TrimSpace(text), nil
		}
		return ParseRecord(g.stage, text, schema)
	})
}

// GenerationStage makes a single backend call over its bound inputs.
type GenerationStage struct {
	spec   *config.StageSpec
	gen    *generator
	filter ContentFilter
	logger Logger
}

// NewGenerationStage creates a generation stage.
func NewGenerationStage(spec *config.StageSpec, deps Deps) (*GenerationStage, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Kind != config.StageGeneration {
		return nil, fmt.Errorf("stage '%s' is a %s stage, not generation", spec.Name, spec.Kind)
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("generation stage '%s' has no backend", spec.Name)
	}
	logger := loggerOrNop(deps.Logger).Bind("stage", spec.Name)
	return &GenerationStage{
		spec:   spec,
		gen:    newGenerator(spec, deps, logger),
		filter: deps.Filter,
		logger: logger,
	}, nil
}

func newGenerator(spec *config.StageSpec, deps Deps, logger Logger) *generator {
	role := spec.ModelRole
	if role == "" {
		role = "default"
	}
	return &generator{
		stage:   spec.Name,
		role:    role,
		temp:    spec.Temperature,
		backend: deps.Backend,
		retry:   deps.Retry.WithMaxRetries(spec.MaxRetries),
		logger:  logger,
	}
}

func (s *GenerationStage) Name() string            { return s.spec.Name }
func (s *GenerationStage) OutputKey() string       { return s.spec.OutputKey }
func (s *GenerationStage) Spec() *config.StageSpec { return s.spec }

// Execute filters the composed input, then generates the stage output.
func (s *GenerationStage) Execute(ctx context.Context, in Inputs) (*Result, error) {
	secs := sections(s.spec.Inputs, in)
	if blocked := checkInput(s.spec, s.filter, s.logger, renderSections(secs)); blocked != nil {
		return blocked, nil
	}

	value, calls, err := s.gen.generate(ctx, s.spec.Instruction, secs, s.spec.Output)
	if err != nil {
		return &Result{BackendCalls: calls}, err
	}
	return &Result{Value: value, BackendCalls: calls}, nil
}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return observability.NopLogger{}
	}
	return l
}

func truncate(s string, maxLen int) string {
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
