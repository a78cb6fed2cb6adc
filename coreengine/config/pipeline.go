// Package config provides declarative stage and pipeline specifications, plus the
// process configuration loaded at startup.
package config

import (
	"errors"
	"fmt"
)

// ErrInvalidPipeline is returned when a pipeline spec fails construction-time checks.
var ErrInvalidPipeline = errors.New("invalid pipeline")

// StageKind is the closed set of stage variants.
type StageKind string

const (
	StageGeneration StageKind = "generation" // Single backend call
	StageTool       StageKind = "tool"       // Formulate call, invoke one tool, optionally generate
	StagePipeline   StageKind = "pipeline"   // A whole pipeline run as one stage
)

// BindingSource says where an input binding reads its value from.
type BindingSource string

const (
	SourceRequest BindingSource = "request" // Seeded request field
	SourceStage   BindingSource = "stage"   // Output key of an earlier stage
)

// SchemaKind distinguishes free text from structured records.
type SchemaKind string

const (
	SchemaText   SchemaKind = "text"
	SchemaRecord SchemaKind = "record"
)

// FieldType is the declared type of a structured record field.
type FieldType string

const (
	FieldString     FieldType = "string"
	FieldInteger    FieldType = "integer"
	FieldNumber     FieldType = "number"
	FieldBoolean    FieldType = "boolean"
	FieldStringList FieldType = "string_list"
)

// FieldSpec declares one field of a structured output.
type FieldSpec struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
	MinItems int       `yaml:"min_items,omitempty" json:"min_items,omitempty"` // string_list only
	MaxItems int       `yaml:"max_items,omitempty" json:"max_items,omitempty"` // string_list only
}

// OutputSchema declares what a stage produces.
type OutputSchema struct {
	Kind   SchemaKind  `yaml:"kind" json:"kind"`
	Fields []FieldSpec `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// IsRecord reports whether the schema declares a structured record.
func (s OutputSchema) IsRecord() bool {
	return s.Kind == SchemaRecord
}

// InputBinding maps a stage input name to a request field or an earlier stage's output.
type InputBinding struct {
	Name     string        `yaml:"name" json:"name"`                       // Name the stage sees
	Source   BindingSource `yaml:"source" json:"source"`                   // request or stage
	Key      string        `yaml:"key" json:"key"`                         // Request field or output key
	Field    string        `yaml:"field,omitempty" json:"field,omitempty"` // Optional record field
	Optional bool          `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// StageSpec is the declarative definition of one stage.
type StageSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Kind        StageKind      `yaml:"kind" json:"kind"`
	Instruction string         `yaml:"instruction,omitempty" json:"instruction,omitempty"`
	Inputs      []InputBinding `yaml:"inputs" json:"inputs"`
	Output      OutputSchema   `yaml:"output" json:"output"`
	OutputKey   string         `yaml:"output_key" json:"output_key"`

	// Generation
	Filter      bool     `yaml:"filter,omitempty" json:"filter,omitempty"` // Safety filter before backend call
	ModelRole   string   `yaml:"model_role,omitempty" json:"model_role,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxRetries  *int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// Tool
	Tool             string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	QueryInput       string         `yaml:"query_input,omitempty" json:"query_input,omitempty"`             // Input passed as the query; none means tool_params only
	QueryInstruction string         `yaml:"query_instruction,omitempty" json:"query_instruction,omitempty"` // Backend formulates the query
	ToolParams       map[string]any `yaml:"tool_params,omitempty" json:"tool_params,omitempty"`
	Fallback         string         `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	HaltOnEmpty      bool           `yaml:"halt_on_empty,omitempty" json:"halt_on_empty,omitempty"`

	// Pipeline-as-stage
	Pipeline string `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
}

// DefaultToolFallback is the best-effort output of a tool stage whose call produced nothing.
const DefaultToolFallback = "No information found."

// Validate checks a stage in isolation and fills defaults.
func (s *StageSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: stage name is required", ErrInvalidPipeline)
	}
	if s.OutputKey == "" {
		s.OutputKey = s.Name
	}
	if s.Kind == "" {
		s.Kind = StageGeneration
	}
	if s.Output.Kind == "" {
		s.Output.Kind = SchemaText
	}

	switch s.Kind {
	case StageGeneration:
		if s.Instruction == "" {
			return fmt.Errorf("%w: stage '%s' has no instruction", ErrInvalidPipeline, s.Name)
		}
	case StageTool:
		if s.Tool == "" {
			return fmt.Errorf("%w: tool stage '%s' names no tool", ErrInvalidPipeline, s.Name)
		}
		if s.QueryInput != "" && s.QueryInstruction != "" {
			return fmt.Errorf("%w: tool stage '%s' sets both query_input and query_instruction", ErrInvalidPipeline, s.Name)
		}
		if s.Output.IsRecord() && s.Instruction == "" {
			return fmt.Errorf("%w: tool stage '%s' needs an instruction to produce a record", ErrInvalidPipeline, s.Name)
		}
		if s.QueryInput != "" && !s.hasInput(s.QueryInput) {
			return fmt.Errorf("%w: tool stage '%s' query_input '%s' is not a bound input", ErrInvalidPipeline, s.Name, s.QueryInput)
		}
		if s.Fallback == "" {
			s.Fallback = DefaultToolFallback
		}
	case StagePipeline:
		if s.Pipeline == "" {
			return fmt.Errorf("%w: pipeline stage '%s' names no pipeline", ErrInvalidPipeline, s.Name)
		}
	default:
		return fmt.Errorf("%w: stage '%s' has unknown kind '%s'", ErrInvalidPipeline, s.Name, s.Kind)
	}

	if s.Output.IsRecord() {
		if len(s.Output.Fields) == 0 {
			return fmt.Errorf("%w: stage '%s' declares a record with no fields", ErrInvalidPipeline, s.Name)
		}
		for _, f := range s.Output.Fields {
			switch f.Type {
			case FieldString, FieldInteger, FieldNumber, FieldBoolean, FieldStringList:
			default:
				return fmt.Errorf("%w: stage '%s' field '%s' has unknown type '%s'", ErrInvalidPipeline, s.Name, f.Name, f.Type)
			}
		}
	}

	seen := make(map[string]bool, len(s.Inputs))
	for _, in := range s.Inputs {
		if in.Name == "" || in.Key == "" {
			return fmt.Errorf("%w: stage '%s' has a binding without name or key", ErrInvalidPipeline, s.Name)
		}
		if seen[in.Name] {
			return fmt.Errorf("%w: stage '%s' binds input '%s' twice", ErrInvalidPipeline, s.Name, in.Name)
		}
		seen[in.Name] = true
	}
	return nil
}

func (s *StageSpec) hasInput(name string) bool {
	for _, in := range s.Inputs {
		if in.Name == name {
			return true
		}
	}
	return false
}

// PipelineSpec is an ordered sequence of stages plus the key holding the final output.
type PipelineSpec struct {
	Name           string       `yaml:"name" json:"name"`
	Description    string       `yaml:"description,omitempty" json:"description,omitempty"`
	RequestFields  []string     `yaml:"request_fields" json:"request_fields"`
	Stages         []*StageSpec `yaml:"stages" json:"stages"`
	FinalOutputKey string       `yaml:"final_output_key" json:"final_output_key"`
}

// NewPipelineSpec creates an empty pipeline spec.
func NewPipelineSpec(name string, requestFields ...string) *PipelineSpec {
	return &PipelineSpec{
		Name:          name,
		RequestFields: requestFields,
		Stages:        make([]*StageSpec, 0),
	}
}

// AddStage appends a stage after validating it in isolation.
func (p *PipelineSpec) AddStage(stage *StageSpec) error {
	if err := stage.Validate(); err != nil {
		return err
	}
	p.Stages = append(p.Stages, stage)
	return nil
}

// Validate enforces construction-order binding rules: every stage binding must reference
// an output produced by a strictly earlier stage, and the final output key must be produced.
func (p *PipelineSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: pipeline name is required", ErrInvalidPipeline)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: pipeline '%s' has no stages", ErrInvalidPipeline, p.Name)
	}

	requestFields := make(map[string]bool, len(p.RequestFields))
	for _, f := range p.RequestFields {
		requestFields[f] = true
	}

	names := make(map[string]bool, len(p.Stages))
	produced := make(map[string]*StageSpec, len(p.Stages))

	for _, stage := range p.Stages {
		if err := stage.Validate(); err != nil {
			return fmt.Errorf("pipeline '%s': %w", p.Name, err)
		}
		if names[stage.Name] {
			return fmt.Errorf("%w: pipeline '%s' has duplicate stage name '%s'", ErrInvalidPipeline, p.Name, stage.Name)
		}
		names[stage.Name] = true

		for _, in := range stage.Inputs {
			switch in.Source {
			case SourceRequest:
				if !requestFields[in.Key] {
					return fmt.Errorf("%w: stage '%s' binds undeclared request field '%s'", ErrInvalidPipeline, stage.Name, in.Key)
				}
			case SourceStage:
				prior, ok := produced[in.Key]
				if !ok {
					return fmt.Errorf("%w: stage '%s' references '%s' which no earlier stage produces", ErrInvalidPipeline, stage.Name, in.Key)
				}
				if in.Field != "" && !prior.Output.IsRecord() {
					return fmt.Errorf("%w: stage '%s' reads field '%s' of text output '%s'", ErrInvalidPipeline, stage.Name, in.Field, in.Key)
				}
				if in.Field != "" && !hasField(prior.Output, in.Field) {
					return fmt.Errorf("%w: stage '%s' reads undeclared field '%s' of '%s'", ErrInvalidPipeline, stage.Name, in.Field, in.Key)
				}
			default:
				return fmt.Errorf("%w: stage '%s' input '%s' has unknown source '%s'", ErrInvalidPipeline, stage.Name, in.Name, in.Source)
			}
		}

		if _, dup := produced[stage.OutputKey]; dup {
			return fmt.Errorf("%w: pipeline '%s' writes output key '%s' twice", ErrInvalidPipeline, p.Name, stage.OutputKey)
		}
		if requestFields[stage.OutputKey] {
			return fmt.Errorf("%w: stage '%s' output key shadows request field '%s'", ErrInvalidPipeline, stage.Name, stage.OutputKey)
		}
		produced[stage.OutputKey] = stage
	}

	if p.FinalOutputKey == "" {
		p.FinalOutputKey = p.Stages[len(p.Stages)-1].OutputKey
	}
	if _, ok := produced[p.FinalOutputKey]; !ok {
		return fmt.Errorf("%w: pipeline '%s' final output key '%s' is produced by no stage", ErrInvalidPipeline, p.Name, p.FinalOutputKey)
	}
	return nil
}

func hasField(schema OutputSchema, name string) bool {
	for _, f := range schema.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// GetStage gets a stage spec by name.
func (p *PipelineSpec) GetStage(name string) *StageSpec {
	for _, s := range p.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// GetStageOrder returns stage names in execution order.
func (p *PipelineSpec) GetStageOrder() []string {
	order := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		order[i] = s.Name
	}
	return order
}

// StageOutputOrder returns output keys in execution order.
func (p *PipelineSpec) StageOutputOrder() []string {
	order := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		order[i] = s.OutputKey
	}
	return order
}

// SubPipelines returns the names of pipelines referenced by pipeline stages.
func (p *PipelineSpec) SubPipelines() []string {
	var out []string
	for _, s := range p.Stages {
		if s.Kind == StagePipeline {
			out = append(out, s.Pipeline)
		}
	}
	return out
}

// RequiredRequestFields returns the request fields read by non-optional bindings, in
// first-use order. A run must be seeded with all of them.
func (p *PipelineSpec) RequiredRequestFields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range p.Stages {
		for _, in := range s.Inputs {
			if in.Source != SourceRequest || in.Optional || seen[in.Key] {
				continue
			}
			seen[in.Key] = true
			out = append(out, in.Key)
		}
	}
	return out
}
