// Package pipelines holds the catalog of teaching pipelines. Stage wiring and prompt
// wording live in the embedded prompts.yaml; an operator may point the process at an
// edited copy instead.
package pipelines

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/runtime"
)

// Pipeline names.
const (
	Story              = "story"
	Knowledge          = "knowledge"
	Textbook           = "textbook"
	Worksheet          = "worksheet"
	LessonPlan         = "lesson_plan"
	LessonPlanCalendar = "lesson_plan_calendar"
)

// Request fields seeded by the router.
const (
	FieldRequest       = "request"
	FieldTopic         = "topic"
	FieldQuestion      = "question"
	FieldLanguage      = "language"
	FieldImage         = "image"
	FieldGrades        = "grades"
	FieldCalendarNotes = "calendar_notes"
)

// Names lists every pipeline the router can target.
var Names = []string{Story, Knowledge, Textbook, Worksheet, LessonPlan, LessonPlanCalendar}

//go:embed prompts.yaml
var embedded []byte

type catalogFile struct {
	Pipelines []*config.PipelineSpec `yaml:"pipelines"`
}

// Default returns the embedded catalog.
func Default() ([]*config.PipelineSpec, error) {
	return Parse(bytes.NewReader(embedded))
}

// Load reads a catalog file. An empty path returns the embedded catalog.
func Load(path string) ([]*config.PipelineSpec, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipeline catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a catalog. Unknown keys are errors.
func Parse(r io.Reader) ([]*config.PipelineSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: pipeline catalog is empty", config.ErrInvalidPipeline)
		}
		return nil, fmt.Errorf("failed to parse pipeline catalog: %w", err)
	}
	if len(file.Pipelines) == 0 {
		return nil, fmt.Errorf("%w: pipeline catalog is empty", config.ErrInvalidPipeline)
	}
	for _, spec := range file.Pipelines {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Pipelines, nil
}

// NewRegistry builds every pipeline of the catalog at path and checks that all
// router targets are present.
func NewRegistry(path string, deps runtime.Deps) (*runtime.Registry, error) {
	specs, err := Load(path)
	if err != nil {
		return nil, err
	}
	reg, err := runtime.NewRegistry(specs, deps)
	if err != nil {
		return nil, err
	}
	for _, name := range Names {
		if _, ok := reg.Get(name); !ok {
			return nil, fmt.Errorf("%w: pipeline catalog has no '%s' pipeline", config.ErrInvalidPipeline, name)
		}
	}
	return reg, nil
}
