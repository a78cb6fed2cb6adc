package runtime

import (
	"fmt"
	"sort"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
)

// Registry builds and holds every pipeline of a catalog. Pipelines referenced by
// pipeline stages are built before the pipelines that use them.
type Registry struct {
	pipelines map[string]*Pipeline
}

// NewRegistry builds all specs. Unknown or cyclic pipeline references are errors.
func NewRegistry(specs []*config.PipelineSpec, deps Deps) (*Registry, error) {
	r := &Registry{pipelines: make(map[string]*Pipeline, len(specs))}
	deps.Pipelines = r.Get

	pending := make(map[string]*config.PipelineSpec, len(specs))
	for _, s := range specs {
		if _, dup := pending[s.Name]; dup {
			return nil, fmt.Errorf("%w: pipeline '%s' is defined twice", config.ErrInvalidPipeline, s.Name)
		}
		pending[s.Name] = s
	}

	for len(pending) > 0 {
		progressed := false
		for _, name := range sortedKeys(pending) {
			spec := pending[name]
			if !r.ready(spec) {
				continue
			}
			p, err := NewPipeline(spec, deps)
			if err != nil {
				return nil, err
			}
			r.pipelines[name] = p
			delete(pending, name)
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("%w: pipelines %v reference unknown or cyclic sub-pipelines", config.ErrInvalidPipeline, sortedKeys(pending))
		}
	}
	return r, nil
}

// ready reports whether every sub-pipeline of spec is already built.
func (r *Registry) ready(spec *config.PipelineSpec) bool {
	for _, sub := range spec.SubPipelines() {
		if _, built := r.pipelines[sub]; !built {
			return false
		}
	}
	return true
}

// Get returns a built pipeline.
func (r *Registry) Get(name string) (*Pipeline, bool) {
	p, ok := r.pipelines[name]
	return p, ok
}

// Names returns the pipeline names, sorted.
func (r *Registry) Names() []string {
	return sortedKeys(r.pipelines)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
