// Package runtime tests for Pipeline
package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/safety"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/stages"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/statebag"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func testDeps(backend *testutil.MockBackend, tools *testutil.MockToolExecutor) Deps {
	deps := Deps{
		Filter: safety.NewFilter(nil, ""),
		Retry:  testutil.FastRetry(),
		Logger: testutil.NewMockLogger(),
	}
	if backend != nil {
		deps.Backend = backend
	}
	if tools != nil {
		deps.Tools = tools
	}
	return deps
}

func chainParams(request string) map[string]any {
	return map[string]any{"request": request, "language": "English"}
}

// panicStage is a stage whose Execute panics.
type panicStage struct{ spec *config.StageSpec }

func (s *panicStage) Name() string            { return s.spec.Name }
func (s *panicStage) OutputKey() string       { return s.spec.OutputKey }
func (s *panicStage) Spec() *config.StageSpec { return s.spec }
func (s *panicStage) Execute(ctx context.Context, in stages.Inputs) (*stages.Result, error) {
	panic("unexpected nil record")
}

// =============================================================================
// STATE MACHINE TESTS
// =============================================================================

func TestPipeline_Completed(t *testing.T) {
	// Test A -> B -> C runs in order and returns the final stage's output.
	backend := testutil.NewMockBackend().
		WithStageResponse("draft", "draft text").
		WithStageResponse("refine", "refined text").
		WithStageResponse("format", "formatted text")
	p, err := NewPipeline(testutil.NewChainSpec("chain"), testDeps(backend, nil))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), chainParams("a story about rain"))

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "formatted text", res.Output)
	assert.Equal(t, 2, res.StageIndex)
	assert.Equal(t, []string{"draft", "refine", "format"}, backend.CalledStages())
	assert.Contains(t, backend.Calls[1].Prompt, "previous:\ndraft text")
	assert.Contains(t, backend.Calls[2].Prompt, "previous:\nrefined text")
	assert.NotEmpty(t, res.RunID)
	assert.Nil(t, res.Err)
}

func TestPipeline_OneEntryPerExecutedStage(t *testing.T) {
	p, err := NewPipeline(testutil.NewChainSpec("chain", "a", "b", "c", "d"), testDeps(testutil.NewMockBackend(), nil))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), chainParams("plants"))

	require.NoError(t, err)
	assert.Equal(t, p.Spec().StageOutputOrder(), res.Bag.Keys())
	assert.Equal(t, len(res.Stages), res.Bag.Len())
	for _, rec := range res.Stages {
		entry, ok := res.Bag.Entry(rec.OutputKey)
		require.True(t, ok)
		assert.Equal(t, rec.Name, entry.Stage)
		assert.Equal(t, StageSuccess, rec.Status)
	}
}

func TestPipeline_BlockedAtFirstStage(t *testing.T) {
	backend := testutil.NewMockBackend()
	p, err := NewPipeline(testutil.NewChainSpec("chain"), testDeps(backend, nil))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), chainParams("kill the bug"))

	require.NoError(t, err)
	assert.Equal(t, StateBlocked, res.State)
	assert.Equal(t, safety.DefaultRefusal, res.Output)
	assert.Equal(t, 0, res.StageIndex)
	require.NotNil(t, res.Block)
	assert.Equal(t, "kill", res.Block.Term)
	assert.Equal(t, 0, backend.GetCallCount())

	// The blocked stage's entry holds the refusal; later stages never ran.
	v, ok := res.Bag.Get("draft_output")
	require.True(t, ok)
	assert.Equal(t, safety.DefaultRefusal, v)
	assert.Equal(t, 1, res.Bag.Len())
	require.Len(t, res.Stages, 1)
	assert.Equal(t, StageBlocked, res.Stages[0].Status)
}

func TestPipeline_FailedAfterRetryExhaustion(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithStageResponse("draft", "draft text").
		WithStageErrors("refine",
			failures.Unavailable("gemini", errors.New("503"), true),
			failures.Unavailable("gemini", errors.New("503"), true),
			failures.Unavailable("gemini", errors.New("503"), true),
		)
	p, err := NewPipeline(testutil.NewChainSpec("chain"), testDeps(backend, nil))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), chainParams("rain"))

	require.Error(t, err)
	assert.ErrorIs(t, err, failures.ErrBackendUnavailable)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, failures.Apology, res.Output)
	assert.Equal(t, 1, res.StageIndex)
	assert.Equal(t, []string{"draft", "refine", "refine", "refine"}, backend.CalledStages())
	assert.False(t, res.Bag.Has("format_output"))
	assert.Equal(t, StageError, res.Stages[1].Status)
	assert.Equal(t, 3, res.Stages[1].BackendCalls)
}

func TestPipeline_TransientErrorRecovered(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithStageErrors("draft", failures.Unavailable("gemini", errors.New("429"), true))
	p, err := NewPipeline(testutil.NewChainSpec("chain"), testDeps(backend, nil))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), chainParams("rain"))

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 4, backend.GetCallCount())
}

func TestPipeline_CancelledAtStageBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := testutil.NewMockBackend()
	backend.GenerateFunc = func(_ context.Context, req stages.GenerateRequest) (string, error) {
		if req.Stage == "draft" {
			cancel() // delivery channel went away while the first stage ran
		}
		return "text", nil
	}
	p, err := NewPipeline(testutil.NewChainSpec("chain"), testDeps(backend, nil))
	require.NoError(t, err)

	res, err := p.Run(ctx, chainParams("rain"))

	require.Error(t, err)
	assert.Equal(t, failures.KindCancelled, failures.KindOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, res.Bag.Len())
	assert.ErrorIs(t, res.Bag.Put("late", statebag.Entry{}), statebag.ErrDiscarded)
	assert.Equal(t, []string{"draft"}, backend.CalledStages())
}

func TestPipeline_StagePanicFails(t *testing.T) {
	p, err := NewPipeline(testutil.NewChainSpec("chain"), testDeps(testutil.NewMockBackend(), nil))
	require.NoError(t, err)
	p.stages[1] = &panicStage{spec: p.spec.Stages[1]}

	res, err := p.Run(context.Background(), chainParams("rain"))

	require.Error(t, err)
	assert.Equal(t, failures.KindInternal, failures.KindOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, err.Error(), "panic in stage_refine")
}

func TestPipeline_MissingRequestField(t *testing.T) {
	backend := testutil.NewMockBackend()
	p, err := NewPipeline(testutil.NewChainSpec("chain"), testDeps(backend, nil))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), map[string]any{"request": "rain"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing request field 'language'")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, -1, res.StageIndex)
	assert.Equal(t, 0, backend.GetCallCount())
}

func TestPipeline_ConcurrentRunsAreIsolated(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.GenerateFunc = func(_ context.Context, req stages.GenerateRequest) (string, error) {
		return req.Prompt, nil
	}
	p, err := NewPipeline(testutil.NewChainSpec("chain", "only"), testDeps(backend, nil))
	require.NoError(t, err)

	results := make(chan *Result, 2)
	for _, topic := range []string{"rain", "soil"} {
		go func(topic string) {
			res, _ := p.Run(context.Background(), chainParams(topic))
			results <- res
		}(topic)
	}

	a, b := <-results, <-results
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.NotSame(t, a.Bag, b.Bag)
	assert.NotEqual(t, a.Output, b.Output)
}

// =============================================================================
// TOOL STAGE INTEGRATION TESTS
// =============================================================================

func worksheetLikeSpec() *config.PipelineSpec {
	spec := config.NewPipelineSpec("worksheet", "image", "grades")
	spec.Stages = []*config.StageSpec{
		{
			Name:        "ocr",
			Kind:        config.StageTool,
			Tool:        "ocr",
			Inputs:      []config.InputBinding{testutil.FromRequest("image")},
			QueryInput:  "image",
			OutputKey:   "page_text",
			Fallback:    "Could not find any text in the image. Please try a clearer picture.",
			HaltOnEmpty: true,
		},
		{
			Name:        "concept",
			Instruction: "Find the main concept.",
			Inputs:      []config.InputBinding{testutil.FromStage("text", "page_text")},
			OutputKey:   "concept",
		},
		{
			Name:        "worksheets",
			Instruction: "Write worksheets.",
			Inputs:      []config.InputBinding{testutil.FromStage("concept", "concept"), testutil.FromRequest("grades")},
			OutputKey:   "worksheets",
		},
	}
	return spec
}

func TestPipeline_HaltOnEmptyTool(t *testing.T) {
	backend := testutil.NewMockBackend()
	tools := testutil.NewMockToolExecutor().WithResult("ocr", map[string]any{"text": ""})
	p, err := NewPipeline(worksheetLikeSpec(), testDeps(backend, tools))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), map[string]any{"image": "photo", "grades": []int{3, 5}})

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.True(t, res.Halted)
	assert.Equal(t, "Could not find any text in the image. Please try a clearer picture.", res.Output)
	assert.Equal(t, 0, backend.GetCallCount())
	assert.Equal(t, []string{"page_text"}, res.Bag.Keys())

	entry, _ := res.Bag.Entry("page_text")
	require.NotNil(t, entry.ToolCall)
	assert.True(t, entry.ToolCall.Empty)
	assert.Equal(t, StageEmpty, res.Stages[0].Status)
	assert.Equal(t, []string{"ocr:empty"}, toolCalls(res.Bag))
}

func TestPipeline_ToolResultFlowsForward(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithStageResponse("concept", "evaporation").
		WithStageResponse("worksheets", "Worksheet for grade 3 and 5")
	tools := testutil.NewMockToolExecutor().WithResult("ocr", map[string]any{"text": "Water turns into vapour."})
	p, err := NewPipeline(worksheetLikeSpec(), testDeps(backend, tools))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), map[string]any{"image": "photo", "grades": []int{3, 5}})

	require.NoError(t, err)
	assert.Equal(t, "Worksheet for grade 3 and 5", res.Output)
	assert.Contains(t, backend.Calls[0].Prompt, "text:\nWater turns into vapour.")
	assert.Contains(t, backend.Calls[1].Prompt, "grades:\n3, 5")
}

// =============================================================================
// INPUT RESOLUTION TESTS
// =============================================================================

func TestPipeline_RecordFieldBinding(t *testing.T) {
	spec := config.NewPipelineSpec("story", "topic")
	spec.Stages = []*config.StageSpec{
		{
			Name:        "questions",
			Instruction: "Write questions.",
			Inputs:      []config.InputBinding{testutil.FromRequest("topic")},
			Output: config.OutputSchema{Kind: config.SchemaRecord, Fields: []config.FieldSpec{
				{Name: "questions", Type: config.FieldStringList, Required: true, MinItems: 3, MaxItems: 5},
			}},
			OutputKey: "story_questions",
		},
		{
			Name:        "format",
			Instruction: "Format.",
			Inputs: []config.InputBinding{
				{Name: "questions", Source: config.SourceStage, Key: "story_questions", Field: "questions"},
			},
			OutputKey: "final",
		},
	}
	backend := testutil.NewMockBackend().
		WithStageResponse("questions", `{"questions": ["Who?", "Why?", "Where?"]}`).
		WithStageResponse("format", "done")
	p, err := NewPipeline(spec, testDeps(backend, nil))
	require.NoError(t, err)

	res, err := p.Run(context.Background(), map[string]any{"topic": "rain"})

	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Contains(t, backend.Calls[1].Prompt, "questions:\n1. Who?\n2. Why?\n3. Where?")
}

func TestPipeline_OptionalBindingSkipped(t *testing.T) {
	spec := config.NewPipelineSpec("lesson_plan", "grades", "calendar_notes")
	notes := testutil.FromRequest("calendar_notes")
	notes.Optional = true
	spec.Stages = []*config.StageSpec{
		{Name: "plan", Instruction: "Plan the week.", Inputs: []config.InputBinding{testutil.FromRequest("grades"), notes}},
	}
	backend := testutil.NewMockBackend()
	p, err := NewPipeline(spec, testDeps(backend, nil))
	require.NoError(t, err)

	_, err = p.Run(context.Background(), map[string]any{"grades": []int{4}})

	require.NoError(t, err)
	assert.NotContains(t, backend.Calls[0].Prompt, "calendar_notes")
}

// =============================================================================
// CONSTRUCTION TESTS
// =============================================================================

func TestNewPipeline_InvalidSpec(t *testing.T) {
	spec := testutil.NewChainSpec("chain")
	spec.Stages[1].Inputs = []config.InputBinding{testutil.FromStage("previous", "format_output")}

	_, err := NewPipeline(spec, testDeps(testutil.NewMockBackend(), nil))

	assert.ErrorIs(t, err, config.ErrInvalidPipeline)
}

func TestNewPipeline_MissingCollaborator(t *testing.T) {
	_, err := NewPipeline(worksheetLikeSpec(), testDeps(testutil.NewMockBackend(), nil))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to build stage 'ocr'")
}
