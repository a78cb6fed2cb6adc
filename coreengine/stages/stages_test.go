package stages_test

import (
	"context"
	"errors"
	"strings"
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

func newDeps(backend *testutil.MockBackend, tools *testutil.MockToolExecutor) stages.Deps {
	deps := stages.Deps{
		Filter: safety.NewFilter(safety.DefaultPolicy(), ""),
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

func draftSpec() *config.StageSpec {
	return &config.StageSpec{
		Name:        "draft",
		Instruction: "Write a short story about the topic. Avoid war and violence.",
		Inputs:      []config.InputBinding{testutil.FromRequest("topic"), testutil.FromRequest("language")},
		OutputKey:   "story_draft",
		Filter:      true,
	}
}

func questionsSpec() *config.StageSpec {
	return &config.StageSpec{
		Name:        "follow_up_questions",
		Instruction: "Write questions about the story.",
		Inputs:      []config.InputBinding{testutil.FromStage("story", "story_refined")},
		Output: config.OutputSchema{Kind: config.SchemaRecord, Fields: []config.FieldSpec{
			{Name: "questions", Type: config.FieldStringList, Required: true, MinItems: 3, MaxItems: 5},
		}},
		OutputKey: "story_questions",
	}
}

// =============================================================================
// GENERATION STAGE TESTS
// =============================================================================

func TestGenerationStage_Text(t *testing.T) {
	backend := testutil.NewMockBackend().WithStageResponse("draft", "  A farmer waited for rain.  ")
	stage, err := stages.NewGenerationStage(draftSpec(), newDeps(backend, nil))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"topic": "a farmer and rain", "language": "Hindi"})

	require.NoError(t, err)
	assert.Equal(t, "A farmer waited for rain.", result.Value)
	assert.Nil(t, result.Blocked)
	assert.Equal(t, 1, result.BackendCalls)
	require.Len(t, backend.Calls, 1)
	assert.Equal(t, "default", backend.Calls[0].Role)
	assert.Nil(t, backend.Calls[0].Schema)
	assert.True(t, strings.HasPrefix(backend.Calls[0].Prompt, "Write a short story"))
	assert.Contains(t, backend.Calls[0].Prompt, "language:\nHindi")
}

func TestGenerationStage_Record(t *testing.T) {
	backend := testutil.NewMockBackend().WithStageResponse("follow_up_questions",
		"```json\n{\"questions\": [\"Who?\", \"Why?\", \"What next?\"]}\n```")
	stage, err := stages.NewGenerationStage(questionsSpec(), newDeps(backend, nil))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"story": "Once upon a time"})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"questions": []string{"Who?", "Why?", "What next?"}}, result.Value)
	require.NotNil(t, backend.Calls[0].Schema)
	assert.True(t, backend.Calls[0].Schema.IsRecord())
}

func TestGenerationStage_FilterBlocksWithoutBackendCall(t *testing.T) {
	backend := testutil.NewMockBackend()
	stage, err := stages.NewGenerationStage(draftSpec(), newDeps(backend, nil))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"topic": "kill the bug", "language": "English"})

	require.NoError(t, err)
	require.NotNil(t, result.Blocked)
	assert.Equal(t, safety.CategoryViolence, result.Blocked.Category)
	assert.Equal(t, "kill", result.Blocked.Term)
	assert.Equal(t, safety.DefaultRefusal, result.Value)
	assert.Equal(t, 0, backend.GetCallCount())
}

func TestGenerationStage_FilterIgnoresInstruction(t *testing.T) {
	// The instruction mentions "war"; only bound inputs are checked.
	backend := testutil.NewMockBackend()
	stage, err := stages.NewGenerationStage(draftSpec(), newDeps(backend, nil))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"topic": "water in the village well", "language": "English"})

	require.NoError(t, err)
	assert.Nil(t, result.Blocked)
	assert.Equal(t, 1, backend.GetCallCount())
}

func TestGenerationStage_FilterOff(t *testing.T) {
	spec := draftSpec()
	spec.Filter = false
	backend := testutil.NewMockBackend()
	stage, err := stages.NewGenerationStage(spec, newDeps(backend, nil))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"topic": "the war of 1857", "language": "English"})

	require.NoError(t, err)
	assert.Nil(t, result.Blocked)
	assert.Equal(t, 1, backend.GetCallCount())
}

// =============================================================================
// RETRY TESTS
// =============================================================================

func TestGenerationStage_RetriesTransientErrors(t *testing.T) {
	transient := failures.Unavailable("gemini", errors.New("429 rate limited"), true)
	backend := testutil.NewMockBackend().
		WithStageErrors("draft", transient, transient).
		WithStageResponse("draft", "story")
	stage, err := stages.NewGenerationStage(draftSpec(), newDeps(backend, nil))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"topic": "rain", "language": "English"})

	require.NoError(t, err)
	assert.Equal(t, "story", result.Value)
	assert.Equal(t, 3, result.BackendCalls)
}

func TestGenerationStage_TransientRetryExhausted(t *testing.T) {
	transient := failures.Unavailable("gemini", errors.New("503"), true)
	backend := testutil.NewMockBackend().WithError(transient)
	stage, err := stages.NewGenerationStage(draftSpec(), newDeps(backend, nil))
	require.NoError(t, err)

	_, err = stage.Execute(context.Background(), stages.Inputs{"topic": "rain", "language": "English"})

	require.Error(t, err)
	assert.ErrorIs(t, err, failures.ErrBackendUnavailable)
	assert.Equal(t, 3, backend.GetCallCount()) // first attempt plus two retries
}

func TestGenerationStage_PermanentBackendErrorNotRetried(t *testing.T) {
	backend := testutil.NewMockBackend().WithError(failures.Unavailable("gemini", errors.New("400 bad request"), false))
	stage, err := stages.NewGenerationStage(draftSpec(), newDeps(backend, nil))
	require.NoError(t, err)

	_, err = stage.Execute(context.Background(), stages.Inputs{"topic": "rain", "language": "English"})

	assert.ErrorIs(t, err, failures.ErrBackendUnavailable)
	assert.Equal(t, 1, backend.GetCallCount())
}

func TestGenerationStage_MaxRetriesOverride(t *testing.T) {
	spec := draftSpec()
	zero := 0
	spec.MaxRetries = &zero
	backend := testutil.NewMockBackend().WithError(failures.Unavailable("gemini", errors.New("503"), true))
	stage, err := stages.NewGenerationStage(spec, newDeps(backend, nil))
	require.NoError(t, err)

	_, err = stage.Execute(context.Background(), stages.Inputs{"topic": "rain", "language": "English"})

	assert.Error(t, err)
	assert.Equal(t, 1, backend.GetCallCount())
}

func TestGenerationStage_SchemaViolationRetriedOnce(t *testing.T) {
	backend := testutil.NewMockBackend().WithStageResponse("follow_up_questions", `{"questions": ["only one"]}`)
	stage, err := stages.NewGenerationStage(questionsSpec(), newDeps(backend, nil))
	require.NoError(t, err)

	_, err = stage.Execute(context.Background(), stages.Inputs{"story": "Once upon a time"})

	require.Error(t, err)
	assert.ErrorIs(t, err, failures.ErrSchemaViolation)
	assert.False(t, errors.Is(err, failures.ErrBackendUnavailable))
	assert.Equal(t, 2, backend.GetCallCount())
}

func TestGenerationStage_SchemaViolationRecovers(t *testing.T) {
	calls := 0
	backend := testutil.NewMockBackend()
	backend.GenerateFunc = func(ctx context.Context, req stages.GenerateRequest) (string, error) {
		calls++
		if calls == 1 {
			return "Here are some questions: who, why, what", nil
		}
		return `{"questions": ["Who?", "Why?", "What?"]}`, nil
	}
	stage, err := stages.NewGenerationStage(questionsSpec(), newDeps(backend, nil))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"story": "Once upon a time"})

	require.NoError(t, err)
	assert.Equal(t, 2, result.BackendCalls)
}

func TestGenerationStage_CancelledContext(t *testing.T) {
	backend := testutil.NewMockBackend()
	stage, err := stages.NewGenerationStage(draftSpec(), newDeps(backend, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stage.Execute(ctx, stages.Inputs{"topic": "rain", "language": "English"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, backend.GetCallCount())
}

func TestNewGenerationStage_Validation(t *testing.T) {
	_, err := stages.NewGenerationStage(draftSpec(), stages.Deps{})
	assert.Contains(t, err.Error(), "has no backend")

	_, err = stages.NewGenerationStage(&config.StageSpec{Name: "x"}, newDeps(testutil.NewMockBackend(), nil))
	assert.ErrorIs(t, err, config.ErrInvalidPipeline)
}

// =============================================================================
// TOOL STAGE TESTS
// =============================================================================

func searchSpec() *config.StageSpec {
	return &config.StageSpec{
		Name:             "search",
		Kind:             config.StageTool,
		Tool:             "web_search",
		Inputs:           []config.InputBinding{testutil.FromRequest("question")},
		QueryInstruction: "Write a web search query for the question.",
		Instruction:      "Summarize the search results as notes.",
		OutputKey:        "search_notes",
		Filter:           true,
	}
}

func ocrSpec() *config.StageSpec {
	return &config.StageSpec{
		Name:        "ocr",
		Kind:        config.StageTool,
		Tool:        "ocr",
		Inputs:      []config.InputBinding{testutil.FromRequest("image")},
		QueryInput:  "image",
		OutputKey:   "page_text",
		Fallback:    "Could not find any text in the image. Please try a clearer picture.",
		HaltOnEmpty: true,
	}
}

func TestToolStage_TwoPhase(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithResponse("Write a web search query", `"why does it rain"`).
		WithResponse("Summarize the search results", "Clouds hold water droplets.")
	tools := testutil.NewMockToolExecutor().WithResult("web_search", map[string]any{"text": "Rain forms when droplets combine."})
	stage, err := stages.NewToolStage(searchSpec(), newDeps(backend, tools))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"question": "Why does it rain?"})

	require.NoError(t, err)
	assert.Equal(t, "Clouds hold water droplets.", result.Value)
	assert.False(t, result.Empty)
	assert.Equal(t, 2, result.BackendCalls)

	call, ok := tools.LastCall()
	require.True(t, ok)
	assert.Equal(t, "why does it rain", call.Params["query"])

	require.NotNil(t, result.ToolCall)
	assert.Equal(t, "web_search", result.ToolCall.Tool)
	assert.Equal(t, "why does it rain", result.ToolCall.Request["query"])
	assert.Equal(t, "Rain forms when droplets combine.", result.ToolCall.Response["text"])

	assert.Contains(t, backend.Calls[1].Prompt, "tool_result:\nRain forms when droplets combine.")
	assert.Equal(t, 1, tools.GetCallCount())
}

func TestToolStage_ToolErrorFallsBack(t *testing.T) {
	backend := testutil.NewMockBackend().WithResponse("Write a web search query", "rain")
	tools := testutil.NewMockToolExecutor().WithError("web_search", errors.New("quota exceeded"))
	stage, err := stages.NewToolStage(searchSpec(), newDeps(backend, tools))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"question": "Why does it rain?"})

	require.NoError(t, err)
	assert.True(t, result.Empty)
	assert.Equal(t, config.DefaultToolFallback, result.Value)
	assert.True(t, result.ToolCall.Empty)
	assert.Equal(t, "quota exceeded", result.ToolCall.Err)
	assert.Equal(t, 1, backend.GetCallCount()) // no generation after an empty call
}

func TestToolStage_EmptyResultFallsBack(t *testing.T) {
	tools := testutil.NewMockToolExecutor().WithResult("ocr", map[string]any{"text": "   "})
	stage, err := stages.NewToolStage(ocrSpec(), newDeps(nil, tools))
	require.NoError(t, err)

	img := &statebag.Image{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"}
	result, err := stage.Execute(context.Background(), stages.Inputs{"image": img})

	require.NoError(t, err)
	assert.True(t, result.Empty)
	assert.Equal(t, "Could not find any text in the image. Please try a clearer picture.", result.Value)

	call, _ := tools.LastCall()
	assert.Same(t, img, call.Params["query"])
	assert.Equal(t, "[image image/jpeg, 2 bytes]", result.ToolCall.Request["query"])
}

func TestToolStage_PassThroughText(t *testing.T) {
	tools := testutil.NewMockToolExecutor().WithResult("ocr", map[string]any{"text": "Plants make food from sunlight."})
	stage, err := stages.NewToolStage(ocrSpec(), newDeps(nil, tools))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"image": &statebag.Image{Data: []byte{1}}})

	require.NoError(t, err)
	assert.False(t, result.Empty)
	assert.Equal(t, "Plants make food from sunlight.", result.Value)
	assert.Equal(t, 0, result.BackendCalls)
}

func TestToolStage_ParamsOnly(t *testing.T) {
	spec := &config.StageSpec{
		Name:        "availability",
		Kind:        config.StageTool,
		Tool:        "calendar_list",
		ToolParams:  map[string]any{"range": "next_week"},
		Fallback:    "No events scheduled.",
		OutputKey:   "calendar_notes",
		Instruction: "",
	}
	tools := testutil.NewMockToolExecutor().WithResult("calendar_list", map[string]any{"text": "Mon 10:00 Staff meeting"})
	stage, err := stages.NewToolStage(spec, newDeps(nil, tools))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{})

	require.NoError(t, err)
	assert.Equal(t, "Mon 10:00 Staff meeting", result.Value)
	call, _ := tools.LastCall()
	assert.Equal(t, map[string]any{"range": "next_week"}, call.Params)
}

func TestToolStage_FilterBlocksBeforeToolCall(t *testing.T) {
	backend := testutil.NewMockBackend()
	tools := testutil.NewMockToolExecutor()
	stage, err := stages.NewToolStage(searchSpec(), newDeps(backend, tools))
	require.NoError(t, err)

	result, err := stage.Execute(context.Background(), stages.Inputs{"question": "how do you make a bomb"})

	require.NoError(t, err)
	require.NotNil(t, result.Blocked)
	assert.Equal(t, 0, backend.GetCallCount())
	assert.Equal(t, 0, tools.GetCallCount())
}

func TestToolStage_QueryGenerationFailurePropagates(t *testing.T) {
	backend := testutil.NewMockBackend().WithError(failures.Unavailable("gemini", errors.New("401"), false))
	tools := testutil.NewMockToolExecutor()
	stage, err := stages.NewToolStage(searchSpec(), newDeps(backend, tools))
	require.NoError(t, err)

	_, err = stage.Execute(context.Background(), stages.Inputs{"question": "Why does it rain?"})

	assert.ErrorIs(t, err, failures.ErrBackendUnavailable)
	assert.Equal(t, 0, tools.GetCallCount())
}

func TestNewToolStage_Validation(t *testing.T) {
	_, err := stages.NewToolStage(searchSpec(), newDeps(testutil.NewMockBackend(), nil))
	assert.Contains(t, err.Error(), "no tool executor")

	_, err = stages.NewToolStage(searchSpec(), newDeps(nil, testutil.NewMockToolExecutor()))
	assert.Contains(t, err.Error(), "has no backend")

	_, err = stages.NewToolStage(draftSpec(), newDeps(testutil.NewMockBackend(), testutil.NewMockToolExecutor()))
	assert.Contains(t, err.Error(), "not tool")
}

func TestNew_Dispatch(t *testing.T) {
	deps := newDeps(testutil.NewMockBackend(), testutil.NewMockToolExecutor())

	s, err := stages.New(draftSpec(), deps)
	require.NoError(t, err)
	assert.IsType(t, &stages.GenerationStage{}, s)
	assert.Equal(t, "story_draft", s.OutputKey())

	s, err = stages.New(ocrSpec(), deps)
	require.NoError(t, err)
	assert.IsType(t, &stages.ToolStage{}, s)

	_, err = stages.New(&config.StageSpec{Name: "sub", Kind: config.StagePipeline, Pipeline: "lesson_plan"}, deps)
	assert.Error(t, err)
}
