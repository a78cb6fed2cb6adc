package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/calendar"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/router"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/search"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/settings"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeSearcher struct{}

func (fakeSearcher) Search(context.Context, string, int) ([]search.Result, error) {
	return []search.Result{{Title: "Rayleigh scattering", Snippet: "Blue light scatters more."}}, nil
}

type stubRouter struct{ reply *router.Reply }

func (s stubRouter) Route(context.Context, router.Request) *router.Reply { return s.reply }

func newTestApp(t *testing.T) (*app, *testutil.MockBackend) {
	t.Helper()
	be := testutil.NewMockBackend()
	a, err := newApp(settings.Default(), &components{
		backend:  be,
		searcher: fakeSearcher{},
		calendar: calendar.NewMemoryService(),
	}, testutil.NewMockLogger())
	require.NoError(t, err)
	return a, be
}

// =============================================================================
// COMMAND TREE
// =============================================================================

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()

	for _, name := range []string{"serve", "ask", "pipelines"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

// =============================================================================
// PIPELINES
// =============================================================================

func TestListPipelines_BuiltIn(t *testing.T) {
	var out bytes.Buffer

	require.NoError(t, listPipelines("", &out))

	for _, name := range []string{"story", "knowledge", "textbook", "worksheet", "lesson_plan", "lesson_plan_calendar"} {
		assert.Contains(t, out.String(), name)
	}
	assert.Contains(t, out.String(), "pipelines OK")
}

func TestListPipelines_Errors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("pipelines: []\n"), 0o600))

	assert.Error(t, listPipelines(filepath.Join(dir, "missing.yaml"), &bytes.Buffer{}))
	assert.Error(t, listPipelines(empty, &bytes.Buffer{}), "a catalog without the router targets is rejected")
}

func TestPipelinesCmd_Execute(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"pipelines"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "PIPELINE")
}

// =============================================================================
// APP WIRING
// =============================================================================

func TestNewApp_RegistersConfiguredTools(t *testing.T) {
	logger := testutil.NewMockLogger()
	a, err := newApp(settings.Default(), &components{
		backend:  testutil.NewMockBackend(),
		searcher: fakeSearcher{},
		calendar: calendar.NewMemoryService(),
	}, logger)
	require.NoError(t, err)

	assert.Equal(t, []string{calendar.ListToolName, search.ToolName}, a.tools.List())
	assert.Len(t, a.registry.Names(), 6)
	assert.True(t, logger.HasLog("warn", "tool_not_configured"), "ocr and retrieval are not configured")
	for _, e := range logger.GetLogs() {
		if e.Message == "app_ready" {
			assert.Positive(t, e.Fields["safety_terms"])
		}
	}
	assert.NoError(t, a.Close())
}

func TestAsk_Knowledge(t *testing.T) {
	a, be := newTestApp(t)
	var out, errOut bytes.Buffer

	err := ask(context.Background(), a.router, router.Request{Text: "Why is the sky blue?"}, &out, &errOut, true)

	require.NoError(t, err)
	assert.Equal(t, "mock response\n", out.String())
	assert.Equal(t, "target=knowledge outcome=completed\n", errOut.String())
	assert.Positive(t, be.GetCallCount())
}

func TestAsk_Calendar(t *testing.T) {
	a, be := newTestApp(t)
	var out, errOut bytes.Buffer

	err := ask(context.Background(), a.router,
		router.Request{Text: "create event Parent meeting on 2030-08-15 at 4 pm"}, &out, &errOut, true)

	require.NoError(t, err)
	assert.Contains(t, out.String(), "Created: ")
	assert.Contains(t, out.String(), "Parent meeting")
	assert.Equal(t, "target=calendar outcome=completed\n", errOut.String())
	assert.Zero(t, be.GetCallCount(), "calendar commands never reach the backend")
}

func TestAsk_FailedOutcomeIsAnError(t *testing.T) {
	cause := failures.Unavailable("backend", errors.New("status 503"), true)
	r := stubRouter{reply: &router.Reply{Text: failures.Apology, Target: "story", Outcome: router.OutcomeFailed, Err: cause}}
	var out bytes.Buffer

	err := ask(context.Background(), r, router.Request{Text: "story"}, &out, &bytes.Buffer{}, false)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, failures.Apology+"\n", out.String())
}

func TestAsk_ClarifyIsNotAnError(t *testing.T) {
	r := stubRouter{reply: &router.Reply{Text: "Which grades?", Outcome: router.OutcomeClarify}}
	var out bytes.Buffer

	assert.NoError(t, ask(context.Background(), r, router.Request{Text: "worksheet"}, &out, &bytes.Buffer{}, false))
	assert.Equal(t, "Which grades?\n", out.String())
}

func TestReadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.png")
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	require.NoError(t, os.WriteFile(path, png, 0o600))

	img, err := readImage(path)

	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, "file:page.png", img.Source)
	assert.Equal(t, png, img.Data)

	_, err = readImage(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorContains(t, err, "failed to read image")
}
