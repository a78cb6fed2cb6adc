package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type fakeSearcher struct {
	results []Result
	err     error
	query   string
	limit   int
}

func (f *fakeSearcher) Search(_ context.Context, query string, limit int) ([]Result, error) {
	f.query, f.limit = query, limit
	return f.results, f.err
}

// =============================================================================
// TOOL TESTS
// =============================================================================

func TestTool_Handler(t *testing.T) {
	s := &fakeSearcher{results: []Result{
		{Title: "Rain", Link: "https://a.example", Snippet: "Rain falls from clouds."},
		{Title: "Clouds", Link: "https://b.example", Snippet: "Clouds are water droplets."},
	}}
	tool := NewTool(s, 3)

	res, err := tool.Handler(context.Background(), map[string]any{"query": " why does it rain "})

	require.NoError(t, err)
	assert.Equal(t, "why does it rain", s.query)
	assert.Equal(t, 3, s.limit)
	assert.Equal(t, "1. Rain: Rain falls from clouds.\n2. Clouds: Clouds are water droplets.", res["text"])
	assert.Len(t, res["items"], 2)
}

func TestTool_HandlerEmptyAndErrors(t *testing.T) {
	res, err := NewTool(&fakeSearcher{}, 0).Handler(context.Background(), map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Equal(t, "", res["text"])

	_, err = NewTool(&fakeSearcher{}, 0).Handler(context.Background(), map[string]any{})
	assert.ErrorContains(t, err, "query is required")

	_, err = NewTool(&fakeSearcher{err: errors.New("quota exceeded")}, 0).Handler(context.Background(), map[string]any{"query": "x"})
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestTool_DefaultLimit(t *testing.T) {
	s := &fakeSearcher{}
	_, _ = NewTool(s, 0).Handler(context.Background(), map[string]any{"query": "x"})
	assert.Equal(t, 5, s.limit)
	assert.Equal(t, ToolName, NewTool(s, 0).Definition().Name)
}

// =============================================================================
// GOOGLE CLIENT TESTS
// =============================================================================

func TestGoogle_Search(t *testing.T) {
	var gotQuery, gotCx, gotSafe, gotNum string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery, gotCx, gotSafe, gotNum = q.Get("q"), q.Get("cx"), q.Get("safe"), q.Get("num")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": [{"title": "Photosynthesis", "link": "https://c.example", "snippet": " Plants make food. "}]}`))
	}))
	defer srv.Close()

	g, err := NewGoogle(context.Background(), Config{EngineID: "cx-1", SafeSearch: true},
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()), option.WithoutAuthentication())
	require.NoError(t, err)

	results, err := g.Search(context.Background(), "how do plants eat", 4)

	require.NoError(t, err)
	assert.Equal(t, []Result{{Title: "Photosynthesis", Link: "https://c.example", Snippet: "Plants make food."}}, results)
	assert.Equal(t, "how do plants eat", gotQuery)
	assert.Equal(t, "cx-1", gotCx)
	assert.Equal(t, "active", gotSafe)
	assert.Equal(t, "4", gotNum)
}

func TestGoogle_SearchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 400, "message": "bad cx"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	g, err := NewGoogle(context.Background(), Config{EngineID: "cx-1"},
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()), option.WithoutAuthentication())
	require.NoError(t, err)

	_, err = g.Search(context.Background(), "x", 5)
	assert.ErrorContains(t, err, "custom search")
}
