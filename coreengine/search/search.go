// Package search is the web search collaborator behind the knowledge pipeline.
package search

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/tools"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/typeutil"
)

// ToolName is the registered name of the search tool.
const ToolName = "web_search"

// Config configures the Programmable Search Engine client.
type Config struct {
	APIKey      string `mapstructure:"api_key"`
	EngineID    string `mapstructure:"engine_id"`
	MaxResults  int    `mapstructure:"max_results"`
	SafeSearch  bool   `mapstructure:"safe_search"`
	Credentials string `mapstructure:"credentials"`
}

// DefaultConfig returns five results with safe search on.
func DefaultConfig() Config {
	return Config{MaxResults: 5, SafeSearch: true}
}

// Enabled reports whether a search engine is configured.
func (c Config) Enabled() bool {
	return c.EngineID != ""
}

// Result is one ranked snippet.
type Result struct {
	Title   string
	Link    string
	Snippet string
}

// Searcher runs one web query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Google searches with the Custom Search JSON API.
type Google struct {
	svc        *customsearch.Service
	engineID   string
	safeSearch bool
}

// NewGoogle creates a Custom Search client.
func NewGoogle(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Google, error) {
	svc, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create custom search client: %w", err)
	}
	return &Google{svc: svc, engineID: cfg.EngineID, safeSearch: cfg.SafeSearch}, nil
}

func (g *Google) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	call := g.svc.Cse.List().Cx(g.engineID).Q(query).Context(ctx)
	if limit > 0 && limit <= 10 {
		call = call.Num(int64(limit))
	}
	if g.safeSearch {
		call = call.Safe("active")
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("custom search: %w", err)
	}
	out := make([]Result, 0, len(resp.Items))
	for _, item := range resp.Items {
		out = append(out, Result{Title: item.Title, Link: item.Link, Snippet: strings.TrimSpace(item.Snippet)})
	}
	return out, nil
}

// Tool adapts a Searcher to the tool registry.
type Tool struct {
	searcher Searcher
	limit    int
}

// NewTool creates the search tool.
func NewTool(s Searcher, limit int) *Tool {
	if limit <= 0 {
		limit = DefaultConfig().MaxResults
	}
	return &Tool{searcher: s, limit: limit}
}

// Handler runs the query param and renders results as numbered snippets.
func (t *Tool) Handler(ctx context.Context, params map[string]any) (map[string]any, error) {
	query := strings.TrimSpace(typeutil.SafeStringDefault(params[tools.KeyQuery], ""))
	if query == "" {
		return nil, fmt.Errorf("%s: query is required", ToolName)
	}
	results, err := t.searcher.Search(ctx, query, t.limit)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(results))
	lines := make([]string, 0, len(results))
	for i, r := range results {
		items = append(items, map[string]any{"title": r.Title, "link": r.Link, "snippet": r.Snippet})
		lines = append(lines, fmt.Sprintf("%d. %s: %s", i+1, r.Title, r.Snippet))
	}
	return map[string]any{
		tools.KeyText:  strings.Join(lines, "\n"),
		tools.KeyItems: items,
	}, nil
}

// Definition returns the registration of the search tool.
func (t *Tool) Definition() *tools.ToolDefinition {
	return &tools.ToolDefinition{
		Name:        ToolName,
		Description: "Searches the web and returns ranked snippets.",
		Category:    "search",
		Handler:     t.Handler,
	}
}
