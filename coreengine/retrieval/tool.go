package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/tools"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/typeutil"
)

// ToolName is the registered name of the retrieval tool.
const ToolName = "retrieve_context"

// Embedder turns query text into a vector in the index's space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever answers queries against a loaded index.
type Retriever struct {
	index    *Index
	embedder Embedder
}

// NewRetriever creates a retriever.
func NewRetriever(index *Index, embedder Embedder) *Retriever {
	return &Retriever{index: index, embedder: embedder}
}

// Retrieve embeds the query and returns the best chunk.
func (r *Retriever) Retrieve(ctx context.Context, query string) (Match, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return Match{}, fmt.Errorf("embed query: %w", err)
	}
	return r.index.Best(vec)
}

// Handler is the tool handler. Params: query (string). The result text is the chunk text.
func (r *Retriever) Handler(ctx context.Context, params map[string]any) (map[string]any, error) {
	query := strings.TrimSpace(typeutil.SafeStringDefault(params[tools.KeyQuery], ""))
	if query == "" {
		return nil, fmt.Errorf("%s: query is required", ToolName)
	}
	m, err := r.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		tools.KeyText: m.Chunk.Text,
		"chunk_id":    m.Chunk.ID,
		"score":       m.Score,
	}, nil
}

// Definition returns the registration of the retrieval tool.
func (r *Retriever) Definition() *tools.ToolDefinition {
	return &tools.ToolDefinition{
		Name:        ToolName,
		Description: "Retrieves the most relevant textbook passage for a question.",
		Category:    "retrieval",
		Handler:     r.Handler,
	}
}
