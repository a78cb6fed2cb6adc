// Package retrieval holds the in-memory textbook index: precomputed chunk embeddings
// and their source text, loaded once at startup and read-only afterwards.
package retrieval

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Epsilon keeps cosine similarity finite for zero vectors.
const Epsilon = 1e-8

var (
	// ErrIndexEmpty is returned when an index would hold no chunks.
	ErrIndexEmpty = errors.New("retrieval: index is empty")

	// ErrDimension is returned when a query's length differs from the indexed vectors.
	ErrDimension = errors.New("retrieval: dimension mismatch")
)

// Chunk is one indexed passage.
type Chunk struct {
	ID   int
	Text string
}

// Match is the best chunk for a query.
type Match struct {
	Index int // Row in the embedding matrix
	Chunk Chunk
	Score float64
}

// Index pairs embedding rows with chunk metadata, row for row.
type Index struct {
	vectors [][]float32
	norms   []float64
	chunks  []Chunk
}

// NewIndex validates that vectors and chunks line up.
func NewIndex(vectors [][]float32, chunks []Chunk) (*Index, error) {
	if len(vectors) == 0 {
		return nil, ErrIndexEmpty
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("retrieval: %d embeddings but %d metadata rows", len(vectors), len(chunks))
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-length embeddings", ErrDimension)
	}
	norms := make([]float64, len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrDimension, i, len(v), dim)
		}
		norms[i] = norm(v)
	}
	return &Index{vectors: vectors, norms: norms, chunks: chunks}, nil
}

// Len returns the number of chunks.
func (x *Index) Len() int { return len(x.chunks) }

// Dim returns the embedding dimension.
func (x *Index) Dim() int { return len(x.vectors[0]) }

// Best returns the chunk maximizing cosine similarity with query. Ties go to the
// lowest row.
func (x *Index) Best(query []float32) (Match, error) {
	if len(query) != x.Dim() {
		return Match{}, fmt.Errorf("%w: query has %d values, index has %d", ErrDimension, len(query), x.Dim())
	}
	qn := norm(query)
	best := Match{Index: -1, Score: math.Inf(-1)}
	for i, v := range x.vectors {
		score := dot(query, v) / (qn*x.norms[i] + Epsilon)
		if score > best.Score {
			best = Match{Index: i, Chunk: x.chunks[i], Score: score}
		}
	}
	return best, nil
}

// CosineSimilarity returns a·b / (|a||b| + Epsilon).
func CosineSimilarity(a, b []float32) float64 {
	return dot(a, b) / (norm(a)*norm(b) + Epsilon)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}

// ReadMetadata parses a CSV with a header naming chunk_id and text columns.
func ReadMetadata(r io.Reader) ([]Chunk, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("metadata: read header: %w", err)
	}
	idCol, textCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
		case "chunk_id":
			idCol = i
		case "text":
			textCol = i
		}
	}
	if idCol < 0 || textCol < 0 {
		return nil, fmt.Errorf("metadata: header %v needs chunk_id and text columns", header)
	}

	var chunks []Chunk
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		if idCol >= len(rec) || textCol >= len(rec) {
			return nil, fmt.Errorf("metadata: line %d has %d columns", line, len(rec))
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[idCol]))
		if err != nil {
			return nil, fmt.Errorf("metadata: line %d: bad chunk_id %q", line, rec[idCol])
		}
		chunks = append(chunks, Chunk{ID: id, Text: rec[textCol]})
	}
	return chunks, nil
}
