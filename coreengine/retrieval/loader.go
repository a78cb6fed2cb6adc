package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
)

// Config locates the embedding matrix and the chunk metadata. Bucket selects Cloud
// Storage; otherwise both paths are local files (relative to Dir when set).
type Config struct {
	Bucket         string `mapstructure:"bucket"`
	Dir            string `mapstructure:"dir"`
	EmbeddingsPath string `mapstructure:"embeddings_path"`
	MetadataPath   string `mapstructure:"metadata_path"`
	Credentials    string `mapstructure:"credentials"`
}

// DefaultConfig returns the default object names inside the index bucket.
func DefaultConfig() Config {
	return Config{
		EmbeddingsPath: "embeddingsoutput/iesc106_vector_chunks.npy",
		MetadataPath:   "embeddingsoutput/iesc106_chunk_metadata.csv",
	}
}

// Enabled reports whether an index location is configured.
func (c Config) Enabled() bool {
	return c.Bucket != "" || c.Dir != ""
}

// Source opens index objects by name.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// DirSource reads objects from a local directory.
type DirSource struct {
	Dir string
}

func (d DirSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(d.Dir, filepath.FromSlash(name)))
}

// GCSSource reads objects from one Cloud Storage bucket.
type GCSSource struct {
	client *storage.Client
	bucket string
}

// NewGCSSource creates a storage client for a bucket.
func NewGCSSource(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSSource, error) {
	opts = append(opts, option.WithScopes(storage.ScopeReadOnly))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSSource{client: client, bucket: bucket}, nil
}

func (g *GCSSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(g.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", g.bucket, name, os.ErrNotExist)
	}
	return r, err
}

// Close releases the storage client.
func (g *GCSSource) Close() error {
	return g.client.Close()
}

// Load reads both files from src and builds the index. Any error is fatal to startup.
func Load(ctx context.Context, src Source, cfg Config, logger observability.Logger) (*Index, error) {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	start := time.Now()

	vectors, err := readWith(ctx, src, cfg.EmbeddingsPath, ReadNPY)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	chunks, err := readWith(ctx, src, cfg.MetadataPath, ReadMetadata)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	idx, err := NewIndex(vectors, chunks)
	if err != nil {
		return nil, err
	}

	logger.Info("retrieval_index_loaded",
		"chunks", idx.Len(),
		"dim", idx.Dim(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return idx, nil
}

func readWith[T any](ctx context.Context, src Source, name string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	rc, err := src.Open(ctx, name)
	if err != nil {
		return zero, err
	}
	defer rc.Close()
	return parse(rc)
}
