// Package backend provides the generation backends behind every stage: Gemini (default),
// OpenAI and Anthropic, selected by configuration. Provider errors are classified into
// the failures taxonomy so stages can decide what to retry.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/stages"
)

var tracer = otel.Tracer("sahayak/backend")

// Provider names.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// DefaultRole is the model role used by stages that name none.
const DefaultRole = "default"

// Config selects a provider and maps model roles to model names.
type Config struct {
	Provider          string            `mapstructure:"provider"`
	APIKey            string            `mapstructure:"api_key"`
	Project           string            `mapstructure:"project"`  // Vertex AI (Gemini only)
	Location          string            `mapstructure:"location"` // Vertex AI (Gemini only)
	Models            map[string]string `mapstructure:"models"`   // role -> model; "default" is required
	EmbeddingModel    string            `mapstructure:"embedding_model"`
	SystemInstruction string            `mapstructure:"system_instruction"`
	MaxOutputTokens   int               `mapstructure:"max_output_tokens"`
}

// DefaultConfig returns the Gemini configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Provider:        ProviderGemini,
		Location:        "us-central1",
		Models:          map[string]string{DefaultRole: "gemini-2.0-flash"},
		EmbeddingModel:  "text-embedding-004",
		MaxOutputTokens: 2048,
	}
}

// Validate checks that a provider and a default model are set.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderGemini:
		if c.APIKey == "" && c.Project == "" {
			return errors.New("gemini backend needs an api_key or a project")
		}
	case ProviderOpenAI, ProviderAnthropic:
		if c.APIKey == "" {
			return fmt.Errorf("%s backend needs an api_key", c.Provider)
		}
	default:
		return fmt.Errorf("unknown backend provider '%s'", c.Provider)
	}
	if c.Models[DefaultRole] == "" {
		return errors.New("backend models must define a 'default' role")
	}
	return nil
}

// Call is one provider request.
type Call struct {
	Model       string
	System      string
	Prompt      string
	JSON        bool // Ask for a JSON object reply
	Temperature *float64
	MaxTokens   int
}

// Provider is a generation API.
type Provider interface {
	Name() string
	Complete(ctx context.Context, call Call) (string, error)
}

// ModelBackend implements stages.Backend over one Provider.
type ModelBackend struct {
	provider Provider
	cfg      Config
	logger   observability.Logger
}

// Ensure ModelBackend implements stages.Backend.
var _ stages.Backend = (*ModelBackend)(nil)

// New creates the provider named by cfg.
func New(ctx context.Context, cfg Config, logger observability.Logger) (*ModelBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case ProviderGemini:
		p, err = NewGemini(ctx, cfg)
	case ProviderOpenAI:
		p = NewOpenAI(cfg.APIKey)
	case ProviderAnthropic:
		p = NewAnthropic(cfg.APIKey)
	}
	if err != nil {
		return nil, err
	}
	return NewModelBackend(p, cfg, logger), nil
}

// NewModelBackend wraps an existing provider.
func NewModelBackend(p Provider, cfg Config, logger observability.Logger) *ModelBackend {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &ModelBackend{provider: p, cfg: cfg, logger: logger.Bind("provider", p.Name())}
}

// Provider returns the wrapped provider.
func (b *ModelBackend) Provider() Provider { return b.provider }

// Model returns the model configured for a role, falling back to the default role.
func (b *ModelBackend) Model(role string) string {
	if m, ok := b.cfg.Models[role]; ok && m != "" {
		return m
	}
	return b.cfg.Models[DefaultRole]
}

// Generate implements stages.Backend.
func (b *ModelBackend) Generate(ctx context.Context, req stages.GenerateRequest) (string, error) {
	model := b.Model(req.Role)
	ctx, span := tracer.Start(ctx, "backend.generate", trace.WithAttributes(
		attribute.String("sahayak.provider", b.provider.Name()),
		attribute.String("sahayak.model", model),
		attribute.String("sahayak.stage", req.Stage),
	))
	defer span.End()

	start := time.Now()
	text, err := b.provider.Complete(ctx, Call{
		Model:       model,
		System:      b.cfg.SystemInstruction,
		Prompt:      req.Prompt,
		JSON:        req.Schema != nil && req.Schema.IsRecord(),
		Temperature: req.Temperature,
		MaxTokens:   b.cfg.MaxOutputTokens,
	})
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		err = Classify(b.provider.Name(), err)
		observability.RecordBackendCall(b.provider.Name(), model, "error", durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Warn("backend_call_failed",
			"stage", req.Stage,
			"model", model,
			"transient", failures.IsTransient(err),
			"error", err.Error(),
		)
		return "", err
	}

	observability.RecordBackendCall(b.provider.Name(), model, "success", durationMS)
	b.logger.Debug("backend_call_completed", "stage", req.Stage, "model", model, "duration_ms", durationMS)
	return strings.TrimSpace(text), nil
}

// StatusError carries the HTTP status of a provider failure.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("status %d", e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Classify converts a provider error into a BackendUnavailable failure, transient for
// timeouts, 408, 429 and 5xx.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var fe *failures.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	transient := failures.IsTransient(err)
	if status := statusOf(err); status != 0 {
		transient = transient || failures.TransientStatus(status)
	}
	return failures.Unavailable(provider, err, transient)
}

// statusOf extracts an HTTP status from any of the provider SDK error types.
func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	if s := geminiStatus(err); s != 0 {
		return s
	}
	if s := openAIStatus(err); s != 0 {
		return s
	}
	return anthropicStatus(err)
}
