package backend

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// Gemini calls the Gemini API, or Vertex AI when a project is configured without a key.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.APIKey == "" {
		cc = &genai.ClientConfig{Project: cfg.Project, Location: cfg.Location, Backend: genai.BackendVertexAI}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (g *Gemini) Name() string { return ProviderGemini }

// Complete sends one prompt and joins the text parts of the first candidate.
func (g *Gemini) Complete(ctx context.Context, call Call) (string, error) {
	gc := &genai.GenerateContentConfig{}
	if call.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(call.System, genai.RoleUser)
	}
	if call.JSON {
		gc.ResponseMIMEType = "application/json"
	}
	if call.Temperature != nil {
		gc.Temperature = genai.Ptr(float32(*call.Temperature))
	}
	if call.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(call.MaxTokens)
	}

	resp, err := g.client.Models.GenerateContent(ctx, call.Model, genai.Text(call.Prompt), gc)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("gemini returned no candidates")
	}

	var text string
	if c := resp.Candidates[0].Content; c != nil {
		for _, part := range c.Parts {
			text += part.Text
		}
	}
	return text, nil
}

// Embed returns the embedding vector of one text.
func (g *Gemini) Embed(ctx context.Context, model, text string) ([]float32, error) {
	resp, err := g.client.Models.EmbedContent(ctx, model, genai.Text(text), nil)
	if err != nil {
		return nil, Classify(ProviderGemini, err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, errors.New("gemini returned no embedding")
	}
	return resp.Embeddings[0].Values, nil
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// Embedder produces query embeddings with a fixed model.
type Embedder struct {
	gemini *Gemini
	model  string
}

// NewEmbedder creates an embedder over a Gemini client.
func NewEmbedder(g *Gemini, model string) *Embedder {
	return &Embedder{gemini: g, model: model}
}

// Embed implements retrieval.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.gemini.Embed(ctx, e.model, text)
}
