package backend

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAI calls the chat completions API.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

func (o *OpenAI) Name() string { return ProviderOpenAI }

// Complete sends one prompt and returns the first choice.
func (o *OpenAI) Complete(ctx context.Context, call Call) (string, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if call.System != "" {
		msgs = append(msgs, openai.SystemMessage(call.System))
	}
	msgs = append(msgs, openai.UserMessage(call.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(call.Model),
		Messages: msgs,
	}
	if call.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(call.MaxTokens))
	}
	if call.Temperature != nil {
		params.Temperature = openai.Float(*call.Temperature)
	}
	if call.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
