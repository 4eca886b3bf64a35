// ABOUTME: OpenAI Chat Completions provider adapter with base URL support for compatible providers.
// ABOUTME: Translates unified requests to openai-go params, including native JSON-schema structured output.

package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIAdapter implements ProviderAdapter using the OpenAI Chat Completions
// API via the official openai-go SDK. A custom base URL enables
// OpenAI-compatible providers (OpenRouter, Cerebras, local gateways).
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

// OpenAIOption is a functional option for configuring an OpenAIAdapter.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL string
	model   string
}

// WithOpenAIBaseURL sets a custom base URL for OpenAI-compatible providers.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) {
		c.baseURL = url
	}
}

// WithOpenAIModel sets the default model used when a Request omits one.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIConfig) {
		c.model = model
	}
}

// NewOpenAIAdapter creates an OpenAIAdapter with the given API key and options.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	cfg := openAIConfig{model: "gpt-4o"}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIAdapter{
		client: openai.NewClient(reqOpts...),
		model:  cfg.model,
	}
}

// Name returns the provider name for this adapter.
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Complete sends a chat completion request and returns the unified response.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params := a.convertRequest(req)

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	return convertOpenAIResponse(resp), nil
}

// Close releases adapter resources. The underlying HTTP client needs no shutdown.
func (a *OpenAIAdapter) Close() error {
	return nil
}

// convertRequest converts a unified Request to OpenAI ChatCompletionNewParams.
func (a *OpenAIAdapter) convertRequest(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}

	params := openai.ChatCompletionNewParams{
		Model: model,
	}

	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}
	params.Messages = messages

	if req.ResponseSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.ResponseSchema.Name,
					Schema: req.ResponseSchema.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	return params
}

// convertOpenAIResponse converts an OpenAI ChatCompletion to a unified Response.
func convertOpenAIResponse(resp *openai.ChatCompletion) *Response {
	result := &Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}

	if len(resp.Choices) == 0 {
		return result
	}

	choice := resp.Choices[0]
	result.Text = choice.Message.Content
	result.StopReason = string(choice.FinishReason)
	return result
}

// mapOpenAIError translates SDK transport errors into the client error hierarchy.
func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return &ProviderError{
			SDKError:  SDKError{Message: "openai request failed", Cause: err},
			Provider:  "openai",
			Retryable: true, // network-level failures are worth one more try
		}
	}

	pe := ProviderError{
		SDKError:   SDKError{Message: "openai api error", Cause: err},
		Provider:   "openai",
		StatusCode: apiErr.StatusCode,
	}

	switch {
	case apiErr.StatusCode == 429:
		return &RateLimitError{ProviderError: pe}
	case apiErr.StatusCode >= 500:
		return &ServerError{ProviderError: pe}
	default:
		return &InvalidRequestError{ProviderError: pe}
	}
}

// Compile-time interface assertion.
var _ ProviderAdapter = (*OpenAIAdapter)(nil)
