// ABOUTME: Anthropic Messages API provider adapter implementing the ProviderAdapter interface.
// ABOUTME: Translates unified requests to anthropic-sdk-go params; schema enforcement rides in the system prompt.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter implements ProviderAdapter for the Anthropic Messages API.
type AnthropicAdapter struct {
	client sdk.Client
	model  string
}

// AnthropicOption is a functional option for configuring an AnthropicAdapter.
type AnthropicOption func(*anthropicConfig)

type anthropicConfig struct {
	baseURL string
	model   string
}

// WithAnthropicBaseURL overrides the default Anthropic API base URL.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(c *anthropicConfig) {
		c.baseURL = url
	}
}

// WithAnthropicModel sets the default model used when a Request omits one.
func WithAnthropicModel(model string) AnthropicOption {
	return func(c *anthropicConfig) {
		c.model = model
	}
}

// NewAnthropicAdapter creates an AnthropicAdapter with the given API key and options.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) *AnthropicAdapter {
	cfg := anthropicConfig{model: "claude-sonnet-4-5"}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &AnthropicAdapter{
		client: sdk.NewClient(reqOpts...),
		model:  cfg.model,
	}
}

// Name returns the provider name for this adapter.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Complete sends a Messages.New request and translates the response.
// Anthropic has no native JSON-schema response format, so when the request
// carries a ResponseSchema the schema is appended to the system prompt as a
// strict output instruction; CompleteStructured validates the result.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: msg.Content})
		case RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		}
	}

	if req.ResponseSchema != nil {
		system = append(system, sdk.TextBlockParam{Text: schemaInstruction(req.ResponseSchema)})
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapAnthropicError(err)
	}

	return convertAnthropicResponse(msg), nil
}

// Close releases adapter resources. The underlying HTTP client needs no shutdown.
func (a *AnthropicAdapter) Close() error {
	return nil
}

// schemaInstruction renders a ResponseSchema as a system-prompt directive.
func schemaInstruction(rs *ResponseSchema) string {
	schemaJSON, err := json.Marshal(rs.Schema)
	if err != nil {
		schemaJSON = []byte("{}")
	}
	return fmt.Sprintf(
		"Respond with a single JSON object matching the %q schema below. Output only the JSON object, no prose and no code fences.\n\n%s",
		rs.Name, schemaJSON)
}

// convertAnthropicResponse converts an Anthropic Message to a unified Response.
func convertAnthropicResponse(msg *sdk.Message) *Response {
	result := &Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			result.Text += block.Text
		}
	}

	return result
}

// mapAnthropicError translates SDK errors into the client error hierarchy.
func mapAnthropicError(err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return &ProviderError{
			SDKError:  SDKError{Message: "anthropic request failed", Cause: err},
			Provider:  "anthropic",
			Retryable: true,
		}
	}

	pe := ProviderError{
		SDKError:   SDKError{Message: "anthropic api error", Cause: err},
		Provider:   "anthropic",
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
var _ ProviderAdapter = (*AnthropicAdapter)(nil)
