// ABOUTME: Client infrastructure for the unified LLM client with provider routing and middleware.
// ABOUTME: Provides NewClient with functional options, middleware chain execution, and structured completion.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ProviderAdapter is implemented by each LLM provider backend.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Close() error
}

// Middleware is a function that wraps an LLM call, enabling request/response
// transformation, logging, prompt auditing, and other cross-cutting concerns.
// Middleware executes in registration order for requests and reverse order
// for responses (onion/chain-of-responsibility pattern).
type Middleware func(ctx context.Context, req Request, next NextFunc) (*Response, error)

// NextFunc is the function signature passed to middleware to continue the chain.
type NextFunc func(ctx context.Context, req Request) (*Response, error)

// Client is the primary entry point for making LLM API calls. It manages
// provider adapters, routes requests to the correct provider, and applies
// the middleware chain. A Client is stateless across calls and safe to
// share between runs.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithProvider registers a ProviderAdapter under the given name. The first
// provider registered becomes the default unless overridden.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
		if c.defaultProvider == "" {
			c.defaultProvider = name
		}
	}
}

// WithDefaultProvider sets the name of the provider used when a Request does
// not specify a Provider field.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware appends one or more middleware functions to the client's
// middleware chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a new Client with the given options applied.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromEnv creates a Client by detecting API keys in the environment. It checks
// OPENAI_API_KEY and ANTHROPIC_API_KEY; the first detected provider becomes
// the default. Returns a ConfigurationError if no keys are found.
func FromEnv() (*Client, error) {
	var opts []ClientOption

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		opts = append(opts, WithProvider("openai", NewOpenAIAdapter(key)))
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		opts = append(opts, WithProvider("anthropic", NewAnthropicAdapter(key)))
	}

	if len(opts) == 0 {
		return nil, &ConfigurationError{
			SDKError: SDKError{
				Message: "no API keys found in environment (checked OPENAI_API_KEY, ANTHROPIC_API_KEY)",
			},
		}
	}

	return NewClient(opts...), nil
}

// resolveProvider determines which ProviderAdapter should handle the request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{
			SDKError: SDKError{
				Message: "no provider specified and no default provider configured",
			},
		}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{
			SDKError: SDKError{
				Message: fmt.Sprintf("provider %q not registered", name),
			},
		}
	}
	return adapter, nil
}

// Complete sends a completion request through the middleware chain and then to
// the appropriate provider adapter.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	handler := func(ctx context.Context, req Request) (*Response, error) {
		adapter, err := c.resolveProvider(req)
		if err != nil {
			return nil, err
		}
		return adapter.Complete(ctx, req)
	}

	// Wrap with middleware in reverse order so the first middleware registered
	// is the outermost layer.
	chain := handler
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := chain
		chain = func(ctx context.Context, req Request) (*Response, error) {
			return mw(ctx, req, next)
		}
	}

	return chain(ctx, req)
}

// CompleteStructured sends a completion request with req.ResponseSchema set
// and parses the response text as JSON into out. A completion that cannot be
// parsed is surfaced as a *ParseError carrying the raw text, so callers can
// re-prompt with stricter instructions.
func (c *Client) CompleteStructured(ctx context.Context, req Request, out any) (*Response, error) {
	if req.ResponseSchema == nil {
		return nil, &ConfigurationError{
			SDKError: SDKError{Message: "CompleteStructured requires a ResponseSchema"},
		}
	}

	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	cleaned := StripCodeFences(resp.Text)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return resp, &ParseError{
			SDKError: SDKError{
				Message: fmt.Sprintf("response does not match schema %q", req.ResponseSchema.Name),
				Cause:   err,
			},
			RawText: resp.Text,
		}
	}
	return resp, nil
}

// Close shuts down all registered provider adapters. Errors from individual
// adapters are collected and returned as a combined error.
func (c *Client) Close() error {
	var errs []error
	for name, adapter := range c.providers {
		if err := adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing provider %q: %w", name, err))
		}
	}
	if len(errs) > 0 {
		combined := errs[0]
		for _, e := range errs[1:] {
			combined = fmt.Errorf("%w; %v", combined, e)
		}
		return combined
	}
	return nil
}

// StripCodeFences removes a surrounding markdown code fence from model output.
// Models frequently wrap JSON in ```json blocks despite instructions not to.
func StripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line (e.g. "json").
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
