// ABOUTME: Core data model types for the unified LLM client used by the navigation engine.
// ABOUTME: Defines Message, Request, Response, Usage, and the structured-output schema envelope.

package llm

// Role represents who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversational message. The engine only exchanges text
// with the model; element screenshots are referenced by path, never inlined.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage creates a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage creates an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ResponseSchema describes the JSON shape a structured completion must
// produce. Providers with native structured output enforce the schema
// server-side; others receive it as a prompt instruction.
type ResponseSchema struct {
	Name   string
	Schema map[string]any
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model          string
	Messages       []Message
	Temperature    *float64
	MaxTokens      int
	Provider       string // routing key; empty = client default
	ResponseSchema *ResponseSchema
}

// Usage reports token consumption for a single completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is a provider-agnostic completion response.
type Response struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

// Float returns a pointer to the given float64, for optional request fields.
func Float(v float64) *float64 {
	return &v
}
