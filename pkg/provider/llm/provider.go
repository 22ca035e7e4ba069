// Package llm defines the Provider interface for the LLM decision service.
//
// The orchestration engine issues exactly one non-streaming decision round per
// request: it presents the running conversation plus the exposed tool
// definitions and receives back zero or more proposed tool calls and an
// optional free-text answer. This package abstracts that round over any model
// backend (OpenAI, Anthropic, Gemini, Ollama, ...) without coupling the
// engine to a specific SDK.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import (
	"context"

	"github.com/mirefall/quartermaster/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
// Counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs for one decision round.
// A zero-value request is invalid; at minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the decision.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model for this
	// round. The model may propose calls to any subset of them, or none.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string
}

// CompletionResponse is the model's answer to one decision round.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations proposed by the model, in the
	// model's proposed order. The engine executes them (or a truncated head
	// of the list) and is responsible for exposure checks.
	ToolCalls []types.ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM decision backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Provider interface {
	// Complete sends req to the model and waits for the full response. The
	// engine relies on zero-tool-call responses being valid: a response with
	// no ToolCalls and non-empty Content is the model answering directly.
	//
	// Returns an error if the request fails or if ctx is cancelled before the
	// completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports. Constant for the lifetime of the instance.
	Capabilities() types.ModelCapabilities
}
