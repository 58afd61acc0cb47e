// Package agent implements the execution core of the runtime: the
// two-level agent loop, streaming consumption, steering, cancellation,
// events, and the orchestrator that ties them to the session log, the
// lane scheduler, and the context pipeline.
package agent

import (
	"context"

	"github.com/haasonsaas/tandem/pkg/models"
)

// StreamEventType identifies provider stream events.
type StreamEventType string

const (
	StreamTextDelta     StreamEventType = "text_delta"
	StreamTextEnd       StreamEventType = "text_end"
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamThinkingEnd   StreamEventType = "thinking_end"
	StreamToolCallStart StreamEventType = "toolcall_start"
	StreamToolCallEnd   StreamEventType = "toolcall_end"
	StreamError         StreamEventType = "error"
)

// ToolCall is a completed tool invocation request from the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// StreamEvent is one typed event from a provider stream.
type StreamEvent struct {
	Type StreamEventType

	// text_delta / thinking_delta
	Delta string

	// text_end
	Content string

	// toolcall_end
	ToolCall *ToolCall

	// error
	ErrorMessage string
}

// ProviderStream yields typed events for one model call. Events() is
// drained first; Result() then reports how the call settled.
type ProviderStream interface {
	Events() <-chan StreamEvent
	Result() error
}

// ModelDef identifies the model for a stream call.
type ModelDef struct {
	Provider      string
	ID            string
	ContextTokens int
}

// Conversation is the model-visible context for one call.
type Conversation struct {
	System   string
	Messages []*models.Message
	Tools    []ToolSpec
}

// ToolSpec is the provider-facing description of a tool.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// StreamOptions carries per-call settings. Cancellation travels on the
// context given to the StreamFn; the provider must abort mid-stream when
// it fires.
type StreamOptions struct {
	MaxTokens   int
	APIKey      string
	Temperature *float64
	Reasoning   string
}

// StreamFn opens one streaming model call.
type StreamFn func(ctx context.Context, model ModelDef, conv Conversation, opts StreamOptions) (ProviderStream, error)
