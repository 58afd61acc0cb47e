// Package providers implements LLM provider integrations for the agent
// runtime. The Anthropic provider is the default family; it adapts the
// official SDK's SSE stream into the runtime's typed event stream.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/tandem/internal/agent"
	"github.com/haasonsaas/tandem/pkg/models"
)

// DefaultModel is used when the model definition does not name one.
const DefaultModel = "claude-sonnet-4-20250514"

// thinkingBudgets maps reasoning levels to extended-thinking token
// budgets.
var thinkingBudgets = map[string]int64{
	"minimal": 1024,
	"low":     4096,
	"medium":  16384,
	"high":    65536,
	"xhigh":   100000,
}

// AnthropicConfig holds connection settings for the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	Headers      map[string]string
	DefaultModel string
}

// AnthropicProvider adapts the Anthropic SDK to the runtime's StreamFn
// contract. Safe for concurrent use; each Stream call owns its own SSE
// stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates a provider. The API key may be empty here
// if every call supplies one through StreamOptions.
func NewAnthropicProvider(config AnthropicConfig) *AnthropicProvider {
	var opts []option.RequestOption
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	for k, v := range config.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	model := config.DefaultModel
	if model == "" {
		model = DefaultModel
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// StreamFn returns the provider as a runtime stream function.
func (p *AnthropicProvider) StreamFn() agent.StreamFn { return p.Stream }

// Stream opens one streaming completion call.
func (p *AnthropicProvider) Stream(ctx context.Context, model agent.ModelDef, conv agent.Conversation, opts agent.StreamOptions) (agent.ProviderStream, error) {
	params, err := p.buildParams(model, conv, opts)
	if err != nil {
		return nil, err
	}

	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}

	sse := p.client.Messages.NewStreaming(ctx, params, reqOpts...)

	s := &anthropicStream{
		events: make(chan agent.StreamEvent, 16),
		done:   make(chan struct{}),
	}
	go s.process(sse)
	return s, nil
}

func (p *AnthropicProvider) buildParams(model agent.ModelDef, conv agent.Conversation, opts agent.StreamOptions) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(conv.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	modelID := model.ID
	if modelID == "" {
		modelID = p.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if conv.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: conv.System}}
	}
	if len(conv.Tools) > 0 {
		tools, err := convertTools(conv.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if budget, ok := thinkingBudgets[opts.Reasoning]; ok {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return params, nil
}

// convertMessages translates content-block messages into the SDK's
// message params. Roles beyond user/assistant do not exist in this
// runtime's data model.
func convertMessages(msgs []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case models.BlockToolUse:
				input := block.Input
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, false))
			default:
				return nil, fmt.Errorf("anthropic: unsupported block type %q", block.Type)
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		schemaJSON, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// anthropicStream adapts the SDK SSE stream to agent.ProviderStream.
type anthropicStream struct {
	events chan agent.StreamEvent
	done   chan struct{}
	err    error
}

func (s *anthropicStream) Events() <-chan agent.StreamEvent { return s.events }

func (s *anthropicStream) Result() error {
	<-s.done
	return s.err
}

// process consumes SDK events, accumulating tool input JSON across deltas
// and emitting the runtime's typed events.
func (s *anthropicStream) process(sse *ssestream.Stream[anthropic.MessageStreamEventUnion]) {
	defer close(s.done)
	defer close(s.events)

	var currentText strings.Builder
	var currentToolCall *agent.ToolCall
	var currentToolInput strings.Builder
	inTextBlock := false
	inThinkingBlock := false

	for sse.Next() {
		event := sse.Current()
		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			switch start.ContentBlock.Type {
			case "text":
				inTextBlock = true
				currentText.Reset()
			case "thinking":
				inThinkingBlock = true
			case "tool_use":
				toolUse := start.ContentBlock.AsToolUse()
				currentToolCall = &agent.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					currentText.WriteString(delta.Text)
					s.events <- agent.StreamEvent{Type: agent.StreamTextDelta, Delta: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					s.events <- agent.StreamEvent{Type: agent.StreamThinkingDelta, Delta: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			switch {
			case inThinkingBlock:
				inThinkingBlock = false
				s.events <- agent.StreamEvent{Type: agent.StreamThinkingEnd}
			case currentToolCall != nil:
				call := *currentToolCall
				call.Arguments = decodeToolInput(currentToolInput.String())
				s.events <- agent.StreamEvent{Type: agent.StreamToolCallEnd, ToolCall: &call}
				currentToolCall = nil
			case inTextBlock:
				inTextBlock = false
				s.events <- agent.StreamEvent{Type: agent.StreamTextEnd, Content: currentText.String()}
				currentText.Reset()
			}

		case "message_stop":
			return

		case "error":
			s.err = errors.New("anthropic stream error")
			s.events <- agent.StreamEvent{Type: agent.StreamError, ErrorMessage: "anthropic stream error"}
			return
		}
	}

	if err := sse.Err(); err != nil {
		s.err = err
	}
}

func decodeToolInput(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}
