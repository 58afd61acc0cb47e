package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/tandem/internal/agentctx"
	"github.com/haasonsaas/tandem/internal/retry"
	"github.com/haasonsaas/tandem/pkg/models"
)

// SkippedToolResultText is the fixed tool_result content for calls
// preempted by steering.
const SkippedToolResultText = "Skipped due to queued user message."

const (
	// DefaultMaxTurns caps inner+outer loop iterations per run.
	DefaultMaxTurns = 20

	// Stream retry policy: rate-limit errors only.
	streamRetryAttempts     = 3
	streamRetryInitialDelay = 300 * time.Millisecond
	streamRetryMaxDelay     = 30 * time.Second
	streamRetryJitter       = 0.1
)

// LoopParams carries everything one run's loop needs. The closures break
// the would-be cycle between the loop and the orchestrator: the loop never
// sees the session store, the steering registry, or the compactor.
type LoopParams struct {
	RunID      string
	SessionKey string

	// Messages is the live history including the triggering user message,
	// already persisted. The loop appends to its own copy.
	Messages []*models.Message

	// CompactionSummary, when set, is prepended to every model call.
	CompactionSummary *models.Message

	SystemPrompt string
	Tools        *ToolRegistry
	ToolCtx      ToolContext

	Model  ModelDef
	Stream StreamFn

	APIKey      string
	Temperature *float64
	Reasoning   string
	MaxTokens   int

	MaxTurns      int
	ContextTokens int
	Prune         agentctx.PruneSettings

	// GetSteering drains queued steering messages.
	GetSteering func() []*models.Message

	// GetFollowUp, when non-nil, is consulted at outer-loop boundaries to
	// re-enter with additional messages (subagent completion reporting).
	GetFollowUp func() []*models.Message

	// AppendMessage persists a message to the session log.
	AppendMessage func(ctx context.Context, msg *models.Message) error

	// PrepareCompaction builds (and persists) a compaction summary for the
	// current messages. Used once per run on context overflow.
	PrepareCompaction func(ctx context.Context, messages []*models.Message) (*models.Message, error)

	Events *EventStream
	Logger *slog.Logger
}

// LoopResult is the terminal state of a successful run.
type LoopResult struct {
	FinalText string
	Turns     int
	ToolCalls int
}

// turnOutput collects what one stream call produced.
type turnOutput struct {
	blocks []models.ContentBlock
	calls  []ToolCall
	text   string
}

// RunLoop executes the two-level agent loop: the inner loop streams the
// model and executes tools until a turn produces no tool calls and no
// steering is queued; the outer loop re-enters when follow-up messages
// arrive. The caller owns terminal agent_start/agent_end/agent_error
// events and the guard flush.
func RunLoop(ctx context.Context, p LoopParams) (*LoopResult, error) {
	if p.MaxTurns <= 0 {
		p.MaxTurns = DefaultMaxTurns
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	messages := make([]*models.Message, len(p.Messages))
	copy(messages, p.Messages)

	result := &LoopResult{}
	compactionSummary := p.CompactionSummary
	overflowCompactionTried := false

	pending := p.GetSteering()

outer:
	for {
		hasTools := true
		for hasTools || len(pending) > 0 {
			if result.Turns >= p.MaxTurns {
				logger.Warn("max turns reached", "run_id", p.RunID, "turns", result.Turns)
				break outer
			}
			if ctx.Err() != nil {
				return nil, ErrAborted
			}

			result.Turns++
			p.Events.Push(models.AgentEvent{Type: models.EventTurnStart, RunID: p.RunID})

			for _, msg := range pending {
				if err := p.AppendMessage(ctx, msg); err != nil {
					return nil, err
				}
				messages = append(messages, msg)
			}
			pending = nil

			pruned := agentctx.PruneContextMessages(messages, p.ContextTokens, p.Prune)
			modelMessages := pruned.Messages
			if compactionSummary != nil {
				modelMessages = append([]*models.Message{compactionSummary}, modelMessages...)
			}

			output, err := streamWithRetry(ctx, p, modelMessages)
			if err != nil {
				if isCancellation(err) {
					return nil, ErrAborted
				}
				if isOverflowError(err) && !overflowCompactionTried && p.PrepareCompaction != nil {
					overflowCompactionTried = true
					summary, cerr := p.PrepareCompaction(ctx, messages)
					if cerr == nil && summary != nil {
						p.Events.Push(models.AgentEvent{
							Type:         models.EventContextOverflowCompact,
							RunID:        p.RunID,
							SummaryChars: len(summary.Text()),
						})
						compactionSummary = summary
						result.Turns--
						continue
					}
					if cerr != nil {
						logger.Warn("overflow compaction failed", "run_id", p.RunID, "error", cerr)
					}
				}
				return nil, err
			}

			assistant := models.NewAssistantMessage(output.blocks)
			if err := p.AppendMessage(ctx, assistant); err != nil {
				return nil, err
			}
			messages = append(messages, assistant)

			if len(output.calls) == 0 {
				result.FinalText = output.text
				p.Events.Push(models.AgentEvent{Type: models.EventTurnEnd, RunID: p.RunID})
				pending = p.GetSteering()
				hasTools = false
				continue
			}

			result.ToolCalls += len(output.calls)

			toolResults, steer, err := executeToolBatch(ctx, p, output.calls)
			if err != nil {
				return nil, err
			}

			userMsg := &models.Message{
				Role:      models.RoleUser,
				Timestamp: time.Now().UnixMilli(),
				Content:   toolResults,
			}
			if err := p.AppendMessage(ctx, userMsg); err != nil {
				return nil, err
			}
			messages = append(messages, userMsg)

			p.Events.Push(models.AgentEvent{Type: models.EventTurnEnd, RunID: p.RunID})

			if len(steer) > 0 {
				pending = steer
			} else {
				pending = p.GetSteering()
			}
			hasTools = true
		}

		if p.GetFollowUp != nil {
			if followUps := p.GetFollowUp(); len(followUps) > 0 {
				pending = followUps
				continue outer
			}
		}
		break
	}

	return result, nil
}

// executeToolBatch runs the batch sequentially, checking steering after
// each call. When steering arrives mid-batch, the remaining calls are
// answered with fixed skip results and the drained steering messages are
// returned for the next turn.
func executeToolBatch(ctx context.Context, p LoopParams, calls []ToolCall) ([]models.ContentBlock, []*models.Message, error) {
	results := make([]models.ContentBlock, 0, len(calls))
	var steer []*models.Message

	for i, call := range calls {
		if ctx.Err() != nil {
			// Cancellation mid-batch: the guard flush synthesizes results
			// for the calls that never ran.
			return nil, nil, ErrAborted
		}

		p.Events.Push(models.AgentEvent{
			Type:      models.EventToolExecutionStart,
			RunID:     p.RunID,
			ToolUseID: call.ID,
			ToolName:  call.Name,
		})

		content, execErr := p.Tools.Execute(ctx, call, p.ToolCtx)
		isError := execErr != nil
		if isError {
			if isCancellation(execErr) && ctx.Err() != nil {
				return nil, nil, ErrAborted
			}
			content = toolErrorPrefix + execErr.Error()
		}

		p.Events.Push(models.AgentEvent{
			Type:      models.EventToolExecutionEnd,
			RunID:     p.RunID,
			ToolUseID: call.ID,
			ToolName:  call.Name,
			IsError:   isError,
		})

		results = append(results, models.ToolResultBlock(call.ID, call.Name, content))

		if drained := p.GetSteering(); len(drained) > 0 {
			for _, skipped := range calls[i+1:] {
				p.Events.Push(models.AgentEvent{
					Type:      models.EventToolSkipped,
					RunID:     p.RunID,
					ToolUseID: skipped.ID,
					ToolName:  skipped.Name,
				})
				results = append(results, models.ToolResultBlock(skipped.ID, skipped.Name, SkippedToolResultText))
			}
			p.Events.Push(models.AgentEvent{
				Type:          models.EventSteering,
				RunID:         p.RunID,
				SteeringCount: len(drained),
			})
			steer = drained
			break
		}
	}

	return results, steer, nil
}

// streamWithRetry performs one model call, retrying only rate-limit
// classified failures: up to 3 attempts, 300ms to 30s backoff with ±10%
// jitter. Cancellation is never retried.
func streamWithRetry(ctx context.Context, p LoopParams, modelMessages []*models.Message) (*turnOutput, error) {
	var output *turnOutput

	config := retry.Config{
		MaxAttempts:    streamRetryAttempts,
		InitialDelay:   streamRetryInitialDelay,
		MaxDelay:       streamRetryMaxDelay,
		Factor:         2.0,
		JitterFraction: streamRetryJitter,
		OnRetry: func(attempt int, wait time.Duration) {
			p.Events.Push(models.AgentEvent{
				Type:    models.EventRetry,
				RunID:   p.RunID,
				Attempt: attempt,
				Wait:    wait,
			})
		},
	}

	result := retry.Do(ctx, config, func() error {
		out, err := streamOnce(ctx, p, modelMessages)
		if err != nil {
			// Error events inside an open stream are never retried; neither
			// is cancellation or anything not classified as throttling.
			var streamFailure *StreamFailure
			if errors.As(err, &streamFailure) || isCancellation(err) || !isRateLimitError(err) {
				return retry.Permanent(err)
			}
			return err
		}
		output = out
		return nil
	})
	if result.Err != nil {
		return nil, retry.Unwrapped(result.Err)
	}
	return output, nil
}

// streamOnce opens a provider stream and accumulates its events into
// content blocks, forwarding deltas to the event stream as they arrive.
func streamOnce(ctx context.Context, p LoopParams, modelMessages []*models.Message) (*turnOutput, error) {
	var tools []ToolSpec
	if p.Tools != nil {
		tools = p.Tools.Specs()
	}

	stream, err := p.Stream(ctx, p.Model, Conversation{
		System:   p.SystemPrompt,
		Messages: modelMessages,
		Tools:    tools,
	}, StreamOptions{
		MaxTokens:   p.MaxTokens,
		APIKey:      p.APIKey,
		Temperature: p.Temperature,
		Reasoning:   p.Reasoning,
	})
	if err != nil {
		return nil, err
	}

	output := &turnOutput{}
	var textParts []string
	var current strings.Builder

	for event := range stream.Events() {
		switch event.Type {
		case StreamTextDelta:
			current.WriteString(event.Delta)
			p.Events.Push(models.AgentEvent{
				Type:  models.EventMessageDelta,
				RunID: p.RunID,
				Delta: event.Delta,
			})
		case StreamTextEnd:
			content := event.Content
			if content == "" {
				content = current.String()
			}
			current.Reset()
			if content != "" {
				output.blocks = append(output.blocks, models.TextBlock(content))
				textParts = append(textParts, content)
			}
			p.Events.Push(models.AgentEvent{
				Type:  models.EventMessageEnd,
				RunID: p.RunID,
				Text:  content,
			})
		case StreamThinkingDelta:
			p.Events.Push(models.AgentEvent{
				Type:  models.EventThinkingDelta,
				RunID: p.RunID,
				Delta: event.Delta,
			})
		case StreamToolCallEnd:
			if event.ToolCall != nil {
				call := *event.ToolCall
				output.blocks = append(output.blocks, models.ToolUseBlock(call.ID, call.Name, call.Arguments))
				output.calls = append(output.calls, call)
			}
		case StreamError:
			return nil, &StreamFailure{Message: event.ErrorMessage}
		}
	}

	if err := stream.Result(); err != nil {
		return nil, err
	}

	// Text that never saw a text_end still belongs to the turn.
	if current.Len() > 0 {
		content := current.String()
		output.blocks = append(output.blocks, models.TextBlock(content))
		textParts = append(textParts, content)
	}

	output.text = strings.Join(textParts, "\n")
	return output, nil
}
