package models

import "time"

// EventType identifies the variant of an AgentEvent.
type EventType string

const (
	EventAgentStart             EventType = "agent_start"
	EventAgentEnd               EventType = "agent_end"
	EventAgentError             EventType = "agent_error"
	EventTurnStart              EventType = "turn_start"
	EventTurnEnd                EventType = "turn_end"
	EventMessageDelta           EventType = "message_delta"
	EventMessageEnd             EventType = "message_end"
	EventThinkingDelta          EventType = "thinking_delta"
	EventToolExecutionStart     EventType = "tool_execution_start"
	EventToolExecutionEnd       EventType = "tool_execution_end"
	EventToolSkipped            EventType = "tool_skipped"
	EventSteering               EventType = "steering"
	EventCompaction             EventType = "compaction"
	EventContextOverflowCompact EventType = "context_overflow_compact"
	EventRetry                  EventType = "retry"
	EventSubagentSummary        EventType = "subagent_summary"
	EventSubagentError          EventType = "subagent_error"
)

// AgentEvent is a typed event emitted by the agent loop. RunID is set on
// every event except subagent_error, which carries SubagentKey and leaves
// RunID empty; the remaining fields are populated per Type.
type AgentEvent struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`

	// agent_end
	FinalText string `json:"final_text,omitempty"`
	Turns     int    `json:"turns,omitempty"`
	ToolCalls int    `json:"tool_calls,omitempty"`

	// agent_error / subagent_error
	Error string `json:"error,omitempty"`

	// message_delta / thinking_delta
	Delta string `json:"delta,omitempty"`

	// message_end
	Text string `json:"text,omitempty"`

	// tool_execution_* / tool_skipped
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// steering
	SteeringCount int `json:"steering_count,omitempty"`

	// compaction / context_overflow_compact
	SummaryChars    int `json:"summary_chars,omitempty"`
	DroppedMessages int `json:"dropped_messages,omitempty"`

	// retry
	Attempt int           `json:"attempt,omitempty"`
	Wait    time.Duration `json:"wait,omitempty"`

	// subagent_summary
	SubagentKey string `json:"subagent_key,omitempty"`
	Summary     string `json:"summary,omitempty"`
}
