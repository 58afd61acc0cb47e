// Package models defines the shared data types exchanged between the
// agent runtime, the session log, and external subscribers.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the variant of a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message's content. Exactly one variant
// is populated, selected by Type:
//
//   - text: Text
//   - tool_use: ID, Name, Input (assistant messages only)
//   - tool_result: ToolUseID, Name, Content (user messages only)
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, name, content string) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Name: name, Content: content}
}

// Message is a single conversation turn. Content is always a block list;
// plain-string content decodes into a single text block.
type Message struct {
	Role      Role           `json:"role"`
	Timestamp int64          `json:"timestamp"` // unix millis
	Content   []ContentBlock `json:"content"`
}

// NewUserMessage creates a user message with a single text block.
func NewUserMessage(text string) *Message {
	return &Message{
		Role:      RoleUser,
		Timestamp: time.Now().UnixMilli(),
		Content:   []ContentBlock{TextBlock(text)},
	}
}

// NewAssistantMessage creates an assistant message from content blocks.
func NewAssistantMessage(blocks []ContentBlock) *Message {
	return &Message{
		Role:      RoleAssistant,
		Timestamp: time.Now().UnixMilli(),
		Content:   blocks,
	}
}

// messageJSON is the decoding shape of Message. Content decodes from
// either a JSON string (legacy plain text) or a block array; encoding
// always writes a block array.
type messageJSON struct {
	Role      Role            `json:"role"`
	Timestamp int64           `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
}

// UnmarshalJSON accepts both string content and block-array content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Timestamp = raw.Timestamp
	m.Content = nil
	if len(raw.Content) == 0 {
		return nil
	}
	trimmed := strings.TrimSpace(string(raw.Content))
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(raw.Content, &text); err != nil {
			return err
		}
		m.Content = []ContentBlock{TextBlock(text)}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	m.Content = blocks
	return nil
}

// Text joins all text blocks of the message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Type != BlockText {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(block.Text)
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of the message in order.
func (m *Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, block := range m.Content {
		if block.Type == BlockToolUse {
			out = append(out, block)
		}
	}
	return out
}

// ToolResults returns the tool_result blocks of the message in order.
func (m *Message) ToolResults() []ContentBlock {
	var out []ContentBlock
	for _, block := range m.Content {
		if block.Type == BlockToolResult {
			out = append(out, block)
		}
	}
	return out
}

// HasToolResults reports whether the message carries any tool_result block.
func (m *Message) HasToolResults() bool {
	return len(m.ToolResults()) > 0
}

// Chars estimates the serialized character weight of the message. Used by
// the context pipeline as a cheap proxy for tokens.
func (m *Message) Chars() int {
	chars := 0
	for _, block := range m.Content {
		switch block.Type {
		case BlockText:
			chars += len(block.Text)
		case BlockToolUse:
			chars += len(block.Name)
			if len(block.Input) > 0 {
				if data, err := json.Marshal(block.Input); err == nil {
					chars += len(data)
				}
			}
		case BlockToolResult:
			chars += len(block.Content)
		}
	}
	return chars
}

// Clone returns a copy of the message with its own block slice and its own
// top-level Input maps; nested values inside Input are shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Content = make([]ContentBlock, len(m.Content))
	for i, block := range m.Content {
		clone.Content[i] = block
		if len(block.Input) > 0 {
			input := make(map[string]any, len(block.Input))
			for k, v := range block.Input {
				input[k] = v
			}
			clone.Content[i].Input = input
		}
	}
	return &clone
}
