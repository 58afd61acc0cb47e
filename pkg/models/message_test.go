package models

import (
	"encoding/json"
	"testing"
)

func TestMessageUnmarshalPlainText(t *testing.T) {
	data := []byte(`{"role":"user","timestamp":1712000000000,"content":"hello"}`)

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Role != RoleUser {
		t.Errorf("Role = %q, want %q", msg.Role, RoleUser)
	}
	if len(msg.Content) != 1 || msg.Content[0].Type != BlockText {
		t.Fatalf("Content = %+v, want single text block", msg.Content)
	}
	if msg.Content[0].Text != "hello" {
		t.Errorf("Text = %q, want %q", msg.Content[0].Text, "hello")
	}
}

func TestMessageRoundTripBlocks(t *testing.T) {
	msg := &Message{
		Role:      RoleAssistant,
		Timestamp: 1712000000000,
		Content: []ContentBlock{
			TextBlock("checking"),
			ToolUseBlock("tu_1", "read", map[string]any{"path": "main.go"}),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(decoded.Content) != 2 {
		t.Fatalf("len(Content) = %d, want 2", len(decoded.Content))
	}
	uses := decoded.ToolUses()
	if len(uses) != 1 || uses[0].ID != "tu_1" || uses[0].Name != "read" {
		t.Errorf("ToolUses() = %+v, want one read/tu_1 block", uses)
	}
	if got, ok := uses[0].Input["path"].(string); !ok || got != "main.go" {
		t.Errorf("Input[path] = %v, want main.go", uses[0].Input["path"])
	}
}

func TestMessageText(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Content: []ContentBlock{
			TextBlock("first"),
			ToolUseBlock("tu_1", "read", nil),
			TextBlock("second"),
		},
	}
	if got := msg.Text(); got != "first\nsecond" {
		t.Errorf("Text() = %q, want %q", got, "first\nsecond")
	}
}

func TestMessageClone(t *testing.T) {
	msg := &Message{
		Role:    RoleAssistant,
		Content: []ContentBlock{ToolUseBlock("tu_1", "edit", map[string]any{"path": "a.go"})},
	}
	clone := msg.Clone()
	clone.Content[0].Input["path"] = "b.go"
	if msg.Content[0].Input["path"] != "a.go" {
		t.Errorf("Clone() shares Input map with original")
	}
}

func TestMessageChars(t *testing.T) {
	msg := &Message{
		Role: RoleUser,
		Content: []ContentBlock{
			ToolResultBlock("tu_1", "read", "0123456789"),
		},
	}
	if got := msg.Chars(); got != 10 {
		t.Errorf("Chars() = %d, want 10", got)
	}
}
