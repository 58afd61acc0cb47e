package providers

import (
	"testing"

	"github.com/haasonsaas/tandem/internal/agent"
	"github.com/haasonsaas/tandem/pkg/models"
)

func TestConvertMessagesRolesAndBlocks(t *testing.T) {
	msgs := []*models.Message{
		models.NewUserMessage("hi"),
		models.NewAssistantMessage([]models.ContentBlock{
			models.TextBlock("checking"),
			models.ToolUseBlock("t1", "read", map[string]any{"path": "a.go"}),
		}),
		{Role: models.RoleUser, Content: []models.ContentBlock{
			models.ToolResultBlock("t1", "read", "contents"),
		}},
	}

	converted, err := convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}
	if len(converted) != 3 {
		t.Fatalf("len(converted) = %d, want 3", len(converted))
	}
	if string(converted[0].Role) != "user" {
		t.Errorf("converted[0].Role = %q, want user", converted[0].Role)
	}
	if string(converted[1].Role) != "assistant" {
		t.Errorf("converted[1].Role = %q, want assistant", converted[1].Role)
	}
	if len(converted[1].Content) != 2 {
		t.Errorf("assistant content blocks = %d, want 2", len(converted[1].Content))
	}
}

func TestConvertMessagesSkipsEmpty(t *testing.T) {
	msgs := []*models.Message{
		nil,
		{Role: models.RoleUser, Content: nil},
		models.NewUserMessage("real"),
	}
	converted, err := convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}
	if len(converted) != 1 {
		t.Errorf("len(converted) = %d, want 1", len(converted))
	}
}

func TestConvertTools(t *testing.T) {
	specs := []agent.ToolSpec{{
		Name:        "read",
		Description: "Reads a file.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []any{"path"},
		},
	}}

	tools, err := convertTools(specs)
	if err != nil {
		t.Fatalf("convertTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %+v, want one plain tool", tools)
	}
	if tools[0].OfTool.Name != "read" {
		t.Errorf("Name = %q, want read", tools[0].OfTool.Name)
	}
}

func TestDecodeToolInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		key  string
		want any
	}{
		{"valid", `{"path":"x.go"}`, "path", "x.go"},
		{"empty", "", "", nil},
		{"malformed", `{"path":`, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeToolInput(tt.raw)
			if got == nil {
				t.Fatal("decodeToolInput() = nil, want non-nil map")
			}
			if tt.key != "" && got[tt.key] != tt.want {
				t.Errorf("got[%q] = %v, want %v", tt.key, got[tt.key], tt.want)
			}
		})
	}
}

func TestReasoningBudgets(t *testing.T) {
	for _, level := range []string{"minimal", "low", "medium", "high", "xhigh"} {
		if _, ok := thinkingBudgets[level]; !ok {
			t.Errorf("no thinking budget for reasoning level %q", level)
		}
	}
	if _, ok := thinkingBudgets["off"]; ok {
		t.Error("unexpected budget for level off")
	}
}
