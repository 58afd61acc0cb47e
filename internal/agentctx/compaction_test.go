package agentctx

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/tandem/pkg/models"
)

func TestShouldTriggerCompaction(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		window  int
		reserve int
		want    bool
	}{
		{"well under", 50_000, 200_000, 20_000, false},
		{"at boundary", 180_000, 200_000, 20_000, false},
		{"over boundary", 180_001, 200_000, 20_000, true},
		{"zero reserve uses default", 180_001, 200_000, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldTriggerCompaction(tt.total, tt.window, tt.reserve); got != tt.want {
				t.Errorf("ShouldTriggerCompaction(%d, %d, %d) = %v, want %v",
					tt.total, tt.window, tt.reserve, got, tt.want)
			}
		})
	}
}

func TestBuildCompactionSummaryEmpty(t *testing.T) {
	msg, err := BuildCompactionSummary(context.Background(), nil, DefaultCompactionSettings(),
		func(ctx context.Context, prompt string, maxTokens int) (string, error) { return "x", nil })
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if msg != nil {
		t.Errorf("summary for no dropped messages = %v, want nil", msg)
	}
}

func TestBuildCompactionSummarySinglePart(t *testing.T) {
	dropped := []*models.Message{
		textMsg(models.RoleUser, "please refactor the parser"),
		textMsg(models.RoleAssistant, "done, split into two files"),
	}

	calls := 0
	summarize := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		calls++
		if !strings.Contains(prompt, "refactor the parser") {
			t.Errorf("prompt missing dropped content")
		}
		return "parser was refactored", nil
	}

	msg, err := BuildCompactionSummary(context.Background(), dropped, DefaultCompactionSettings(), summarize)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	// Two messages is below MinMessagesForSplit, so one call, no merge.
	if calls != 1 {
		t.Errorf("summarize calls = %d, want 1", calls)
	}
	if msg.Role != models.RoleUser {
		t.Errorf("summary role = %q, want user", msg.Role)
	}
	text := msg.Text()
	if !strings.Contains(text, "<summary>\nparser was refactored\n</summary>") {
		t.Errorf("summary text = %q, want wrapped summary", text)
	}
	if !strings.HasPrefix(text, "The conversation history before this point was compacted") {
		t.Errorf("summary missing preamble: %q", text[:60])
	}
}

func TestBuildCompactionSummarySplitAndMerge(t *testing.T) {
	var dropped []*models.Message
	for i := 0; i < 8; i++ {
		dropped = append(dropped, textMsg(models.RoleUser, strings.Repeat("q", 400)))
		dropped = append(dropped, textMsg(models.RoleAssistant, strings.Repeat("a", 400)))
	}

	var prompts []string
	summarize := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		prompts = append(prompts, prompt)
		return "partial", nil
	}

	msg, err := BuildCompactionSummary(context.Background(), dropped, DefaultCompactionSettings(), summarize)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if msg == nil {
		t.Fatal("summary = nil")
	}
	// Two part calls plus one merge call.
	if len(prompts) != 3 {
		t.Fatalf("summarize calls = %d, want 3", len(prompts))
	}
	if !strings.Contains(prompts[2], "--- Part 1 ---") || !strings.Contains(prompts[2], "--- Part 2 ---") {
		t.Errorf("merge prompt missing parts: %q", prompts[2][:80])
	}
}

func TestBuildCompactionSummaryRetriesWithOmissions(t *testing.T) {
	dropped := []*models.Message{
		textMsg(models.RoleUser, strings.Repeat("huge", 50_000)),
	}

	settings := DefaultCompactionSettings()
	settings.ReserveTokens = 1000 // maxCall = 800 tokens; the message is far larger

	calls := 0
	summarize := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("request too large")
		}
		if !strings.Contains(prompt, "omitted]") {
			t.Errorf("retry prompt should omit oversized messages, got %q", prompt[:120])
		}
		return "summary without the big one", nil
	}

	msg, err := BuildCompactionSummary(context.Background(), dropped, settings, summarize)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if calls != 2 {
		t.Errorf("summarize calls = %d, want 2 (fail then retry)", calls)
	}
	if !strings.Contains(msg.Text(), "summary without the big one") {
		t.Errorf("summary text = %q", msg.Text())
	}
}

func TestBuildCompactionSummaryPropagatesFailure(t *testing.T) {
	dropped := []*models.Message{textMsg(models.RoleUser, "x")}
	summarize := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		return "", errors.New("model unavailable")
	}

	if _, err := BuildCompactionSummary(context.Background(), dropped, DefaultCompactionSettings(), summarize); err == nil {
		t.Fatal("error = nil, want summarization failure surfaced")
	}
}

func TestBuildCompactionSummaryFileTrailer(t *testing.T) {
	dropped := []*models.Message{
		{Role: models.RoleAssistant, Content: []models.ContentBlock{
			models.ToolUseBlock("t1", "read", map[string]any{"path": "internal/a.go"}),
			models.ToolUseBlock("t2", "read", map[string]any{"path": "internal/b.go"}),
			models.ToolUseBlock("t3", "edit", map[string]any{"path": "internal/b.go"}),
			models.ToolUseBlock("t4", "write", map[string]any{"path": "internal/c.go"}),
		}},
		textMsg(models.RoleUser, "ok"),
	}

	summarize := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		return "work happened", nil
	}

	msg, err := BuildCompactionSummary(context.Background(), dropped, DefaultCompactionSettings(), summarize)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	text := msg.Text()

	if !strings.Contains(text, "<read-files>\ninternal/a.go\n</read-files>") {
		t.Errorf("read-files trailer wrong:\n%s", text)
	}
	if !strings.Contains(text, "<modified-files>\ninternal/b.go\ninternal/c.go\n</modified-files>") {
		t.Errorf("modified-files trailer wrong:\n%s", text)
	}
}

func TestSplitByTokenShare(t *testing.T) {
	var msgs []*models.Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs, textMsg(models.RoleUser, strings.Repeat("m", 100)))
	}

	parts := splitByTokenShare(msgs, 2, 4)
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if len(parts[0])+len(parts[1]) != 6 {
		t.Errorf("split lost messages: %d + %d", len(parts[0]), len(parts[1]))
	}

	small := splitByTokenShare(msgs[:2], 2, 4)
	if len(small) != 1 {
		t.Errorf("small drop split into %d parts, want 1", len(small))
	}
}
