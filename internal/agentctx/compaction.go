package agentctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/tandem/pkg/models"
)

// DefaultReserveTokens is the headroom kept free for the model's response;
// compaction triggers when history grows into it.
const DefaultReserveTokens = 20_000

const (
	// chunkRatioBase and chunkRatioMin bound the share of a summary call's
	// budget that one rendered message may occupy. The ratio shrinks as
	// messages get larger so a single huge tool dump cannot crowd out the
	// rest of its chunk.
	chunkRatioBase = 0.4
	chunkRatioMin  = 0.15

	// summaryCallShare of the reserve is spent per summarization call.
	summaryCallShare = 0.8
)

// SummarizeFunc produces a summary for a prompt within maxTokens.
// The runtime backs it with a streaming model call whose text it accumulates.
type SummarizeFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// CompactionSettings configures summary construction.
type CompactionSettings struct {
	ReserveTokens       int
	Parts               int
	MinMessagesForSplit int
}

// DefaultCompactionSettings returns the standard configuration.
func DefaultCompactionSettings() CompactionSettings {
	return CompactionSettings{
		ReserveTokens:       DefaultReserveTokens,
		Parts:               2,
		MinMessagesForSplit: 4,
	}
}

func (s CompactionSettings) sanitized() CompactionSettings {
	d := DefaultCompactionSettings()
	if s.ReserveTokens <= 0 {
		s.ReserveTokens = d.ReserveTokens
	}
	if s.Parts <= 0 {
		s.Parts = d.Parts
	}
	if s.MinMessagesForSplit <= 0 {
		s.MinMessagesForSplit = d.MinMessagesForSplit
	}
	return s
}

// ShouldTriggerCompaction reports whether history has grown into the
// reserve headroom.
func ShouldTriggerCompaction(totalTokens, contextWindowTokens, reserveTokens int) bool {
	if reserveTokens <= 0 {
		reserveTokens = DefaultReserveTokens
	}
	return totalTokens > contextWindowTokens-reserveTokens
}

const summaryPromptHeader = `Summarize the following conversation excerpt. Preserve decisions, open tasks, file paths, and any constraints stated by the user. Be dense; drop pleasantries and tool noise.

`

const mergePromptHeader = `The following are summaries of consecutive parts of one conversation. Merge them into a single coherent summary, keeping decisions, open tasks, file paths, and constraints. Do not repeat yourself.

`

// BuildCompactionSummary summarizes dropped messages into a synthetic user
// message. Large drops are split into parts by token share, each part is
// summarized independently, and the partial summaries are merged. A chunk
// whose summarization fails is retried once with oversized messages
// replaced by omission notes.
func BuildCompactionSummary(ctx context.Context, dropped []*models.Message, settings CompactionSettings, summarize SummarizeFunc) (*models.Message, error) {
	if len(dropped) == 0 || summarize == nil {
		return nil, nil
	}
	settings = settings.sanitized()

	maxCallTokens := int(summaryCallShare * float64(settings.ReserveTokens))

	parts := splitByTokenShare(dropped, settings.Parts, settings.MinMessagesForSplit)

	summaries := make([]string, 0, len(parts))
	for _, part := range parts {
		summary, err := summarizePart(ctx, part, maxCallTokens, summarize)
		if err != nil {
			return nil, fmt.Errorf("compaction: summarize part: %w", err)
		}
		summaries = append(summaries, summary)
	}

	merged := summaries[0]
	if len(summaries) > 1 {
		var b strings.Builder
		b.WriteString(mergePromptHeader)
		for i, s := range summaries {
			fmt.Fprintf(&b, "--- Part %d ---\n%s\n\n", i+1, s)
		}
		var err error
		merged, err = summarize(ctx, b.String(), maxCallTokens)
		if err != nil {
			return nil, fmt.Errorf("compaction: merge summaries: %w", err)
		}
	}

	readFiles, modifiedFiles := mineFileAccess(dropped)

	var b strings.Builder
	b.WriteString("The conversation history before this point was compacted into the following summary:\n\n")
	b.WriteString("<summary>\n")
	b.WriteString(strings.TrimSpace(merged))
	b.WriteString("\n</summary>\n")
	if len(readFiles) > 0 {
		b.WriteString("\n<read-files>\n")
		b.WriteString(strings.Join(readFiles, "\n"))
		b.WriteString("\n</read-files>\n")
	}
	if len(modifiedFiles) > 0 {
		b.WriteString("\n<modified-files>\n")
		b.WriteString(strings.Join(modifiedFiles, "\n"))
		b.WriteString("\n</modified-files>\n")
	}

	return models.NewUserMessage(b.String()), nil
}

// summarizePart renders and summarizes one chunk of dropped messages,
// retrying once with oversized messages omitted.
func summarizePart(ctx context.Context, part []*models.Message, maxCallTokens int, summarize SummarizeFunc) (string, error) {
	prompt := summaryPromptHeader + renderMessages(part, maxCallTokens, false)
	summary, err := summarize(ctx, prompt, maxCallTokens)
	if err == nil {
		return summary, nil
	}

	prompt = summaryPromptHeader + renderMessages(part, maxCallTokens, true)
	summary, retryErr := summarize(ctx, prompt, maxCallTokens)
	if retryErr != nil {
		return "", err
	}
	return summary, nil
}

// renderMessages serializes messages for a summary prompt. Each message is
// capped at an adaptive share of the call budget; when omitOversized is
// set, messages beyond the cap are replaced by a size note instead of
// being truncated.
func renderMessages(msgs []*models.Message, maxCallTokens int, omitOversized bool) string {
	var b strings.Builder
	for _, msg := range msgs {
		tokens := EstimateMessageTokens(msg)
		capTokens := int(adaptiveRatio(tokens, maxCallTokens) * float64(maxCallTokens))

		if omitOversized && tokens > capTokens {
			fmt.Fprintf(&b, "[Large %s (~%dk tokens) omitted]\n\n", msg.Role, (tokens+999)/1000)
			continue
		}

		text := renderMessage(msg)
		maxChars := capTokens * CharsPerToken
		if len(text) > maxChars && maxChars > 0 {
			text = text[:maxChars] + "\n[truncated]"
		}
		fmt.Fprintf(&b, "%s:\n%s\n\n", msg.Role, text)
	}
	return b.String()
}

// adaptiveRatio shrinks from chunkRatioBase toward chunkRatioMin as a
// message approaches the call budget.
func adaptiveRatio(msgTokens, maxCallTokens int) float64 {
	if maxCallTokens <= 0 {
		return chunkRatioMin
	}
	share := float64(msgTokens) / float64(maxCallTokens)
	if share <= 0 {
		return chunkRatioBase
	}
	r := chunkRatioBase - share*(chunkRatioBase-chunkRatioMin)
	if r < chunkRatioMin {
		return chunkRatioMin
	}
	return r
}

func renderMessage(msg *models.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case models.BlockText:
			b.WriteString(block.Text)
			b.WriteString("\n")
		case models.BlockToolUse:
			input, _ := json.Marshal(block.Input)
			fmt.Fprintf(&b, "[tool call %s %s]\n", block.Name, input)
		case models.BlockToolResult:
			fmt.Fprintf(&b, "[tool result %s]\n%s\n", block.ToolUseID, block.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// splitByTokenShare divides messages into up to `parts` contiguous chunks
// of roughly equal token weight. Small drops stay in one chunk.
func splitByTokenShare(msgs []*models.Message, parts, minMessagesForSplit int) [][]*models.Message {
	if parts <= 1 || len(msgs) < minMessagesForSplit {
		return [][]*models.Message{msgs}
	}

	total := EstimateMessagesTokens(msgs)
	target := total / parts
	if target <= 0 {
		return [][]*models.Message{msgs}
	}

	var out [][]*models.Message
	var current []*models.Message
	currentTokens := 0
	for _, msg := range msgs {
		current = append(current, msg)
		currentTokens += EstimateMessageTokens(msg)
		if currentTokens >= target && len(out) < parts-1 {
			out = append(out, current)
			current = nil
			currentTokens = 0
		}
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// mineFileAccess extracts file paths from read/write/edit tool calls.
// Files that were only read go to the first list; written or edited files
// go to the second.
func mineFileAccess(msgs []*models.Message) (readFiles, modifiedFiles []string) {
	read := make(map[string]bool)
	modified := make(map[string]bool)
	for _, msg := range msgs {
		for _, use := range msg.ToolUses() {
			path, ok := use.Input["path"].(string)
			if !ok || path == "" {
				continue
			}
			switch use.Name {
			case "read":
				read[path] = true
			case "write", "edit":
				modified[path] = true
			}
		}
	}

	for path := range read {
		if !modified[path] {
			readFiles = append(readFiles, path)
		}
	}
	for path := range modified {
		modifiedFiles = append(modifiedFiles, path)
	}
	sort.Strings(readFiles)
	sort.Strings(modifiedFiles)
	return readFiles, modifiedFiles
}
