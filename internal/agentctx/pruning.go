package agentctx

import (
	"strconv"
	"strings"

	"github.com/haasonsaas/tandem/pkg/models"
)

// ToolMatch controls which tool results are prunable by allow/deny glob
// patterns ("*" matches everything).
type ToolMatch struct {
	Allow []string
	Deny  []string
}

// SoftTrimSettings configures layer 1.
type SoftTrimSettings struct {
	MaxChars  int
	HeadChars int
	TailChars int
}

// HardClearSettings configures layer 2.
type HardClearSettings struct {
	Placeholder string
}

// PruneSettings controls the three-layer pruning pipeline.
type PruneSettings struct {
	MaxHistoryShare      float64
	KeepLastAssistants   int
	SoftTrimRatio        float64
	HardClearRatio       float64
	MinPrunableToolChars int
	SoftTrim             SoftTrimSettings
	HardClear            HardClearSettings
	Tools                ToolMatch
}

// DefaultPruneSettings returns the standard thresholds.
func DefaultPruneSettings() PruneSettings {
	return PruneSettings{
		MaxHistoryShare:      0.5,
		KeepLastAssistants:   3,
		SoftTrimRatio:        0.3,
		HardClearRatio:       0.5,
		MinPrunableToolChars: 50_000,
		SoftTrim: SoftTrimSettings{
			MaxChars:  4000,
			HeadChars: 1500,
			TailChars: 1500,
		},
		HardClear: HardClearSettings{
			Placeholder: "[Old tool result content cleared]",
		},
	}
}

// PruneResult reports what the pipeline kept and dropped.
type PruneResult struct {
	Messages               []*models.Message
	DroppedMessages        []*models.Message
	TrimmedToolResults     int
	HardClearedToolResults int
	TotalChars             int
	KeptChars              int
	DroppedChars           int
	BudgetChars            int
}

// PruneContextMessages runs the three layers in order: soft-trim oversized
// prunable tool results, hard-clear prunable tool results oldest-first,
// then drop whole messages back-to-front within the history budget while
// protecting the last KeepLastAssistants assistant turns.
func PruneContextMessages(messages []*models.Message, contextWindowTokens int, settings PruneSettings) PruneResult {
	charWindow := contextWindowTokens * CharsPerToken
	budgetChars := int(float64(charWindow) * settings.MaxHistoryShare)

	result := PruneResult{
		Messages:    messages,
		BudgetChars: budgetChars,
	}
	if len(messages) == 0 || charWindow <= 0 {
		return result
	}

	working := make([]*models.Message, len(messages))
	copy(working, messages)

	totalChars := 0
	for _, msg := range working {
		totalChars += msg.Chars()
	}
	result.TotalChars = totalChars

	isPrunable := makeToolPrunablePredicate(settings.Tools)
	toolNames := buildToolUseNameMap(working)

	// Layer 1: soft trim.
	if ratio(totalChars, charWindow) > settings.SoftTrimRatio {
		for i, msg := range working {
			updated := msg
			for j, block := range updated.Content {
				if block.Type != models.BlockToolResult {
					continue
				}
				if !isPrunable(resultToolName(block, toolNames)) {
					continue
				}
				trimmed, changed := softTrim(block.Content, settings.SoftTrim)
				if !changed {
					continue
				}
				if updated == msg {
					updated = msg.Clone()
				}
				totalChars += len(trimmed) - len(updated.Content[j].Content)
				updated.Content[j].Content = trimmed
				result.TrimmedToolResults++
			}
			working[i] = updated
		}
	}

	// Layer 2: hard clear, oldest first, until under the ratio.
	if ratio(totalChars, charWindow) > settings.HardClearRatio {
		prunableChars := 0
		for _, msg := range working {
			for _, block := range msg.Content {
				if block.Type == models.BlockToolResult && isPrunable(resultToolName(block, toolNames)) {
					prunableChars += len(block.Content)
				}
			}
		}
		if prunableChars > settings.MinPrunableToolChars {
		clearing:
			for i, msg := range working {
				updated := msg
				for j, block := range updated.Content {
					if block.Type != models.BlockToolResult {
						continue
					}
					if !isPrunable(resultToolName(block, toolNames)) {
						continue
					}
					if block.Content == settings.HardClear.Placeholder {
						continue
					}
					if updated == msg {
						updated = msg.Clone()
					}
					totalChars += len(settings.HardClear.Placeholder) - len(updated.Content[j].Content)
					updated.Content[j].Content = settings.HardClear.Placeholder
					result.HardClearedToolResults++
					working[i] = updated
					if ratio(totalChars, charWindow) < settings.HardClearRatio {
						break clearing
					}
				}
				working[i] = updated
			}
		}
	}

	// Layer 3: message drop.
	currentChars := 0
	for _, msg := range working {
		currentChars += msg.Chars()
	}
	if currentChars <= budgetChars {
		result.Messages = working
		result.KeptChars = currentChars
		return result
	}

	cutoff := assistantCutoffIndex(working, settings.KeepLastAssistants)

	kept := make([]bool, len(working))
	keptChars := 0
	for i := cutoff; i < len(working); i++ {
		kept[i] = true
		keptChars += working[i].Chars()
	}

	if keptChars > budgetChars {
		// Protected messages alone exceed the budget: pack back-to-front
		// ignoring protection.
		for i := range kept {
			kept[i] = false
		}
		keptChars = 0
		for i := len(working) - 1; i >= 0; i-- {
			c := working[i].Chars()
			if keptChars+c > budgetChars {
				break
			}
			kept[i] = true
			keptChars += c
		}
	} else {
		for i := cutoff - 1; i >= 0; i-- {
			c := working[i].Chars()
			if keptChars+c > budgetChars {
				break
			}
			kept[i] = true
			keptChars += c
		}
	}

	var keptMsgs, dropped []*models.Message
	for i, msg := range working {
		if kept[i] {
			keptMsgs = append(keptMsgs, msg)
		} else {
			dropped = append(dropped, msg)
			result.DroppedChars += msg.Chars()
		}
	}

	result.Messages = keptMsgs
	result.DroppedMessages = dropped
	result.KeptChars = keptChars
	return result
}

func ratio(chars, charWindow int) float64 {
	if charWindow <= 0 {
		return 0
	}
	return float64(chars) / float64(charWindow)
}

// assistantCutoffIndex finds the index of the Nth-from-last assistant
// message. Everything from that index on is protected.
func assistantCutoffIndex(messages []*models.Message, keepLastAssistants int) int {
	if keepLastAssistants <= 0 {
		return len(messages)
	}
	remaining := keepLastAssistants
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == models.RoleAssistant {
			remaining--
			if remaining == 0 {
				return i
			}
		}
	}
	return 0
}

func softTrim(content string, settings SoftTrimSettings) (string, bool) {
	if len(content) <= settings.MaxChars {
		return content, false
	}
	head := settings.HeadChars
	tail := settings.TailChars
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if head+tail >= len(content) {
		return content, false
	}
	trimmed := content[:head] + "\n...\n" + content[len(content)-tail:]
	return trimmed + "[trimmed " + strconv.Itoa(len(content)-head-tail) + " chars]", true
}

func resultToolName(block models.ContentBlock, names map[string]string) string {
	if block.Name != "" {
		return block.Name
	}
	return names[block.ToolUseID]
}

func buildToolUseNameMap(messages []*models.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for _, use := range msg.ToolUses() {
			if use.ID != "" && use.Name != "" {
				names[use.ID] = use.Name
			}
		}
	}
	return names
}

func makeToolPrunablePredicate(match ToolMatch) func(string) bool {
	deny := normalizePatterns(match.Deny)
	allow := normalizePatterns(match.Allow)
	return func(toolName string) bool {
		normalized := strings.ToLower(strings.TrimSpace(toolName))
		if normalized == "" {
			return false
		}
		if matchesAny(normalized, deny) {
			return false
		}
		if len(allow) == 0 {
			return true
		}
		return matchesAny(normalized, allow)
	}
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		value := strings.ToLower(strings.TrimSpace(p))
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if wildcardMatch(p, name) {
			return true
		}
	}
	return false
}

func wildcardMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	parts := strings.Split(pattern, "*")
	idx := 0
	if parts[0] != "" {
		if !strings.HasPrefix(value, parts[0]) {
			return false
		}
		idx = len(parts[0])
	}
	for i := 1; i < len(parts)-1; i++ {
		part := parts[i]
		if part == "" {
			continue
		}
		pos := strings.Index(value[idx:], part)
		if pos < 0 {
			return false
		}
		idx += pos + len(part)
	}
	last := parts[len(parts)-1]
	if last != "" && !strings.HasSuffix(value[idx:], last) {
		return false
	}
	return true
}
