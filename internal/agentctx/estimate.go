// Package agentctx implements the context pipeline: token estimation,
// three-layer pruning of tool results and old messages, and
// summarization-based compaction of dropped history.
package agentctx

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/haasonsaas/tandem/pkg/models"
)

// CharsPerToken is the coarse chars-to-tokens heuristic used throughout
// the pipeline. Swap EstimateTokens for provider tokenization if exact
// counts ever matter.
const CharsPerToken = 4

const (
	// MinContextWindowTokens is the hard floor below which a run fails
	// before any I/O.
	MinContextWindowTokens = 8_000

	// WarnContextWindowTokens triggers a one-time warning.
	WarnContextWindowTokens = 16_000

	// DefaultContextWindowTokens is used when no window is configured.
	DefaultContextWindowTokens = 200_000
)

// ErrContextWindowTooSmall is returned synchronously by the runtime when
// the configured window is below MinContextWindowTokens.
var ErrContextWindowTooSmall = errors.New("context window too small (minimum 8k tokens)")

// EstimateTokens estimates tokens for a text length in characters.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessageTokens estimates tokens for one message.
func EstimateMessageTokens(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	return EstimateTokens(msg.Chars())
}

// EstimateMessagesTokens sums the estimate across messages.
func EstimateMessagesTokens(msgs []*models.Message) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateMessageTokens(msg)
	}
	return total
}

// WindowGuard validates the configured context window. The warning for a
// small-but-viable window fires once per guard.
type WindowGuard struct {
	logger *slog.Logger
	once   sync.Once
}

// NewWindowGuard creates a guard logging through logger.
func NewWindowGuard(logger *slog.Logger) *WindowGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowGuard{logger: logger}
}

// Check fails for windows below the hard minimum and warns once below the
// warn threshold.
func (g *WindowGuard) Check(contextTokens int) error {
	if contextTokens < MinContextWindowTokens {
		return ErrContextWindowTooSmall
	}
	if contextTokens < WarnContextWindowTokens {
		g.once.Do(func() {
			g.logger.Warn("context window is small; compaction quality will suffer",
				"context_tokens", contextTokens,
				"recommended_minimum", WarnContextWindowTokens)
		})
	}
	return nil
}
