package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAborted is surfaced when a run is cancelled, either through
	// Abort or the caller's context.
	ErrAborted = errors.New("operation aborted")

	// ErrSubagentSpawnRejected is returned when a subagent session tries
	// to spawn another subagent.
	ErrSubagentSpawnRejected = errors.New("subagent sessions cannot spawn subagents")

	// ErrContextOverflow marks a provider rejection caused by an oversized
	// context. Intercepted once per run for auto-compaction.
	ErrContextOverflow = errors.New("context overflow")
)

// StreamFailure wraps an error event raised inside a provider stream.
type StreamFailure struct {
	Message string
}

func (e *StreamFailure) Error() string {
	return fmt.Sprintf("provider stream error: %s", e.Message)
}

// rateLimitSubstrings classify transient provider throttling. Providers
// rarely expose typed errors across transports, so the loop falls back to
// case-insensitive message matching.
var rateLimitSubstrings = []string{"429", "rate limit", "too many requests", "quota"}

// overflowSubstrings classify a rejected over-long context.
var overflowSubstrings = []string{"context length", "too long", "maximum context"}

func isRateLimitError(err error) bool {
	return matchesAnySubstring(err, rateLimitSubstrings)
}

func isOverflowError(err error) bool {
	if errors.Is(err, ErrContextOverflow) {
		return true
	}
	return matchesAnySubstring(err, overflowSubstrings)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAborted)
}

func matchesAnySubstring(err error, needles []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
