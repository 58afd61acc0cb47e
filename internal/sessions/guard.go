package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/tandem/pkg/models"
)

// MissingToolResultText is the placeholder content of a synthesized
// tool_result inserted when a tool invocation never produced one.
const MissingToolResultText = "missing tool result in session history; synthetic error result inserted"

var _ Log = (*GuardedLog)(nil)

// pendingCall tracks one tool_use awaiting its result.
type pendingCall struct {
	id   string
	name string
}

// GuardedLog decorates a Log so that every tool_use in the persisted
// history is matched by a tool_result before any other message follows it.
// The LLM provider rejects transcripts that violate this, so the guard
// repairs them transparently: before persisting a message that is not a
// tool_result carrier, it flushes synthetic error results for every
// pending tool_use.
type GuardedLog struct {
	inner Log

	mu      sync.Mutex
	pending map[string][]pendingCall
	seeded  map[string]bool
}

// Guard wraps log with the tool-result invariant. Wrapping an already
// guarded log returns it unchanged, so installing the guard twice is safe.
func Guard(log Log) *GuardedLog {
	if g, ok := log.(*GuardedLog); ok {
		return g
	}
	return &GuardedLog{
		inner:   log,
		pending: make(map[string][]pendingCall),
		seeded:  make(map[string]bool),
	}
}

// Unwrap returns the decorated log.
func (g *GuardedLog) Unwrap() Log { return g.inner }

func (g *GuardedLog) Load(ctx context.Context, sessionKey string) ([]*models.Message, error) {
	msgs, err := g.inner.Load(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.seedFromHistory(sessionKey, msgs)
	g.mu.Unlock()
	return msgs, nil
}

func (g *GuardedLog) Append(ctx context.Context, sessionKey string, msg *models.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureSeeded(ctx, sessionKey); err != nil {
		return err
	}

	if msg.Role == models.RoleUser && msg.HasToolResults() {
		g.settle(sessionKey, msg)
		return g.inner.Append(ctx, sessionKey, msg)
	}

	if err := g.flushLocked(ctx, sessionKey); err != nil {
		return err
	}
	if err := g.inner.Append(ctx, sessionKey, msg); err != nil {
		return err
	}
	if msg.Role == models.RoleAssistant {
		for _, use := range msg.ToolUses() {
			g.pending[sessionKey] = append(g.pending[sessionKey], pendingCall{id: use.ID, name: use.Name})
		}
	}
	return nil
}

func (g *GuardedLog) AppendCompaction(ctx context.Context, sessionKey string, summary *models.Message, firstKeptEntryID string, tokensBefore int) error {
	return g.inner.AppendCompaction(ctx, sessionKey, summary, firstKeptEntryID, tokensBefore)
}

func (g *GuardedLog) ResolveMessageEntryID(sessionKey string, msg *models.Message) (string, bool) {
	return g.inner.ResolveMessageEntryID(sessionKey, msg)
}

func (g *GuardedLog) Clear(ctx context.Context, sessionKey string) error {
	g.mu.Lock()
	delete(g.pending, sessionKey)
	delete(g.seeded, sessionKey)
	g.mu.Unlock()
	return g.inner.Clear(ctx, sessionKey)
}

func (g *GuardedLog) List() ([]string, error) {
	return g.inner.List()
}

// FlushPendingToolResults synthesizes error results for every pending
// tool_use of the session. Called in the outermost finally of every run so
// the log never ends in a state the provider would reject.
func (g *GuardedLog) FlushPendingToolResults(ctx context.Context, sessionKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureSeeded(ctx, sessionKey); err != nil {
		return err
	}
	return g.flushLocked(ctx, sessionKey)
}

// settle removes pending entries matched by the tool_results of msg.
func (g *GuardedLog) settle(sessionKey string, msg *models.Message) {
	results := msg.ToolResults()
	if len(results) == 0 {
		return
	}
	matched := make(map[string]bool, len(results))
	for _, tr := range results {
		matched[tr.ToolUseID] = true
	}
	remaining := g.pending[sessionKey][:0]
	for _, call := range g.pending[sessionKey] {
		if !matched[call.id] {
			remaining = append(remaining, call)
		}
	}
	g.pending[sessionKey] = remaining
}

// flushLocked persists one synthetic user message covering every pending
// tool_use, in order. Caller holds g.mu.
func (g *GuardedLog) flushLocked(ctx context.Context, sessionKey string) error {
	calls := g.pending[sessionKey]
	if len(calls) == 0 {
		return nil
	}

	blocks := make([]models.ContentBlock, 0, len(calls))
	for _, call := range calls {
		blocks = append(blocks, models.ToolResultBlock(call.id, call.name, MissingToolResultText))
	}
	repair := &models.Message{
		Role:      models.RoleUser,
		Timestamp: time.Now().UnixMilli(),
		Content:   blocks,
	}

	g.pending[sessionKey] = nil
	return g.inner.Append(ctx, sessionKey, repair)
}

// ensureSeeded computes the pending set from persisted history the first
// time a session is touched, so crash-orphaned tool calls are repaired on
// the next run. Caller holds g.mu.
func (g *GuardedLog) ensureSeeded(ctx context.Context, sessionKey string) error {
	if g.seeded[sessionKey] {
		return nil
	}
	msgs, err := g.inner.Load(ctx, sessionKey)
	if err != nil {
		return err
	}
	g.seedFromHistory(sessionKey, msgs)
	return nil
}

func (g *GuardedLog) seedFromHistory(sessionKey string, msgs []*models.Message) {
	if g.seeded[sessionKey] {
		return
	}
	var pending []pendingCall
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleAssistant:
			for _, use := range msg.ToolUses() {
				pending = append(pending, pendingCall{id: use.ID, name: use.Name})
			}
		case models.RoleUser:
			results := msg.ToolResults()
			if len(results) == 0 {
				continue
			}
			matched := make(map[string]bool, len(results))
			for _, tr := range results {
				matched[tr.ToolUseID] = true
			}
			remaining := pending[:0]
			for _, call := range pending {
				if !matched[call.id] {
					remaining = append(remaining, call)
				}
			}
			pending = remaining
		}
	}
	g.pending[sessionKey] = pending
	g.seeded[sessionKey] = true
}
