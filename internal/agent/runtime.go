package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/tandem/internal/agentctx"
	"github.com/haasonsaas/tandem/internal/lanes"
	"github.com/haasonsaas/tandem/internal/observability"
	"github.com/haasonsaas/tandem/internal/sessions"
	"github.com/haasonsaas/tandem/pkg/models"
)

// Options configures a Runtime.
type Options struct {
	AgentID      string
	SystemPrompt string

	Log    sessions.Log
	Stream StreamFn
	Model  ModelDef
	Tools  *ToolRegistry

	WorkspaceDir string
	APIKey       string
	Temperature  *float64
	Reasoning    string
	MaxTokens    int

	MaxTurns          int
	ContextTokens     int
	MaxConcurrentRuns int

	Prune      agentctx.PruneSettings
	Compaction agentctx.CompactionSettings

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

func (o Options) sanitized() Options {
	if o.AgentID == "" {
		o.AgentID = "main"
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = DefaultMaxTurns
	}
	if o.ContextTokens <= 0 {
		o.ContextTokens = agentctx.DefaultContextWindowTokens
	}
	if o.Tools == nil {
		o.Tools = NewToolRegistry()
	}
	if o.Prune.MaxHistoryShare == 0 {
		o.Prune = agentctx.DefaultPruneSettings()
	}
	if o.Compaction.ReserveTokens == 0 {
		o.Compaction = agentctx.DefaultCompactionSettings()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// RunResult is returned by Run.
type RunResult struct {
	RunID     string
	Text      string
	Turns     int
	ToolCalls int
}

// runHandle tracks one in-flight run for cancellation.
type runHandle struct {
	sessionKey string
	cancel     context.CancelFunc
}

// Runtime is the orchestrator: it admits runs through the lane scheduler,
// persists through the guarded session log, feeds the context pipeline,
// drives the loop, and fans events out to subscribers.
type Runtime struct {
	opts   Options
	guard  *sessions.GuardedLog
	lanes  *lanes.Scheduler
	window *agentctx.WindowGuard
	logger *slog.Logger

	mu          sync.Mutex
	steering    map[string]*SteeringQueue
	followUp    map[string]*SteeringQueue
	runs        map[string]*runHandle
	subscribers map[int]func(models.AgentEvent)
	nextSubID   int
}

// NewRuntime creates a runtime. Options.Log and Options.Stream are
// required.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Log == nil {
		return nil, fmt.Errorf("agent: session log is required")
	}
	if opts.Stream == nil {
		return nil, fmt.Errorf("agent: stream function is required")
	}
	opts = opts.sanitized()

	return &Runtime{
		opts:        opts,
		guard:       sessions.Guard(opts.Log),
		lanes:       lanes.NewScheduler(opts.MaxConcurrentRuns),
		window:      agentctx.NewWindowGuard(opts.Logger),
		logger:      opts.Logger,
		steering:    make(map[string]*SteeringQueue),
		followUp:    make(map[string]*SteeringQueue),
		runs:        make(map[string]*runHandle),
		subscribers: make(map[int]func(models.AgentEvent)),
	}, nil
}

// SessionKey builds the canonical session key for an id.
func (r *Runtime) SessionKey(sessionID string) string {
	return fmt.Sprintf("agent:%s:session:%s", r.opts.AgentID, sessionID)
}

// Run executes one agent run for the session. It blocks until the run
// completes, is cancelled, or fails.
func (r *Runtime) Run(ctx context.Context, sessionKey, userText string) (*RunResult, error) {
	// Fails synchronously, before lanes or I/O.
	if err := r.window.Check(r.opts.ContextTokens); err != nil {
		return nil, err
	}

	release, err := r.lanes.Acquire(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.registerRun(runID, sessionKey, cancel)
	defer r.unregisterRun(runID)

	if m := r.opts.Metrics; m != nil {
		m.RunStarted()
		defer m.RunFinished()
	}

	events := NewEventStream()
	events.Subscribe(r.fanOut)
	if m := r.opts.Metrics; m != nil {
		events.Subscribe(func(e models.AgentEvent) {
			switch e.Type {
			case models.EventToolExecutionEnd:
				m.ToolExecuted(e.ToolName, e.IsError)
			case models.EventRetry:
				m.StreamRetried()
			}
		})
	}
	defer events.End()

	// The guard flush must run even after cancellation so the log never
	// ends with an unanswered tool_use.
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer flushCancel()
		if ferr := r.guard.FlushPendingToolResults(flushCtx, sessionKey); ferr != nil {
			r.logger.Error("flush pending tool results failed", "session", sessionKey, "error", ferr)
		}
	}()

	events.Push(models.AgentEvent{Type: models.EventAgentStart, RunID: runID})
	r.logger.Info("run started", "run_id", runID, "session", sessionKey)

	result, err := r.execute(runCtx, runID, sessionKey, userText, events)
	if err != nil {
		if isCancellation(err) {
			err = ErrAborted
		}
		events.Push(models.AgentEvent{Type: models.EventAgentError, RunID: runID, Error: err.Error()})
		if m := r.opts.Metrics; m != nil {
			m.RunErrored()
		}
		r.logger.Warn("run failed", "run_id", runID, "session", sessionKey, "error", err)
		return nil, err
	}

	events.Push(models.AgentEvent{
		Type:      models.EventAgentEnd,
		RunID:     runID,
		FinalText: result.FinalText,
		Turns:     result.Turns,
		ToolCalls: result.ToolCalls,
	})
	r.logger.Info("run finished", "run_id", runID, "turns", result.Turns, "tool_calls", result.ToolCalls)

	return &RunResult{
		RunID:     runID,
		Text:      result.FinalText,
		Turns:     result.Turns,
		ToolCalls: result.ToolCalls,
	}, nil
}

func (r *Runtime) execute(ctx context.Context, runID, sessionKey, userText string, events *EventStream) (*LoopResult, error) {
	history, err := r.guard.Load(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	userMsg := models.NewUserMessage(userText)
	if err := r.guard.Append(ctx, sessionKey, userMsg); err != nil {
		return nil, err
	}
	messages := append(append([]*models.Message{}, history...), userMsg)

	var compactionSummary *models.Message
	totalTokens := agentctx.EstimateMessagesTokens(messages)
	if agentctx.ShouldTriggerCompaction(totalTokens, r.opts.ContextTokens, r.opts.Compaction.ReserveTokens) {
		summary, cerr := r.prepareCompaction(ctx, runID, sessionKey, messages, events)
		if cerr != nil {
			r.logger.Warn("pre-run compaction failed", "run_id", runID, "error", cerr)
		} else {
			compactionSummary = summary
		}
	}

	params := LoopParams{
		RunID:             runID,
		SessionKey:        sessionKey,
		Messages:          messages,
		CompactionSummary: compactionSummary,
		SystemPrompt:      r.opts.SystemPrompt,
		Tools:             r.opts.Tools,
		ToolCtx: ToolContext{
			WorkspaceDir: r.opts.WorkspaceDir,
			SessionKey:   sessionKey,
			AgentID:      r.opts.AgentID,
		},
		Model:         r.opts.Model,
		Stream:        r.opts.Stream,
		APIKey:        r.opts.APIKey,
		Temperature:   r.opts.Temperature,
		Reasoning:     r.opts.Reasoning,
		MaxTokens:     r.opts.MaxTokens,
		MaxTurns:      r.opts.MaxTurns,
		ContextTokens: r.opts.ContextTokens,
		Prune:         r.opts.Prune,
		GetSteering: func() []*models.Message {
			return drainToMessages(r.steeringQueue(sessionKey))
		},
		GetFollowUp: func() []*models.Message {
			return drainToMessages(r.followUpQueue(sessionKey))
		},
		AppendMessage: func(ctx context.Context, msg *models.Message) error {
			return r.guard.Append(ctx, sessionKey, msg)
		},
		PrepareCompaction: func(ctx context.Context, msgs []*models.Message) (*models.Message, error) {
			return r.prepareCompaction(ctx, runID, sessionKey, msgs, events)
		},
		Events: events,
		Logger: r.logger,
	}

	return RunLoop(ctx, params)
}

// prepareCompaction prunes the current messages, summarizes the dropped
// prefix, and persists the checkpoint.
func (r *Runtime) prepareCompaction(ctx context.Context, runID, sessionKey string, messages []*models.Message, events *EventStream) (*models.Message, error) {
	pruned := agentctx.PruneContextMessages(messages, r.opts.ContextTokens, r.opts.Prune)
	if len(pruned.DroppedMessages) == 0 {
		return nil, nil
	}

	summary, err := agentctx.BuildCompactionSummary(ctx, pruned.DroppedMessages, r.opts.Compaction, r.summarize)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, nil
	}

	// Pruning keeps a contiguous tail, but layers 1-2 may have replaced
	// kept messages with trimmed copies; resolve entry ids through the
	// original slice by position.
	firstKept := ""
	keptStart := len(messages) - len(pruned.Messages)
	if keptStart < 0 {
		keptStart = 0
	}
	for i := keptStart; i < len(messages); i++ {
		if id, ok := r.guard.ResolveMessageEntryID(sessionKey, messages[i]); ok {
			firstKept = id
			break
		}
	}
	tokensBefore := agentctx.EstimateMessagesTokens(messages)

	if err := r.guard.AppendCompaction(ctx, sessionKey, summary, firstKept, tokensBefore); err != nil {
		return nil, err
	}

	events.Push(models.AgentEvent{
		Type:            models.EventCompaction,
		RunID:           runID,
		SummaryChars:    len(summary.Text()),
		DroppedMessages: len(pruned.DroppedMessages),
	})
	if m := r.opts.Metrics; m != nil {
		m.CompactionPerformed()
	}
	return summary, nil
}

// summarize backs the compaction pipeline with a plain model call.
func (r *Runtime) summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	stream, err := r.opts.Stream(ctx, r.opts.Model, Conversation{
		Messages: []*models.Message{models.NewUserMessage(prompt)},
	}, StreamOptions{
		MaxTokens: maxTokens,
		APIKey:    r.opts.APIKey,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for event := range stream.Events() {
		switch event.Type {
		case StreamTextDelta:
			b.WriteString(event.Delta)
		case StreamTextEnd:
			if event.Content != "" {
				b.Reset()
				b.WriteString(event.Content)
			}
		case StreamError:
			return "", &StreamFailure{Message: event.ErrorMessage}
		}
	}
	if err := stream.Result(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Steer injects user text into an active (or upcoming) run for the
// session. Non-blocking; order is preserved.
func (r *Runtime) Steer(sessionKey, text string) {
	r.steeringQueue(sessionKey).Push(text)
	r.logger.Debug("steering queued", "session", sessionKey)
}

// Abort cancels one run by id, or every in-flight run when runID is
// empty. Idempotent.
func (r *Runtime) Abort(runID string) {
	r.mu.Lock()
	var cancels []context.CancelFunc
	if runID == "" {
		for _, h := range r.runs {
			cancels = append(cancels, h.cancel)
		}
	} else if h, ok := r.runs[runID]; ok {
		cancels = append(cancels, h.cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Subscribe registers a listener invoked synchronously for every event of
// every run. Listener panics are swallowed. The returned function
// unsubscribes.
func (r *Runtime) Subscribe(listener func(models.AgentEvent)) func() {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = listener
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// Reset deletes the session log. It refuses while a run for the session
// is active.
func (r *Runtime) Reset(ctx context.Context, sessionKey string) error {
	release, ok := r.lanes.TryAcquire(sessionKey)
	if !ok {
		return fmt.Errorf("agent: session %s has an active run", sessionKey)
	}
	defer release()
	return r.guard.Clear(ctx, sessionKey)
}

// Sessions lists persisted session keys.
func (r *Runtime) Sessions() ([]string, error) {
	return r.guard.List()
}

// SpawnSubagent starts a detached run in a fresh subagent session and
// reports its outcome back to the parent session as a follow-up message.
// Subagents cannot spawn further subagents.
func (r *Runtime) SpawnSubagent(ctx context.Context, parentSessionKey, task string) (string, error) {
	if strings.Contains(parentSessionKey, ":subagent:") {
		return "", ErrSubagentSpawnRejected
	}
	subKey := fmt.Sprintf("agent:%s:subagent:%s", r.opts.AgentID, uuid.NewString())

	go func() {
		result, err := r.Run(context.WithoutCancel(ctx), subKey, task)
		if err != nil {
			r.followUpQueue(parentSessionKey).Push("Subagent failed: " + err.Error())
			r.fanOut(models.AgentEvent{
				Type:        models.EventSubagentError,
				SubagentKey: subKey,
				Error:       err.Error(),
			})
			return
		}
		r.followUpQueue(parentSessionKey).Push("Subagent completed. Report:\n" + result.Text)
		r.fanOut(models.AgentEvent{
			Type:        models.EventSubagentSummary,
			RunID:       result.RunID,
			SubagentKey: subKey,
			Summary:     result.Text,
		})
	}()

	return subKey, nil
}

func (r *Runtime) registerRun(runID, sessionKey string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.runs[runID] = &runHandle{sessionKey: sessionKey, cancel: cancel}
	r.mu.Unlock()
}

func (r *Runtime) unregisterRun(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

func (r *Runtime) steeringQueue(sessionKey string) *SteeringQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.steering[sessionKey]
	if !ok {
		q = NewSteeringQueue()
		r.steering[sessionKey] = q
	}
	return q
}

func (r *Runtime) followUpQueue(sessionKey string) *SteeringQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.followUp[sessionKey]
	if !ok {
		q = NewSteeringQueue()
		r.followUp[sessionKey] = q
	}
	return q
}

// fanOut delivers an event to runtime-level subscribers.
func (r *Runtime) fanOut(event models.AgentEvent) {
	r.mu.Lock()
	listeners := make([]func(models.AgentEvent), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		deliver(fn, event)
	}
}

func drainToMessages(q *SteeringQueue) []*models.Message {
	texts := q.Drain()
	if len(texts) == 0 {
		return nil
	}
	msgs := make([]*models.Message, 0, len(texts))
	for _, text := range texts {
		msgs = append(msgs, models.NewUserMessage(text))
	}
	return msgs
}
