package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/tandem/internal/agentctx"
	"github.com/haasonsaas/tandem/internal/sessions"
	"github.com/haasonsaas/tandem/pkg/models"
)

// eventRecorder captures runtime events in arrival order.
type eventRecorder struct {
	mu     sync.Mutex
	events []models.AgentEvent
}

func (r *eventRecorder) listener(e models.AgentEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []models.AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AgentEvent{}, r.events...)
}

func (r *eventRecorder) types() []models.EventType {
	var out []models.EventType
	for _, e := range r.all() {
		out = append(out, e.Type)
	}
	return out
}

func newTestRuntime(t *testing.T, stream StreamFn, tools *ToolRegistry, mutate func(*Options)) (*Runtime, *sessions.FileStore, *eventRecorder) {
	t.Helper()
	store := sessions.NewFileStore(t.TempDir(), nil)
	opts := Options{
		AgentID: "test",
		Log:     store,
		Stream:  stream,
		Model:   ModelDef{Provider: "test", ID: "test-model"},
		Tools:   tools,
	}
	if mutate != nil {
		mutate(&opts)
	}
	rt, err := NewRuntime(opts)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	rec := &eventRecorder{}
	rt.Subscribe(rec.listener)
	return rt, store, rec
}

func TestRunHappyPath(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{textTurn("hello")}}
	rt, store, rec := newTestRuntime(t, provider.fn(), nil, nil)

	key := rt.SessionKey("s1")
	result, err := rt.Run(context.Background(), key, "hi")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Text != "hello" || result.Turns != 1 || result.ToolCalls != 0 {
		t.Errorf("result = %+v", result)
	}

	want := []models.EventType{
		models.EventAgentStart,
		models.EventTurnStart,
		models.EventMessageDelta,
		models.EventMessageEnd,
		models.EventTurnEnd,
		models.EventAgentEnd,
	}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	msgs, err := store.Load(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Text() != "hi" || msgs[1].Text() != "hello" {
		t.Errorf("log = %d messages, want user hi + assistant hello", len(msgs))
	}
	if msgs[1].Role != models.RoleAssistant {
		t.Errorf("msgs[1].Role = %q", msgs[1].Role)
	}
}

func TestRunSteeringPreemptsBatch(t *testing.T) {
	var rt *Runtime
	key := ""

	reg := NewToolRegistry()
	if err := reg.Register(Tool{
		Name:        "slow",
		Description: "Steers mid-flight on first call.",
		Execute: func(ctx context.Context, input map[string]any, tc ToolContext) (string, error) {
			time.Sleep(50 * time.Millisecond)
			rt.Steer(key, "wait")
			return "real output", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	provider := &scriptedProvider{turns: []scriptedTurn{
		toolTurn("",
			ToolCall{ID: "a", Name: "slow", Arguments: map[string]any{}},
			ToolCall{ID: "b", Name: "slow", Arguments: map[string]any{}},
		),
		textTurn("picked up your message"),
	}}

	var store *sessions.FileStore
	var rec *eventRecorder
	rt, store, rec = newTestRuntime(t, provider.fn(), reg, nil)
	key = rt.SessionKey("steer")

	if _, err := rt.Run(context.Background(), key, "do two things"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	msgs, err := store.Load(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	// user, assistant(tools), user(results), user(wait), assistant(final)
	if len(msgs) != 5 {
		t.Fatalf("log = %d messages, want 5", len(msgs))
	}
	results := msgs[2].ToolResults()
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ToolUseID != "a" || results[0].Content != "real output" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].ToolUseID != "b" || results[1].Content != SkippedToolResultText {
		t.Errorf("results[1] = %+v, want skip for b", results[1])
	}
	if msgs[3].Text() != "wait" {
		t.Errorf("msgs[3] = %q, want the steering text", msgs[3].Text())
	}

	var sawSkip, sawSteering bool
	for _, e := range rec.all() {
		if e.Type == models.EventToolSkipped && e.ToolUseID == "b" {
			sawSkip = true
		}
		if e.Type == models.EventSteering {
			sawSteering = true
		}
	}
	if !sawSkip || !sawSteering {
		t.Errorf("sawSkip = %v, sawSteering = %v; want both", sawSkip, sawSteering)
	}
}

func TestRunRepairsCrashedSession(t *testing.T) {
	dir := t.TempDir()
	key := "agent:test:session:crashed"

	// A previous process died after persisting the assistant tool_use.
	crashed := sessions.NewFileStore(dir, nil)
	ctx := context.Background()
	if err := crashed.Append(ctx, key, models.NewUserMessage("fetch the data")); err != nil {
		t.Fatal(err)
	}
	if err := crashed.Append(ctx, key, models.NewAssistantMessage([]models.ContentBlock{
		models.ToolUseBlock("x1", "fetch", map[string]any{}),
	})); err != nil {
		t.Fatal(err)
	}

	provider := &scriptedProvider{turns: []scriptedTurn{textTurn("continuing")}}
	store := sessions.NewFileStore(dir, nil)
	rt, err := NewRuntime(Options{
		AgentID: "test",
		Log:     store,
		Stream:  provider.fn(),
		Model:   ModelDef{ID: "test-model"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := rt.Run(ctx, key, "continue"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	msgs, err := store.Load(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	// user, assistant(x1), user(synthetic result), user(continue), assistant
	if len(msgs) != 5 {
		t.Fatalf("log = %d messages, want 5", len(msgs))
	}
	repair := msgs[2].ToolResults()
	if len(repair) != 1 || repair[0].ToolUseID != "x1" {
		t.Fatalf("repair message = %+v, want synthetic result for x1", msgs[2])
	}
	if repair[0].Content != sessions.MissingToolResultText {
		t.Errorf("repair content = %q", repair[0].Content)
	}
	if msgs[3].Text() != "continue" {
		t.Errorf("msgs[3] = %q, want the new user message after the repair", msgs[3].Text())
	}
}

func TestRunCompactsOversizedSession(t *testing.T) {
	dir := t.TempDir()
	key := "agent:test:session:big"
	ctx := context.Background()

	seed := sessions.NewFileStore(dir, nil)
	for i := 0; i < 20; i++ {
		if err := seed.Append(ctx, key, models.NewUserMessage(strings.Repeat("q", 900))); err != nil {
			t.Fatal(err)
		}
		if err := seed.Append(ctx, key, models.NewAssistantMessage([]models.ContentBlock{
			models.TextBlock(strings.Repeat("a", 900)),
		})); err != nil {
			t.Fatal(err)
		}
	}

	stream := func(ctx context.Context, model ModelDef, conv Conversation, opts StreamOptions) (ProviderStream, error) {
		text := "summarized earlier work"
		if len(conv.Messages) > 0 {
			first := conv.Messages[0].Text()
			if !strings.Contains(first, "Summarize the following") && !strings.Contains(first, "summaries of consecutive parts") {
				text = "answered after compaction"
			}
		}
		return newFakeStream([]StreamEvent{
			{Type: StreamTextDelta, Delta: text},
			{Type: StreamTextEnd, Content: text},
		}, nil), nil
	}

	store := sessions.NewFileStore(dir, nil)
	rt, err := NewRuntime(Options{
		AgentID:       "test",
		Log:           store,
		Stream:        stream,
		Model:         ModelDef{ID: "test-model"},
		ContextTokens: 8_000,
		Compaction: agentctx.CompactionSettings{
			ReserveTokens:       2_000,
			Parts:               2,
			MinMessagesForSplit: 4,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := &eventRecorder{}
	rt.Subscribe(rec.listener)

	result, err := rt.Run(ctx, key, "summarize where we are")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Text != "answered after compaction" {
		t.Errorf("result.Text = %q", result.Text)
	}

	var compaction *models.AgentEvent
	for _, e := range rec.all() {
		if e.Type == models.EventCompaction {
			ev := e
			compaction = &ev
			break
		}
	}
	if compaction == nil {
		t.Fatal("no compaction event emitted")
	}
	if compaction.SummaryChars == 0 || compaction.DroppedMessages == 0 {
		t.Errorf("compaction event = %+v, want nonzero summary and drops", compaction)
	}

	// A fresh load must start with the summary message.
	reloaded := sessions.NewFileStore(dir, nil)
	msgs, err := reloaded.Load(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) == 0 || !strings.Contains(msgs[0].Text(), "<summary>") {
		t.Errorf("live context does not start with the compaction summary")
	}
	if len(msgs) >= 40 {
		t.Errorf("live context = %d messages, want compacted prefix gone", len(msgs))
	}
}

func TestAbortCancelsRun(t *testing.T) {
	started := make(chan struct{})

	reg := NewToolRegistry()
	if err := reg.Register(Tool{
		Name:        "hang",
		Description: "Blocks until cancelled.",
		Execute: func(ctx context.Context, input map[string]any, tc ToolContext) (string, error) {
			close(started)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "never", nil
			}
		},
	}); err != nil {
		t.Fatal(err)
	}

	provider := &scriptedProvider{turns: []scriptedTurn{
		toolTurn("", ToolCall{ID: "h1", Name: "hang", Arguments: map[string]any{}}),
	}}
	rt, store, rec := newTestRuntime(t, provider.fn(), reg, nil)
	key := rt.SessionKey("abort")

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.Run(context.Background(), key, "run the long tool")
		errCh <- err
	}()

	<-started
	rt.Abort("")

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("Run() error = %v, want ErrAborted", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not terminate after Abort")
	}

	var agentErr *models.AgentEvent
	for _, e := range rec.all() {
		if e.Type == models.EventAgentError {
			ev := e
			agentErr = &ev
		}
	}
	if agentErr == nil || agentErr.Error != "operation aborted" {
		t.Fatalf("agent_error = %+v, want operation aborted", agentErr)
	}

	// The guard must have synthesized a result for the aborted tool.
	msgs, err := store.Load(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	results := last.ToolResults()
	if len(results) != 1 || results[0].ToolUseID != "h1" {
		t.Fatalf("log tail = %+v, want synthetic result for h1", last)
	}
}

func TestLaneSerializationSameSession(t *testing.T) {
	stream := func(ctx context.Context, model ModelDef, conv Conversation, opts StreamOptions) (ProviderStream, error) {
		time.Sleep(80 * time.Millisecond)
		return newFakeStream([]StreamEvent{
			{Type: StreamTextDelta, Delta: "ok"},
			{Type: StreamTextEnd, Content: "ok"},
		}, nil), nil
	}
	rt, _, rec := newTestRuntime(t, stream, nil, nil)
	key := rt.SessionKey("serial")

	var wg sync.WaitGroup
	runIDs := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			result, err := rt.Run(context.Background(), key, "msg")
			if err != nil {
				t.Errorf("Run() error = %v", err)
				return
			}
			runIDs[i] = result.RunID
		}()
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	// One run's agent_start must come after the other's agent_end.
	events := rec.all()
	index := func(typ models.EventType, runID string) int {
		for i, e := range events {
			if e.Type == typ && e.RunID == runID {
				return i
			}
		}
		return -1
	}
	startA, endA := index(models.EventAgentStart, runIDs[0]), index(models.EventAgentEnd, runIDs[0])
	startB, endB := index(models.EventAgentStart, runIDs[1]), index(models.EventAgentEnd, runIDs[1])
	if startA < 0 || endA < 0 || startB < 0 || endB < 0 {
		t.Fatalf("missing run events: %v", rec.types())
	}
	if !(endA < startB || endB < startA) {
		t.Errorf("runs interleaved: A=[%d,%d] B=[%d,%d]", startA, endA, startB, endB)
	}
}

func TestRunFailsSynchronouslyOnTinyWindow(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{textTurn("x")}}
	rt, _, _ := newTestRuntime(t, provider.fn(), nil, func(o *Options) {
		o.ContextTokens = 4_000
	})

	_, err := rt.Run(context.Background(), rt.SessionKey("tiny"), "hi")
	if !errors.Is(err, agentctx.ErrContextWindowTooSmall) {
		t.Fatalf("Run() error = %v, want ErrContextWindowTooSmall", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", provider.callCount())
	}
}

func TestResetBlockedDuringRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	stream := func(ctx context.Context, model ModelDef, conv Conversation, opts StreamOptions) (ProviderStream, error) {
		close(started)
		<-release
		return newFakeStream([]StreamEvent{{Type: StreamTextEnd, Content: "ok"}}, nil), nil
	}
	rt, _, _ := newTestRuntime(t, stream, nil, nil)
	key := rt.SessionKey("resetting")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rt.Run(context.Background(), key, "hold the lane")
	}()

	<-started
	if err := rt.Reset(context.Background(), key); err == nil {
		t.Error("Reset() during active run should fail")
	}
	close(release)
	<-done

	if err := rt.Reset(context.Background(), key); err != nil {
		t.Errorf("Reset() after run error = %v", err)
	}
}

func TestSubagentSpawnRejectedFromSubagent(t *testing.T) {
	provider := &scriptedProvider{turns: nil}
	rt, _, _ := newTestRuntime(t, provider.fn(), nil, nil)

	_, err := rt.SpawnSubagent(context.Background(), "agent:test:subagent:abc", "task")
	if !errors.Is(err, ErrSubagentSpawnRejected) {
		t.Fatalf("SpawnSubagent() error = %v, want ErrSubagentSpawnRejected", err)
	}
}

func TestSubagentReportsBack(t *testing.T) {
	stream := func(ctx context.Context, model ModelDef, conv Conversation, opts StreamOptions) (ProviderStream, error) {
		return newFakeStream([]StreamEvent{
			{Type: StreamTextDelta, Delta: "subtask finished"},
			{Type: StreamTextEnd, Content: "subtask finished"},
		}, nil), nil
	}
	rt, _, _ := newTestRuntime(t, stream, nil, nil)
	parent := rt.SessionKey("parent")

	summaries := make(chan models.AgentEvent, 1)
	rt.Subscribe(func(e models.AgentEvent) {
		if e.Type == models.EventSubagentSummary {
			select {
			case summaries <- e:
			default:
			}
		}
	})

	subKey, err := rt.SpawnSubagent(context.Background(), parent, "investigate")
	if err != nil {
		t.Fatalf("SpawnSubagent() error = %v", err)
	}
	if !strings.Contains(subKey, ":subagent:") {
		t.Errorf("subKey = %q, want subagent session key", subKey)
	}

	select {
	case e := <-summaries:
		if !strings.Contains(e.Summary, "subtask finished") {
			t.Errorf("summary = %q", e.Summary)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no subagent_summary event")
	}

	if rt.followUpQueue(parent).Len() == 0 {
		t.Error("parent follow-up queue is empty after subagent completion")
	}
}

func TestSteerNeverBlocks(t *testing.T) {
	provider := &scriptedProvider{turns: nil}
	rt, _, _ := newTestRuntime(t, provider.fn(), nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			rt.Steer("agent:test:session:idle", "ping")
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Steer blocked")
	}
}
