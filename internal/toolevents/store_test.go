package toolevents

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/tandem/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.Record(ctx, "run1", "t1", "read", StageStarted, false); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := store.Record(ctx, "run1", "t1", "read", StageFinished, false); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, "run2", "t9", "shell", StageStarted, false); err != nil {
		t.Fatal(err)
	}

	events, err := store.ListByRun(ctx, "run1")
	if err != nil {
		t.Fatalf("ListByRun() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Stage != StageStarted || events[1].Stage != StageFinished {
		t.Errorf("stages = %s, %s; want started, finished", events[0].Stage, events[1].Stage)
	}
	if events[0].ToolName != "read" {
		t.Errorf("ToolName = %q, want read", events[0].ToolName)
	}
}

func TestListenerRecordsLifecycle(t *testing.T) {
	store := openTestStore(t)
	listener := store.Listener()

	listener(models.AgentEvent{Type: models.EventToolExecutionStart, RunID: "r", ToolUseID: "a", ToolName: "read"})
	listener(models.AgentEvent{Type: models.EventToolExecutionEnd, RunID: "r", ToolUseID: "a", ToolName: "read", IsError: true})
	listener(models.AgentEvent{Type: models.EventToolSkipped, RunID: "r", ToolUseID: "b", ToolName: "write"})
	listener(models.AgentEvent{Type: models.EventMessageDelta, RunID: "r", Delta: "ignored"})

	events, err := store.ListByRun(context.Background(), "r")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if !events[1].IsError {
		t.Error("finished event lost is_error flag")
	}
	if events[2].Stage != StageSkipped {
		t.Errorf("events[2].Stage = %s, want skipped", events[2].Stage)
	}
}
