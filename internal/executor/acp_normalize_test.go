package executor

import (
	"testing"

	acp "github.com/ironpark/acp-go"

	"github.com/egv/agentdeck/internal/logs"
)

func TestToolCallTracker_UpdateReplacesToolEntry(t *testing.T) {
	store := logs.NewMsgStore()
	tracker := newToolCallTracker(store)

	entry := logs.NewToolUse("edit", "Edit main.go", "tc-1")
	idx := store.Push(entry)
	tracker.record(entry, idx)

	status := acp.ToolCallStatusCompleted
	tracker.applyUpdate(&acp.ToolCallUpdate{ToolCallId: "tc-1", Status: &status})

	got, ok := store.Entry(idx)
	if !ok {
		t.Fatalf("entry %d missing", idx)
	}
	if got.Kind != logs.EntryKindToolUse {
		t.Fatalf("kind = %q, want tool_use", got.Kind)
	}
	if got.Content != "Edit main.go [completed]" {
		t.Fatalf("content = %q", got.Content)
	}
	if got.ToolCallID() != "tc-1" {
		t.Fatalf("tool call id = %q", got.ToolCallID())
	}
	if got.ToolStatus == nil || got.ToolStatus.Kind != logs.ToolStatusCreated {
		t.Fatalf("approval status not preserved: %+v", got.ToolStatus)
	}
	if history := store.History(); len(history) != 1 {
		t.Fatalf("expected update in place, history has %d entries", len(history))
	}
}

func TestToolCallTracker_RepeatedUpdatesDoNotStack(t *testing.T) {
	store := logs.NewMsgStore()
	tracker := newToolCallTracker(store)

	entry := logs.NewToolUse("bash", "run tests", "tc-2")
	tracker.record(entry, store.Push(entry))

	inProgress := acp.ToolCallStatusInProgress
	completed := acp.ToolCallStatusCompleted
	tracker.applyUpdate(&acp.ToolCallUpdate{ToolCallId: "tc-2", Status: &inProgress})
	tracker.applyUpdate(&acp.ToolCallUpdate{ToolCallId: "tc-2", Status: &completed})

	got, _ := store.Entry(0)
	if got.Content != "run tests [completed]" {
		t.Fatalf("content = %q, earlier status must not accumulate", got.Content)
	}
}

func TestToolCallTracker_UpdateBeforeCallCreatesEntry(t *testing.T) {
	store := logs.NewMsgStore()
	tracker := newToolCallTracker(store)

	status := acp.ToolCallStatusInProgress
	tracker.applyUpdate(&acp.ToolCallUpdate{ToolCallId: "tc-3", Title: "Fetch docs", Status: &status})

	history := store.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(history))
	}
	if history[0].Kind != logs.EntryKindToolUse || history[0].ToolCallID() != "tc-3" {
		t.Fatalf("unexpected entry %+v", history[0])
	}

	// the follow-up update must land on the same entry
	completed := acp.ToolCallStatusCompleted
	tracker.applyUpdate(&acp.ToolCallUpdate{ToolCallId: "tc-3", Status: &completed})
	if history = store.History(); len(history) != 1 {
		t.Fatalf("expected update in place, history has %d entries", len(history))
	}
	if history[0].Content != "Fetch docs [completed]" {
		t.Fatalf("content = %q", history[0].Content)
	}
}

func TestToolCallTracker_NilAndBlankUpdatesIgnored(t *testing.T) {
	store := logs.NewMsgStore()
	tracker := newToolCallTracker(store)

	tracker.applyUpdate(nil)
	tracker.applyUpdate(&acp.ToolCallUpdate{})

	if history := store.History(); len(history) != 0 {
		t.Fatalf("expected no entries, got %d", len(history))
	}
}
