package logs

import (
	"encoding/json"
	"testing"
)

func TestNewToolUseCarriesCallID(t *testing.T) {
	entry := NewToolUse("  bash  ", "rm -rf build", "call-1")
	if entry.Kind != EntryKindToolUse {
		t.Fatalf("unexpected kind %s", entry.Kind)
	}
	if entry.ToolName != "bash" {
		t.Fatalf("tool name not trimmed: %q", entry.ToolName)
	}
	if entry.ToolStatus == nil || entry.ToolStatus.Kind != ToolStatusCreated {
		t.Fatalf("expected created status, got %+v", entry.ToolStatus)
	}
	if entry.ToolCallID() != "call-1" {
		t.Fatalf("unexpected call id %q", entry.ToolCallID())
	}
}

func TestToolCallIDMissingMetadata(t *testing.T) {
	if got := NewAssistantMessage("hi").ToolCallID(); got != "" {
		t.Fatalf("expected empty call id, got %q", got)
	}
	entry := NormalizedEntry{Kind: EntryKindToolUse, Metadata: json.RawMessage("not json")}
	if got := entry.ToolCallID(); got != "" {
		t.Fatalf("expected empty call id for bad metadata, got %q", got)
	}
}

func TestWithToolStatus(t *testing.T) {
	entry := NewToolUse("edit", "main.go", "call-2")

	patched, ok := entry.WithToolStatus(ToolStatus{Kind: ToolStatusDenied, Reason: "nope"})
	if !ok {
		t.Fatal("expected tool use to accept status")
	}
	if patched.ToolStatus.Kind != ToolStatusDenied || patched.ToolStatus.Reason != "nope" {
		t.Fatalf("unexpected status %+v", patched.ToolStatus)
	}
	// original must be untouched
	if entry.ToolStatus.Kind != ToolStatusCreated {
		t.Fatalf("original entry mutated: %+v", entry.ToolStatus)
	}

	if _, ok := NewAssistantMessage("hi").WithToolStatus(ToolStatus{Kind: ToolStatusApproved}); ok {
		t.Fatal("non-tool entry must reject status")
	}
}

func TestToolStatusTerminal(t *testing.T) {
	terminal := []ToolStatusKind{ToolStatusApproved, ToolStatusDenied, ToolStatusTimedOut}
	for _, kind := range terminal {
		if !(ToolStatus{Kind: kind}).Terminal() {
			t.Fatalf("%s should be terminal", kind)
		}
	}
	for _, kind := range []ToolStatusKind{ToolStatusCreated, ToolStatusPendingApproval} {
		if (ToolStatus{Kind: kind}).Terminal() {
			t.Fatalf("%s should not be terminal", kind)
		}
	}
}
