package executor

import (
	"testing"

	"github.com/egv/agentdeck/internal/logs"
)

func TestNormalizeClaudeLine_AssistantFansOutPerBlock(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"thinking","thinking":"let me check"},` +
		`{"type":"text","text":"running the tests"},` +
		`{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"go test ./..."}}]}}`

	entries := normalizeClaudeLine(line)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Kind != logs.EntryKindThinking || entries[0].Content != "let me check" {
		t.Fatalf("unexpected thinking entry: %+v", entries[0])
	}
	if entries[1].Kind != logs.EntryKindAssistantMessage || entries[1].Content != "running the tests" {
		t.Fatalf("unexpected assistant entry: %+v", entries[1])
	}
	tool := entries[2]
	if tool.Kind != logs.EntryKindToolUse || tool.ToolName != "Bash" {
		t.Fatalf("unexpected tool entry: %+v", tool)
	}
	if tool.ToolCallID() != "toolu_1" {
		t.Fatalf("expected tool call id toolu_1, got %q", tool.ToolCallID())
	}
}

func TestNormalizeClaudeLine_SystemInit(t *testing.T) {
	entries := normalizeClaudeLine(`{"type":"system","subtype":"init","session_id":"sess-42"}`)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Kind != logs.EntryKindSystemMessage {
		t.Fatalf("expected system message, got %s", entries[0].Kind)
	}
	if entries[0].Content != "session started: sess-42" {
		t.Fatalf("unexpected content %q", entries[0].Content)
	}
}

func TestNormalizeClaudeLine_ResultError(t *testing.T) {
	entries := normalizeClaudeLine(`{"type":"result","is_error":true,"result":"rate limited"}`)
	if len(entries) != 1 || entries[0].Kind != logs.EntryKindErrorMessage {
		t.Fatalf("expected one error entry, got %+v", entries)
	}
	if entries[0].Content != "rate limited" {
		t.Fatalf("unexpected content %q", entries[0].Content)
	}

	entries = normalizeClaudeLine(`{"type":"result","is_error":true}`)
	if len(entries) != 1 || entries[0].Content != "execution failed" {
		t.Fatalf("expected fallback error message, got %+v", entries)
	}
}

func TestNormalizeClaudeLine_SkipsNoise(t *testing.T) {
	noise := []string{
		"",
		`{"type":"result","is_error":false,"result":"ok"}`,
		`{"type":"system","subtype":"compact"}`,
		`{"type":"stream_event","event":{}}`,
		"plain text",
	}
	for _, line := range noise {
		if entries := normalizeClaudeLine(line); len(entries) != 0 {
			t.Fatalf("expected no entries for %q, got %d", line, len(entries))
		}
	}
}

func TestNormalizeClaudeLine_StderrBecomesError(t *testing.T) {
	entries := normalizeClaudeLine("stderr: fatal: not a git repository")
	if len(entries) != 1 || entries[0].Kind != logs.EntryKindErrorMessage {
		t.Fatalf("expected one error entry, got %+v", entries)
	}
	if entries[0].Content != "fatal: not a git repository" {
		t.Fatalf("unexpected content %q", entries[0].Content)
	}
}
