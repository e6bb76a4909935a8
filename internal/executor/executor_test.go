package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/egv/agentdeck/internal/approvals"
	"github.com/egv/agentdeck/internal/codingagents"
	"github.com/egv/agentdeck/internal/logging"
	"github.com/egv/agentdeck/internal/logs"
)

func testLogger() *logging.StructuredLogger {
	return logging.NewStructuredLogger(io.Discard, "error", logging.LoggingSchemaFields{})
}

func TestForBackend_DispatchesByAdapter(t *testing.T) {
	catalog, err := codingagents.LoadCatalog(t.TempDir())
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	cases := []struct {
		backend string
		check   func(Executor) bool
	}{
		{"codex", func(e Executor) bool { _, ok := e.(*CodexExecutor); return ok }},
		{"opencode", func(e Executor) bool { _, ok := e.(*ACPExecutor); return ok }},
		{"claude", func(e Executor) bool { _, ok := e.(*ClaudeExecutor); return ok }},
		{"gemini", func(e Executor) bool { _, ok := e.(*CommandExecutor); return ok }},
	}
	for _, tc := range cases {
		t.Run(tc.backend, func(t *testing.T) {
			adapter, err := ForBackend(catalog, tc.backend, testLogger())
			if err != nil {
				t.Fatalf("ForBackend(%s): %v", tc.backend, err)
			}
			if !tc.check(adapter) {
				t.Fatalf("ForBackend(%s) returned %T", tc.backend, adapter)
			}
		})
	}
}

func TestForBackend_UnknownBackend(t *testing.T) {
	catalog, err := codingagents.LoadCatalog(t.TempDir())
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	_, err = ForBackend(catalog, "no-such-agent", testLogger())
	if !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("expected ErrUnsupportedBackend, got %v", err)
	}
}

func TestNormalizeCommandLine(t *testing.T) {
	cases := []struct {
		name     string
		line     string
		wantKind logs.EntryKind
		wantText string
	}{
		{"stderr", "stderr: command not found", logs.EntryKindErrorMessage, "command not found"},
		{"structured error", `{"type":"error","message":"out of quota"}`, logs.EntryKindErrorMessage, "out of quota"},
		{"structured system", `{"type":"system","text":"model loaded"}`, logs.EntryKindSystemMessage, "model loaded"},
		{"plain text", "working on it", logs.EntryKindAssistantMessage, "working on it"},
		{"unknown json", `{"type":"metrics","tokens":12}`, logs.EntryKindAssistantMessage, `{"type":"metrics","tokens":12}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entry := normalizeCommandLine(tc.line)
			if entry.Kind != tc.wantKind {
				t.Fatalf("expected kind %s, got %s", tc.wantKind, entry.Kind)
			}
			if entry.Content != tc.wantText {
				t.Fatalf("expected content %q, got %q", tc.wantText, entry.Content)
			}
		})
	}
}

type fixedApprovalService struct {
	status approvals.Status
	err    error

	lastToolName string
	lastCallID   string
}

func (s *fixedApprovalService) RequestToolApproval(_ context.Context, toolName string, _ json.RawMessage, toolCallID string) (approvals.Status, error) {
	s.lastToolName = toolName
	s.lastCallID = toolCallID
	return s.status, s.err
}

func TestAppServerClientDecide(t *testing.T) {
	cases := []struct {
		name         string
		svc          approvals.Service
		wantDecision string
		wantFeedback string
	}{
		{"no service auto-approves session", nil, decisionApprovedForSession, ""},
		{"approved", &fixedApprovalService{status: approvals.Approved()}, decisionApproved, ""},
		{"denied without reason", &fixedApprovalService{status: approvals.Denied("")}, decisionDenied, ""},
		{"denied with reason aborts", &fixedApprovalService{status: approvals.Denied("wrong branch")}, decisionAbort, "wrong branch"},
		{"timed out", &fixedApprovalService{status: approvals.TimedOut()}, decisionDenied, ""},
		{"service error", &fixedApprovalService{err: errors.New("engine down")}, decisionDenied, ""},
		{"cancelled", &fixedApprovalService{err: approvals.ErrCancelled}, decisionDenied, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newAppServerClient(tc.svc, newRawStream(), testLogger())
			decision, feedback := client.decide("bash", json.RawMessage(`{"command":"rm -rf build"}`), "call-1")
			if decision != tc.wantDecision {
				t.Fatalf("expected decision %q, got %q", tc.wantDecision, decision)
			}
			if feedback != tc.wantFeedback {
				t.Fatalf("expected feedback %q, got %q", tc.wantFeedback, feedback)
			}
		})
	}
}

func TestAppServerClientDecide_PassesIdentifiers(t *testing.T) {
	svc := &fixedApprovalService{status: approvals.Approved()}
	client := newAppServerClient(svc, newRawStream(), testLogger())
	client.decide("edit", json.RawMessage(`{}`), "call-7")
	if svc.lastToolName != "edit" || svc.lastCallID != "call-7" {
		t.Fatalf("service saw tool=%q call=%q", svc.lastToolName, svc.lastCallID)
	}
}

func TestFeedbackQueue(t *testing.T) {
	client := newAppServerClient(nil, newRawStream(), testLogger())
	client.enqueueFeedback("  first  ")
	client.enqueueFeedback("")
	client.enqueueFeedback("second")

	got := client.drainFeedback()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected feedback %v", got)
	}
	if again := client.drainFeedback(); len(again) != 0 {
		t.Fatalf("expected drained queue, got %v", again)
	}
}
