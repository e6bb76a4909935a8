package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/egv/agentdeck/internal/approvals"
	"github.com/egv/agentdeck/internal/codingagents"
	"github.com/egv/agentdeck/internal/jsonrpc"
	"github.com/egv/agentdeck/internal/logging"
	"github.com/egv/agentdeck/internal/logs"
)

// Claude's stream-json control protocol shares the line discipline of the
// JSON-RPC peers but tags messages with "type" instead of correlating by
// id, so it gets its own small reader.

type claudeEnvelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type claudeControlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
}

type claudeControlResponse struct {
	Type     string                    `json:"type"`
	Response claudeControlResponseBody `json:"response"`
}

type claudeControlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

type claudePermissionAllow struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput"`
}

type claudePermissionDeny struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message"`
}

type claudeOutboundControl struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}

type claudeUserMessage struct {
	Type    string            `json:"type"`
	Message claudeUserPayload `json:"message"`
}

type claudeUserPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClaudeExecutor drives the claude CLI in stream-json mode: prompt in via
// stdin, structured output and permission prompts on stdout.
type ClaudeExecutor struct {
	definition codingagents.BackendDefinition
	logger     *logging.StructuredLogger
	svc        approvals.Service

	mu        sync.Mutex
	raw       *rawStream
	sessionID string
}

func NewClaudeExecutor(definition codingagents.BackendDefinition, logger *logging.StructuredLogger) *ClaudeExecutor {
	return &ClaudeExecutor{definition: definition, logger: logger}
}

func (e *ClaudeExecutor) UseApprovals(svc approvals.Service) { e.svc = svc }

func (e *ClaudeExecutor) Spawn(ctx context.Context, dir string, prompt string, env []string) (*SpawnedChild, error) {
	return e.spawnInner(ctx, dir, prompt, "", env)
}

func (e *ClaudeExecutor) SpawnFollowUp(ctx context.Context, dir string, prompt string, sessionID string, env []string) (*SpawnedChild, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrFollowUpNotSupported)
	}
	return e.spawnInner(ctx, dir, prompt, sessionID, env)
}

func (e *ClaudeExecutor) spawnInner(ctx context.Context, dir string, prompt string, resumeSession string, env []string) (*SpawnedChild, error) {
	runCtx, cancel := context.WithCancel(ctx)

	var extraArgs []string
	if e.svc != nil {
		extraArgs = append(extraArgs, "--permission-prompt-tool=stdio")
	} else {
		extraArgs = append(extraArgs, "--dangerously-skip-permissions")
	}
	if resumeSession != "" {
		extraArgs = append(extraArgs, "--fork-session", "--resume", resumeSession)
	}

	cmd := buildCommand(runCtx, e.definition, dir, env, extraArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("claude stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("claude stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("claude stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start claude: %w", err)
	}

	raw := newRawStream()
	exit := jsonrpc.NewExitNotifier()

	e.mu.Lock()
	e.raw = raw
	e.mu.Unlock()

	go drainStderr(stderr, raw)
	go func() {
		<-runCtx.Done()
		raw.Close()
	}()

	writer := &claudeWriter{stdin: stdin}
	if err := writer.send(claudeUserMessage{
		Type:    "user",
		Message: claudeUserPayload{Role: "user", Content: prompt},
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("send claude prompt: %w", err)
	}

	go e.readLoop(runCtx, stdout, writer, raw, exit, cancel)

	return &SpawnedChild{Cmd: cmd, Exit: exit, Cancel: cancel}, nil
}

type claudeWriter struct {
	mu    sync.Mutex
	stdin io.Writer
}

func (w *claudeWriter) send(message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.stdin.Write(append(raw, '\n'))
	return err
}

func (w *claudeWriter) sendInterrupt() error {
	return w.send(claudeOutboundControl{
		Type:      "control_request",
		RequestID: uuid.NewString(),
		Request:   map[string]any{"subtype": "interrupt"},
	})
}

func (e *ClaudeExecutor) readLoop(ctx context.Context, stdout io.Reader, writer *claudeWriter, raw *rawStream, exit *jsonrpc.ExitNotifier, cancel context.CancelFunc) {
	defer cancel()

	lines := make(chan string)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	result := jsonrpc.ExitFailure
loop:
	for {
		select {
		case <-ctx.Done():
			// Best-effort interrupt so the CLI can wind down its turn.
			if err := writer.sendInterrupt(); err != nil {
				e.logger.Debugf("claude interrupt failed: %v", err)
			}
			break loop
		case <-readDone:
			break loop
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			raw.Append(line)

			var envelope claudeEnvelope
			if err := json.Unmarshal([]byte(line), &envelope); err != nil {
				continue
			}
			switch envelope.Type {
			case "system":
				if envelope.Subtype == "init" && envelope.SessionID != "" {
					e.setSessionID(envelope.SessionID)
				}
			case "control_request":
				e.handleControlRequest(ctx, writer, envelope)
			case "result":
				if !envelope.IsError {
					result = jsonrpc.ExitSuccess
				}
				break loop
			}
		}
	}

	exit.Notify(result)
}

// handleControlRequest answers can_use_tool prompts through the approval
// service. Requests without a tool_use_id cannot be matched to a log
// entry and are allowed through, mirroring an unattended run.
func (e *ClaudeExecutor) handleControlRequest(ctx context.Context, writer *claudeWriter, envelope claudeEnvelope) {
	var request claudeControlRequest
	if err := json.Unmarshal(envelope.Request, &request); err != nil {
		e.logger.Warnf("malformed control request: %v", err)
		return
	}
	if request.Subtype != "can_use_tool" {
		e.sendControlSuccess(writer, envelope.RequestID, nil)
		return
	}

	if e.svc == nil || request.ToolUseID == "" {
		e.sendControlSuccess(writer, envelope.RequestID, claudePermissionAllow{Behavior: "allow", UpdatedInput: request.Input})
		return
	}

	go func() {
		status, err := e.svc.RequestToolApproval(ctx, request.ToolName, request.Input, request.ToolUseID)
		if err != nil {
			if !errorsIsCancelled(err) {
				e.logger.Errorf("claude approval failed for tool=%s call_id=%s: %v", request.ToolName, request.ToolUseID, err)
				e.sendControlError(writer, envelope.RequestID, err.Error())
			}
			return
		}
		switch status.Kind {
		case approvals.StatusApproved:
			e.sendControlSuccess(writer, envelope.RequestID, claudePermissionAllow{Behavior: "allow", UpdatedInput: request.Input})
		case approvals.StatusDenied:
			message := strings.TrimSpace(status.Reason)
			if message == "" {
				message = "The user denied this tool use."
			}
			e.sendControlSuccess(writer, envelope.RequestID, claudePermissionDeny{Behavior: "deny", Message: message})
		default:
			e.sendControlSuccess(writer, envelope.RequestID, claudePermissionDeny{Behavior: "deny", Message: "Approval timed out."})
		}
	}()
}

func (e *ClaudeExecutor) sendControlSuccess(writer *claudeWriter, requestID string, response any) {
	message := claudeControlResponse{
		Type:     "control_response",
		Response: claudeControlResponseBody{Subtype: "success", RequestID: requestID, Response: response},
	}
	if err := writer.send(message); err != nil {
		e.logger.Errorf("send control response: %v", err)
	}
}

func (e *ClaudeExecutor) sendControlError(writer *claudeWriter, requestID string, message string) {
	response := claudeControlResponse{
		Type:     "control_response",
		Response: claudeControlResponseBody{Subtype: "error", RequestID: requestID, Error: message},
	}
	if err := writer.send(response); err != nil {
		e.logger.Errorf("send control error: %v", err)
	}
}

func (e *ClaudeExecutor) setSessionID(id string) {
	e.mu.Lock()
	e.sessionID = strings.TrimSpace(id)
	e.mu.Unlock()
}

func (e *ClaudeExecutor) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func (e *ClaudeExecutor) NormalizeLogs(store *logs.MsgStore, _ string) {
	e.mu.Lock()
	raw := e.raw
	e.mu.Unlock()
	if raw == nil || store == nil {
		return
	}
	go func() {
		for line := range raw.Lines() {
			for _, entry := range normalizeClaudeLine(line) {
				store.Push(entry)
			}
		}
	}()
}

func (e *ClaudeExecutor) DefaultConfigPath() string {
	return codingagents.ResolvePath(e.definition.ConfigPath)
}

func (e *ClaudeExecutor) AvailabilityInfo() AvailabilityInfo {
	// Claude keeps auth and config in the same file; a present file means
	// a login, never a bare installation.
	if info := probeAvailability(e.definition); info.Status != InstallationFound {
		return info
	}
	return AvailabilityInfo{Status: NotFound}
}
