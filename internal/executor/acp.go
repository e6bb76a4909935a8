package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	acp "github.com/ironpark/acp-go"

	"github.com/egv/agentdeck/internal/acpclient"
	"github.com/egv/agentdeck/internal/approvals"
	"github.com/egv/agentdeck/internal/codingagents"
	"github.com/egv/agentdeck/internal/jsonrpc"
	"github.com/egv/agentdeck/internal/logging"
	"github.com/egv/agentdeck/internal/logs"
)

const methodNotFoundCode = -32601

type acpInitializeParams struct {
	ProtocolVersion    int                   `json:"protocolVersion"`
	ClientCapabilities acpClientCapabilities `json:"clientCapabilities"`
}

type acpClientCapabilities struct {
	Fs acpFsCapabilities `json:"fs"`
}

type acpFsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type acpNewSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type acpLoadSessionParams struct {
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

type acpSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type acpPromptParams struct {
	SessionID string             `json:"sessionId"`
	Prompt    []acp.ContentBlock `json:"prompt"`
}

type acpPromptResponse struct {
	StopReason string `json:"stopReason"`
}

type jsonrpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type outboundError struct {
	ID    jsonrpc.RequestID `json:"id"`
	Error jsonrpcErrorBody  `json:"error"`
}

// acpCallbacks routes agent-initiated traffic to the callback client.
// Capability methods the host does not offer are answered with a
// method-not-found error instead of being dropped.
type acpCallbacks struct {
	client *acpclient.Client
	raw    *rawStream
	logger *logging.StructuredLogger
}

func (c *acpCallbacks) OnRequest(peer *jsonrpc.Peer, raw string, request jsonrpc.Request) error {
	c.raw.Append(raw)

	if request.Method != "session/request_permission" {
		c.logger.Debugf("rejecting unsupported agent request %q", request.Method)
		return peer.Send(outboundError{
			ID:    request.ID,
			Error: jsonrpcErrorBody{Code: methodNotFoundCode, Message: "method not supported: " + request.Method},
		})
	}

	var params acp.RequestPermissionRequest
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return peer.Send(outboundError{
			ID:    request.ID,
			Error: jsonrpcErrorBody{Code: methodNotFoundCode, Message: "malformed permission request"},
		})
	}

	// The approval wait can outlive many other messages; answer from a
	// separate goroutine so the reader keeps draining the stream.
	go func() {
		response, err := c.client.RequestPermission(context.Background(), &params)
		if err != nil {
			c.logger.Errorf("permission request failed: %v", err)
			response = &acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}
		}
		if err := peer.Send(outboundResponse{ID: request.ID, Result: response}); err != nil {
			c.logger.Errorf("send permission response: %v", err)
		}
	}()
	return nil
}

func (c *acpCallbacks) OnResponse(_ *jsonrpc.Peer, raw string, _ jsonrpc.Response) error {
	c.raw.Append(raw)
	return nil
}

func (c *acpCallbacks) OnError(_ *jsonrpc.Peer, raw string, _ jsonrpc.ErrorMessage) error {
	c.raw.Append(raw)
	return nil
}

func (c *acpCallbacks) OnNotification(_ *jsonrpc.Peer, raw string, note jsonrpc.Notification) (bool, error) {
	c.raw.Append(raw)
	if note.Method != "session/update" {
		return false, nil
	}
	var params acp.SessionNotification
	if err := json.Unmarshal(note.Params, &params); err != nil {
		c.logger.Warnf("malformed session update: %v", err)
		return false, nil
	}
	if err := c.client.SessionNotification(context.Background(), &params); err != nil {
		c.logger.Errorf("session update handling failed: %v", err)
	}
	return false, nil
}

func (c *acpCallbacks) OnNonJSONLine(raw string) error {
	c.raw.Append(raw)
	return nil
}

// ACPExecutor drives agents speaking the Agent Client Protocol over
// stdio, opencode being the builtin one.
type ACPExecutor struct {
	definition codingagents.BackendDefinition
	logger     *logging.StructuredLogger
	svc        approvals.Service

	mu        sync.Mutex
	events    chan acpclient.Event
	client    *acpclient.Client
	runCtx    context.Context
	sessionID string
}

func NewACPExecutor(definition codingagents.BackendDefinition, logger *logging.StructuredLogger) *ACPExecutor {
	return &ACPExecutor{definition: definition, logger: logger}
}

func (e *ACPExecutor) UseApprovals(svc approvals.Service) { e.svc = svc }

func (e *ACPExecutor) Spawn(ctx context.Context, dir string, prompt string, env []string) (*SpawnedChild, error) {
	return e.spawnInner(ctx, dir, prompt, "", env)
}

func (e *ACPExecutor) SpawnFollowUp(ctx context.Context, dir string, prompt string, sessionID string, env []string) (*SpawnedChild, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrFollowUpNotSupported)
	}
	return e.spawnInner(ctx, dir, prompt, sessionID, env)
}

func (e *ACPExecutor) spawnInner(ctx context.Context, dir string, prompt string, resumeSession string, env []string) (*SpawnedChild, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := buildCommand(runCtx, e.definition, dir, env)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acp stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acp stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acp stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start acp agent: %w", err)
	}

	raw := newRawStream()
	events := make(chan acpclient.Event, 256)
	client := acpclient.NewClient(events, e.svc, e.logger)
	callbacks := &acpCallbacks{client: client, raw: raw, logger: e.logger}
	exit := jsonrpc.NewExitNotifier()
	peer := jsonrpc.NewPeer(runCtx, stdin, stdout, callbacks, exit)

	e.mu.Lock()
	e.events = events
	e.client = client
	e.runCtx = runCtx
	e.mu.Unlock()

	go drainStderr(stderr, raw)
	go func() {
		<-runCtx.Done()
		raw.Close()
	}()

	client.RecordUserPrompt(prompt)

	go func() {
		if err := e.launch(runCtx, peer, client, dir, prompt, resumeSession); err != nil {
			e.logger.Errorf("acp launch failed: %v", err)
			exit.Notify(jsonrpc.ExitFailure)
		} else {
			exit.Notify(jsonrpc.ExitSuccess)
		}
		cancel()
	}()

	return &SpawnedChild{Cmd: cmd, Exit: exit, Cancel: cancel}, nil
}

// launch runs the client side of the protocol: initialize, open or load a
// session, then block on the prompt turn until the agent reports a stop
// reason.
func (e *ACPExecutor) launch(ctx context.Context, peer *jsonrpc.Peer, client *acpclient.Client, dir string, prompt string, resumeSession string) error {
	initID := peer.NextRequestID()
	initRequest := outboundRequest{
		ID:     initID,
		Method: "initialize",
		Params: acpInitializeParams{ProtocolVersion: 1},
	}
	if err := peer.Request(ctx, initID, initRequest, "initialize", nil); err != nil {
		return err
	}

	var session acpSessionResponse
	if resumeSession == "" {
		id := peer.NextRequestID()
		request := outboundRequest{
			ID:     id,
			Method: "session/new",
			Params: acpNewSessionParams{Cwd: dir, McpServers: []any{}},
		}
		if err := peer.Request(ctx, id, request, "session/new", &session); err != nil {
			return err
		}
	} else {
		id := peer.NextRequestID()
		request := outboundRequest{
			ID:     id,
			Method: "session/load",
			Params: acpLoadSessionParams{SessionID: resumeSession, Cwd: dir, McpServers: []any{}},
		}
		if err := peer.Request(ctx, id, request, "session/load", nil); err != nil {
			return fmt.Errorf("%w: %v", ErrFollowUpNotSupported, err)
		}
		session.SessionID = resumeSession
	}
	e.setSessionID(session.SessionID)

	combined := prompt
	if feedback := client.DrainFeedback(); len(feedback) > 0 {
		combined = "User feedback: " + strings.Join(feedback, "\n") + "\n\n" + prompt
	}

	promptID := peer.NextRequestID()
	promptRequest := outboundRequest{
		ID:     promptID,
		Method: "session/prompt",
		Params: acpPromptParams{
			SessionID: session.SessionID,
			Prompt:    []acp.ContentBlock{acp.NewContentBlockText(combined)},
		},
	}
	var result acpPromptResponse
	if err := peer.Request(ctx, promptID, promptRequest, "session/prompt", &result); err != nil {
		return err
	}
	e.logger.Infof("acp turn finished: %s", result.StopReason)
	return nil
}

func (e *ACPExecutor) setSessionID(id string) {
	e.mu.Lock()
	e.sessionID = strings.TrimSpace(id)
	e.mu.Unlock()
}

func (e *ACPExecutor) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// NormalizeLogs projects the typed event stream of the current spawn into
// normalized entries.
func (e *ACPExecutor) NormalizeLogs(store *logs.MsgStore, _ string) {
	e.mu.Lock()
	events := e.events
	ctx := e.runCtx
	e.mu.Unlock()
	if events == nil || store == nil || ctx == nil {
		return
	}
	go func() {
		tracker := newToolCallTracker(store)
		push := func(event acpclient.Event) {
			if event.Kind == acpclient.EventKindToolUpdate {
				tracker.applyUpdate(event.ToolUpdate)
				return
			}
			entry, ok := normalizeACPEvent(event)
			if !ok {
				return
			}
			idx := store.Push(entry)
			if entry.Kind == logs.EntryKindToolUse {
				tracker.record(entry, idx)
			}
		}
		for {
			select {
			case <-ctx.Done():
				// Drain whatever arrived before teardown, then stop.
				for {
					select {
					case event := <-events:
						push(event)
					default:
						return
					}
				}
			case event := <-events:
				push(event)
			}
		}
	}()
}

// toolCallTracker remembers which entry each wire-level tool call id landed
// on so later tool_call_update notifications replace that entry instead of
// being dropped. Used from the single normalizer goroutine only.
type toolCallTracker struct {
	store   *logs.MsgStore
	indexes map[string]int
	titles  map[string]string
}

func newToolCallTracker(store *logs.MsgStore) *toolCallTracker {
	return &toolCallTracker{
		store:   store,
		indexes: make(map[string]int),
		titles:  make(map[string]string),
	}
}

func (t *toolCallTracker) record(entry logs.NormalizedEntry, idx int) {
	id := entry.ToolCallID()
	if id == "" {
		return
	}
	t.indexes[id] = idx
	t.titles[id] = entry.Content
}

func (t *toolCallTracker) applyUpdate(update *acp.ToolCallUpdate) {
	if update == nil {
		return
	}
	id := string(update.ToolCallId)
	if id == "" {
		return
	}
	title := strings.TrimSpace(update.Title)
	if title == "" {
		title = t.titles[id]
	}
	t.titles[id] = title

	content := title
	if update.Status != nil {
		content = fmt.Sprintf("%s [%s]", title, *update.Status)
	}

	idx, known := t.indexes[id]
	if !known {
		// Update arrived before (or without) its tool_call; surface it
		// as a fresh entry rather than losing it.
		entry := logs.NewToolUse(title, content, id)
		t.indexes[id] = t.store.Push(entry)
		return
	}
	entry, ok := t.store.Entry(idx)
	if !ok || entry.Kind != logs.EntryKindToolUse {
		return
	}
	entry.Content = content
	_ = t.store.Replace(idx, entry)
}

func normalizeACPEvent(event acpclient.Event) (logs.NormalizedEntry, bool) {
	switch event.Kind {
	case acpclient.EventKindUser:
		return logs.NewUserMessage(event.Text), true
	case acpclient.EventKindMessage:
		return logs.NewAssistantMessage(contentText(event.Content)), true
	case acpclient.EventKindThought:
		return logs.NewThinking(contentText(event.Content)), true
	case acpclient.EventKindToolCall:
		call := event.ToolCall
		toolName := call.Title
		if call.Kind != nil {
			toolName = string(*call.Kind)
		}
		return logs.NewToolUse(toolName, call.Title, string(call.ToolCallId)), true
	case acpclient.EventKindPlan:
		return logs.NewSystemMessage(fmt.Sprintf("plan updated (%d entries)", len(event.Plan.Entries))), true
	case acpclient.EventKindApprovalResponse:
		status := event.Approval.Status
		message := fmt.Sprintf("tool call %s resolved: %s", event.Approval.ToolCallID, status.Kind)
		if status.Reason != "" {
			message += " (" + status.Reason + ")"
		}
		return logs.NewSystemMessage(message), true
	default:
		return logs.NormalizedEntry{}, false
	}
}

func contentText(block *acp.ContentBlock) string {
	if block == nil || !block.IsText() {
		return ""
	}
	return block.GetText().Text
}

func (e *ACPExecutor) DefaultConfigPath() string {
	return codingagents.ResolvePath(e.definition.ConfigPath)
}

func (e *ACPExecutor) AvailabilityInfo() AvailabilityInfo {
	return probeAvailability(e.definition)
}
