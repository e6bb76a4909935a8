package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/egv/agentdeck/internal/approvals"
	"github.com/egv/agentdeck/internal/codingagents"
	"github.com/egv/agentdeck/internal/jsonrpc"
	"github.com/egv/agentdeck/internal/logging"
	"github.com/egv/agentdeck/internal/logs"
)

// Review decisions understood by the codex app server.
const (
	decisionApproved           = "approved"
	decisionApprovedForSession = "approved_for_session"
	decisionDenied             = "denied"
	decisionAbort              = "abort"
)

const codexEventPrefix = "codex/event/"

type outboundRequest struct {
	ID     jsonrpc.RequestID `json:"id"`
	Method string            `json:"method"`
	Params any               `json:"params,omitempty"`
}

type outboundNotification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type outboundResponse struct {
	ID     jsonrpc.RequestID `json:"id"`
	Result any               `json:"result"`
}

type codexClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

type codexInitializeParams struct {
	ClientInfo codexClientInfo `json:"clientInfo"`
}

type codexConversationParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
}

type codexResumeConversationParams struct {
	ConversationID string                   `json:"conversationId,omitempty"`
	Overrides      *codexConversationParams `json:"overrides,omitempty"`
}

type codexConversationResponse struct {
	ConversationID string `json:"conversationId"`
}

type codexListenerParams struct {
	ConversationID string `json:"conversationId"`
}

type codexInputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type codexUserMessageParams struct {
	ConversationID string           `json:"conversationId"`
	Items          []codexInputItem `json:"items"`
}

type codexAuthStatusParams struct {
	IncludeToken bool `json:"includeToken"`
	RefreshToken bool `json:"refreshToken"`
}

type codexAuthStatusResponse struct {
	AuthMethod         *string `json:"authMethod"`
	RequiresOpenaiAuth *bool   `json:"requiresOpenaiAuth"`
}

type codexApprovalParams struct {
	CallID string `json:"call_id"`
}

type codexDecisionResponse struct {
	Decision string `json:"decision"`
}

type codexSessionConfigured struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
}

// appServerClient answers the server side of a codex app-server session:
// approval requests arriving as JSON-RPC requests and event notifications
// on the same stream the client's own round-trips share.
type appServerClient struct {
	peerOnce sync.Once
	peer     *jsonrpc.Peer

	svc    approvals.Service
	raw    *rawStream
	logger *logging.StructuredLogger

	mu        sync.Mutex
	sessionID string
	feedback  []string
}

func newAppServerClient(svc approvals.Service, raw *rawStream, logger *logging.StructuredLogger) *appServerClient {
	return &appServerClient{svc: svc, raw: raw, logger: logger}
}

func (c *appServerClient) connect(peer *jsonrpc.Peer) {
	c.peerOnce.Do(func() { c.peer = peer })
}

func (c *appServerClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *appServerClient) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = strings.TrimSpace(id)
	c.mu.Unlock()
}

func (c *appServerClient) enqueueFeedback(message string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return
	}
	c.mu.Lock()
	c.feedback = append(c.feedback, trimmed)
	c.mu.Unlock()
}

func (c *appServerClient) drainFeedback() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.feedback
	c.feedback = nil
	return out
}

// flushFeedback forwards queued denial reasons to the agent as user
// messages on its current conversation.
func (c *appServerClient) flushFeedback(ctx context.Context) {
	messages := c.drainFeedback()
	if len(messages) == 0 {
		return
	}
	conversationID := c.SessionID()
	if conversationID == "" {
		c.logger.Warnf("dropping %d feedback messages, no conversation id yet", len(messages))
		return
	}
	for _, message := range messages {
		params := codexUserMessageParams{
			ConversationID: conversationID,
			Items:          []codexInputItem{{Type: "text", Text: "User feedback: " + message}},
		}
		id := c.peer.NextRequestID()
		request := outboundRequest{ID: id, Method: "sendUserMessage", Params: params}
		go func() {
			if err := c.peer.Request(ctx, id, request, "sendUserMessage", nil); err != nil {
				c.logger.Errorf("send feedback message: %v", err)
			}
		}()
	}
}

func (c *appServerClient) OnRequest(peer *jsonrpc.Peer, raw string, request jsonrpc.Request) error {
	c.raw.Append(raw)

	var toolName string
	switch request.Method {
	case "applyPatchApproval":
		toolName = "edit"
	case "execCommandApproval":
		toolName = "bash"
	default:
		c.logger.Debugf("unhandled server request %q, acknowledging", request.Method)
		return peer.Send(outboundResponse{ID: request.ID, Result: nil})
	}

	var params codexApprovalParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return peer.Send(outboundResponse{ID: request.ID, Result: codexDecisionResponse{Decision: decisionDenied}})
	}

	decision, feedback := c.decide(toolName, request.Params, params.CallID)
	if err := peer.Send(outboundResponse{ID: request.ID, Result: codexDecisionResponse{Decision: decision}}); err != nil {
		return err
	}
	if feedback != "" {
		c.enqueueFeedback(feedback)
	}
	return nil
}

// decide resolves one approval request to a codex review decision. A
// denial with a reason maps to abort so the reason can reach the agent as
// feedback; a bare denial just declines the one call.
func (c *appServerClient) decide(toolName string, toolInput json.RawMessage, callID string) (string, string) {
	if c.svc == nil {
		return decisionApprovedForSession, ""
	}

	status, err := c.svc.RequestToolApproval(context.Background(), toolName, toolInput, callID)
	if err != nil {
		if !errorsIsCancelled(err) {
			c.logger.Errorf("%s approval failed for call_id=%s: %v", toolName, callID, err)
		}
		return decisionDenied, ""
	}

	switch status.Kind {
	case approvals.StatusApproved:
		return decisionApproved, ""
	case approvals.StatusDenied:
		if reason := strings.TrimSpace(status.Reason); reason != "" {
			return decisionAbort, reason
		}
		return decisionDenied, ""
	default:
		return decisionDenied, ""
	}
}

func (c *appServerClient) OnResponse(_ *jsonrpc.Peer, raw string, _ jsonrpc.Response) error {
	c.raw.Append(raw)
	return nil
}

func (c *appServerClient) OnError(_ *jsonrpc.Peer, raw string, _ jsonrpc.ErrorMessage) error {
	c.raw.Append(raw)
	return nil
}

func (c *appServerClient) OnNotification(_ *jsonrpc.Peer, raw string, note jsonrpc.Notification) (bool, error) {
	c.raw.Append(raw)

	if note.Method == "sessionConfigured" {
		var configured codexSessionConfigured
		if err := json.Unmarshal(note.Params, &configured); err == nil && configured.SessionID != "" {
			c.setSessionID(configured.SessionID)
		}
		return false, nil
	}

	if !strings.HasPrefix(note.Method, codexEventPrefix) {
		return false, nil
	}
	switch strings.TrimPrefix(note.Method, codexEventPrefix) {
	case "session_configured":
		var configured codexSessionConfigured
		if err := json.Unmarshal(note.Params, &configured); err == nil && configured.SessionID != "" {
			c.setSessionID(configured.SessionID)
		}
		return false, nil
	case "turn_aborted":
		c.flushFeedback(context.Background())
		return false, nil
	case "task_complete":
		return true, nil
	default:
		return false, nil
	}
}

func (c *appServerClient) OnNonJSONLine(raw string) error {
	c.raw.Append(raw)
	return nil
}

func errorsIsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, approvals.ErrCancelled)
}

// CodexExecutor drives one codex app-server execution. The subprocess is
// a JSON-RPC server on stdio; the executor initializes it, opens a
// conversation, subscribes to its events and sends the prompt.
type CodexExecutor struct {
	definition codingagents.BackendDefinition
	logger     *logging.StructuredLogger
	svc        approvals.Service
	model      string

	mu     sync.Mutex
	raw    *rawStream
	client *appServerClient
}

func NewCodexExecutor(definition codingagents.BackendDefinition, logger *logging.StructuredLogger) *CodexExecutor {
	return &CodexExecutor{definition: definition, logger: logger}
}

func (e *CodexExecutor) UseApprovals(svc approvals.Service) { e.svc = svc }

// WithModel pins the conversation model.
func (e *CodexExecutor) WithModel(model string) *CodexExecutor {
	e.model = strings.TrimSpace(model)
	return e
}

func (e *CodexExecutor) Spawn(ctx context.Context, dir string, prompt string, env []string) (*SpawnedChild, error) {
	return e.spawnInner(ctx, dir, prompt, "", env)
}

func (e *CodexExecutor) SpawnFollowUp(ctx context.Context, dir string, prompt string, sessionID string, env []string) (*SpawnedChild, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrFollowUpNotSupported)
	}
	return e.spawnInner(ctx, dir, prompt, sessionID, env)
}

func (e *CodexExecutor) spawnInner(ctx context.Context, dir string, prompt string, resumeSession string, env []string) (*SpawnedChild, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := buildCommand(runCtx, e.definition, dir, env)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("codex stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("codex stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("codex stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start codex app server: %w", err)
	}

	raw := newRawStream()
	client := newAppServerClient(e.svc, raw, e.logger)
	exit := jsonrpc.NewExitNotifier()
	peer := jsonrpc.NewPeer(runCtx, stdin, stdout, client, exit)
	client.connect(peer)

	e.mu.Lock()
	e.raw = raw
	e.client = client
	e.mu.Unlock()

	go drainStderr(stderr, raw)
	go func() {
		<-runCtx.Done()
		raw.Close()
	}()

	go func() {
		if err := e.launch(runCtx, peer, client, dir, prompt, resumeSession); err != nil {
			e.logger.Errorf("codex launch failed: %v", err)
			raw.Append(launchErrorLine(err))
			exit.Notify(jsonrpc.ExitFailure)
			cancel()
		}
	}()

	return &SpawnedChild{Cmd: cmd, Exit: exit, Cancel: cancel}, nil
}

// launch performs the app-server handshake: initialize, auth check, open
// or resume a conversation, subscribe, then deliver the prompt (preceded
// by any feedback left over from a previous turn).
func (e *CodexExecutor) launch(ctx context.Context, peer *jsonrpc.Peer, client *appServerClient, dir string, prompt string, resumeSession string) error {
	initID := peer.NextRequestID()
	initRequest := outboundRequest{
		ID:     initID,
		Method: "initialize",
		Params: codexInitializeParams{ClientInfo: codexClientInfo{Name: "agentdeck", Version: "1"}},
	}
	if err := peer.Request(ctx, initID, initRequest, "initialize", nil); err != nil {
		return err
	}
	if err := peer.Send(outboundNotification{Method: "initialized"}); err != nil {
		return err
	}

	authID := peer.NextRequestID()
	authRequest := outboundRequest{
		ID:     authID,
		Method: "getAuthStatus",
		Params: codexAuthStatusParams{IncludeToken: true},
	}
	var auth codexAuthStatusResponse
	if err := peer.Request(ctx, authID, authRequest, "getAuthStatus", &auth); err != nil {
		return err
	}
	requiresAuth := auth.RequiresOpenaiAuth == nil || *auth.RequiresOpenaiAuth
	if requiresAuth && auth.AuthMethod == nil {
		return ErrAuthRequired
	}

	conversationParams := codexConversationParams{Model: e.model, Cwd: dir, ApprovalPolicy: "on-request", Sandbox: "workspace-write"}
	var conversation codexConversationResponse
	if resumeSession == "" {
		id := peer.NextRequestID()
		request := outboundRequest{ID: id, Method: "newConversation", Params: conversationParams}
		if err := peer.Request(ctx, id, request, "newConversation", &conversation); err != nil {
			return err
		}
	} else {
		id := peer.NextRequestID()
		request := outboundRequest{
			ID:     id,
			Method: "resumeConversation",
			Params: codexResumeConversationParams{ConversationID: resumeSession, Overrides: &conversationParams},
		}
		if err := peer.Request(ctx, id, request, "resumeConversation", &conversation); err != nil {
			return fmt.Errorf("%w: %v", ErrFollowUpNotSupported, err)
		}
	}
	client.setSessionID(conversation.ConversationID)

	listenerID := peer.NextRequestID()
	listenerRequest := outboundRequest{
		ID:     listenerID,
		Method: "addConversationListener",
		Params: codexListenerParams{ConversationID: conversation.ConversationID},
	}
	if err := peer.Request(ctx, listenerID, listenerRequest, "addConversationListener", nil); err != nil {
		return err
	}

	combined := prompt
	if feedback := client.drainFeedback(); len(feedback) > 0 {
		combined = "User feedback: " + strings.Join(feedback, "\n") + "\n\n" + prompt
	}
	messageID := peer.NextRequestID()
	messageRequest := outboundRequest{
		ID:     messageID,
		Method: "sendUserMessage",
		Params: codexUserMessageParams{
			ConversationID: conversation.ConversationID,
			Items:          []codexInputItem{{Type: "text", Text: combined}},
		},
	}
	return peer.Request(ctx, messageID, messageRequest, "sendUserMessage", nil)
}

func (e *CodexExecutor) NormalizeLogs(store *logs.MsgStore, dir string) {
	e.mu.Lock()
	raw := e.raw
	e.mu.Unlock()
	if raw == nil || store == nil {
		return
	}
	go func() {
		for line := range raw.Lines() {
			for _, entry := range normalizeCodexLine(line, dir) {
				store.Push(entry)
			}
		}
	}()
}

func (e *CodexExecutor) DefaultConfigPath() string {
	return codingagents.ResolvePath(e.definition.ConfigPath)
}

func (e *CodexExecutor) AvailabilityInfo() AvailabilityInfo {
	return probeAvailability(e.definition)
}

func (e *CodexExecutor) SessionID() string {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return ""
	}
	return client.SessionID()
}

func drainStderr(stderr io.Reader, raw *rawStream) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			raw.Append("stderr: " + line)
		}
	}
}

func launchErrorLine(err error) string {
	payload, marshalErr := json.Marshal(map[string]any{
		"method": "codex/event/error",
		"params": map[string]string{"message": err.Error()},
	})
	if marshalErr != nil {
		return "stderr: " + err.Error()
	}
	return string(payload)
}
