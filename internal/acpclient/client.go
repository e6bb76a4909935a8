// Package acpclient answers the callbacks an ACP-speaking agent issues
// against the host: permission requests and streamed session updates. The
// traffic direction is inverted relative to the jsonrpc peer; the agent
// calls in, the host answers per call.
package acpclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	acp "github.com/ironpark/acp-go"

	"github.com/egv/agentdeck/internal/approvals"
	"github.com/egv/agentdeck/internal/logging"
)

var (
	// ErrMethodNotSupported rejects protocol capabilities this host does
	// not offer (file system, terminals).
	ErrMethodNotSupported = errors.New("acp: method not supported")
	// ErrNoApprovalOption reports that an approved decision could not be
	// translated because the request offered no allow-once option.
	ErrNoApprovalOption = errors.New("acp: no suitable permission option")
)

type EventKind string

const (
	EventKindUser             EventKind = "user"
	EventKindMessage          EventKind = "message"
	EventKindThought          EventKind = "thought"
	EventKindToolCall         EventKind = "tool_call"
	EventKindToolUpdate       EventKind = "tool_update"
	EventKindPlan             EventKind = "plan"
	EventKindPermission       EventKind = "permission_request"
	EventKindApprovalResponse EventKind = "approval_response"
	EventKindOther            EventKind = "other"
)

// ApprovalResult pairs a wire-level tool call id with its final status.
type ApprovalResult struct {
	ToolCallID string
	Status     approvals.Status
}

// Event is the platform-facing projection of one ACP callback. Exactly one
// of the payload fields matching Kind is set; unrecognized updates are
// forwarded under EventKindOther so nothing is dropped silently.
type Event struct {
	Kind       EventKind
	Text       string
	Content    *acp.ContentBlock
	ToolCall   *acp.ToolCall
	ToolUpdate *acp.ToolCallUpdate
	Plan       *acp.Plan
	Permission *acp.RequestPermissionRequest
	Approval   *ApprovalResult
	Other      *acp.SessionNotification
}

// Client handles agent-initiated protocol callbacks. With no approval
// service configured it auto-selects permission options; otherwise it
// blocks each permission request on the shared approval engine.
type Client struct {
	events   chan<- Event
	service  approvals.Service
	policied bool
	logger   *logging.StructuredLogger

	feedbackMu sync.Mutex
	feedback   []string
}

// NewClient builds a client pushing events into events. A nil service
// selects unattended auto-approval.
func NewClient(events chan<- Event, service approvals.Service, logger *logging.StructuredLogger) *Client {
	return &Client{
		events:   events,
		service:  service,
		policied: service != nil,
		logger:   logger,
	}
}

func (c *Client) RecordUserPrompt(prompt string) {
	c.sendEvent(Event{Kind: EventKindUser, Text: prompt})
}

func (c *Client) sendEvent(event Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Warnf("acp event channel full, dropping %s event", event.Kind)
	}
}

// EnqueueFeedback queues a denial reason to be injected into the agent's
// next turn. Whitespace-only messages are discarded.
func (c *Client) EnqueueFeedback(message string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return
	}
	c.feedbackMu.Lock()
	c.feedback = append(c.feedback, trimmed)
	c.feedbackMu.Unlock()
}

// DrainFeedback returns and clears all queued feedback messages.
func (c *Client) DrainFeedback() []string {
	c.feedbackMu.Lock()
	defer c.feedbackMu.Unlock()
	out := c.feedback
	c.feedback = nil
	return out
}

// RequestPermission answers a permission callback. Unattended mode prefers
// a standing allow; a policy-backed approval translates back with allow-once
// only, so a human's yes never silently becomes a standing rule.
func (c *Client) RequestPermission(ctx context.Context, request *acp.RequestPermissionRequest) (*acp.RequestPermissionResponse, error) {
	c.sendEvent(Event{Kind: EventKindPermission, Permission: request})

	if !c.policied {
		chosen := findOption(request.Options, acp.PermissionOptionKindAllowAlways)
		if chosen == nil {
			chosen = findOption(request.Options, acp.PermissionOptionKindAllowOnce)
		}
		if chosen == nil && len(request.Options) > 0 {
			chosen = &request.Options[0]
		}
		if chosen == nil {
			c.logger.Warnf("permission request offered no options, cancelling")
			return &acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
		}
		c.logger.Debugf("auto-approving permission with option %s", chosen.OptionId)
		return &acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeSelected(chosen.OptionId)}, nil
	}

	toolCallID := string(request.ToolCall.ToolCallId)
	toolName := strings.TrimSpace(request.ToolCall.Title)
	if toolName == "" {
		toolName = "tool"
	}
	toolInput, err := json.Marshal(map[string]any{"tool_call": request.ToolCall})
	if err != nil {
		return nil, err
	}

	status, err := c.service.RequestToolApproval(ctx, toolName, toolInput, toolCallID)
	if err != nil {
		if errors.Is(err, approvals.ErrCancelled) {
			c.logger.Debugf("approval cancelled for tool_call_id=%s", toolCallID)
			return &acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
		}
		c.logger.Errorf("approval failed for tool_call_id=%s: %v", toolCallID, err)
		return nil, err
	}

	var outcome acp.RequestPermissionOutcome
	switch status.Kind {
	case approvals.StatusApproved:
		chosen := findOption(request.Options, acp.PermissionOptionKindAllowOnce)
		if chosen == nil {
			return nil, ErrNoApprovalOption
		}
		outcome = acp.NewRequestPermissionOutcomeSelected(chosen.OptionId)
	case approvals.StatusDenied:
		if status.Reason != "" {
			c.EnqueueFeedback(status.Reason)
		}
		chosen := findOption(request.Options, acp.PermissionOptionKindRejectOnce)
		if chosen == nil {
			c.logger.Warnf("no reject option for denial, cancelling")
			outcome = acp.NewRequestPermissionOutcomeCancelled()
		} else {
			outcome = acp.NewRequestPermissionOutcomeSelected(chosen.OptionId)
		}
	case approvals.StatusTimedOut:
		c.logger.Warnf("approval timed out for tool_call_id=%s", toolCallID)
		outcome = acp.NewRequestPermissionOutcomeCancelled()
	default:
		// A waiter never resolves to pending; treat it as cancelled.
		c.logger.Warnf("approval resolved to %s for tool_call_id=%s", status.Kind, toolCallID)
		outcome = acp.NewRequestPermissionOutcomeCancelled()
	}

	c.sendEvent(Event{Kind: EventKindApprovalResponse, Approval: &ApprovalResult{
		ToolCallID: toolCallID,
		Status:     status,
	}})

	return &acp.RequestPermissionResponse{Outcome: outcome}, nil
}

// SessionNotification translates an agent push notification into a typed
// event.
func (c *Client) SessionNotification(_ context.Context, note *acp.SessionNotification) error {
	update := &note.Update

	switch {
	case update.GetAgentmessagechunk() != nil:
		content := update.GetAgentmessagechunk().Content
		c.sendEvent(Event{Kind: EventKindMessage, Content: &content})
	case update.GetAgentthoughtchunk() != nil:
		content := update.GetAgentthoughtchunk().Content
		c.sendEvent(Event{Kind: EventKindThought, Content: &content})
	case update.GetToolcall() != nil:
		c.sendEvent(Event{Kind: EventKindToolCall, ToolCall: update.GetToolcall()})
	case update.GetToolcallupdate() != nil:
		c.sendEvent(Event{Kind: EventKindToolUpdate, ToolUpdate: update.GetToolcallupdate()})
	case update.GetPlan() != nil:
		c.sendEvent(Event{Kind: EventKindPlan, Plan: update.GetPlan()})
	default:
		c.sendEvent(Event{Kind: EventKindOther, Other: note})
	}
	return nil
}

// File-system capabilities are not offered by this host.

func (c *Client) WriteTextFile(context.Context, *acp.WriteTextFileRequest) (*acp.WriteTextFileResponse, error) {
	return nil, ErrMethodNotSupported
}

func (c *Client) ReadTextFile(context.Context, *acp.ReadTextFileRequest) (*acp.ReadTextFileResponse, error) {
	return nil, ErrMethodNotSupported
}

// Terminal capabilities are not offered either.

func (c *Client) CreateTerminal(context.Context, *acp.CreateTerminalRequest) (*acp.CreateTerminalResponse, error) {
	return nil, ErrMethodNotSupported
}

func (c *Client) TerminalOutput(context.Context, *acp.TerminalOutputRequest) (*acp.TerminalOutputResponse, error) {
	return nil, ErrMethodNotSupported
}

func (c *Client) ReleaseTerminal(context.Context, *acp.ReleaseTerminalRequest) (*acp.ReleaseTerminalResponse, error) {
	return nil, ErrMethodNotSupported
}

func (c *Client) WaitForTerminalExit(context.Context, *acp.WaitForTerminalExitRequest) (*acp.WaitForTerminalExitResponse, error) {
	return nil, ErrMethodNotSupported
}

func (c *Client) KillTerminalCommand(context.Context, *acp.KillTerminalCommandRequest) (*acp.KillTerminalCommandResponse, error) {
	return nil, ErrMethodNotSupported
}

func findOption(options []acp.PermissionOption, kind acp.PermissionOptionKind) *acp.PermissionOption {
	for i := range options {
		if options[i].Kind == kind {
			return &options[i]
		}
	}
	return nil
}
