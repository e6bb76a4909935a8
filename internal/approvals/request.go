// Package approvals is the single arbiter of whether a tool call may
// proceed. Agent adapters create a pending approval and wait; a human, a
// policy, or a timeout resolves it.
package approvals

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds how long an unanswered approval stays pending.
const DefaultTimeout = 3600 * time.Second

type StatusKind string

const (
	StatusPending  StatusKind = "pending"
	StatusApproved StatusKind = "approved"
	StatusDenied   StatusKind = "denied"
	StatusTimedOut StatusKind = "timed_out"
)

// Status is the closed variant set of approval outcomes. Reason is only
// meaningful for denials.
type Status struct {
	Kind   StatusKind `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

func Approved() Status { return Status{Kind: StatusApproved} }

func Denied(reason string) Status { return Status{Kind: StatusDenied, Reason: reason} }

func TimedOut() Status { return Status{Kind: StatusTimedOut} }

func Pending() Status { return Status{Kind: StatusPending} }

func (s Status) Terminal() bool {
	return s.Kind == StatusApproved || s.Kind == StatusDenied || s.Kind == StatusTimedOut
}

// Request identifies a single tool call needing a decision.
type Request struct {
	ID                 string          `json:"id"`
	ToolName           string          `json:"tool_name"`
	ToolInput          json.RawMessage `json:"tool_input"`
	ToolCallID         string          `json:"tool_call_id"`
	ExecutionProcessID uuid.UUID       `json:"execution_process_id"`
	CreatedAt          time.Time       `json:"created_at"`
	TimeoutAt          time.Time       `json:"timeout_at"`
}

// CreateRequest is the adapter-facing shape: the engine assigns id and
// timestamps.
type CreateRequest struct {
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input"`
	ToolCallID string          `json:"tool_call_id"`
}

func NewRequest(create CreateRequest, executionProcessID uuid.UUID) Request {
	now := time.Now().UTC()
	return Request{
		ID:                 uuid.NewString(),
		ToolName:           create.ToolName,
		ToolInput:          create.ToolInput,
		ToolCallID:         create.ToolCallID,
		ExecutionProcessID: executionProcessID,
		CreatedAt:          now,
		TimeoutAt:          now.Add(DefaultTimeout),
	}
}

// Response is the decision delivered by the platform for a pending request.
type Response struct {
	ExecutionProcessID uuid.UUID `json:"execution_process_id"`
	Status             Status    `json:"status"`
}

// ToolContext identifies what a resolved approval was about.
type ToolContext struct {
	ToolName           string
	ExecutionProcessID uuid.UUID
}
