package logs

import (
	"encoding/json"
	"strings"
	"time"
)

type EntryKind string

const (
	EntryKindUserMessage      EntryKind = "user_message"
	EntryKindAssistantMessage EntryKind = "assistant_message"
	EntryKindThinking         EntryKind = "thinking"
	EntryKindToolUse          EntryKind = "tool_use"
	EntryKindSystemMessage    EntryKind = "system_message"
	EntryKindErrorMessage     EntryKind = "error_message"
)

type ToolStatusKind string

const (
	ToolStatusCreated         ToolStatusKind = "created"
	ToolStatusPendingApproval ToolStatusKind = "pending_approval"
	ToolStatusApproved        ToolStatusKind = "approved"
	ToolStatusDenied          ToolStatusKind = "denied"
	ToolStatusTimedOut        ToolStatusKind = "timed_out"
)

// ToolStatus is the approval lifecycle state carried by tool_use entries.
// Created is the only state eligible for matching to a new approval request;
// approved, denied and timed_out are terminal.
type ToolStatus struct {
	Kind        ToolStatusKind `json:"kind"`
	ApprovalID  string         `json:"approval_id,omitempty"`
	RequestedAt time.Time      `json:"requested_at,omitempty"`
	TimeoutAt   time.Time      `json:"timeout_at,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

func (s ToolStatus) Terminal() bool {
	switch s.Kind {
	case ToolStatusApproved, ToolStatusDenied, ToolStatusTimedOut:
		return true
	default:
		return false
	}
}

// ToolCallMetadata is the metadata payload attached to tool_use entries so
// the approval engine can correlate wire-level tool call ids with entries.
type ToolCallMetadata struct {
	ToolCallID string `json:"tool_call_id"`
}

// NormalizedEntry is the agent-agnostic representation of one unit of agent
// output. ToolName and ToolStatus are only set for tool_use entries.
type NormalizedEntry struct {
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
	Kind       EntryKind       `json:"kind"`
	Content    string          `json:"content"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolStatus *ToolStatus     `json:"tool_status,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

func NewUserMessage(content string) NormalizedEntry {
	return NormalizedEntry{Kind: EntryKindUserMessage, Content: content}
}

func NewAssistantMessage(content string) NormalizedEntry {
	return NormalizedEntry{Kind: EntryKindAssistantMessage, Content: content}
}

func NewThinking(content string) NormalizedEntry {
	return NormalizedEntry{Kind: EntryKindThinking, Content: content}
}

func NewSystemMessage(content string) NormalizedEntry {
	return NormalizedEntry{Kind: EntryKindSystemMessage, Content: content}
}

func NewErrorMessage(content string) NormalizedEntry {
	return NormalizedEntry{Kind: EntryKindErrorMessage, Content: content}
}

func NewToolUse(toolName string, content string, toolCallID string) NormalizedEntry {
	metadata, _ := json.Marshal(ToolCallMetadata{ToolCallID: toolCallID})
	return NormalizedEntry{
		Kind:       EntryKindToolUse,
		Content:    content,
		ToolName:   strings.TrimSpace(toolName),
		ToolStatus: &ToolStatus{Kind: ToolStatusCreated},
		Metadata:   metadata,
	}
}

// WithToolStatus returns a copy of the entry with its tool status replaced.
// The second return is false when the entry is not a tool_use entry.
func (e NormalizedEntry) WithToolStatus(status ToolStatus) (NormalizedEntry, bool) {
	if e.Kind != EntryKindToolUse {
		return NormalizedEntry{}, false
	}
	copied := status
	e.ToolStatus = &copied
	return e, true
}

// ToolCallID decodes the tool call id from the entry metadata, returning ""
// when the entry carries none.
func (e NormalizedEntry) ToolCallID() string {
	if len(e.Metadata) == 0 {
		return ""
	}
	var metadata ToolCallMetadata
	if err := json.Unmarshal(e.Metadata, &metadata); err != nil {
		return ""
	}
	return metadata.ToolCallID
}
