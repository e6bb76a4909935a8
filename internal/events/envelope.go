package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	EventSchemaVersionV1 SchemaVersion = "1"
	EventSchemaVersionV0 SchemaVersion = "0"
)

type SchemaVersion string

type EventType string

const (
	EventTypeExecutionStarted  EventType = "execution_started"
	EventTypeExecutionExited   EventType = "execution_exited"
	EventTypeApprovalRequested EventType = "approval_requested"
	EventTypeApprovalResolved  EventType = "approval_resolved"
)

// EventEnvelope is the versioned wire shape published on the bus. The
// correlation id carries the execution process id for execution events and
// the approval request id for approval events.
type EventEnvelope struct {
	SchemaVersion SchemaVersion   `json:"schema_version"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(eventType EventType, correlationID string, source string, payload any) (EventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("encode event payload: %w", err)
	}
	return EventEnvelope{
		SchemaVersion: EventSchemaVersionV1,
		Type:          eventType,
		CorrelationID: correlationID,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}, nil
}

type ApprovalResolvedPayload struct {
	ApprovalID         string `json:"approval_id"`
	ExecutionProcessID string `json:"execution_process_id"`
	ToolName           string `json:"tool_name"`
	Status             string `json:"status"`
	Reason             string `json:"reason,omitempty"`
}

type ApprovalRequestedPayload struct {
	ApprovalID         string `json:"approval_id"`
	ExecutionProcessID string `json:"execution_process_id"`
	ToolName           string `json:"tool_name"`
	TimeoutAt          string `json:"timeout_at"`
}

type ExecutionLifecyclePayload struct {
	ExecutionProcessID string `json:"execution_process_id"`
	Backend            string `json:"backend"`
	ExitResult         string `json:"exit_result,omitempty"`
}

func ParseEventEnvelope(raw []byte) (EventEnvelope, error) {
	var evt EventEnvelope
	if err := json.Unmarshal(raw, &evt); err != nil {
		return EventEnvelope{}, err
	}
	if evt.Type == "" {
		return EventEnvelope{}, fmt.Errorf("missing event type")
	}
	if strings.TrimSpace(string(evt.SchemaVersion)) == "" {
		evt.SchemaVersion = EventSchemaVersionV0
	}
	return evt, nil
}
