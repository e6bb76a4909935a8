// Package contracts holds the platform-facing interfaces the orchestration
// core consumes but does not implement: task state and event emission.
package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

type Task struct {
	ID     string
	Status TaskStatus
}

var ErrTaskNotFound = errors.New("task not found")

// TaskStore resolves the task owning an execution process and transitions
// its status. The approval engine uses it to move a task out of in_review
// once a human has answered.
type TaskStore interface {
	TaskForExecution(ctx context.Context, executionProcessID uuid.UUID) (Task, error)
	SetTaskStatus(ctx context.Context, taskID string, status TaskStatus) error
}

type Event struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

func MarshalEventJSONL(event Event) (string, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return string(raw) + "\n", nil
}
