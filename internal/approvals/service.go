package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrCancelled reports that the approval wait was abandoned because the
// caller's context was cancelled.
var ErrCancelled = errors.New("approval request cancelled")

// Service is the abstraction adapters use to ask for a tool-call decision.
// Implementations block until the final status is known.
type Service interface {
	RequestToolApproval(ctx context.Context, toolName string, toolInput json.RawMessage, toolCallID string) (Status, error)
}

// EngineService binds the shared engine to one execution process.
type EngineService struct {
	engine             *Engine
	executionProcessID uuid.UUID
}

func NewEngineService(engine *Engine, executionProcessID uuid.UUID) *EngineService {
	return &EngineService{engine: engine, executionProcessID: executionProcessID}
}

func (s *EngineService) RequestToolApproval(ctx context.Context, toolName string, toolInput json.RawMessage, toolCallID string) (Status, error) {
	request := NewRequest(CreateRequest{
		ToolName:   toolName,
		ToolInput:  toolInput,
		ToolCallID: toolCallID,
	}, s.executionProcessID)

	_, waiter, err := s.engine.CreateWithWaiter(request)
	if err != nil {
		return Status{}, fmt.Errorf("create approval: %w", err)
	}

	status, err := waiter.Wait(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return status, nil
}

// AutoApproveService approves everything; used when no approval policy is
// configured.
type AutoApproveService struct{}

func (AutoApproveService) RequestToolApproval(context.Context, string, json.RawMessage, string) (Status, error) {
	return Approved(), nil
}
