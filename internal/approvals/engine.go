package approvals

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/egv/agentdeck/internal/contracts"
	"github.com/egv/agentdeck/internal/events"
	"github.com/egv/agentdeck/internal/logging"
	"github.com/egv/agentdeck/internal/logs"
)

var (
	ErrNotFound         = errors.New("approval request not found")
	ErrAlreadyCompleted = errors.New("approval request already completed")
	ErrInvalidStatus    = errors.New("invalid approval status")
)

// StoreRegistry resolves the normalized log owned by an execution process.
type StoreRegistry interface {
	StoreByID(id uuid.UUID) (*logs.MsgStore, bool)
}

type pendingApproval struct {
	entryIndex         int
	entry              logs.NormalizedEntry
	hasEntry           bool
	executionProcessID uuid.UUID
	toolName           string
	waiter             *Waiter
}

// Engine tracks outstanding approval requests, delivers decisions to
// waiters, and patches the matching normalized-log entry through each state
// transition. It owns the pending and completed tables exclusively; the
// logs it patches belong to the execution context.
type Engine struct {
	mu        sync.Mutex
	pending   map[string]*pendingApproval
	completed map[string]Status

	registry StoreRegistry
	tasks    contracts.TaskStore
	bus      events.Bus
	subject  string
	logger   *logging.StructuredLogger
	clock    func() time.Time
}

type EngineOption func(*Engine)

func WithTaskStore(tasks contracts.TaskStore) EngineOption {
	return func(e *Engine) { e.tasks = tasks }
}

func WithBus(bus events.Bus, subject string) EngineOption {
	return func(e *Engine) {
		e.bus = bus
		e.subject = subject
	}
}

func WithLogger(logger *logging.StructuredLogger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func withClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

func NewEngine(registry StoreRegistry, opts ...EngineOption) *Engine {
	engine := &Engine{
		pending:   make(map[string]*pendingApproval),
		completed: make(map[string]Status),
		registry:  registry,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// CreateWithWaiter records a pending approval for the request, patches the
// matching tool-use entry to pending_approval, and returns a shareable
// waiter for the final status. When no matching entry exists the approval
// still proceeds, just without log visibility. A timeout watcher is always
// started.
func (e *Engine) CreateWithWaiter(request Request) (Request, *Waiter, error) {
	waiter := newWaiter()

	p := &pendingApproval{
		entryIndex:         -1,
		executionProcessID: request.ExecutionProcessID,
		toolName:           request.ToolName,
		waiter:             waiter,
	}

	if store, ok := e.registry.StoreByID(request.ExecutionProcessID); ok {
		if idx, entry, found := findMatchingToolUse(store, request.ToolCallID); found {
			patched, ok := entry.WithToolStatus(logs.ToolStatus{
				Kind:        logs.ToolStatusPendingApproval,
				ApprovalID:  request.ID,
				RequestedAt: request.CreatedAt,
				TimeoutAt:   request.TimeoutAt,
			})
			if !ok {
				return Request{}, nil, errors.New("matched entry is not a tool use")
			}
			if err := store.Replace(idx, patched); err != nil {
				return Request{}, nil, err
			}
			p.entryIndex = idx
			p.entry = entry
			p.hasEntry = true
			e.logger.Debugf("created approval %s for tool %q at entry index %d", request.ID, request.ToolName, idx)
		} else {
			e.logger.Warnf("no matching tool use entry for approval: tool=%q execution_process_id=%s", request.ToolName, request.ExecutionProcessID)
		}
	} else {
		e.logger.Warnf("no normalized log registered for execution_process_id %s", request.ExecutionProcessID)
	}

	e.mu.Lock()
	e.pending[request.ID] = p
	e.mu.Unlock()

	e.publishRequested(request)
	e.spawnTimeoutWatcher(request.ID, request.TimeoutAt, waiter)
	return request, waiter, nil
}

// Respond delivers a decision for a still-pending approval. It returns
// ErrAlreadyCompleted when the request already resolved and ErrNotFound
// when the id was never created.
func (e *Engine) Respond(ctx context.Context, id string, response Response) (Status, ToolContext, error) {
	if !response.Status.Terminal() {
		return Status{}, ToolContext{}, ErrInvalidStatus
	}

	e.mu.Lock()
	p, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
		e.completed[id] = response.Status
	}
	completed := !ok && hasKey(e.completed, id)
	e.mu.Unlock()

	if !ok {
		if completed {
			return Status{}, ToolContext{}, ErrAlreadyCompleted
		}
		return Status{}, ToolContext{}, ErrNotFound
	}

	p.waiter.resolve(response.Status)
	e.patchEntry(p, response.Status)

	toolCtx := ToolContext{ToolName: p.toolName, ExecutionProcessID: p.executionProcessID}

	// A human decision means the task no longer needs review.
	if response.Status.Kind == StatusApproved || response.Status.Kind == StatusDenied {
		e.resumeTask(ctx, p.executionProcessID)
	}

	e.publishResolved(id, p, response.Status)
	return response.Status, toolCtx, nil
}

// Cancel force-resolves a still-pending approval as denied, used when the
// owning execution is torn down before anyone answers.
func (e *Engine) Cancel(ctx context.Context, id string) {
	status := Denied("Cancelled")

	e.mu.Lock()
	p, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
		e.completed[id] = status
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	p.waiter.resolve(status)
	e.patchEntry(p, status)
	e.publishResolved(id, p, status)
	e.logger.Debugf("cancelled approval %q", id)
}

// PendingExecutionProcessIDs returns the subset of ids that currently have
// at least one unanswered approval.
func (e *Engine) PendingExecutionProcessIDs(ids []uuid.UUID) map[uuid.UUID]struct{} {
	candidates := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		candidates[id] = struct{}{}
	}

	out := make(map[uuid.UUID]struct{})
	e.mu.Lock()
	for _, p := range e.pending {
		if _, ok := candidates[p.executionProcessID]; ok {
			out[p.executionProcessID] = struct{}{}
		}
	}
	e.mu.Unlock()
	return out
}

// CancelForExecution cancels every approval still pending for one
// execution process.
func (e *Engine) CancelForExecution(ctx context.Context, executionProcessID uuid.UUID) {
	e.mu.Lock()
	ids := make([]string, 0)
	for id, p := range e.pending {
		if p.executionProcessID == executionProcessID {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Cancel(ctx, id)
	}
}

// spawnTimeoutWatcher races the waiter against the deadline, biased toward
// the waiter. The timer branch is the only source of timed_out statuses; if
// a concurrent Respond already removed the entry it no-ops, so the waiter
// only ever observes one terminal resolution.
func (e *Engine) spawnTimeoutWatcher(id string, timeoutAt time.Time, waiter *Waiter) {
	toWait := timeoutAt.Sub(e.clock())
	if toWait < 0 {
		toWait = 0
	}

	go func() {
		timer := time.NewTimer(toWait)
		defer timer.Stop()

		var status Status
		select {
		case <-waiter.Done():
			status, _ = waiter.Resolved()
		case <-timer.C:
			if resolved, ok := waiter.Resolved(); ok {
				status = resolved
			} else {
				status = TimedOut()
			}
		}

		e.mu.Lock()
		e.completed[id] = status
		var p *pendingApproval
		if status.Kind == StatusTimedOut {
			if entry, ok := e.pending[id]; ok {
				delete(e.pending, id)
				p = entry
			}
		}
		e.mu.Unlock()

		// Entry already gone means someone answered at the deadline;
		// the decision was delivered, nothing more to do.
		if p == nil {
			return
		}

		p.waiter.resolve(status)
		e.patchEntry(p, status)
		e.publishResolved(id, p, status)
		e.logger.Debugf("approval %q timed out", id)
	}()
}

func (e *Engine) patchEntry(p *pendingApproval, status Status) {
	if !p.hasEntry {
		return
	}
	toolStatus, err := toolStatusFor(status)
	if err != nil {
		e.logger.Warnf("cannot patch entry for approval on tool %q: %v", p.toolName, err)
		return
	}
	store, ok := e.registry.StoreByID(p.executionProcessID)
	if !ok {
		e.logger.Warnf("no normalized log registered for execution_process_id %s", p.executionProcessID)
		return
	}
	patched, ok := p.entry.WithToolStatus(toolStatus)
	if !ok {
		return
	}
	if err := store.Replace(p.entryIndex, patched); err != nil {
		e.logger.Warnf("patch tool status: %v", err)
	}
}

func (e *Engine) resumeTask(ctx context.Context, executionProcessID uuid.UUID) {
	if e.tasks == nil {
		return
	}
	task, err := e.tasks.TaskForExecution(ctx, executionProcessID)
	if err != nil {
		if !errors.Is(err, contracts.ErrTaskNotFound) {
			e.logger.Warnf("load task for execution %s: %v", executionProcessID, err)
		}
		return
	}
	if task.Status != contracts.TaskStatusInReview {
		return
	}
	if err := e.tasks.SetTaskStatus(ctx, task.ID, contracts.TaskStatusInProgress); err != nil {
		e.logger.Warnf("move task %s back to in_progress: %v", task.ID, err)
	}
}

func (e *Engine) publishRequested(request Request) {
	if e.bus == nil {
		return
	}
	env, err := events.NewEnvelope(events.EventTypeApprovalRequested, request.ID, "approvals", events.ApprovalRequestedPayload{
		ApprovalID:         request.ID,
		ExecutionProcessID: request.ExecutionProcessID.String(),
		ToolName:           request.ToolName,
		TimeoutAt:          request.TimeoutAt.Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	_ = e.bus.Publish(context.Background(), e.subject, env)
}

func (e *Engine) publishResolved(id string, p *pendingApproval, status Status) {
	if e.bus == nil {
		return
	}
	env, err := events.NewEnvelope(events.EventTypeApprovalResolved, id, "approvals", events.ApprovalResolvedPayload{
		ApprovalID:         id,
		ExecutionProcessID: p.executionProcessID.String(),
		ToolName:           p.toolName,
		Status:             string(status.Kind),
		Reason:             status.Reason,
	})
	if err != nil {
		return
	}
	_ = e.bus.Publish(context.Background(), e.subject, env)
}

func toolStatusFor(status Status) (logs.ToolStatus, error) {
	switch status.Kind {
	case StatusApproved:
		return logs.ToolStatus{Kind: logs.ToolStatusApproved}, nil
	case StatusDenied:
		return logs.ToolStatus{Kind: logs.ToolStatusDenied, Reason: status.Reason}, nil
	case StatusTimedOut:
		return logs.ToolStatus{Kind: logs.ToolStatusTimedOut}, nil
	default:
		return logs.ToolStatus{}, ErrInvalidStatus
	}
}

// findMatchingToolUse scans the log newest-first for a tool_use entry whose
// metadata carries the wanted call id and whose status is still created.
// Entries already pending or terminal are never re-matched, which keeps
// parallel tool calls with distinct ids from claiming each other's entries.
func findMatchingToolUse(store *logs.MsgStore, toolCallID string) (int, logs.NormalizedEntry, bool) {
	history := store.History()
	for idx := len(history) - 1; idx >= 0; idx-- {
		entry := history[idx]
		if entry.Kind != logs.EntryKindToolUse {
			continue
		}
		if entry.ToolStatus == nil || entry.ToolStatus.Kind != logs.ToolStatusCreated {
			continue
		}
		if entry.ToolCallID() == toolCallID {
			return idx, entry, true
		}
	}
	return 0, logs.NormalizedEntry{}, false
}

func hasKey(m map[string]Status, id string) bool {
	_, ok := m[id]
	return ok
}
