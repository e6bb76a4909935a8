package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/egv/agentdeck/internal/approvals"
	"github.com/egv/agentdeck/internal/codingagents"
	"github.com/egv/agentdeck/internal/contracts"
	"github.com/egv/agentdeck/internal/events"
	"github.com/egv/agentdeck/internal/executor"
	"github.com/egv/agentdeck/internal/jsonrpc"
	"github.com/egv/agentdeck/internal/logging"
	"github.com/egv/agentdeck/internal/logs"
	"github.com/egv/agentdeck/internal/version"
)

const (
	approvalPolicyAuto   = "auto"
	approvalPolicyPrompt = "prompt"
	approvalPolicyDeny   = "deny"

	eventBusMemory = "memory"
	eventBusNATS   = "nats"
	eventBusRedis  = "redis"
)

var newEventBus = func(backend string, address string) (events.Bus, error) {
	switch backend {
	case eventBusMemory, "":
		return events.NewMemoryBus(), nil
	case eventBusNATS:
		return events.NewNATSBus(address)
	case eventBusRedis:
		return events.NewRedisBus(address)
	default:
		return nil, fmt.Errorf("unsupported event bus backend %q", backend)
	}
}

var loadCatalog = codingagents.LoadCatalog

func main() {
	os.Exit(RunMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func RunMain(args []string, in io.Reader, out io.Writer, errOut io.Writer) int {
	if version.IsVersionRequest(args) {
		version.Print(out, "agentdeck")
		return 0
	}

	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: agentdeck <run|agents> [flags]")
		return 1
	}

	switch args[0] {
	case "run":
		return runExecution(args[1:], in, out, errOut)
	case "agents":
		return listAgents(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n", args[0])
		return 1
	}
}

func listAgents(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	fs.SetOutput(errOut)
	repoRoot := fs.String("dir", ".", "Repository root holding .agentdeck/coding-agents")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	catalog, err := loadCatalog(*repoRoot)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	logger := logging.NewStructuredLogger(io.Discard, "error", logging.LoggingSchemaFields{})
	for _, name := range catalog.Names() {
		adapter, err := executor.ForBackend(catalog, name, logger)
		if err != nil {
			fmt.Fprintf(errOut, "%s: %v\n", name, err)
			continue
		}
		info := adapter.AvailabilityInfo()
		line := fmt.Sprintf("%-12s %s", name, info.Status)
		if info.LastAuthAt != nil {
			line += " (last auth " + info.LastAuthAt.Format(time.RFC3339) + ")"
		}
		fmt.Fprintln(out, line)
	}
	return 0
}

type runOptions struct {
	backend        string
	dir            string
	prompt         string
	session        string
	model          string
	approvalPolicy string
	busBackend     string
	busAddress     string
	busPrefix      string
	logLevel       string
	eventsPath     string
	auditPath      string
}

func runExecution(args []string, in io.Reader, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(errOut)

	opts := runOptions{}
	fs.StringVar(&opts.backend, "backend", "", "Coding agent backend name")
	fs.StringVar(&opts.dir, "dir", ".", "Working directory for the agent")
	fs.StringVar(&opts.prompt, "prompt", "", "Prompt for the agent")
	fs.StringVar(&opts.session, "session", "", "Session ID to resume (follow-up)")
	fs.StringVar(&opts.model, "model", "", "Model override")
	fs.StringVar(&opts.approvalPolicy, "approvals", approvalPolicyAuto, "Approval policy: auto, prompt or deny")
	fs.StringVar(&opts.busBackend, "bus", eventBusMemory, "Event bus backend: memory, nats or redis")
	fs.StringVar(&opts.busAddress, "bus-address", "", "Event bus address")
	fs.StringVar(&opts.busPrefix, "bus-prefix", "agentdeck", "Event bus subject prefix")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Minimum log level")
	fs.StringVar(&opts.eventsPath, "events", "", "Append lifecycle events as JSONL to this file")
	fs.StringVar(&opts.auditPath, "audit", "", "Append approval decisions as JSONL to this file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if opts.backend == "" || opts.prompt == "" {
		fmt.Fprintln(errOut, "--backend and --prompt are required")
		return 1
	}
	switch opts.approvalPolicy {
	case approvalPolicyAuto, approvalPolicyPrompt, approvalPolicyDeny:
	default:
		fmt.Fprintf(errOut, "unknown approval policy %q\n", opts.approvalPolicy)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, in, out, errOut); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func run(ctx context.Context, opts runOptions, in io.Reader, out io.Writer, errOut io.Writer) error {
	catalog, err := loadCatalog(opts.dir)
	if err != nil {
		return err
	}
	if err := catalog.ValidateBackendUsage(opts.backend, opts.model, nil); err != nil {
		return err
	}

	executionID := uuid.New()
	logger := logging.NewStructuredLogger(errOut, opts.logLevel, logging.LoggingSchemaFields{
		Component:   "agentdeck",
		ExecutionID: executionID.String(),
	})

	bus, err := newEventBus(opts.busBackend, opts.busAddress)
	if err != nil {
		return err
	}
	defer bus.Close()
	subjects := events.DefaultEventSubjects(opts.busPrefix)

	store := logs.NewMsgStore()
	registry := logs.NewRegistry()
	registry.Register(executionID, store)
	defer registry.Remove(executionID)

	engine := approvals.NewEngine(registry,
		approvals.WithBus(bus, subjects.Approvals),
		approvals.WithLogger(logger),
	)
	defer engine.CancelForExecution(context.Background(), executionID)

	adapter, err := executor.ForBackend(catalog, opts.backend, logger)
	if err != nil {
		return err
	}
	if opts.model != "" {
		if codex, ok := adapter.(*executor.CodexExecutor); ok {
			codex.WithModel(opts.model)
		}
	}

	switch opts.approvalPolicy {
	case approvalPolicyPrompt:
		adapter.UseApprovals(approvals.NewEngineService(engine, executionID))
		go answerApprovals(ctx, bus, subjects.Approvals, engine, executionID, opts.auditPath, in, out)
	case approvalPolicyDeny:
		adapter.UseApprovals(denyAllService{})
	}

	sink := lifecycleSink(opts.eventsPath)
	publishLifecycle(ctx, bus, sink, subjects.ExecutionLifecycle, events.EventTypeExecutionStarted, executionID, opts.backend, "")

	child, err := spawn(ctx, adapter, opts)
	if err != nil {
		return err
	}
	adapter.NormalizeLogs(store, opts.dir)

	renderCtx, stopRender := context.WithCancel(ctx)
	defer stopRender()
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		renderPatches(renderCtx, store, out)
	}()

	var result jsonrpc.ExitResult
	select {
	case result = <-child.Exit.Done():
	case <-ctx.Done():
		child.Cancel()
		result = <-child.Exit.Done()
	}
	child.Cancel()
	_ = child.Wait()

	// give trailing normalized entries a moment to land before the render
	// loop is stopped
	time.Sleep(100 * time.Millisecond)
	stopRender()
	<-renderDone

	outcome := "success"
	if result != jsonrpc.ExitSuccess {
		outcome = "failure"
	}
	publishLifecycle(context.Background(), bus, sink, subjects.ExecutionLifecycle, events.EventTypeExecutionExited, executionID, opts.backend, outcome)

	if holder, ok := adapter.(executor.SessionHolder); ok {
		if sessionID := holder.SessionID(); sessionID != "" {
			logger.Infof("session id: %s", sessionID)
		}
	}
	if result != jsonrpc.ExitSuccess {
		return fmt.Errorf("execution failed")
	}
	return nil
}

func spawn(ctx context.Context, adapter executor.Executor, opts runOptions) (*executor.SpawnedChild, error) {
	if opts.session != "" {
		return adapter.SpawnFollowUp(ctx, opts.dir, opts.prompt, opts.session, os.Environ())
	}
	return adapter.Spawn(ctx, opts.dir, opts.prompt, os.Environ())
}

// answerApprovals turns approval_requested bus events into stdin prompts.
// An answer of "y" approves; anything else denies, with the remainder of
// the line carried as the denial reason.
func answerApprovals(ctx context.Context, bus events.Bus, subject string, engine *approvals.Engine, executionID uuid.UUID, auditPath string, in io.Reader, out io.Writer) {
	ch, unsubscribe, err := bus.Subscribe(ctx, subject)
	if err != nil {
		return
	}
	defer unsubscribe()

	reader := bufio.NewReader(in)
	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-ch:
			if !ok {
				return
			}
			if envelope.Type != events.EventTypeApprovalRequested {
				continue
			}
			var payload events.ApprovalRequestedPayload
			if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
				continue
			}
			fmt.Fprintf(out, "approve %s? [y/N reason] ", payload.ToolName)
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			status := decisionFromLine(line)
			if _, _, err := engine.Respond(ctx, payload.ApprovalID, approvals.Response{
				ExecutionProcessID: executionID,
				Status:             status,
			}); err != nil {
				continue
			}
			if auditPath != "" {
				_ = logging.AppendApprovalAudit(auditPath, logging.ApprovalAuditEntry{
					LoggingSchemaFields: logging.LoggingSchemaFields{ExecutionID: executionID.String()},
					ApprovalID:          payload.ApprovalID,
					ToolName:            payload.ToolName,
					Decision:            string(status.Kind),
					Reason:              status.Reason,
				})
			}
		}
	}
}

func decisionFromLine(line string) approvals.Status {
	line = strings.TrimSpace(line)
	if line == "y" || line == "Y" || line == "yes" {
		return approvals.Approved()
	}
	reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "n"), "N"))
	return approvals.Denied(reason)
}

// denyAllService rejects every tool call, for dry runs against untrusted
// prompts.
type denyAllService struct{}

func (denyAllService) RequestToolApproval(context.Context, string, json.RawMessage, string) (approvals.Status, error) {
	return approvals.Denied("denied by policy"), nil
}

func renderPatches(ctx context.Context, store *logs.MsgStore, out io.Writer) {
	for patch := range store.Subscribe(ctx) {
		switch patch.Kind {
		case logs.PatchKindAdd:
			fmt.Fprintln(out, renderEntry(patch.Entry))
		case logs.PatchKindReplace:
			if patch.Entry.Kind == logs.EntryKindToolUse && patch.Entry.ToolStatus != nil {
				line := fmt.Sprintf("[%s] %s -> %s", patch.Entry.ToolName, patch.Entry.Content, patch.Entry.ToolStatus.Kind)
				if patch.Entry.ToolStatus.Reason != "" {
					line += ": " + patch.Entry.ToolStatus.Reason
				}
				fmt.Fprintln(out, line)
			}
		}
	}
}

func renderEntry(entry logs.NormalizedEntry) string {
	switch entry.Kind {
	case logs.EntryKindUserMessage:
		return "> " + entry.Content
	case logs.EntryKindThinking:
		return "… " + entry.Content
	case logs.EntryKindToolUse:
		return fmt.Sprintf("[%s] %s", entry.ToolName, entry.Content)
	case logs.EntryKindSystemMessage:
		return "-- " + entry.Content
	case logs.EntryKindErrorMessage:
		return "!! " + entry.Content
	default:
		return entry.Content
	}
}

func lifecycleSink(path string) contracts.EventSink {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	return contracts.NewFileEventSink(path)
}

func publishLifecycle(ctx context.Context, bus events.Bus, sink contracts.EventSink, subject string, eventType events.EventType, executionID uuid.UUID, backend string, outcome string) {
	payload := events.ExecutionLifecyclePayload{
		ExecutionProcessID: executionID.String(),
		Backend:            backend,
		ExitResult:         outcome,
	}
	envelope, err := events.NewEnvelope(eventType, executionID.String(), "agentdeck", payload)
	if err != nil {
		return
	}
	_ = bus.Publish(ctx, subject, envelope)

	if sink != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_ = sink.Emit(ctx, contracts.Event{
			Type:      string(eventType),
			Payload:   raw,
			Timestamp: time.Now().UTC(),
		})
	}
}
