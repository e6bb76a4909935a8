package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/egv/agentdeck/internal/approvals"
	"github.com/egv/agentdeck/internal/codingagents"
	"github.com/egv/agentdeck/internal/jsonrpc"
	"github.com/egv/agentdeck/internal/logging"
	"github.com/egv/agentdeck/internal/logs"
)

// CommandExecutor runs plain CLI agents that take the prompt as their
// final argument and print output to stdout. No protocol, no approvals,
// no sessions: fire, stream, exit.
type CommandExecutor struct {
	definition codingagents.BackendDefinition
	logger     *logging.StructuredLogger

	mu  sync.Mutex
	raw *rawStream
}

func NewCommandExecutor(definition codingagents.BackendDefinition, logger *logging.StructuredLogger) *CommandExecutor {
	return &CommandExecutor{definition: definition, logger: logger}
}

// UseApprovals is a no-op: the wrapped CLI exposes no permission hook.
func (e *CommandExecutor) UseApprovals(approvals.Service) {}

func (e *CommandExecutor) Spawn(ctx context.Context, dir string, prompt string, env []string) (*SpawnedChild, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := buildCommand(runCtx, e.definition, dir, env, prompt)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("command stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("command stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", e.definition.Binary, err)
	}

	raw := newRawStream()
	exit := jsonrpc.NewExitNotifier()

	e.mu.Lock()
	e.raw = raw
	e.mu.Unlock()

	child := &SpawnedChild{Cmd: cmd, Exit: exit, Cancel: cancel}

	go drainStderr(stderr, raw)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			raw.Append(scanner.Text())
		}
		if err := child.Wait(); err != nil {
			e.logger.Warnf("%s exited: %v", e.definition.Binary, err)
			exit.Notify(jsonrpc.ExitFailure)
		} else {
			exit.Notify(jsonrpc.ExitSuccess)
		}
		raw.Close()
		cancel()
	}()

	return child, nil
}

func (e *CommandExecutor) SpawnFollowUp(context.Context, string, string, string, []string) (*SpawnedChild, error) {
	return nil, fmt.Errorf("%w: %s has no session protocol", ErrFollowUpNotSupported, e.definition.Name)
}

// NormalizeLogs treats each output line as one entry: structured lines of
// known shape keep their role, everything else becomes assistant text.
func (e *CommandExecutor) NormalizeLogs(store *logs.MsgStore, _ string) {
	e.mu.Lock()
	raw := e.raw
	e.mu.Unlock()
	if raw == nil || store == nil {
		return
	}
	go func() {
		for line := range raw.Lines() {
			store.Push(normalizeCommandLine(line))
		}
	}()
}

func normalizeCommandLine(line string) logs.NormalizedEntry {
	if rest, ok := strings.CutPrefix(line, "stderr: "); ok {
		return logs.NewErrorMessage(rest)
	}
	var structured struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal([]byte(line), &structured); err == nil {
		text := structured.Message
		if text == "" {
			text = structured.Text
		}
		switch structured.Type {
		case "error":
			if text != "" {
				return logs.NewErrorMessage(text)
			}
		case "system":
			if text != "" {
				return logs.NewSystemMessage(text)
			}
		}
	}
	return logs.NewAssistantMessage(line)
}

func (e *CommandExecutor) DefaultConfigPath() string {
	return codingagents.ResolvePath(e.definition.ConfigPath)
}

func (e *CommandExecutor) AvailabilityInfo() AvailabilityInfo {
	if info := probeAvailability(e.definition); info.Status != NotFound {
		return info
	}
	return lookPathAvailability(e.definition.Binary, exec.LookPath)
}
