// Package executor spawns coding-agent subprocesses and adapts their
// output into the platform's normalized log. Each adapter instance owns
// exactly one execution: construct, spawn, normalize, discard.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/egv/agentdeck/internal/approvals"
	"github.com/egv/agentdeck/internal/codingagents"
	"github.com/egv/agentdeck/internal/jsonrpc"
	"github.com/egv/agentdeck/internal/logging"
	"github.com/egv/agentdeck/internal/logs"
)

var (
	ErrUnsupportedBackend   = errors.New("executor: unsupported backend")
	ErrFollowUpNotSupported = errors.New("executor: follow-up not supported")
	ErrAuthRequired         = errors.New("executor: authentication required")
)

// AvailabilityStatus is the closed probe-result set.
type AvailabilityStatus string

const (
	LoginDetected     AvailabilityStatus = "login_detected"
	InstallationFound AvailabilityStatus = "installation_found"
	NotFound          AvailabilityStatus = "not_found"
)

// AvailabilityInfo reports whether the backend's CLI looks usable on this
// machine. LastAuthAt is only set for LoginDetected.
type AvailabilityInfo struct {
	Status     AvailabilityStatus
	LastAuthAt *time.Time
}

// SpawnedChild is the handle the platform keeps for one running agent
// subprocess. Cancel tears down the protocol layer and interrupts the
// agent; Exit delivers the terminal outcome exactly once.
type SpawnedChild struct {
	Cmd    *exec.Cmd
	Exit   *jsonrpc.ExitNotifier
	Cancel context.CancelFunc

	waitOnce sync.Once
	waitErr  error
}

// Wait reaps the subprocess. Safe to call from multiple places; only the
// first call actually waits.
func (c *SpawnedChild) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.Cmd.Wait()
	})
	return c.waitErr
}

// Executor is the contract every agent adapter implements.
type Executor interface {
	// Spawn starts a fresh session in dir with the given prompt.
	Spawn(ctx context.Context, dir string, prompt string, env []string) (*SpawnedChild, error)
	// SpawnFollowUp resumes a prior session identified by sessionID.
	SpawnFollowUp(ctx context.Context, dir string, prompt string, sessionID string, env []string) (*SpawnedChild, error)
	// NormalizeLogs starts a fire-and-forget background task adapting the
	// raw subprocess output of the current spawn into store entries.
	NormalizeLogs(store *logs.MsgStore, dir string)
	// DefaultConfigPath returns the backend's config file path, or "" when
	// the backend has none.
	DefaultConfigPath() string
	// AvailabilityInfo probes the local installation.
	AvailabilityInfo() AvailabilityInfo
	// UseApprovals routes tool permissioning through svc. Without it the
	// adapter auto-approves.
	UseApprovals(svc approvals.Service)
}

// SessionHolder is implemented by adapters that learn their subprocess
// session id from the wire, enabling follow-ups.
type SessionHolder interface {
	SessionID() string
}

// ForBackend builds the adapter for a catalog backend. The adapter set is
// closed; an unknown adapter name in a definition is a catalog bug.
func ForBackend(catalog codingagents.Catalog, name string, logger *logging.StructuredLogger) (Executor, error) {
	definition, ok := catalog.Backend(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, strings.TrimSpace(name))
	}
	switch definition.Adapter {
	case codingagents.AdapterCodex:
		return NewCodexExecutor(definition, logger), nil
	case codingagents.AdapterOpencode:
		return NewACPExecutor(definition, logger), nil
	case codingagents.AdapterClaude:
		return NewClaudeExecutor(definition, logger), nil
	case codingagents.AdapterCommand:
		return NewCommandExecutor(definition, logger), nil
	default:
		return nil, fmt.Errorf("%w: adapter %q", ErrUnsupportedBackend, definition.Adapter)
	}
}

func buildCommand(ctx context.Context, definition codingagents.BackendDefinition, dir string, env []string, extraArgs ...string) *exec.Cmd {
	args := append(append([]string(nil), definition.Args...), extraArgs...)
	cmd := exec.CommandContext(ctx, definition.Binary, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = env
	}
	return cmd
}
