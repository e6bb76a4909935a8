package executor

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/egv/agentdeck/internal/logs"
)

// codexEvent is the loose union of the codex event payload fields this
// normalizer reads. Unknown fields are simply ignored.
type codexEvent struct {
	Message   string          `json:"message"`
	Text      string          `json:"text"`
	CallID    string          `json:"call_id"`
	Command   json.RawMessage `json:"command"`
	Cwd       string          `json:"cwd"`
	Changes   map[string]any  `json:"changes"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
}

// normalizeCodexLine maps one raw protocol line to normalized log entries.
// Most lines produce nothing: deltas, token counts and the JSON-RPC
// plumbing are noise at this level.
func normalizeCodexLine(line string, workDir string) []logs.NormalizedEntry {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if rest, ok := strings.CutPrefix(line, "stderr: "); ok {
		return []logs.NormalizedEntry{logs.NewErrorMessage(rest)}
	}

	var envelope struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &envelope); err != nil || envelope.Method == "" {
		return nil
	}

	var event codexEvent
	if len(envelope.Params) > 0 {
		if err := json.Unmarshal(envelope.Params, &event); err != nil {
			return nil
		}
	}

	if envelope.Method == "sessionConfigured" {
		return sessionConfiguredEntry(event)
	}

	kind, ok := strings.CutPrefix(envelope.Method, codexEventPrefix)
	if !ok {
		return nil
	}

	switch kind {
	case "session_configured":
		return sessionConfiguredEntry(event)
	case "agent_message":
		if event.Message == "" {
			return nil
		}
		return []logs.NormalizedEntry{logs.NewAssistantMessage(event.Message)}
	case "agent_reasoning":
		if event.Text == "" {
			return nil
		}
		return []logs.NormalizedEntry{logs.NewThinking(event.Text)}
	case "exec_command_begin":
		return []logs.NormalizedEntry{logs.NewToolUse("bash", commandText(event.Command), event.CallID)}
	case "patch_apply_begin":
		return []logs.NormalizedEntry{logs.NewToolUse("edit", changedPaths(event.Changes, workDir), event.CallID)}
	case "web_search_begin":
		return []logs.NormalizedEntry{logs.NewToolUse("web_search", "", event.CallID)}
	case "error", "stream_error":
		if event.Message == "" {
			return nil
		}
		return []logs.NormalizedEntry{logs.NewErrorMessage(event.Message)}
	case "background_event":
		if event.Message == "" {
			return nil
		}
		return []logs.NormalizedEntry{logs.NewSystemMessage(event.Message)}
	default:
		return nil
	}
}

func sessionConfiguredEntry(event codexEvent) []logs.NormalizedEntry {
	if event.SessionID == "" {
		return nil
	}
	message := fmt.Sprintf("session started: %s", event.SessionID)
	if event.Model != "" {
		message += " (model: " + event.Model + ")"
	}
	return []logs.NormalizedEntry{logs.NewSystemMessage(message)}
}

// commandText renders the exec command, which the wire carries either as
// an argv array or a plain string.
func commandText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var argv []string
	if err := json.Unmarshal(raw, &argv); err == nil {
		return strings.Join(argv, " ")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	return string(raw)
}

func changedPaths(changes map[string]any, workDir string) string {
	if len(changes) == 0 {
		return ""
	}
	paths := make([]string, 0, len(changes))
	for path := range changes {
		if rel, err := filepath.Rel(workDir, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return strings.Join(paths, ", ")
}
