package executor

import (
	"encoding/json"
	"strings"

	"github.com/egv/agentdeck/internal/logs"
)

type claudeContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type claudeAssistantPayload struct {
	Content []claudeContentBlock `json:"content"`
}

// normalizeClaudeLine maps one stream-json line to normalized entries. An
// assistant message can fan out into several entries, one per content
// block.
func normalizeClaudeLine(line string) []logs.NormalizedEntry {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if rest, ok := strings.CutPrefix(line, "stderr: "); ok {
		return []logs.NormalizedEntry{logs.NewErrorMessage(rest)}
	}

	var envelope struct {
		Type      string          `json:"type"`
		Subtype   string          `json:"subtype"`
		SessionID string          `json:"session_id"`
		Message   json.RawMessage `json:"message"`
		Result    string          `json:"result"`
		IsError   bool            `json:"is_error"`
	}
	if err := json.Unmarshal([]byte(line), &envelope); err != nil {
		return nil
	}

	switch envelope.Type {
	case "system":
		if envelope.Subtype == "init" && envelope.SessionID != "" {
			return []logs.NormalizedEntry{logs.NewSystemMessage("session started: " + envelope.SessionID)}
		}
		return nil
	case "assistant":
		var payload claudeAssistantPayload
		if err := json.Unmarshal(envelope.Message, &payload); err != nil {
			return nil
		}
		var entries []logs.NormalizedEntry
		for _, block := range payload.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					entries = append(entries, logs.NewAssistantMessage(block.Text))
				}
			case "thinking":
				if block.Thinking != "" {
					entries = append(entries, logs.NewThinking(block.Thinking))
				}
			case "tool_use":
				entries = append(entries, logs.NewToolUse(block.Name, string(block.Input), block.ID))
			}
		}
		return entries
	case "result":
		if envelope.IsError {
			message := envelope.Result
			if message == "" {
				message = "execution failed"
			}
			return []logs.NormalizedEntry{logs.NewErrorMessage(message)}
		}
		return nil
	default:
		return nil
	}
}
