package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ApprovalAuditEntry records one approval decision in the audit trail.
type ApprovalAuditEntry struct {
	LoggingSchemaFields
	ApprovalID string `json:"approval_id"`
	ToolName   string `json:"tool_name"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// AppendApprovalAudit appends one audit record as a JSON line.
func AppendApprovalAudit(logPath string, entry ApprovalAuditEntry) error {
	if entry.Component == "" {
		entry.Component = "approvals"
	}
	entry.LoggingSchemaFields = populateRequiredLogFields(entry.LoggingSchemaFields, entry.ExecutionID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(payload, '\n'))
	return err
}
