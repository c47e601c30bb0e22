package model

import "github.com/google/uuid"

// PendingExecution is the in-flight context living in Redis between intake
// and worker claim. It is written once by intake and read exactly once by
// the worker that claims the message.
type PendingExecution struct {
	ExecutionID    uuid.UUID       `json:"execution_id"`
	WorkflowID     *uuid.UUID      `json:"workflow_id,omitempty"`
	Code           string          `json:"code,omitempty"`
	ScriptName     string          `json:"script_name,omitempty"`
	Parameters     map[string]any  `json:"parameters"`
	UserID         uuid.UUID       `json:"user_id"`
	OrganizationID *uuid.UUID      `json:"organization_id,omitempty"`
	FormID         *uuid.UUID      `json:"form_id,omitempty"`
	APIKeyID       *uuid.UUID      `json:"api_key_id,omitempty"`
	StartupData    map[string]any  `json:"startup_data,omitempty"`
	IsAdmin        bool            `json:"is_admin"`
	Sync           bool            `json:"sync"`
	Cancelled      bool            `json:"cancelled"`
}

// LogLevel is one of the levels an ExecutionLogEntry may carry.
type LogLevel string

const (
	LogDebug     LogLevel = "debug"
	LogInfo      LogLevel = "info"
	LogWarning   LogLevel = "warning"
	LogError     LogLevel = "error"
	LogTraceback LogLevel = "traceback"
)

// IsAdminOnly reports whether a level must be stripped for non-admin reads.
func (l LogLevel) IsAdminOnly() bool {
	return l == LogDebug || l == LogTraceback
}

// LogEntry is one append-only record in an execution's log stream. Sequence
// is dense from 0 and is the sole ordering authority; Timestamp is advisory.
type LogEntry struct {
	ExecutionID uuid.UUID      `json:"execution_id"`
	Sequence    int64          `json:"sequence"`
	TimestampMs int64          `json:"timestamp_ms"`
	Level       LogLevel       `json:"level"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FilterForCaller strips admin-only levels from entries when the caller is
// not an admin, preserving sequence order.
func FilterForCaller(entries []LogEntry, isAdmin bool) []LogEntry {
	if isAdmin {
		return entries
	}
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Level.IsAdminOnly() {
			continue
		}
		out = append(out, e)
	}
	return out
}
