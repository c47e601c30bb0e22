// Package model defines the durable and in-flight entities of the execution
// fabric: executions, pending contexts, log entries, workflows, event
// ingress, and deliveries. Types here are plain data plus validation; the
// packages that act on them (pool, worker, cache, db, events) own behavior.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of an Execution. Transitions are
// monotonic toward a terminal state and never re-open.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusRunning    ExecutionStatus = "running"
	StatusSuccess    ExecutionStatus = "success"
	StatusFailed     ExecutionStatus = "failed"
	StatusTimeout    ExecutionStatus = "timeout"
	StatusCancelled  ExecutionStatus = "cancelled"
	StatusCancelling ExecutionStatus = "cancelling"
)

// IsTerminal reports whether status is one a worker never transitions out of.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// ResultKind tags the shape of Execution.Result for non-admin rendering.
type ResultKind string

const (
	ResultKindJSON ResultKind = "json"
	ResultKindText ResultKind = "text"
	ResultKindHTML ResultKind = "html"
)

// Execution is the durable receipt of one run, mirrored in Postgres and
// referenced by UUID everywhere else in the fabric (pending record, queue
// message, rendezvous push, WebSocket broadcast).
type Execution struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	OrganizationID *uuid.UUID      `json:"organization_id,omitempty" gorm:"type:uuid;index"`
	WorkflowName   string          `json:"workflow_name"`
	Status         ExecutionStatus `json:"status" gorm:"index"`
	Parameters     json.RawMessage `json:"parameters" gorm:"type:jsonb"`
	Result         json.RawMessage `json:"result,omitempty" gorm:"type:jsonb"`
	ResultType     ResultKind      `json:"result_type,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorType      ErrorKind       `json:"error_type,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Variables      json.RawMessage `json:"variables,omitempty" gorm:"type:jsonb"`
	PeakMemoryBytes int64          `json:"peak_memory_bytes,omitempty"`
	CPUUserSeconds  float64        `json:"cpu_user_seconds,omitempty"`
	CPUSystemSeconds float64       `json:"cpu_system_seconds,omitempty"`
	CPUTotalSeconds  float64       `json:"cpu_total_seconds,omitempty"`
	ExecutedBy      uuid.UUID      `json:"executed_by" gorm:"type:uuid"`
	ExecutedByName  string         `json:"executed_by_name"`
	FormID          *uuid.UUID     `json:"form_id,omitempty" gorm:"type:uuid"`
	APIKeyID        *uuid.UUID     `json:"api_key_id,omitempty" gorm:"type:uuid"`
	IsLocalExecution bool          `json:"is_local_execution"`
	SessionID       *uuid.UUID     `json:"session_id,omitempty" gorm:"type:uuid"`
}

// TableName pins the gorm table name regardless of struct naming changes.
func (Execution) TableName() string { return "executions" }

// Duration returns CompletedAt.Sub(StartedAt) when both are set, else 0.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// ResultKindFor classifies a raw result payload the way the worker does on
// the terminal write path: dict/list -> json, string starting with '<' ->
// html, other string -> text, anything else -> json.
func ResultKindFor(raw json.RawMessage) ResultKind {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 {
		return ResultKindJSON
	}
	switch trimmed[0] {
	case '{', '[':
		return ResultKindJSON
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			st := trimLeadingSpaceStr(s)
			if len(st) > 0 && st[0] == '<' {
				return ResultKindHTML
			}
			return ResultKindText
		}
		return ResultKindJSON
	default:
		return ResultKindJSON
	}
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

func trimLeadingSpaceStr(s string) string {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return s[i:]
}
