package model

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionUpdate is published on cache.ExecutionChannel(id) and
// cache.UserChannel(userID) every time an execution's status changes, for
// WebSocket subscribers following either the execution or their own feed.
type ExecutionUpdate struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	ErrorType   ErrorKind       `json:"error_type,omitempty"`
}

// HistoryUpdate carries a timeline event (start, completion) alongside an
// ExecutionUpdate so a UI can render a running duration without polling.
type HistoryUpdate struct {
	ExecutionID uuid.UUID  `json:"execution_id"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}
