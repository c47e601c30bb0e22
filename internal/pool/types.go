// Package pool runs one execution context in a fresh subprocess (in its own
// process group) under a wall-clock time limit and returns a structured
// outcome. No CPU or memory limit is applied to the subprocess; CPU time and
// peak RSS are only measured after it exits.
package pool

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bifrost-platform/bifrost/internal/model"
)

// Context carries everything a subprocess run needs to resolve and execute
// one unit of user code.
type Context struct {
	ExecutionID    uuid.UUID
	WorkflowName   string
	FunctionName   string
	InlineCode     string // base64, highest priority when non-empty
	CodeBlob       string // fetched from the workflow's DB row
	FilePath       string // fallback; also injected as the subprocess's __file__-equivalent env var
	Parameters     map[string]any
	CallerID       uuid.UUID
	OrganizationID *uuid.UUID
	Config         map[string]string
	Tags           []string
	Timeout        time.Duration
	Transient      bool
	PlatformAdmin  bool
	StartupData    map[string]any
	ROIDefaults    ROIDefaults
}

// ROIDefaults seeds a result's time-saved/value fields when the run itself
// doesn't report its own.
type ROIDefaults struct {
	TimeSavedMinutes float64
	Value            float64
}

// Metrics is the resource usage the platform supplies for a completed run,
// when the host OS can report it.
type Metrics struct {
	PeakRSSBytes  int64
	UserCPUSecs   float64
	SystemCPUSecs float64
}

// Result is the structured outcome of one subprocess execution.
type Result struct {
	Status     model.ExecutionStatus
	Result     json.RawMessage
	ResultKind model.ResultKind
	Error      string
	ErrorType  model.ErrorKind
	DurationMs int64
	Variables  map[string]any
	Metrics    *Metrics
	ROI        ROIDefaults
}

// resolveCode returns the code to execute and how it was sourced, in
// priority order: inline code, then the workflow's code blob, then the
// file path fallback.
func (c Context) resolveCode() (code string, source string) {
	if c.InlineCode != "" {
		return c.InlineCode, "inline"
	}
	if c.CodeBlob != "" {
		return c.CodeBlob, "blob"
	}
	return "", "file"
}
