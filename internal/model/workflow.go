package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowMode is the execution mode a workflow declares.
type WorkflowMode string

const (
	ModeSync  WorkflowMode = "sync"
	ModeAsync WorkflowMode = "async"
)

// WorkflowKind distinguishes the three discoverable code unit types that
// share the execution fabric.
type WorkflowKind string

const (
	KindWorkflow     WorkflowKind = "workflow"
	KindTool         WorkflowKind = "tool"
	KindDataProvider WorkflowKind = "data_provider"
)

// Workflow is an addressable named code unit discovered from source.
type Workflow struct {
	ID               uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	OrganizationID   *uuid.UUID     `json:"organization_id,omitempty" gorm:"type:uuid;index"`
	Name             string         `json:"name"`
	FunctionName     string         `json:"function_name"`
	FilePath         string         `json:"file_path"`
	Description      string        `json:"description,omitempty"`
	Category         string        `json:"category,omitempty"`
	Tags             []string      `json:"tags,omitempty" gorm:"serializer:json"`
	ParameterSchema  []byte        `json:"parameter_schema,omitempty" gorm:"type:jsonb"`
	ExecutionMode    WorkflowMode  `json:"execution_mode"`
	TimeoutSeconds   int           `json:"timeout_seconds"`
	RetryPolicy      []byte        `json:"retry_policy,omitempty" gorm:"type:jsonb"`
	Schedule         string        `json:"schedule,omitempty"`
	EndpointEnabled  bool          `json:"endpoint_enabled"`
	PublicEndpoint   bool          `json:"public_endpoint"`
	Kind             WorkflowKind  `json:"type"`
	IsActive         bool          `json:"is_active" gorm:"index"`
	TimeSavedMinutes float64       `json:"time_saved_minutes,omitempty"`
	ROIValue         float64       `json:"roi_value,omitempty"`
	LastScheduledRunAt *time.Time  `json:"last_scheduled_run_at,omitempty"`
}

func (Workflow) TableName() string { return "workflows" }

// TimeoutOrDefault returns TimeoutSeconds when it lies in the 1..7200 second
// band, and 300s when it is unset or out of range (it does not clamp).
func (w *Workflow) TimeoutOrDefault() int {
	if w.TimeoutSeconds < 1 || w.TimeoutSeconds > 7200 {
		return 300
	}
	return w.TimeoutSeconds
}

// Validate checks a Workflow row carries enough identity to be dispatched.
func (w *Workflow) Validate() error {
	if w.ID == uuid.Nil {
		return errRequired("id")
	}
	if w.Name == "" {
		return errRequired("name")
	}
	return nil
}

// KnowledgeStorageRun is one daily snapshot of the active workflow
// catalogue, written by KnowledgeStorageJob for downstream discovery/search
// tooling that reads a consistent point-in-time view rather than querying
// workflows directly.
type KnowledgeStorageRun struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	RunDate        time.Time `json:"run_date" gorm:"type:date;uniqueIndex"`
	WorkflowCount  int       `json:"workflow_count"`
	Summary        []byte    `json:"summary,omitempty" gorm:"type:jsonb"`
	CreatedAt      time.Time `json:"created_at"`
}

func (KnowledgeStorageRun) TableName() string { return "knowledge_storage_runs" }

type validationError string

func (e validationError) Error() string { return string(e) }

func errRequired(field string) error {
	return validationError(field + " is required")
}
