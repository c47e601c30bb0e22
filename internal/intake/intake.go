// Package intake is the entry point into the execution fabric for every
// caller — the HTTP gateway, a scheduled workflow trigger, or an event
// delivery: it assigns an execution id, writes the pending record, and
// enqueues the dispatch message C3 consumes.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/model"
	"github.com/bifrost-platform/bifrost/internal/queue"
)

// Request describes one call into the execution fabric. Exactly one of
// WorkflowID, Code (base64), or ScriptName identifies what to run.
type Request struct {
	WorkflowID     *uuid.UUID
	Code           string
	ScriptName     string
	Parameters     map[string]any
	UserID         uuid.UUID
	OrganizationID *uuid.UUID
	FormID         *uuid.UUID
	APIKeyID       *uuid.UUID
	StartupData    map[string]any
	IsAdmin        bool
	Sync           bool
	Priority       uint8
}

// Intake wires the pending-record write and queue publish a caller needs.
type Intake struct {
	cache     *cache.Client
	publisher queue.Publisher
	queueName string
}

// New creates an Intake bound to a queue publisher and cache client.
func New(cacheClient *cache.Client, publisher queue.Publisher, queueName string) *Intake {
	return &Intake{cache: cacheClient, publisher: publisher, queueName: queueName}
}

// dispatchMessage mirrors internal/worker's unexported wire shape; the two
// packages intentionally don't share a type so the queue contract between
// producer and consumer is reviewed at both ends whenever it changes.
type dispatchMessage struct {
	ExecutionID uuid.UUID  `json:"execution_id"`
	WorkflowID  *uuid.UUID `json:"workflow_id,omitempty"`
	Code        string     `json:"code,omitempty"`
	ScriptName  string     `json:"script_name,omitempty"`
	Sync        bool       `json:"sync,omitempty"`
}

// Submit assigns a new execution id, writes its pending context to Redis,
// and publishes the dispatch message onto the execution queue. It returns
// the assigned id immediately; the caller waits for the result (if Sync) by
// blocking on cache.WaitForResult with the same id.
func (in *Intake) Submit(ctx context.Context, req Request) (uuid.UUID, error) {
	execID := uuid.New()

	pending := &model.PendingExecution{
		ExecutionID:    execID,
		WorkflowID:     req.WorkflowID,
		Code:           req.Code,
		ScriptName:     req.ScriptName,
		Parameters:     req.Parameters,
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		FormID:         req.FormID,
		APIKeyID:       req.APIKeyID,
		StartupData:    req.StartupData,
		IsAdmin:        req.IsAdmin,
		Sync:           req.Sync,
	}
	if err := in.cache.SetPendingExecution(ctx, pending); err != nil {
		return uuid.Nil, fmt.Errorf("write pending execution: %w", err)
	}

	msg := dispatchMessage{
		ExecutionID: execID,
		WorkflowID:  req.WorkflowID,
		Code:        req.Code,
		ScriptName:  req.ScriptName,
		Sync:        req.Sync,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal dispatch message: %w", err)
	}

	if err := in.publisher.Publish(ctx, in.queueName, body, req.Priority); err != nil {
		if delErr := in.cache.DeletePendingExecution(ctx, execID); delErr != nil {
			return uuid.Nil, fmt.Errorf("publish dispatch message: %w (and cleanup failed: %v)", err, delErr)
		}
		return uuid.Nil, fmt.Errorf("publish dispatch message: %w", err)
	}
	return execID, nil
}

// SubmitAndWait submits a sync request and blocks for its terminal result,
// the path a synchronous caller takes. Webhook-triggered deliveries do not
// use it; they go through Submit and never wait.
func (in *Intake) SubmitAndWait(ctx context.Context, req Request, timeout time.Duration) (uuid.UUID, *cache.ResultPayload, error) {
	req.Sync = true
	execID, err := in.Submit(ctx, req)
	if err != nil {
		return uuid.Nil, nil, err
	}
	result, err := in.cache.WaitForResult(ctx, execID, timeout)
	if err != nil {
		return execID, nil, fmt.Errorf("wait for result %s: %w", execID, err)
	}
	return execID, result, nil
}
