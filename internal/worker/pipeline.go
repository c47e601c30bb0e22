package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/metrics"
	"github.com/bifrost-platform/bifrost/internal/model"
	"github.com/bifrost-platform/bifrost/internal/pool"
)

// resolvedWorkflow is the subset of workflow identity the pipeline needs to
// build a pool.Context, regardless of whether it came from the metadata
// cache, a DB row, or an inline/script dispatch with no workflow row at all.
type resolvedWorkflow struct {
	ID             uuid.UUID
	Name           string
	FunctionName   string
	FilePath       string
	TimeoutSeconds int
	Tags           []string
	TimeSaved      float64
	Value          float64
}

// process runs one claimed message through the full claim-to-terminal-write
// pipeline. A non-nil return causes the caller to Nack the delivery onto the
// dead-letter topology; every expected outcome (workflow not found,
// cancellation, a failed or timed-out run) is handled internally and
// returns nil so the delivery is acked.
func (c *Consumer) process(ctx context.Context, msg dispatchMessage) error {
	pending, err := c.deps.Cache.GetPendingExecution(ctx, msg.ExecutionID)
	if errors.Is(err, cache.ErrPendingNotFound) {
		c.logger.Warn("pending execution missing, dropping message", "execution_id", msg.ExecutionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get pending execution %s: %w", msg.ExecutionID, err)
	}

	if pending.Cancelled {
		return c.finishCancelled(ctx, pending)
	}

	rw, resolveErr := c.resolveWorkflow(ctx, pending)
	if resolveErr != nil {
		return c.finishWorkflowError(ctx, pending, resolveErr)
	}

	exec := c.newRunningExecution(pending, rw)
	if err := c.deps.DB.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution row %s: %w", exec.ID, err)
	}
	c.publishRunning(ctx, exec)

	timeout := c.config.DefaultTimeout
	if rw.TimeoutSeconds > 0 {
		timeout = time.Duration(rw.TimeoutSeconds) * time.Second
	}

	poolCtx := pool.Context{
		ExecutionID:    exec.ID,
		WorkflowName:   rw.Name,
		FunctionName:   rw.FunctionName,
		InlineCode:     pending.Code,
		FilePath:       rw.FilePath,
		Parameters:     pending.Parameters,
		CallerID:       pending.UserID,
		OrganizationID: pending.OrganizationID,
		Config:         map[string]string{},
		Tags:           rw.Tags,
		Timeout:        timeout,
		Transient:      false,
		PlatformAdmin:  pending.IsAdmin,
		StartupData:    pending.StartupData,
		ROIDefaults:    pool.ROIDefaults{TimeSavedMinutes: rw.TimeSaved, Value: rw.Value},
	}

	result, runErr := c.deps.Pool.Execute(ctx, poolCtx, c.logSink(ctx))
	if runErr != nil {
		return c.finishInternalError(ctx, pending, exec, runErr)
	}

	return c.finishTerminal(ctx, pending, exec, result)
}

// resolveWorkflow resolves the workflow identity a dispatch needs: inline
// and script-only messages carry everything they need in pending already,
// named-workflow messages go through the metadata cache with a DB fallback
// and populate the cache (positive or negative) on the way back.
func (c *Consumer) resolveWorkflow(ctx context.Context, pending *model.PendingExecution) (resolvedWorkflow, error) {
	if pending.WorkflowID == nil {
		return resolvedWorkflow{Name: pending.ScriptName, FunctionName: pending.ScriptName}, nil
	}
	id := *pending.WorkflowID

	lookup, err := c.deps.Cache.GetWorkflowMetadataCache(ctx, id)
	if err != nil {
		c.logger.Warn("workflow metadata cache read failed, falling back to db", "workflow_id", id, "error", err)
	} else if lookup.Cached {
		if !lookup.Hit {
			return resolvedWorkflow{}, fmt.Errorf("%w: %s", errWorkflowNotFound, id)
		}
		return resolvedWorkflow{
			ID:             id,
			Name:           lookup.Meta.Name,
			FunctionName:   lookup.Meta.Name,
			FilePath:       lookup.Meta.FilePath,
			TimeoutSeconds: lookup.Meta.TimeoutSeconds,
			TimeSaved:      lookup.Meta.TimeSaved,
			Value:          lookup.Meta.Value,
		}, nil
	}

	wf, err := c.deps.DB.GetWorkflow(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if cacheErr := c.deps.Cache.SetWorkflowMetadataMiss(ctx, id); cacheErr != nil {
			c.logger.Warn("failed to cache workflow miss", "workflow_id", id, "error", cacheErr)
		}
		return resolvedWorkflow{}, fmt.Errorf("%w: %s", errWorkflowNotFound, id)
	}
	if err != nil {
		return resolvedWorkflow{}, fmt.Errorf("load workflow %s: %w", id, err)
	}

	// Org-scope fallback: an organization-owned workflow dispatched by a
	// pending record for a different organization is not visible to the
	// caller, so it resolves the same as not found.
	if wf.OrganizationID != nil && (pending.OrganizationID == nil || *wf.OrganizationID != *pending.OrganizationID) {
		return resolvedWorkflow{}, fmt.Errorf("%w: %s", errWorkflowNotFound, id)
	}

	meta := cache.WorkflowMeta{
		Name:           wf.Name,
		FilePath:       wf.FilePath,
		TimeoutSeconds: wf.TimeoutOrDefault(),
		TimeSaved:      wf.TimeSavedMinutes,
		Value:          wf.ROIValue,
		ExecutionMode:  string(wf.ExecutionMode),
	}
	if cacheErr := c.deps.Cache.SetWorkflowMetadataCache(ctx, id, meta); cacheErr != nil {
		c.logger.Warn("failed to populate workflow metadata cache", "workflow_id", id, "error", cacheErr)
	}

	return resolvedWorkflow{
		ID:             wf.ID,
		Name:           wf.Name,
		FunctionName:   wf.FunctionName,
		FilePath:       wf.FilePath,
		TimeoutSeconds: meta.TimeoutSeconds,
		Tags:           wf.Tags,
		TimeSaved:      wf.TimeSavedMinutes,
		Value:          wf.ROIValue,
	}, nil
}

var errWorkflowNotFound = errors.New("workflow not found")

func (c *Consumer) newRunningExecution(pending *model.PendingExecution, rw resolvedWorkflow) *model.Execution {
	now := time.Now()
	params, _ := json.Marshal(pending.Parameters)
	name := rw.Name
	if name == "" {
		name = pending.ScriptName
	}
	return &model.Execution{
		ID:               pending.ExecutionID,
		OrganizationID:   pending.OrganizationID,
		WorkflowName:     name,
		Status:           model.StatusRunning,
		Parameters:       params,
		StartedAt:        &now,
		ExecutedBy:       pending.UserID,
		FormID:           pending.FormID,
		APIKeyID:         pending.APIKeyID,
		IsLocalExecution: pending.WorkflowID == nil,
	}
}

func (c *Consumer) publishRunning(ctx context.Context, exec *model.Execution) {
	c.publishExecutionUpdate(ctx, exec.ID, model.StatusRunning, "", "")
	c.publishHistoryUpdate(ctx, exec.ID, exec.StartedAt, nil, 0)
}

func (c *Consumer) publishExecutionUpdate(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, errMsg string, errType model.ErrorKind) {
	payload, err := json.Marshal(model.ExecutionUpdate{ExecutionID: id, Status: status, Error: errMsg, ErrorType: errType})
	if err != nil {
		c.logger.Warn("failed to marshal execution update", "execution_id", id, "error", err)
		return
	}
	c.deps.Cache.Publish(ctx, cache.ExecutionChannel(id), payload)
}

func (c *Consumer) publishHistoryUpdate(ctx context.Context, id uuid.UUID, startedAt, completedAt *time.Time, durationMs int64) {
	payload, err := json.Marshal(model.HistoryUpdate{ExecutionID: id, StartedAt: startedAt, CompletedAt: completedAt, DurationMs: durationMs})
	if err != nil {
		c.logger.Warn("failed to marshal history update", "execution_id", id, "error", err)
		return
	}
	c.deps.Cache.Publish(ctx, cache.ExecutionChannel(id), payload)
}

// logSink wires a pool.Pool's per-line log callback to the execution's
// Redis log stream, the source of truth until the flusher persists it.
func (c *Consumer) logSink(ctx context.Context) pool.LogSink {
	return func(entry model.LogEntry) {
		if err := c.deps.Cache.AppendLog(ctx, entry); err != nil {
			c.logger.Warn("failed to append log entry", "execution_id", entry.ExecutionID, "error", err)
		}
	}
}

// finishCancelled handles step 3: a pending record marked cancelled before
// the worker claimed it never runs at all.
func (c *Consumer) finishCancelled(ctx context.Context, pending *model.PendingExecution) error {
	now := time.Now()
	exec := &model.Execution{
		ID:               pending.ExecutionID,
		OrganizationID:   pending.OrganizationID,
		WorkflowName:     pending.ScriptName,
		Status:           model.StatusCancelled,
		DurationMs:       0,
		StartedAt:        &now,
		CompletedAt:      &now,
		ExecutedBy:       pending.UserID,
		FormID:           pending.FormID,
		APIKeyID:         pending.APIKeyID,
		IsLocalExecution: pending.WorkflowID == nil,
	}
	if err := c.deps.DB.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create cancelled execution row %s: %w", exec.ID, err)
	}

	c.publishExecutionUpdate(ctx, exec.ID, model.StatusCancelled, "", "")
	c.publishHistoryUpdate(ctx, exec.ID, exec.StartedAt, exec.CompletedAt, 0)

	if pending.Sync {
		c.pushSyncResult(ctx, pending.ExecutionID, cache.ResultPayload{Status: model.StatusCancelled})
	}
	if err := c.deps.Cache.DeletePendingExecution(ctx, pending.ExecutionID); err != nil {
		c.logger.Warn("failed to delete pending execution", "execution_id", pending.ExecutionID, "error", err)
	}
	return nil
}

// finishWorkflowError handles a workflow resolution failure: no DB row is
// created for the attempted run beyond what's needed to surface the error,
// matching step 2's "if missing, create no DB row" rule for the broader
// class of pre-execution resolution failures.
func (c *Consumer) finishWorkflowError(ctx context.Context, pending *model.PendingExecution, resolveErr error) error {
	errType := model.ErrorWorkflowLoad
	if errors.Is(resolveErr, errWorkflowNotFound) {
		errType = model.ErrorWorkflowNotFound
	}
	c.publishExecutionUpdate(ctx, pending.ExecutionID, model.StatusFailed, resolveErr.Error(), errType)

	if pending.Sync {
		c.pushSyncResult(ctx, pending.ExecutionID, cache.ResultPayload{
			Status:    model.StatusFailed,
			Error:     resolveErr.Error(),
			ErrorType: errType,
		})
	}
	if err := c.deps.Cache.DeletePendingExecution(ctx, pending.ExecutionID); err != nil {
		c.logger.Warn("failed to delete pending execution", "execution_id", pending.ExecutionID, "error", err)
	}
	return nil
}

// finishInternalError is the outer catch-all: the execution pool itself
// failed to run the workload (as opposed to the workload failing on its
// own), which is an infrastructure fault worth retrying via the dead-letter
// topology rather than recording as the caller's error.
func (c *Consumer) finishInternalError(ctx context.Context, pending *model.PendingExecution, exec *model.Execution, runErr error) error {
	now := time.Now()
	exec.Status = model.StatusFailed
	exec.ErrorType = model.ErrorInternal
	exec.ErrorMessage = "internal execution error"
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		exec.DurationMs = now.Sub(*exec.StartedAt).Milliseconds()
	}

	if dbErr := c.deps.DB.UpdateExecutionTerminal(ctx, exec); dbErr != nil {
		c.logger.Error("failed to persist internal error execution", "execution_id", exec.ID, "error", dbErr)
	}
	c.publishExecutionUpdate(ctx, exec.ID, exec.Status, exec.ErrorMessage, exec.ErrorType)
	c.publishHistoryUpdate(ctx, exec.ID, exec.StartedAt, exec.CompletedAt, exec.DurationMs)
	metrics.ObserveExecution(string(exec.Status), time.Duration(exec.DurationMs)*time.Millisecond)

	if pending.Sync {
		c.pushSyncResult(ctx, pending.ExecutionID, cache.ResultPayload{
			Status:    model.StatusFailed,
			Error:     exec.ErrorMessage,
			ErrorType: model.ErrorInternal,
		})
	}
	if err := c.deps.Cache.DeletePendingExecution(ctx, pending.ExecutionID); err != nil {
		c.logger.Warn("failed to delete pending execution", "execution_id", pending.ExecutionID, "error", err)
	}
	return fmt.Errorf("execution pool failed for %s: %w", exec.ID, runErr)
}

// finishTerminal handles steps 8 and 10: map the pool's result onto the
// execution row, publish it, release the pending record, update the daily
// ROI aggregate on success, and update the bound event delivery (if any)
// for every terminal status.
func (c *Consumer) finishTerminal(ctx context.Context, pending *model.PendingExecution, exec *model.Execution, result pool.Result) error {
	now := time.Now()
	exec.Status = result.Status
	exec.Result = result.Result
	exec.ResultType = result.ResultKind
	exec.ErrorMessage = result.Error
	exec.ErrorType = result.ErrorType
	exec.DurationMs = result.DurationMs
	exec.CompletedAt = &now
	if result.Variables != nil {
		if variables, err := json.Marshal(result.Variables); err == nil {
			exec.Variables = variables
		}
	}
	if result.Metrics != nil {
		exec.PeakMemoryBytes = result.Metrics.PeakRSSBytes
		exec.CPUUserSeconds = result.Metrics.UserCPUSecs
		exec.CPUSystemSeconds = result.Metrics.SystemCPUSecs
		exec.CPUTotalSeconds = result.Metrics.UserCPUSecs + result.Metrics.SystemCPUSecs
	}

	if err := c.deps.DB.UpdateExecutionTerminal(ctx, exec); err != nil {
		c.logger.Error("failed to persist terminal execution", "execution_id", exec.ID, "error", err)
	}

	c.publishExecutionUpdate(ctx, exec.ID, exec.Status, exec.ErrorMessage, exec.ErrorType)
	c.publishHistoryUpdate(ctx, exec.ID, exec.StartedAt, exec.CompletedAt, exec.DurationMs)
	metrics.ObserveExecution(string(exec.Status), time.Duration(exec.DurationMs)*time.Millisecond)

	if pending.Sync {
		c.pushSyncResult(ctx, pending.ExecutionID, cache.ResultPayload{
			Status:     exec.Status,
			Result:     exec.Result,
			Error:      exec.ErrorMessage,
			ErrorType:  exec.ErrorType,
			DurationMs: exec.DurationMs,
		})
	}
	if err := c.deps.Cache.DeletePendingExecution(ctx, pending.ExecutionID); err != nil {
		c.logger.Warn("failed to delete pending execution", "execution_id", pending.ExecutionID, "error", err)
	}

	if exec.Status == model.StatusSuccess && pending.WorkflowID != nil {
		if err := c.deps.DB.RecordDailyROI(ctx, *pending.WorkflowID, now, result.ROI.TimeSavedMinutes, result.ROI.Value); err != nil {
			c.logger.Warn("failed to record daily roi", "workflow_id", *pending.WorkflowID, "error", err)
		}
	}

	if c.deps.Events != nil {
		if err := c.deps.Events.UpdateDeliveryFromExecution(ctx, exec.ID, exec.Status, exec.ErrorMessage); err != nil {
			c.logger.Warn("failed to update event delivery from execution", "execution_id", exec.ID, "error", err)
		}
	} else if err := c.deps.DB.UpdateEventDeliveryFromExecution(ctx, exec.ID, model.DeliveryStatusFor(exec.Status), exec.ErrorMessage); err != nil {
		c.logger.Warn("failed to update event delivery from execution", "execution_id", exec.ID, "error", err)
	}

	return nil
}

func (c *Consumer) pushSyncResult(ctx context.Context, execID uuid.UUID, payload cache.ResultPayload) {
	if err := c.deps.Cache.PushResult(ctx, execID, payload, c.config.DefaultTimeout+c.config.SyncMargin); err != nil {
		c.logger.Warn("failed to push sync result", "execution_id", execID, "error", err)
	}
}
