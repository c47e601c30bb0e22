package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bifrost-platform/bifrost/internal/model"
)

// GetWorkflow returns the workflow row by id, or gorm.ErrRecordNotFound.
func (d *DB) GetWorkflow(ctx context.Context, id uuid.UUID) (*model.Workflow, error) {
	var wf model.Workflow
	if err := d.gorm.WithContext(ctx).First(&wf, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &wf, nil
}

// CreateExecution inserts a new execution row, typically in Running or
// Cancelled/Failed state depending on which pipeline step created it.
func (d *DB) CreateExecution(ctx context.Context, exec *model.Execution) error {
	if err := d.gorm.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// UpdateExecutionTerminal writes the fields a terminal worker path
// populates. Logs are deliberately excluded — the Redis stream remains the
// source of truth until the flusher persists it separately.
func (d *DB) UpdateExecutionTerminal(ctx context.Context, exec *model.Execution) error {
	updates := map[string]any{
		"status":             exec.Status,
		"result":             exec.Result,
		"result_type":        exec.ResultType,
		"error_message":      exec.ErrorMessage,
		"error_type":         exec.ErrorType,
		"duration_ms":        exec.DurationMs,
		"completed_at":       exec.CompletedAt,
		"variables":          exec.Variables,
		"peak_memory_bytes":  exec.PeakMemoryBytes,
		"cpu_user_seconds":   exec.CPUUserSeconds,
		"cpu_system_seconds": exec.CPUSystemSeconds,
		"cpu_total_seconds":  exec.CPUTotalSeconds,
	}
	res := d.gorm.WithContext(ctx).Model(&model.Execution{}).Where("id = ?", exec.ID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update execution terminal: %w", res.Error)
	}
	return nil
}

// AppendLogs bulk-inserts the entries a flusher drained from an
// execution's Redis stream. Sequence is the dense primary-key component,
// so a re-run of the same flush (e.g. after a crash) is a no-op upsert.
func (d *DB) AppendLogs(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]executionLogRow, len(entries))
	for i, e := range entries {
		rows[i] = executionLogRow{
			ExecutionID: e.ExecutionID,
			Sequence:    e.Sequence,
			TimestampMs: e.TimestampMs,
			Level:       string(e.Level),
			Message:     e.Message,
		}
	}
	err := d.gorm.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "execution_id"}, {Name: "sequence"}}, DoNothing: true}).
		Table("execution_logs").
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("append logs: %w", err)
	}
	return nil
}

type executionLogRow struct {
	ExecutionID uuid.UUID `gorm:"column:execution_id"`
	Sequence    int64     `gorm:"column:sequence"`
	TimestampMs int64     `gorm:"column:timestamp_ms"`
	Level       string    `gorm:"column:level"`
	Message     string    `gorm:"column:message"`
}

// RecordDailyROI upserts the per-workflow daily aggregate the worker
// updates after every successful execution.
func (d *DB) RecordDailyROI(ctx context.Context, workflowID uuid.UUID, day time.Time, timeSavedMinutes, value float64) error {
	day = day.Truncate(24 * time.Hour)
	err := d.gorm.WithContext(ctx).Exec(`
		INSERT INTO daily_workflow_roi (workflow_id, day, run_count, time_saved_minutes, value)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (workflow_id, day) DO UPDATE SET
			run_count = daily_workflow_roi.run_count + 1,
			time_saved_minutes = daily_workflow_roi.time_saved_minutes + EXCLUDED.time_saved_minutes,
			value = daily_workflow_roi.value + EXCLUDED.value
	`, workflowID, day, timeSavedMinutes, value).Error
	if err != nil {
		return fmt.Errorf("record daily roi: %w", err)
	}
	return nil
}

// ListActiveSubscriptions returns every active subscription bound to an
// event source and type filter, used by the event-ingress fan-out step.
func (d *DB) ListActiveSubscriptions(ctx context.Context, eventSourceID uuid.UUID, eventType string) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := d.gorm.WithContext(ctx).
		Where("event_source_id = ? AND is_active = true AND (event_type_filter = ? OR event_type_filter = '*')", eventSourceID, eventType).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

// CreateEvent inserts a newly accepted webhook payload.
func (d *DB) CreateEvent(ctx context.Context, event *model.Event) error {
	if err := d.gorm.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// CreateEventDelivery inserts one event-to-subscription binding.
func (d *DB) CreateEventDelivery(ctx context.Context, delivery *model.EventDelivery) error {
	if err := d.gorm.WithContext(ctx).Create(delivery).Error; err != nil {
		return fmt.Errorf("create event delivery: %w", err)
	}
	return nil
}

// GetWebhookSource returns the webhook-facing half of an event source by its
// externally addressable id, or gorm.ErrRecordNotFound.
func (d *DB) GetWebhookSource(ctx context.Context, id uuid.UUID) (*model.WebhookSource, error) {
	var source model.WebhookSource
	if err := d.gorm.WithContext(ctx).First(&source, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &source, nil
}

// GetActiveEventSource returns an active event source by id, or
// gorm.ErrRecordNotFound if it is missing or disabled.
func (d *DB) GetActiveEventSource(ctx context.Context, id uuid.UUID) (*model.EventSource, error) {
	var source model.EventSource
	if err := d.gorm.WithContext(ctx).First(&source, "id = ? AND is_active = true", id).Error; err != nil {
		return nil, err
	}
	return &source, nil
}

// CreateEventWithDeliveries inserts event and, inside the same transaction,
// one Pending EventDelivery per active subscription matching its type. With
// no matching subscriptions the event is marked Completed immediately, since
// nothing is left to deliver. Returns the number of deliveries created.
func (d *DB) CreateEventWithDeliveries(ctx context.Context, event *model.Event) (int, error) {
	created := 0
	err := d.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("create event: %w", err)
		}

		var subs []model.Subscription
		if err := tx.Where("event_source_id = ? AND is_active = true AND (event_type_filter = ? OR event_type_filter = '*')",
			event.EventSourceID, event.Type).Find(&subs).Error; err != nil {
			return fmt.Errorf("find matching subscriptions: %w", err)
		}

		if len(subs) == 0 {
			event.Status = model.EventCompleted
			return tx.Model(event).Update("status", model.EventCompleted).Error
		}

		deliveries := make([]model.EventDelivery, len(subs))
		for i, sub := range subs {
			deliveries[i] = model.EventDelivery{
				ID:             uuid.New(),
				EventID:        event.ID,
				SubscriptionID: sub.ID,
				WorkflowID:     sub.WorkflowID,
				Status:         model.DeliveryPending,
			}
		}
		if err := tx.Create(&deliveries).Error; err != nil {
			return fmt.Errorf("create event deliveries: %w", err)
		}
		created = len(deliveries)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// PendingEventDeliveries returns every Pending delivery for an event, the
// deferred dispatch pass' work queue.
func (d *DB) PendingEventDeliveries(ctx context.Context, eventID uuid.UUID) ([]model.EventDelivery, error) {
	var deliveries []model.EventDelivery
	err := d.gorm.WithContext(ctx).Where("event_id = ? AND status = ?", eventID, model.DeliveryPending).Find(&deliveries).Error
	if err != nil {
		return nil, fmt.Errorf("list pending event deliveries: %w", err)
	}
	return deliveries, nil
}

// MarkEventDeliveryQueued binds a delivery to the execution id intake
// assigned it and marks it Queued.
func (d *DB) MarkEventDeliveryQueued(ctx context.Context, deliveryID, executionID uuid.UUID) error {
	res := d.gorm.WithContext(ctx).Model(&model.EventDelivery{}).Where("id = ?", deliveryID).
		Updates(map[string]any{"status": model.DeliveryQueued, "execution_id": executionID})
	if res.Error != nil {
		return fmt.Errorf("mark event delivery queued: %w", res.Error)
	}
	return nil
}

// MarkEventDeliveryFailed marks a delivery Failed before it ever reached the
// execution fabric (workflow resolution or enqueue itself failed).
func (d *DB) MarkEventDeliveryFailed(ctx context.Context, deliveryID uuid.UUID, reason string) error {
	res := d.gorm.WithContext(ctx).Model(&model.EventDelivery{}).Where("id = ?", deliveryID).
		Updates(map[string]any{"status": model.DeliveryFailed, "error": reason, "completed_at": gorm.Expr("now()")})
	if res.Error != nil {
		return fmt.Errorf("mark event delivery failed: %w", res.Error)
	}
	return nil
}

// EventSourceForEvent returns the event source id an event belongs to, used
// to address the broadcast channel for its status updates.
func (d *DB) EventSourceForEvent(ctx context.Context, eventID uuid.UUID) (uuid.UUID, error) {
	var event model.Event
	if err := d.gorm.WithContext(ctx).Select("event_source_id").First(&event, "id = ?", eventID).Error; err != nil {
		return uuid.UUID{}, err
	}
	return event.EventSourceID, nil
}

// UpdateEventDeliveryFromExecution sets the terminal status, error and
// completion time of the delivery already bound to executionID (the binding
// is written when the delivery is queued). Idempotent: a delivery not in
// Queued state (already terminal) is left untouched, and an execution with
// no bound delivery updates nothing.
func (d *DB) UpdateEventDeliveryFromExecution(ctx context.Context, executionID uuid.UUID, status model.DeliveryStatus, errMsg string) error {
	res := d.gorm.WithContext(ctx).Model(&model.EventDelivery{}).
		Where("execution_id = ? AND status = ?", executionID, model.DeliveryQueued).
		Updates(map[string]any{
			"status":       status,
			"error":        errMsg,
			"completed_at": gorm.Expr("now()"),
		})
	if res.Error != nil {
		return fmt.Errorf("update event delivery from execution: %w", res.Error)
	}
	return nil
}

// FindEventDeliveryByExecutionID returns the delivery bound to an
// execution, or gorm.ErrRecordNotFound when the execution wasn't
// event-triggered.
func (d *DB) FindEventDeliveryByExecutionID(ctx context.Context, executionID uuid.UUID) (*model.EventDelivery, error) {
	var delivery model.EventDelivery
	if err := d.gorm.WithContext(ctx).Where("execution_id = ?", executionID).First(&delivery).Error; err != nil {
		return nil, err
	}
	return &delivery, nil
}

// EventDeliveriesForEvent returns every delivery bound to an event, used to
// recompute the event's aggregate status once all deliveries are terminal.
func (d *DB) EventDeliveriesForEvent(ctx context.Context, eventID uuid.UUID) ([]model.EventDelivery, error) {
	var deliveries []model.EventDelivery
	if err := d.gorm.WithContext(ctx).Where("event_id = ?", eventID).Find(&deliveries).Error; err != nil {
		return nil, fmt.Errorf("list event deliveries: %w", err)
	}
	return deliveries, nil
}

// UpdateEventStatus writes the recomputed aggregate status for an event.
func (d *DB) UpdateEventStatus(ctx context.Context, eventID uuid.UUID, status model.EventStatus) error {
	res := d.gorm.WithContext(ctx).Model(&model.Event{}).Where("id = ?", eventID).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update event status: %w", res.Error)
	}
	return nil
}

// StuckExecutions returns executions still Running after cutoff, for the
// scheduler's stuck-execution sweeper.
func (d *DB) StuckExecutions(ctx context.Context, cutoff time.Time) ([]model.Execution, error) {
	var execs []model.Execution
	err := d.gorm.WithContext(ctx).
		Where("status = ? AND started_at < ?", model.StatusRunning, cutoff).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("list stuck executions: %w", err)
	}
	return execs, nil
}

// ScheduledWorkflows returns every active workflow carrying a non-empty
// cron Schedule, the candidate set ScheduleProcessor evaluates for
// due-ness on every tick. Cron parsing itself happens in the caller, since
// Postgres has no cron-expression evaluator.
func (d *DB) ScheduledWorkflows(ctx context.Context) ([]model.Workflow, error) {
	var wfs []model.Workflow
	err := d.gorm.WithContext(ctx).
		Where("is_active = true AND schedule IS NOT NULL AND schedule != ''").
		Find(&wfs).Error
	if err != nil {
		return nil, fmt.Errorf("list scheduled workflows: %w", err)
	}
	return wfs, nil
}

// MarkWorkflowScheduled stamps the watermark ScheduleProcessor uses to
// coalesce a run it missed (e.g. during a restart) into the next tick
// rather than firing it once per missed interval.
func (d *DB) MarkWorkflowScheduled(ctx context.Context, workflowID uuid.UUID, runAt time.Time) error {
	res := d.gorm.WithContext(ctx).Model(&model.Workflow{}).Where("id = ?", workflowID).
		Update("last_scheduled_run_at", runAt)
	if res.Error != nil {
		return fmt.Errorf("mark workflow scheduled: %w", res.Error)
	}
	return nil
}

// ExpiringOAuthTokens returns every token set to expire within window of
// now, TokenRefreshJob's work queue.
func (d *DB) ExpiringOAuthTokens(ctx context.Context, now time.Time, window time.Duration) ([]model.OAuthToken, error) {
	var tokens []model.OAuthToken
	err := d.gorm.WithContext(ctx).
		Where("expires_at <= ?", now.Add(window)).
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("list expiring oauth tokens: %w", err)
	}
	return tokens, nil
}

// RefreshOAuthToken writes a rotated credential pair in place.
func (d *DB) RefreshOAuthToken(ctx context.Context, tokenID uuid.UUID, accessToken, refreshToken string, expiresAt, refreshedAt time.Time) error {
	res := d.gorm.WithContext(ctx).Model(&model.OAuthToken{}).Where("id = ?", tokenID).Updates(map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_at":    expiresAt,
		"refreshed_at":  refreshedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("refresh oauth token: %w", res.Error)
	}
	return nil
}

// WebhooksDueForRenewal returns every webhook source whose upstream
// registration is due to lapse, WebhookRenewalJob's work queue. A source
// that has never been given a renewal due date is not due — renewal is
// opt-in per adapter, set the first time that adapter registers one.
func (d *DB) WebhooksDueForRenewal(ctx context.Context, now time.Time) ([]model.WebhookSource, error) {
	var sources []model.WebhookSource
	err := d.gorm.WithContext(ctx).
		Where("renewal_due_at IS NOT NULL AND renewal_due_at <= ?", now).
		Find(&sources).Error
	if err != nil {
		return nil, fmt.Errorf("list webhooks due for renewal: %w", err)
	}
	return sources, nil
}

// MarkWebhookRenewed records a successful renewal and schedules the next one.
func (d *DB) MarkWebhookRenewed(ctx context.Context, sourceID uuid.UUID, renewedAt, nextDueAt time.Time) error {
	res := d.gorm.WithContext(ctx).Model(&model.WebhookSource{}).Where("id = ?", sourceID).Updates(map[string]any{
		"renewed_at":     renewedAt,
		"renewal_due_at": nextDueAt,
	})
	if res.Error != nil {
		return fmt.Errorf("mark webhook renewed: %w", res.Error)
	}
	return nil
}

// StuckEventDeliveries returns deliveries that have sat Queued past cutoff
// without a worker ever reporting a terminal execution status for them —
// the execution that was supposed to back-propagate into them was lost
// (crashed worker, dropped message) rather than merely slow.
func (d *DB) StuckEventDeliveries(ctx context.Context, cutoff time.Time) ([]model.EventDelivery, error) {
	var deliveries []model.EventDelivery
	err := d.gorm.WithContext(ctx).
		Joins("JOIN executions ON executions.id = event_deliveries.execution_id").
		Where("event_deliveries.status = ? AND executions.started_at < ?", model.DeliveryQueued, cutoff).
		Find(&deliveries).Error
	if err != nil {
		return nil, fmt.Errorf("list stuck event deliveries: %w", err)
	}
	return deliveries, nil
}

// MarkEventDeliveryStuck marks a delivery Failed with a fixed reason and
// recomputes its owning event's aggregate status, mirroring the terminal
// path a worker would have taken had it reported back in time.
func (d *DB) MarkEventDeliveryStuck(ctx context.Context, deliveryID uuid.UUID) error {
	res := d.gorm.WithContext(ctx).Model(&model.EventDelivery{}).
		Where("id = ? AND status = ?", deliveryID, model.DeliveryQueued).
		Updates(map[string]any{
			"status":       model.DeliveryFailed,
			"error":        "stuck: no terminal execution update received",
			"completed_at": gorm.Expr("now()"),
		})
	if res.Error != nil {
		return fmt.Errorf("mark event delivery stuck: %w", res.Error)
	}
	return nil
}

// WorkflowROISnapshot is one row of MetricsSnapshotJob's per-workflow ROI
// gauge set.
type WorkflowROISnapshot struct {
	WorkflowID       uuid.UUID
	OrganizationID   *uuid.UUID
	RunCount         int64
	TimeSavedMinutes float64
	Value            float64
}

// DailyROISnapshot joins daily_workflow_roi against workflows to attach
// each workflow's organization, so MetricsSnapshotJob can roll the same
// query result up into both per-workflow and per-org gauges without a
// second round trip.
func (d *DB) DailyROISnapshot(ctx context.Context, day time.Time) ([]WorkflowROISnapshot, error) {
	day = day.Truncate(24 * time.Hour)
	var rows []WorkflowROISnapshot
	err := d.gorm.WithContext(ctx).
		Table("daily_workflow_roi").
		Select("daily_workflow_roi.workflow_id, workflows.organization_id, daily_workflow_roi.run_count, daily_workflow_roi.time_saved_minutes, daily_workflow_roi.value").
		Joins("JOIN workflows ON workflows.id = daily_workflow_roi.workflow_id").
		Where("daily_workflow_roi.day = ?", day).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("daily roi snapshot: %w", err)
	}
	return rows, nil
}

// ActiveWorkflows returns every active workflow, KnowledgeStorageJob's
// source of truth for its daily catalogue snapshot.
func (d *DB) ActiveWorkflows(ctx context.Context) ([]model.Workflow, error) {
	var wfs []model.Workflow
	if err := d.gorm.WithContext(ctx).Where("is_active = true").Find(&wfs).Error; err != nil {
		return nil, fmt.Errorf("list active workflows: %w", err)
	}
	return wfs, nil
}

// CreateKnowledgeStorageRun upserts the day's catalogue snapshot — a second
// run on the same day (e.g. after a restart) replaces rather than
// duplicates it.
func (d *DB) CreateKnowledgeStorageRun(ctx context.Context, run *model.KnowledgeStorageRun) error {
	err := d.gorm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_date"}},
			DoUpdates: clause.AssignmentColumns([]string{"workflow_count", "summary", "created_at"}),
		}).
		Create(run).Error
	if err != nil {
		return fmt.Errorf("create knowledge storage run: %w", err)
	}
	return nil
}
