package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/db"
	"github.com/bifrost-platform/bifrost/internal/intake"
	"github.com/bifrost-platform/bifrost/internal/metrics"
	"github.com/bifrost-platform/bifrost/internal/model"
)

// StuckExecutionThreshold is how long an execution may stay Running before
// the sweeper considers its worker dead and force-terminates it.
const StuckExecutionThreshold = 15 * time.Minute

// NewStuckExecutionSweeper builds the job that force-terminates executions
// still Running long after their worker should have produced a terminal
// result — typically because the worker process died mid-run without a
// chance to write its own terminal row.
func NewStuckExecutionSweeper(database *db.DB, cacheClient *cache.Client, logger *slog.Logger) Job {
	return Job{
		Name:     "stuck-execution-sweeper",
		Interval: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().Add(-StuckExecutionThreshold)
			stuck, err := database.StuckExecutions(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("list stuck executions: %w", err)
			}
			for i := range stuck {
				exec := &stuck[i]
				now := time.Now()
				exec.Status = model.StatusFailed
				exec.ErrorType = model.ErrorStuckExecution
				exec.ErrorMessage = "execution exceeded the stuck-execution threshold with no terminal result"
				exec.CompletedAt = &now
				if exec.StartedAt != nil {
					exec.DurationMs = now.Sub(*exec.StartedAt).Milliseconds()
				}
				if err := database.UpdateExecutionTerminal(ctx, exec); err != nil {
					logger.Error("failed to terminate stuck execution", "execution_id", exec.ID, "error", err)
					continue
				}
				payload, marshalErr := marshalExecutionUpdate(exec)
				if marshalErr == nil {
					cacheClient.Publish(ctx, cache.ExecutionChannel(exec.ID), payload)
				}
				if err := cacheClient.DeletePendingExecution(ctx, exec.ID); err != nil {
					logger.Warn("failed to clear pending record for stuck execution", "execution_id", exec.ID, "error", err)
				}
			}
			if len(stuck) > 0 {
				logger.Info("stuck execution sweep terminated executions", "count", len(stuck))
			}
			return nil
		},
	}
}

func marshalExecutionUpdate(exec *model.Execution) ([]byte, error) {
	return json.Marshal(model.ExecutionUpdate{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Error:       exec.ErrorMessage,
		ErrorType:   exec.ErrorType,
	})
}

// StuckDeliveryThreshold bounds how long an event delivery may sit Queued
// before the cleanup job marks it Failed, unsticking an event's aggregate
// status when the execution that should have resolved it never ran.
const StuckDeliveryThreshold = 30 * time.Minute

// NewStuckDeliveryCleanup builds the job that fails event deliveries whose
// bound execution started more than StuckDeliveryThreshold ago and never
// reported a terminal status back.
func NewStuckDeliveryCleanup(database *db.DB, logger *slog.Logger) Job {
	return Job{
		Name:     "stuck-delivery-cleanup",
		Interval: 10 * time.Minute,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().Add(-StuckDeliveryThreshold)
			stuck, err := database.StuckEventDeliveries(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("list stuck event deliveries: %w", err)
			}
			for i := range stuck {
				if err := database.MarkEventDeliveryStuck(ctx, stuck[i].ID); err != nil {
					logger.Error("failed to mark delivery stuck", "delivery_id", stuck[i].ID, "error", err)
				}
			}
			if len(stuck) > 0 {
				logger.Info("stuck delivery cleanup failed deliveries", "count", len(stuck))
			}
			return nil
		},
	}
}

// EventRetentionPeriod bounds how long terminal events and their deliveries
// are kept before the retention job is eligible to prune them.
const EventRetentionPeriod = 30 * 24 * time.Hour

// NewEventRetentionCleanup builds the job that prunes terminal events older
// than EventRetentionPeriod, bounding the events/event_deliveries tables'
// growth under sustained webhook traffic. Runs once a day at an off-peak
// hour rather than on a short fixed interval, since the prune itself can
// touch a large number of rows.
func NewEventRetentionCleanup(database *db.DB, logger *slog.Logger) Job {
	return Job{
		Name:     "event-retention-cleanup",
		Schedule: "0 3 * * *",
		Run: func(ctx context.Context) error {
			cutoff := time.Now().Add(-EventRetentionPeriod)
			if err := database.Gorm().WithContext(ctx).
				Where("status IN ? AND received_at < ?", []model.EventStatus{model.EventCompleted, model.EventFailed, model.EventPartiallyFailed}, cutoff).
				Delete(&model.Event{}).Error; err != nil {
				return fmt.Errorf("prune retained events: %w", err)
			}
			return nil
		},
	}
}

// NewMetricsSnapshotJob builds the job that rolls the prior day's
// daily_workflow_roi rows up into internal/metrics' per-workflow and
// per-organization ROI gauges, the source a Prometheus scrape (and any
// dashboard built on it) reads from between ticks.
func NewMetricsSnapshotJob(database *db.DB, logger *slog.Logger) Job {
	return Job{
		Name:     "metrics-snapshot",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			if err := database.Ping(ctx); err != nil {
				return fmt.Errorf("metrics snapshot: database unreachable: %w", err)
			}

			rows, err := database.DailyROISnapshot(ctx, time.Now())
			if err != nil {
				return fmt.Errorf("metrics snapshot: %w", err)
			}

			type orgTotal struct {
				timeSavedMinutes float64
				value            float64
			}
			orgTotals := make(map[uuid.UUID]orgTotal)

			for _, row := range rows {
				metrics.SetWorkflowROI(row.WorkflowID.String(), row.TimeSavedMinutes, row.Value)
				if row.OrganizationID == nil {
					continue
				}
				t := orgTotals[*row.OrganizationID]
				t.timeSavedMinutes += row.TimeSavedMinutes
				t.value += row.Value
				orgTotals[*row.OrganizationID] = t
			}
			for orgID, t := range orgTotals {
				metrics.SetOrgROI(orgID.String(), t.timeSavedMinutes, t.value)
			}
			logger.Debug("metrics snapshot published", "workflows", len(rows), "organizations", len(orgTotals))
			return nil
		},
	}
}

// scheduleDueGrace bounds how far in the past a missed cron tick is still
// honored: a ScheduleProcessor tick that runs a few minutes late (GC pause,
// scheduler restart) still fires the workflow once, but a tick that was
// missed by longer than this is coalesced away rather than fired stale.
const scheduleDueGrace = 10 * time.Minute

// NewScheduleProcessor builds C4's primary job: every tick, it evaluates
// every active workflow's cron Schedule against its last recorded run and
// dispatches the ones that are due through the same intake path an API call
// or webhook delivery uses.
func NewScheduleProcessor(database *db.DB, in *intake.Intake, logger *slog.Logger) Job {
	return Job{
		Name:     "schedule-processor",
		Interval: time.Minute,
		Run: func(ctx context.Context) error {
			workflows, err := database.ScheduledWorkflows(ctx)
			if err != nil {
				return fmt.Errorf("list scheduled workflows: %w", err)
			}

			now := time.Now()
			var dispatched int
			for i := range workflows {
				wf := &workflows[i]
				schedule, err := cron.ParseStandard(wf.Schedule)
				if err != nil {
					logger.Warn("workflow has an unparseable cron schedule, skipping", "workflow_id", wf.ID, "schedule", wf.Schedule, "error", err)
					continue
				}

				baseline := now.Add(-scheduleDueGrace)
				if wf.LastScheduledRunAt != nil && wf.LastScheduledRunAt.After(baseline) {
					baseline = *wf.LastScheduledRunAt
				}
				next := schedule.Next(baseline)
				if next.After(now) {
					continue
				}

				execID, err := in.Submit(ctx, intake.Request{
					WorkflowID:     &wf.ID,
					OrganizationID: wf.OrganizationID,
					Parameters:     map[string]any{},
				})
				if err != nil {
					logger.Error("failed to dispatch scheduled workflow", "workflow_id", wf.ID, "error", err)
					continue
				}
				if err := database.MarkWorkflowScheduled(ctx, wf.ID, now); err != nil {
					logger.Warn("failed to stamp schedule watermark", "workflow_id", wf.ID, "execution_id", execID, "error", err)
				}
				dispatched++
			}
			if dispatched > 0 {
				logger.Info("schedule processor dispatched workflows", "count", dispatched)
			}
			return nil
		},
	}
}

// OAuthRefresher exchanges a stored refresh token for a rotated access
// token. Implemented per integration — each one's token endpoint and auth
// scheme differ enough that no single client library covers them all, so
// TokenRefreshJob depends on this narrow interface rather than a concrete
// OAuth2 client.
type OAuthRefresher interface {
	Refresh(ctx context.Context, integration, refreshToken string) (accessToken, newRefreshToken string, expiresAt time.Time, err error)
}

// HTTPRefreshTokenGrant is an OAuthRefresher that performs the standard
// RFC 6749 refresh_token grant against a per-integration token endpoint
// over plain net/http — every provider the fabric integrates with (Git
// hosts, ticketing systems) implements this same grant, so one client
// suffices without a heavier OAuth2 library.
type HTTPRefreshTokenGrant struct {
	HTTPClient *http.Client
	// Endpoints maps an integration name to its provider's token endpoint.
	Endpoints    map[string]string
	ClientID     string
	ClientSecret string
}

func (g HTTPRefreshTokenGrant) Refresh(ctx context.Context, integration, refreshToken string) (string, string, time.Time, error) {
	endpoint, ok := g.Endpoints[integration]
	if !ok {
		return "", "", time.Time{}, fmt.Errorf("no oauth token endpoint registered for integration %q", integration)
	}
	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {g.ClientID},
		"client_secret": {g.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("refresh token for %s: %w", integration, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", time.Time{}, fmt.Errorf("refresh token for %s: provider returned %s", integration, resp.Status)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode refresh response for %s: %w", integration, err)
	}
	if body.RefreshToken == "" {
		body.RefreshToken = refreshToken
	}
	expiresAt := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return body.AccessToken, body.RefreshToken, expiresAt, nil
}

// oauthRefreshWindow is how far ahead of expiry TokenRefreshJob rotates a
// credential — long enough that a refresh failure gets several retries
// before the token actually lapses.
const oauthRefreshWindow = 30 * time.Minute

// NewTokenRefreshJob builds the job that rotates OAuth2 credentials the
// fabric holds on behalf of connected integrations before they expire.
func NewTokenRefreshJob(database *db.DB, refresher OAuthRefresher, logger *slog.Logger) Job {
	return Job{
		Name:     "token-refresh",
		Interval: 15 * time.Minute,
		Run: func(ctx context.Context) error {
			tokens, err := database.ExpiringOAuthTokens(ctx, time.Now(), oauthRefreshWindow)
			if err != nil {
				return fmt.Errorf("list expiring oauth tokens: %w", err)
			}
			var refreshed int
			for i := range tokens {
				t := &tokens[i]
				accessToken, refreshToken, expiresAt, err := refresher.Refresh(ctx, t.Integration, t.RefreshToken)
				if err != nil {
					logger.Error("failed to refresh oauth token", "integration", t.Integration, "organization_id", t.OrganizationID, "error", err)
					continue
				}
				if err := database.RefreshOAuthToken(ctx, t.ID, accessToken, refreshToken, expiresAt, time.Now()); err != nil {
					logger.Error("failed to persist refreshed oauth token", "token_id", t.ID, "error", err)
					continue
				}
				refreshed++
			}
			if refreshed > 0 {
				logger.Info("token refresh job rotated credentials", "count", refreshed)
			}
			return nil
		},
	}
}

// WebhookRenewer re-registers a webhook source's subscription with its
// upstream adapter before it lapses (GitHub/GitLab hook secrets, ticketing
// system subscriptions that expire on a fixed cadence). Implemented per
// adapter; WebhookRenewalJob is adapter-agnostic.
type WebhookRenewer interface {
	Renew(ctx context.Context, source *model.WebhookSource) (nextDueAt time.Time, err error)
}

// webhookRenewalLeadTime is the default next-renewal window applied when a
// WebhookRenewer doesn't report a provider-specific one.
const webhookRenewalLeadTime = 24 * time.Hour

// NoopWebhookRenewer is the default WebhookRenewer: no shipped adapter
// renews upstream subscriptions yet, so it reports every due source as
// unsupported rather than silently marking it renewed.
type NoopWebhookRenewer struct{}

// Renew implements WebhookRenewer.
func (NoopWebhookRenewer) Renew(_ context.Context, source *model.WebhookSource) (time.Time, error) {
	return time.Time{}, fmt.Errorf("webhook renewal not implemented for source %s", source.ID)
}

// NewWebhookRenewalJob builds the job that keeps upstream webhook
// registrations alive, re-subscribing any source whose renewal is due.
func NewWebhookRenewalJob(database *db.DB, renewer WebhookRenewer, logger *slog.Logger) Job {
	return Job{
		Name:     "webhook-renewal",
		Interval: 6 * time.Hour,
		Run: func(ctx context.Context) error {
			due, err := database.WebhooksDueForRenewal(ctx, time.Now())
			if err != nil {
				return fmt.Errorf("list webhooks due for renewal: %w", err)
			}
			var renewed int
			for i := range due {
				source := &due[i]
				nextDueAt, err := renewer.Renew(ctx, source)
				if err != nil {
					logger.Error("failed to renew webhook source", "source_id", source.ID, "error", err)
					continue
				}
				if nextDueAt.IsZero() {
					nextDueAt = time.Now().Add(webhookRenewalLeadTime)
				}
				if err := database.MarkWebhookRenewed(ctx, source.ID, time.Now(), nextDueAt); err != nil {
					logger.Error("failed to persist webhook renewal", "source_id", source.ID, "error", err)
					continue
				}
				renewed++
			}
			if renewed > 0 {
				logger.Info("webhook renewal job renewed sources", "count", renewed)
			}
			return nil
		},
	}
}

// NewKnowledgeStorageJob builds the job that writes a daily catalogue
// snapshot of active workflows, the consistent point-in-time view
// downstream discovery/search tooling reads instead of querying workflows
// directly mid-write. Runs once a day at an off-peak hour.
func NewKnowledgeStorageJob(database *db.DB, logger *slog.Logger) Job {
	return Job{
		Name:     "knowledge-storage",
		Schedule: "0 2 * * *",
		Run: func(ctx context.Context) error {
			workflows, err := database.ActiveWorkflows(ctx)
			if err != nil {
				return fmt.Errorf("list active workflows: %w", err)
			}

			type summaryEntry struct {
				ID       uuid.UUID `json:"id"`
				Name     string    `json:"name"`
				Kind     string    `json:"type"`
				Category string    `json:"category,omitempty"`
			}
			summary := make([]summaryEntry, 0, len(workflows))
			for _, wf := range workflows {
				summary = append(summary, summaryEntry{ID: wf.ID, Name: wf.Name, Kind: string(wf.Kind), Category: wf.Category})
			}
			body, err := json.Marshal(summary)
			if err != nil {
				return fmt.Errorf("marshal knowledge storage summary: %w", err)
			}

			run := &model.KnowledgeStorageRun{
				ID:            uuid.New(),
				RunDate:       time.Now().Truncate(24 * time.Hour),
				WorkflowCount: len(workflows),
				Summary:       body,
				CreatedAt:     time.Now(),
			}
			if err := database.CreateKnowledgeStorageRun(ctx, run); err != nil {
				return fmt.Errorf("create knowledge storage run: %w", err)
			}
			logger.Info("knowledge storage snapshot written", "workflow_count", len(workflows))
			return nil
		},
	}
}
