package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bifrost-platform/bifrost/internal/cache"
	"github.com/bifrost-platform/bifrost/internal/db"
	"github.com/bifrost-platform/bifrost/internal/intake"
	"github.com/bifrost-platform/bifrost/internal/metrics"
	"github.com/bifrost-platform/bifrost/internal/model"
)

// ErrSourceNotFound is returned when source_id parses but no active webhook
// source exists for it.
var ErrSourceNotFound = errors.New("webhook source not found")

// Ingress runs the webhook intake pipeline: resolve the source and its
// adapter, classify the adapter's outcome, persist an Event and its
// deliveries, and hand queued deliveries off to intake for dispatch.
type Ingress struct {
	db       *db.DB
	cache    *cache.Client
	intake   *intake.Intake
	adapters *AdapterRegistry
	logger   *slog.Logger
}

// NewIngress wires an Ingress. adapters defaults to DefaultRegistry when nil.
func NewIngress(database *db.DB, cacheClient *cache.Client, in *intake.Intake, adapters *AdapterRegistry, logger *slog.Logger) *Ingress {
	if adapters == nil {
		adapters = DefaultRegistry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{db: database, cache: cacheClient, intake: in, adapters: adapters, logger: logger}
}

// HandleResult is what the HTTP layer renders back to the caller.
type HandleResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// ProcessWebhookRequest runs the full intake pipeline for one inbound call:
// resolve the source, dispatch to its adapter, and — on a Deliver outcome —
// persist the event and fan it out to matching subscriptions.
func (ing *Ingress) ProcessWebhookRequest(ctx context.Context, sourceIDRaw string, req Request) (HandleResult, error) {
	sourceID, err := uuid.Parse(sourceIDRaw)
	if err != nil {
		return HandleResult{Status: 404, Body: []byte("Invalid webhook URL")}, nil
	}

	source, eventSource, err := ing.resolveSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, ErrSourceNotFound) {
			return HandleResult{Status: 404, Body: []byte("Webhook source not found")}, nil
		}
		return HandleResult{}, fmt.Errorf("resolve webhook source %s: %w", sourceID, err)
	}

	adapter, err := ing.adapters.Get(eventSource.AdapterName)
	if err != nil {
		return HandleResult{Status: 500, Body: []byte("Webhook adapter not configured")}, nil
	}

	outcome, err := adapter.Handle(req, eventSource.Config, source.MutableState)
	if err != nil {
		return HandleResult{}, fmt.Errorf("adapter %s handle: %w", eventSource.AdapterName, err)
	}

	switch outcome.Kind {
	case OutcomeValidation:
		metrics.ObserveEventIngested(eventSource.AdapterName, "validation")
		return HandleResult{Status: outcome.Status, Headers: outcome.Headers, Body: outcome.Body}, nil
	case OutcomeRejected:
		status := outcome.Status
		if status == 0 {
			status = 400
		}
		metrics.ObserveEventIngested(eventSource.AdapterName, "rejected")
		return HandleResult{Status: status, Body: []byte(outcome.Message)}, nil
	case OutcomeDeliver:
		event, err := ing.persistDelivery(ctx, eventSource.ID, outcome, req.ClientIP)
		if err != nil {
			return HandleResult{}, fmt.Errorf("persist delivery: %w", err)
		}
		metrics.ObserveEventIngested(eventSource.AdapterName, "delivered")
		// The dispatch pass runs detached from the request: the caller already
		// has its 202, and enqueueing executions can take longer than an
		// inbound webhook's own timeout budget allows.
		go ing.queueEventDeliveries(context.WithoutCancel(ctx), event.ID)
		return HandleResult{Status: 202, Body: []byte(`{"status":"accepted"}`)}, nil
	default:
		return HandleResult{}, fmt.Errorf("adapter %s returned unknown outcome kind %q", eventSource.AdapterName, outcome.Kind)
	}
}

func (ing *Ingress) resolveSource(ctx context.Context, sourceID uuid.UUID) (*model.WebhookSource, *model.EventSource, error) {
	source, err := ing.db.GetWebhookSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrSourceNotFound
		}
		return nil, nil, err
	}
	eventSource, err := ing.db.GetActiveEventSource(ctx, source.EventSourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrSourceNotFound
		}
		return nil, nil, err
	}
	return source, eventSource, nil
}

// persistDelivery writes the Event row and one Pending EventDelivery per
// matching subscription in a single transaction, then announces the new
// event on the source's broadcast channel.
func (ing *Ingress) persistDelivery(ctx context.Context, eventSourceID uuid.UUID, outcome Outcome, clientIP string) (*model.Event, error) {
	headers, _ := json.Marshal(outcome.RawHeaders)
	event := &model.Event{
		ID:            uuid.New(),
		EventSourceID: eventSourceID,
		Type:          outcome.EventType,
		ReceivedAt:    time.Now(),
		Headers:       headers,
		Body:          outcome.Data,
		SourceIP:      clientIP,
		Status:        model.EventReceived,
	}

	if _, err := ing.db.CreateEventWithDeliveries(ctx, event); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"type": "event_created", "event_id": event.ID, "event_type": event.Type})
	ing.cache.Publish(ctx, cache.EventSourceChannel(eventSourceID), payload)

	return event, nil
}

// queueEventDeliveries is the deferred, post-commit pass: every Pending
// delivery for eventID is enqueued into the execution fabric, using the
// bound workflow's organization scope. Running after the transaction
// commits is required — the delivery rows must already be durably visible
// before a worker can attempt to back-link an execution to them.
func (ing *Ingress) queueEventDeliveries(ctx context.Context, eventID uuid.UUID) {
	pending, err := ing.db.PendingEventDeliveries(ctx, eventID)
	if err != nil {
		ing.logger.Error("failed to load pending deliveries", "event_id", eventID, "error", err)
		return
	}

	var success, failed int
	for i := range pending {
		delivery := &pending[i]
		wf, err := ing.db.GetWorkflow(ctx, delivery.WorkflowID)
		if err != nil {
			ing.markDeliveryFailed(ctx, delivery.ID, fmt.Sprintf("resolve workflow: %v", err))
			failed++
			continue
		}

		execID, err := ing.intake.Submit(ctx, intake.Request{
			WorkflowID:     &wf.ID,
			OrganizationID: wf.OrganizationID,
			Parameters:     map[string]any{},
		})
		if err != nil {
			ing.markDeliveryFailed(ctx, delivery.ID, fmt.Sprintf("enqueue execution: %v", err))
			failed++
			continue
		}

		if err := ing.db.MarkEventDeliveryQueued(ctx, delivery.ID, execID); err != nil {
			ing.logger.Error("failed to mark delivery queued", "delivery_id", delivery.ID, "error", err)
			continue
		}
		success++
	}

	payload, _ := json.Marshal(map[string]any{"type": "deliveries_queued", "event_id": eventID, "queued": success, "failed": failed})
	if eventSourceID, err := ing.db.EventSourceForEvent(ctx, eventID); err == nil {
		ing.cache.Publish(ctx, cache.EventSourceChannel(eventSourceID), payload)
	}
}

func (ing *Ingress) markDeliveryFailed(ctx context.Context, deliveryID uuid.UUID, reason string) {
	if err := ing.db.MarkEventDeliveryFailed(ctx, deliveryID, reason); err != nil {
		ing.logger.Error("failed to mark delivery failed", "delivery_id", deliveryID, "error", err)
	}
}

// UpdateDeliveryFromExecution implements the back-propagation step: called
// when C3 completes an execution, it sets the terminal status of the one
// delivery bound to it at queue time, recomputes the owning event's aggregate
// status once every delivery for that event is terminal, and broadcasts
// the update.
func (ing *Ingress) UpdateDeliveryFromExecution(ctx context.Context, executionID uuid.UUID, execStatus model.ExecutionStatus, errMsg string) error {
	deliveryStatus := model.DeliveryStatusFor(execStatus)
	if err := ing.db.UpdateEventDeliveryFromExecution(ctx, executionID, deliveryStatus, errMsg); err != nil {
		return fmt.Errorf("update event delivery from execution: %w", err)
	}
	metrics.ObserveEventDelivery(string(deliveryStatus))

	delivery, err := ing.db.FindEventDeliveryByExecutionID(ctx, executionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // not event-triggered
	}
	if err != nil {
		return fmt.Errorf("find delivery for execution %s: %w", executionID, err)
	}

	deliveries, err := ing.db.EventDeliveriesForEvent(ctx, delivery.EventID)
	if err != nil {
		return fmt.Errorf("list deliveries for event %s: %w", delivery.EventID, err)
	}
	if !allTerminal(deliveries) {
		return nil
	}

	aggregate := model.AggregateEventStatus(deliveries)
	if err := ing.db.UpdateEventStatus(ctx, delivery.EventID, aggregate); err != nil {
		return fmt.Errorf("update event status: %w", err)
	}

	success, failedCount := countOutcomes(deliveries)
	payload, _ := json.Marshal(map[string]any{
		"type": "event_updated", "event_id": delivery.EventID,
		"status": aggregate, "success": success, "failed": failedCount,
	})
	if eventSourceID, err := ing.db.EventSourceForEvent(ctx, delivery.EventID); err == nil {
		ing.cache.Publish(ctx, cache.EventSourceChannel(eventSourceID), payload)
	}
	return nil
}

func allTerminal(deliveries []model.EventDelivery) bool {
	for _, d := range deliveries {
		if d.Status == model.DeliveryPending || d.Status == model.DeliveryQueued {
			return false
		}
	}
	return true
}

func countOutcomes(deliveries []model.EventDelivery) (success, failed int) {
	for _, d := range deliveries {
		switch d.Status {
		case model.DeliverySuccess:
			success++
		case model.DeliveryFailed:
			failed++
		}
	}
	return success, failed
}
