package model

import (
	"time"

	"github.com/google/uuid"
)

// EventSource is an externally addressable webhook URL bound to an adapter.
type EventSource struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	AdapterName string    `json:"adapter_name"`
	Config      []byte    `json:"config,omitempty" gorm:"type:jsonb"`
	IsActive    bool      `json:"is_active" gorm:"index"`
}

func (EventSource) TableName() string { return "event_sources" }

// WebhookSource is the webhook-facing half of an EventSource: adapter
// mutable state (handshake tokens, dedup markers) lives here, along with
// the renewal bookkeeping a subscription-based adapter (one whose upstream
// webhook registration expires, unlike a bare inbound URL) needs.
type WebhookSource struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	EventSourceID uuid.UUID  `json:"event_source_id" gorm:"type:uuid;index"`
	MutableState  []byte     `json:"mutable_state,omitempty" gorm:"type:jsonb"`
	RenewedAt     *time.Time `json:"renewed_at,omitempty"`
	RenewalDueAt  *time.Time `json:"renewal_due_at,omitempty"`
}

func (WebhookSource) TableName() string { return "webhook_sources" }

// Subscription binds an event source + type filter to a workflow.
type Subscription struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	EventSourceID  uuid.UUID `json:"event_source_id" gorm:"type:uuid;index"`
	EventTypeFilter string   `json:"event_type_filter"`
	WorkflowID     uuid.UUID `json:"workflow_id" gorm:"type:uuid"`
	IsActive       bool      `json:"is_active" gorm:"index"`
}

func (Subscription) TableName() string { return "subscriptions" }

// EventStatus is the lifecycle of an accepted webhook payload.
type EventStatus string

const (
	EventReceived        EventStatus = "received"
	EventProcessing      EventStatus = "processing"
	EventCompleted       EventStatus = "completed"
	EventPartiallyFailed EventStatus = "partially_failed"
	EventFailed          EventStatus = "failed"
)

// Event is one accepted webhook payload.
type Event struct {
	ID            uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	EventSourceID uuid.UUID   `json:"event_source_id" gorm:"type:uuid;index"`
	Type          string      `json:"type"`
	ReceivedAt    time.Time   `json:"received_at"`
	Headers       []byte      `json:"headers,omitempty" gorm:"type:jsonb"`
	Body          []byte      `json:"body,omitempty" gorm:"type:jsonb"`
	SourceIP      string      `json:"source_ip,omitempty"`
	Status        EventStatus `json:"status" gorm:"index"`
}

func (Event) TableName() string { return "events" }

// DeliveryStatus is the lifecycle of one event-to-subscription binding.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliveryQueued  DeliveryStatus = "queued"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// EventDelivery binds one Event to one Subscription and, once enqueued, the
// Execution carrying it out.
type EventDelivery struct {
	ID             uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	EventID        uuid.UUID      `json:"event_id" gorm:"type:uuid;index"`
	SubscriptionID uuid.UUID      `json:"subscription_id" gorm:"type:uuid;index"`
	WorkflowID     uuid.UUID      `json:"workflow_id" gorm:"type:uuid"`
	Status         DeliveryStatus `json:"status" gorm:"index"`
	AttemptCount   int            `json:"attempt_count"`
	ExecutionID    *uuid.UUID     `json:"execution_id,omitempty" gorm:"type:uuid;index"`
	Error          string         `json:"error,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

func (EventDelivery) TableName() string { return "event_deliveries" }

// DeliveryStatusFor maps a terminal execution status to the delivery status
// it implies: Success maps to Success, everything else maps to Failed.
func DeliveryStatusFor(execStatus ExecutionStatus) DeliveryStatus {
	if execStatus == StatusSuccess {
		return DeliverySuccess
	}
	return DeliveryFailed
}

// AggregateEventStatus folds delivery outcomes into the event's status:
// all success -> Completed; any failure with >=1 success -> PartiallyFailed;
// all failed -> Failed. Callers only invoke this once every delivery for the
// event has reached a terminal status.
func AggregateEventStatus(deliveries []EventDelivery) EventStatus {
	var success, failed, total int
	for _, d := range deliveries {
		total++
		switch d.Status {
		case DeliverySuccess:
			success++
		case DeliveryFailed:
			failed++
		}
	}
	switch {
	case total == 0:
		return EventCompleted
	case failed == 0 && success == total:
		return EventCompleted
	case success > 0 && failed > 0:
		return EventPartiallyFailed
	case failed == total:
		return EventFailed
	default:
		return EventProcessing
	}
}

// IntegrationMapping binds an integration+organization pair to the entity
// and oauth token the fabric reads to seed an execution context. Mutation
// of mappings is outside this module's scope; it only reads them.
type IntegrationMapping struct {
	Integration    string    `json:"integration"`
	OrganizationID uuid.UUID `json:"organization_id" gorm:"type:uuid"`
	EntityID       uuid.UUID `json:"entity_id" gorm:"type:uuid"`
	Config         []byte    `json:"config,omitempty" gorm:"type:jsonb"`
	OAuthTokenID   *uuid.UUID `json:"oauth_token_id,omitempty" gorm:"type:uuid"`
}

func (IntegrationMapping) TableName() string { return "integration_mappings" }

// OAuthToken is the credential pair an IntegrationMapping's OAuthTokenID
// points at. One row per integration+organization pair; TokenRefreshJob
// rotates it in place before ExpiresAt, never inserting a second row for
// the same pair.
type OAuthToken struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Integration    string     `json:"integration"`
	OrganizationID uuid.UUID  `json:"organization_id" gorm:"type:uuid"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RefreshedAt    *time.Time `json:"refreshed_at,omitempty"`
}

func (OAuthToken) TableName() string { return "oauth_tokens" }

// ExpiresWithin reports whether the token's expiry falls within window of
// now, the lead time TokenRefreshJob uses to rotate credentials before an
// in-flight execution can be handed an expired one.
func (t *OAuthToken) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(window))
}
