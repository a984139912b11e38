package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
)

// EventStatus is the processing state of an ingested webhook event.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
)

// WebhookEvent is one normalized, deduplicated unit of inbound work derived
// from a provider notification.
type WebhookEvent struct {
	ID             uuid.UUID `db:"id" json:"id"`
	CredentialID   uuid.UUID `db:"credential_id" json:"credential_id"`
	SubscriptionID uuid.UUID `db:"subscription_id" json:"subscription_id"`
	Provider       Provider  `db:"provider" json:"provider"`

	EventType string `db:"event_type" json:"event_type"`
	// IdempotencyKey collapses redeliveries of the same underlying change.
	// Globally unique; the dedup insert relies on it.
	IdempotencyKey     string                         `db:"idempotency_key" json:"idempotency_key"`
	ExternalResourceID string                         `db:"external_resource_id" json:"external_resource_id"`
	RawPayload         database.JSONB[map[string]any] `db:"raw_payload" json:"raw_payload"`
	NormalizedPayload  database.JSONB[map[string]any] `db:"normalized_payload" json:"normalized_payload,omitempty"`

	Status     EventStatus `db:"status" json:"status"`
	RetryCount int         `db:"retry_count" json:"retry_count"`
	// NextAttemptAt gates backoff: a pending event is claimable only once
	// this is in the past.
	NextAttemptAt time.Time  `db:"next_attempt_at" json:"next_attempt_at"`
	ErrorMessage  *string    `db:"error_message" json:"error_message,omitempty"`
	ReceivedAt    time.Time  `db:"received_at" json:"received_at"`
	ProcessedAt   *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// TableName returns the database table name
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// EventIdempotencyKey derives the deduplication key for one notification.
// Deterministic so every redelivery of the same change maps to the same row.
func EventIdempotencyKey(credentialID uuid.UUID, externalSubscriptionID, externalResourceID string) string {
	return fmt.Sprintf("%s:%s:%s", credentialID, externalSubscriptionID, externalResourceID)
}
