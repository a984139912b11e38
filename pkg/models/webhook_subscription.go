package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SubscriptionStatus is the delivery state of a provider-side subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusExpired means the lease lapsed before a renewal
	// succeeded. The provider has stopped delivering.
	SubscriptionStatusExpired SubscriptionStatus = "expired"
	// SubscriptionStatusError means the last renewal attempt failed. The row
	// is kept so the operator can see which integration went quiet.
	SubscriptionStatusError SubscriptionStatus = "error"
)

// WebhookSubscription is a provider-side registration to push change
// notifications to this service.
type WebhookSubscription struct {
	ID           uuid.UUID `db:"id" json:"id"`
	CredentialID uuid.UUID `db:"credential_id" json:"credential_id"`
	Provider     Provider  `db:"provider" json:"provider"`

	// ExternalSubscriptionID is assigned by the provider and is unique per
	// credential.
	ExternalSubscriptionID string         `db:"external_subscription_id" json:"external_subscription_id"`
	ResourcePath           string         `db:"resource_path" json:"resource_path"`
	ChangeTypes            pq.StringArray `db:"change_types" json:"change_types"`
	NotificationURL        string         `db:"notification_url" json:"notification_url"`

	Status             SubscriptionStatus `db:"status" json:"status"`
	ExpiresAt          time.Time          `db:"expires_at" json:"expires_at"`
	LeaseHours         int                `db:"lease_hours" json:"lease_hours"`
	LastNotificationAt *time.Time         `db:"last_notification_at" json:"last_notification_at,omitempty"`
	ErrorMessage       *string            `db:"error_message" json:"error_message,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (WebhookSubscription) TableName() string {
	return "webhook_subscriptions"
}
