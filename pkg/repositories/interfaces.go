package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

// CredentialRepo defines the interface for credential operations
type CredentialRepo interface {
	Create(ctx context.Context, credential *models.Credential) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error)
	GetBySlug(ctx context.Context, slug string) (*models.Credential, error)
	List(ctx context.Context) ([]models.Credential, error)
	Update(ctx context.Context, credential *models.Credential) error
	Connect(ctx context.Context, id uuid.UUID, identity models.ConnectedIdentity, tokenSet *models.TokenSet) error
	SetError(ctx context.Context, id uuid.UUID, message string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// TokenRepo defines the interface for token set operations
type TokenRepo interface {
	Upsert(ctx context.Context, tokenSet *models.TokenSet) error
	GetByCredentialID(ctx context.Context, credentialID uuid.UUID) (*models.TokenSet, error)
	DeleteByCredentialID(ctx context.Context, credentialID uuid.UUID) error
}

// SubscriptionRepo defines the interface for webhook subscription operations
type SubscriptionRepo interface {
	Create(ctx context.Context, subscription *models.WebhookSubscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookSubscription, error)
	GetByExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.WebhookSubscription, error)
	ListByCredential(ctx context.Context, credentialID uuid.UUID) ([]models.WebhookSubscription, error)
	ListDueForRenewal(ctx context.Context, windowFraction float64) ([]models.WebhookSubscription, error)
	UpdateRenewal(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.SubscriptionStatus, message *string) error
	TouchNotification(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// EventRepo defines the interface for webhook event operations
type EventRepo interface {
	InsertDeduplicated(ctx context.Context, event *models.WebhookEvent) (bool, error)
	ClaimBatch(ctx context.Context, limit int) ([]models.WebhookEvent, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, normalized map[string]any) error
	MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, delay time.Duration, message string) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	ListByCredential(ctx context.Context, credentialID uuid.UUID, status *models.EventStatus, limit int) ([]models.WebhookEvent, error)
}
