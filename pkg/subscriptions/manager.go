package subscriptions

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tokens"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// DefaultLeaseHours is used when the operator does not ask for a lease
// length. Providers with shorter ceilings cap it further.
const DefaultLeaseHours = 72

// CreateRequest asks for a new provider-side subscription under a
// credential.
type CreateRequest struct {
	CredentialID    uuid.UUID `json:"credential_id"`
	ResourcePath    string    `json:"resource_path"`
	ChangeTypes     []string  `json:"change_types"`
	NotificationURL string    `json:"notification_url"`
	LeaseHours      int       `json:"lease_hours"`
}

// TokenSource hands out valid access tokens for a credential. Satisfied by
// the token manager.
type TokenSource interface {
	GetValidToken(ctx context.Context, credentialID uuid.UUID) (*tokens.AccessToken, error)
}

// Manager owns the subscription lifecycle against the providers
type Manager struct {
	subscriptions repositories.SubscriptionRepo
	credentials   repositories.CredentialRepo
	tokens        TokenSource
	registry      *providers.Registry
	logger        ectologger.Logger
}

// NewManager creates a subscription manager
func NewManager(
	subscriptions repositories.SubscriptionRepo,
	credentials repositories.CredentialRepo,
	tokens TokenSource,
	registry *providers.Registry,
	logger ectologger.Logger,
) *Manager {
	return &Manager{
		subscriptions: subscriptions,
		credentials:   credentials,
		tokens:        tokens,
		registry:      registry,
		logger:        logger,
	}
}

// Create registers a subscription with the provider and persists it. The
// credential must be connected; the requested lease is capped at the
// provider's ceiling.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.WebhookSubscription, error) {
	ctx, span := tracing.StartSpan(ctx, "subscriptions.Manager.Create")
	defer span.End()

	if req.ResourcePath == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "resource_path is required")
	}
	if req.NotificationURL == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "notification_url is required")
	}

	credential, err := m.credentials.GetByID(ctx, req.CredentialID)
	if err != nil {
		return nil, err
	}
	if credential.Status != models.CredentialStatusConnected {
		return nil, httperror.NewHTTPError(http.StatusConflict, "credential is not connected")
	}

	provider, err := m.registry.Get(credential.Provider)
	if err != nil {
		return nil, err
	}

	leaseHours := req.LeaseHours
	if leaseHours <= 0 {
		leaseHours = DefaultLeaseHours
	}
	if max := provider.MaxLeaseHours(); leaseHours > max {
		leaseHours = max
	}

	token, err := m.tokens.GetValidToken(ctx, credential.ID)
	if err != nil {
		return nil, err
	}

	grant, err := provider.CreateSubscription(ctx, token.Token, providers.SubscriptionRequest{
		ResourcePath:    req.ResourcePath,
		ChangeTypes:     req.ChangeTypes,
		NotificationURL: req.NotificationURL,
		LeaseHours:      leaseHours,
	})
	if err != nil {
		return nil, err
	}

	subscription := &models.WebhookSubscription{
		CredentialID:           credential.ID,
		Provider:               credential.Provider,
		ExternalSubscriptionID: grant.ExternalID,
		ResourcePath:           req.ResourcePath,
		ChangeTypes:            req.ChangeTypes,
		NotificationURL:        req.NotificationURL,
		Status:                 models.SubscriptionStatusActive,
		ExpiresAt:              grant.ExpiresAt,
		LeaseHours:             leaseHours,
	}
	if err := m.subscriptions.Create(ctx, subscription); err != nil {
		// The provider-side registration exists without a row to renew it.
		// Best effort teardown so it does not deliver into the void until
		// its lease lapses.
		if revokeErr := provider.DeleteSubscription(ctx, token.Token, grant.ExternalID); revokeErr != nil {
			m.logger.WithContext(ctx).WithError(revokeErr).WithFields(map[string]any{
				"credential_id":            credential.ID,
				"external_subscription_id": grant.ExternalID,
			}).Warn("failed to revoke orphaned subscription")
		}
		return nil, err
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"subscription_id":          subscription.ID,
		"credential_id":            credential.ID,
		"provider":                 credential.Provider,
		"external_subscription_id": grant.ExternalID,
		"expires_at":               grant.ExpiresAt,
	}).Info("subscription created")

	return subscription, nil
}

// Get returns a subscription by id
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.WebhookSubscription, error) {
	return m.subscriptions.GetByID(ctx, id)
}

// ListByCredential returns all subscriptions under a credential
func (m *Manager) ListByCredential(ctx context.Context, credentialID uuid.UUID) ([]models.WebhookSubscription, error) {
	return m.subscriptions.ListByCredential(ctx, credentialID)
}

// Delete revokes the provider-side registration best effort and always
// removes the row. A failed revoke is logged, not surfaced; the lease will
// lapse on its own.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "subscriptions.Manager.Delete")
	defer span.End()

	subscription, err := m.subscriptions.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := m.revoke(ctx, subscription); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subscription_id":          subscription.ID,
			"external_subscription_id": subscription.ExternalSubscriptionID,
		}).Warn("provider-side revoke failed, removing row anyway")
	}

	return m.subscriptions.Delete(ctx, id)
}

func (m *Manager) revoke(ctx context.Context, subscription *models.WebhookSubscription) error {
	provider, err := m.registry.Get(subscription.Provider)
	if err != nil {
		return err
	}
	token, err := m.tokens.GetValidToken(ctx, subscription.CredentialID)
	if err != nil {
		return err
	}
	return provider.DeleteSubscription(ctx, token.Token, subscription.ExternalSubscriptionID)
}

// Renew asks the provider to extend the lease and updates the row in place.
// The external subscription id never changes on renewal.
func (m *Manager) Renew(ctx context.Context, subscription *models.WebhookSubscription) error {
	ctx, span := tracing.StartSpan(ctx, "subscriptions.Manager.Renew")
	defer span.End()

	provider, err := m.registry.Get(subscription.Provider)
	if err != nil {
		return m.failRenewal(ctx, subscription, err)
	}

	token, err := m.tokens.GetValidToken(ctx, subscription.CredentialID)
	if err != nil {
		if errors.Is(err, tokens.ErrReauthorizationRequired) || errors.Is(err, tokens.ErrNotConnected) {
			return m.failRenewal(ctx, subscription, err)
		}
		// Transient token trouble; leave the row alone and let the next
		// sweep retry while the lease still has headroom.
		return err
	}

	grant, err := provider.RenewSubscription(ctx, token.Token, subscription.ExternalSubscriptionID, subscription.LeaseHours)
	if err != nil {
		if providers.IsTransient(err) {
			return err
		}
		return m.failRenewal(ctx, subscription, err)
	}

	if err := m.subscriptions.UpdateRenewal(ctx, subscription.ID, grant.ExpiresAt); err != nil {
		return err
	}

	metrics.RecordSubscriptionRenewal(string(subscription.Provider), "success")
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"subscription_id":          subscription.ID,
		"external_subscription_id": subscription.ExternalSubscriptionID,
		"expires_at":               grant.ExpiresAt,
	}).Info("subscription renewed")
	return nil
}

// failRenewal parks the row in error status, or expired if the lease has
// already lapsed. The row is kept so the operator can see which integration
// went quiet.
func (m *Manager) failRenewal(ctx context.Context, subscription *models.WebhookSubscription, cause error) error {
	metrics.RecordSubscriptionRenewal(string(subscription.Provider), "failure")
	m.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
		"subscription_id":          subscription.ID,
		"credential_id":            subscription.CredentialID,
		"external_subscription_id": subscription.ExternalSubscriptionID,
	}).Error("subscription renewal failed")

	status := models.SubscriptionStatusError
	if time.Now().After(subscription.ExpiresAt) {
		status = models.SubscriptionStatusExpired
	}
	message := cause.Error()
	if err := m.subscriptions.SetStatus(ctx, subscription.ID, status, &message); err != nil {
		m.logger.WithContext(ctx).WithError(err).Error("failed to record renewal failure")
	}
	return cause
}
