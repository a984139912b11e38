package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const webhookSubscriptionsTable = "webhook_subscriptions"

var webhookSubscriptionStruct = database.NewStruct(new(models.WebhookSubscription))

// SubscriptionRepository handles database operations for webhook subscriptions
type SubscriptionRepository struct {
	*Repository
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db database.DB, logger ectologger.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create persists a subscription returned by the provider handshake
func (r *SubscriptionRepository) Create(ctx context.Context, subscription *models.WebhookSubscription) error {
	ctx, span := tracing.StartSpan(ctx, "SubscriptionRepository.Create")
	defer span.End()

	if subscription.ID == uuid.Nil {
		subscription.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(webhookSubscriptionsTable).
		Cols("id", "credential_id", "provider", "external_subscription_id", "resource_path",
			"change_types", "notification_url", "status", "expires_at", "lease_hours",
			"created_at", "updated_at").
		Values(subscription.ID, subscription.CredentialID, subscription.Provider,
			subscription.ExternalSubscriptionID, subscription.ResourcePath, subscription.ChangeTypes,
			subscription.NotificationURL, subscription.Status, subscription.ExpiresAt,
			subscription.LeaseHours, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&subscription.CreatedAt, &subscription.UpdatedAt)
	if IsUniqueViolation(err, "") {
		return Conflict("subscription %s already exists for credential %s",
			subscription.ExternalSubscriptionID, subscription.CredentialID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": subscription.CredentialID,
		}).Error("failed to create subscription")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create subscription")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"subscription_id":          subscription.ID,
		"external_subscription_id": subscription.ExternalSubscriptionID,
	}).Debugf("Created %s", webhookSubscriptionsTable)
	return nil
}

// GetByID retrieves a subscription by ID
func (r *SubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookSubscription, error) {
	ctx, span := tracing.StartSpan(ctx, "SubscriptionRepository.GetByID")
	defer span.End()

	sb := webhookSubscriptionStruct.SelectFrom(webhookSubscriptionsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var subscription models.WebhookSubscription
	err := r.DB().GetContext(ctx, &subscription, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "subscription %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subscription_id": id,
		}).Error("failed to get subscription by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get subscription by ID")
	}

	return &subscription, nil
}

// GetByExternalID resolves a subscription from the provider-assigned id
// carried in a notification.
func (r *SubscriptionRepository) GetByExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.WebhookSubscription, error) {
	ctx, span := tracing.StartSpan(ctx, "SubscriptionRepository.GetByExternalID")
	defer span.End()

	sb := webhookSubscriptionStruct.SelectFrom(webhookSubscriptionsTable)
	sb.Where(sb.Equal("provider", provider), sb.Equal("external_subscription_id", externalID))

	query, args := sb.Build()
	var subscription models.WebhookSubscription
	err := r.DB().GetContext(ctx, &subscription, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "subscription '%s' does not exist", externalID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"external_subscription_id": externalID,
		}).Error("failed to get subscription by external ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get subscription by external ID")
	}

	return &subscription, nil
}

// ListByCredential retrieves all subscriptions for a credential
func (r *SubscriptionRepository) ListByCredential(ctx context.Context, credentialID uuid.UUID) ([]models.WebhookSubscription, error) {
	ctx, span := tracing.StartSpan(ctx, "SubscriptionRepository.ListByCredential")
	defer span.End()

	sb := webhookSubscriptionStruct.SelectFrom(webhookSubscriptionsTable)
	sb.Where(sb.Equal("credential_id", credentialID))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var subscriptions []models.WebhookSubscription
	err := r.DB().SelectContext(ctx, &subscriptions, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": credentialID,
		}).Error("failed to list subscriptions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list subscriptions")
	}

	return subscriptions, nil
}

// ListDueForRenewal selects active subscriptions whose expiry falls inside
// the final windowFraction of their lease. A 24 hour lease with a 0.2
// fraction becomes renewable once less than 4.8 hours remain.
func (r *SubscriptionRepository) ListDueForRenewal(ctx context.Context, windowFraction float64) ([]models.WebhookSubscription, error) {
	ctx, span := tracing.StartSpan(ctx, "SubscriptionRepository.ListDueForRenewal")
	defer span.End()

	sb := webhookSubscriptionStruct.SelectFrom(webhookSubscriptionsTable)
	sb.Where(
		sb.Equal("status", models.SubscriptionStatusActive),
		sb.LessEqualThan("expires_at", sqlbuilder.Raw(
			sb.Var(windowFraction)+" * (lease_hours * INTERVAL '1 hour') + NOW()")),
	)
	sb.OrderBy("expires_at")

	query, args := sb.Build()
	var subscriptions []models.WebhookSubscription
	err := r.DB().SelectContext(ctx, &subscriptions, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list subscriptions due for renewal")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list subscriptions due for renewal")
	}

	return subscriptions, nil
}

// UpdateRenewal extends a subscription's lease in place after a successful
// provider renewal.
func (r *SubscriptionRepository) UpdateRenewal(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "SubscriptionRepository.UpdateRenewal")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(webhookSubscriptionsTable).
		Set(
			ub.Assign("expires_at", expiresAt),
			ub.Assign("status", models.SubscriptionStatusActive),
			ub.Assign("error_message", nil),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subscription_id": id,
		}).Error("failed to record subscription renewal")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record subscription renewal")
	}
	return nil
}

// SetStatus records a renewal failure outcome without deleting the row
func (r *SubscriptionRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.SubscriptionStatus, message *string) error {
	ctx, span := tracing.StartSpan(ctx, "SubscriptionRepository.SetStatus")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(webhookSubscriptionsTable).
		Set(
			ub.Assign("status", status),
			ub.Assign("error_message", message),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subscription_id": id,
			"status":          status,
		}).Error("failed to set subscription status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set subscription status")
	}
	return nil
}

// TouchNotification bumps last_notification_at for delivery visibility
func (r *SubscriptionRepository) TouchNotification(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "SubscriptionRepository.TouchNotification")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(webhookSubscriptionsTable).
		Set(
			ub.Assign("last_notification_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subscription_id": id,
		}).Error("failed to touch subscription notification time")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to touch subscription notification time")
	}
	return nil
}

// Delete removes a subscription row
func (r *SubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "SubscriptionRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(webhookSubscriptionsTable).
		Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subscription_id": id,
		}).Error("failed to delete subscription")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete subscription")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete subscription")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "subscription %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"subscription_id": id,
	}).Debugf("Deleted %s", webhookSubscriptionsTable)
	return nil
}
