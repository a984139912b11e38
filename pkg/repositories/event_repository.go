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

const webhookEventsTable = "webhook_events"

var webhookEventStruct = database.NewStruct(new(models.WebhookEvent))

// EventRepository handles database operations for webhook events
type EventRepository struct {
	*Repository
}

// NewEventRepository creates a new event repository
func NewEventRepository(db database.DB, logger ectologger.Logger) *EventRepository {
	return &EventRepository{
		Repository: NewRepository(db, logger),
	}
}

// InsertDeduplicated inserts a pending event unless one with the same
// idempotency key already exists. Returns false when the delivery was a
// duplicate; duplicates are not an error, the provider just redelivered.
func (r *EventRepository) InsertDeduplicated(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.InsertDeduplicated")
	defer span.End()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.Status = models.EventStatusPending

	ib := database.NewInsertBuilder()
	ib.InsertInto(webhookEventsTable).
		Cols("id", "credential_id", "subscription_id", "provider", "event_type",
			"idempotency_key", "external_resource_id", "raw_payload", "status",
			"retry_count", "next_attempt_at", "received_at").
		Values(event.ID, event.CredentialID, event.SubscriptionID, event.Provider,
			event.EventType, event.IdempotencyKey, event.ExternalResourceID, event.RawPayload,
			event.Status, 0, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.SQL("ON CONFLICT (idempotency_key) DO NOTHING RETURNING received_at, next_attempt_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&event.ReceivedAt, &event.NextAttemptAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"idempotency_key": event.IdempotencyKey,
		}).Error("failed to insert webhook event")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert webhook event")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"event_id":        event.ID,
		"idempotency_key": event.IdempotencyKey,
	}).Debugf("Created %s", webhookEventsTable)
	return true, nil
}

// ClaimBatch atomically flips up to limit eligible pending events to
// processing and returns them. SKIP LOCKED keeps concurrent workers from
// claiming the same rows; the status predicate keeps each event at most
// once in flight even across process instances.
func (r *EventRepository) ClaimBatch(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.ClaimBatch")
	defer span.End()

	query := `
		UPDATE webhook_events
		SET status = 'processing'
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE status = 'pending' AND next_attempt_at <= NOW()
			ORDER BY received_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`

	var events []models.WebhookEvent
	err := r.DB().SelectContext(ctx, &events, query, limit)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to claim webhook events")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim webhook events")
	}

	if len(events) > 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"claimed": len(events),
		}).Debug("Claimed webhook events for processing")
	}
	return events, nil
}

// MarkCompleted terminates an event successfully with its normalized payload
func (r *EventRepository) MarkCompleted(ctx context.Context, id uuid.UUID, normalized map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.MarkCompleted")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(webhookEventsTable).
		Set(
			ub.Assign("status", models.EventStatusCompleted),
			ub.Assign("normalized_payload", database.JSONB[map[string]any]{Data: normalized}),
			ub.Assign("error_message", nil),
			ub.Assign("processed_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id), ub.Equal("status", models.EventStatusProcessing))

	query, args := ub.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_id": id,
		}).Error("failed to mark event completed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark event completed")
	}
	return nil
}

// MarkRetry returns an event to pending with an incremented retry count and
// a backoff delay before it becomes claimable again.
func (r *EventRepository) MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, delay time.Duration, message string) error {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.MarkRetry")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(webhookEventsTable).
		Set(
			ub.Assign("status", models.EventStatusPending),
			ub.Assign("retry_count", retryCount),
			ub.Assign("next_attempt_at", time.Now().Add(delay)),
			ub.Assign("error_message", message),
		).
		Where(ub.Equal("id", id), ub.Equal("status", models.EventStatusProcessing))

	query, args := ub.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_id":    id,
			"retry_count": retryCount,
		}).Error("failed to mark event for retry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark event for retry")
	}
	return nil
}

// MarkFailed terminates an event after exhausted retries or a non-retryable
// failure.
func (r *EventRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.MarkFailed")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(webhookEventsTable).
		Set(
			ub.Assign("status", models.EventStatusFailed),
			ub.Assign("error_message", message),
			ub.Assign("processed_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id), ub.Equal("status", models.EventStatusProcessing))

	query, args := ub.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_id": id,
		}).Error("failed to mark event failed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark event failed")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"event_id":      id,
		"error_message": message,
	}).Warn("webhook event terminated as failed")
	return nil
}

// GetByID retrieves an event by ID
func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.GetByID")
	defer span.End()

	sb := webhookEventStruct.SelectFrom(webhookEventsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var event models.WebhookEvent
	err := r.DB().GetContext(ctx, &event, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "event %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_id": id,
		}).Error("failed to get event by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get event by ID")
	}

	return &event, nil
}

// ListByCredential retrieves events for a credential, optionally filtered by
// status, newest first.
func (r *EventRepository) ListByCredential(ctx context.Context, credentialID uuid.UUID, status *models.EventStatus, limit int) ([]models.WebhookEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "EventRepository.ListByCredential")
	defer span.End()

	sb := webhookEventStruct.SelectFrom(webhookEventsTable)
	sb.Where(sb.Equal("credential_id", credentialID))
	if status != nil {
		sb.Where(sb.Equal("status", *status))
	}
	sb.OrderBy("received_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var events []models.WebhookEvent
	err := r.DB().SelectContext(ctx, &events, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": credentialID,
		}).Error("failed to list events")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list events")
	}

	return events, nil
}
