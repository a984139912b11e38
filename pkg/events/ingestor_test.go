package events_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/models"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type fakeSubscriptionRepo struct {
	subscriptions map[uuid.UUID]*models.WebhookSubscription
	touched       []uuid.UUID
}

func newFakeSubscriptionRepo(subscriptions ...*models.WebhookSubscription) *fakeSubscriptionRepo {
	repo := &fakeSubscriptionRepo{subscriptions: map[uuid.UUID]*models.WebhookSubscription{}}
	for _, s := range subscriptions {
		repo.subscriptions[s.ID] = s
	}
	return repo
}

func (r *fakeSubscriptionRepo) Create(ctx context.Context, subscription *models.WebhookSubscription) error {
	r.subscriptions[subscription.ID] = subscription
	return nil
}

func (r *fakeSubscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookSubscription, error) {
	subscription, ok := r.subscriptions[id]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "subscription %s does not exist", id)
	}
	return subscription, nil
}

func (r *fakeSubscriptionRepo) GetByExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.WebhookSubscription, error) {
	for _, subscription := range r.subscriptions {
		if subscription.Provider == provider && subscription.ExternalSubscriptionID == externalID {
			return subscription, nil
		}
	}
	return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "subscription '%s' does not exist", externalID)
}

func (r *fakeSubscriptionRepo) ListByCredential(ctx context.Context, credentialID uuid.UUID) ([]models.WebhookSubscription, error) {
	return nil, nil
}

func (r *fakeSubscriptionRepo) ListDueForRenewal(ctx context.Context, windowFraction float64) ([]models.WebhookSubscription, error) {
	return nil, nil
}

func (r *fakeSubscriptionRepo) UpdateRenewal(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	return nil
}

func (r *fakeSubscriptionRepo) SetStatus(ctx context.Context, id uuid.UUID, status models.SubscriptionStatus, message *string) error {
	r.subscriptions[id].Status = status
	return nil
}

func (r *fakeSubscriptionRepo) TouchNotification(ctx context.Context, id uuid.UUID) error {
	r.touched = append(r.touched, id)
	return nil
}

func (r *fakeSubscriptionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	delete(r.subscriptions, id)
	return nil
}

type fakeEventRepo struct {
	events map[string]*models.WebhookEvent
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: map[string]*models.WebhookEvent{}}
}

func (r *fakeEventRepo) InsertDeduplicated(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	if _, ok := r.events[event.IdempotencyKey]; ok {
		return false, nil
	}
	event.ID = uuid.New()
	event.Status = models.EventStatusPending
	event.ReceivedAt = time.Now()
	r.events[event.IdempotencyKey] = event
	return true, nil
}

func (r *fakeEventRepo) ClaimBatch(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	return nil, nil
}

func (r *fakeEventRepo) MarkCompleted(ctx context.Context, id uuid.UUID, normalized map[string]any) error {
	return nil
}

func (r *fakeEventRepo) MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, delay time.Duration, message string) error {
	return nil
}

func (r *fakeEventRepo) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	return nil
}

func (r *fakeEventRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	for _, event := range r.events {
		if event.ID == id {
			return event, nil
		}
	}
	return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "event %s does not exist", id)
}

func (r *fakeEventRepo) ListByCredential(ctx context.Context, credentialID uuid.UUID, status *models.EventStatus, limit int) ([]models.WebhookEvent, error) {
	return nil, nil
}

func newGraphSubscription() *models.WebhookSubscription {
	return &models.WebhookSubscription{
		ID:                     uuid.New(),
		CredentialID:           uuid.New(),
		Provider:               models.ProviderMS365,
		ExternalSubscriptionID: "graph-sub-1",
		Status:                 models.SubscriptionStatusActive,
		ExpiresAt:              time.Now().Add(72 * time.Hour),
	}
}

func graphBody(t *testing.T, notifications ...map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"value": notifications})
	require.NoError(t, err)
	return body
}

func TestIngestor_IngestNotifications(t *testing.T) {
	subscription := newGraphSubscription()
	subRepo := newFakeSubscriptionRepo(subscription)
	eventRepo := newFakeEventRepo()
	ingestor := events.NewIngestor(subRepo, eventRepo, getTestLogger())
	ctx := context.Background()

	body := graphBody(t,
		map[string]any{
			"subscriptionId": "graph-sub-1",
			"changeType":     "created",
			"resource":       "me/messages/msg-1",
			"resourceData":   map[string]any{"id": "msg-1"},
		},
		map[string]any{
			"subscriptionId": "graph-sub-1",
			"changeType":     "created",
			"resource":       "me/messages/msg-2",
			"resourceData":   map[string]any{"id": "msg-2"},
		},
	)

	result, err := ingestor.IngestNotifications(ctx, models.ProviderMS365, body)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 0, result.Duplicates)
	assert.Len(t, subRepo.touched, 2)

	key := models.EventIdempotencyKey(subscription.CredentialID, "graph-sub-1", "msg-1")
	event, ok := eventRepo.events[key]
	require.True(t, ok)
	assert.Equal(t, subscription.ID, event.SubscriptionID)
	assert.Equal(t, "created", event.EventType)
	assert.Equal(t, "msg-1", event.ExternalResourceID)
	assert.Equal(t, "me/messages/msg-1", event.RawPayload.Data["resource"])

	// The provider redelivering the same envelope doubles nothing
	result, err = ingestor.IngestNotifications(ctx, models.ProviderMS365, body)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 2, result.Duplicates)
	assert.Len(t, eventRepo.events, 2)
}

func TestIngestor_IngestNotificationsUnknownSubscription(t *testing.T) {
	subRepo := newFakeSubscriptionRepo()
	eventRepo := newFakeEventRepo()
	ingestor := events.NewIngestor(subRepo, eventRepo, getTestLogger())

	body := graphBody(t, map[string]any{
		"subscriptionId": "deleted-sub",
		"changeType":     "created",
		"resourceData":   map[string]any{"id": "msg-1"},
	})

	result, err := ingestor.IngestNotifications(context.Background(), models.ProviderMS365, body)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unknown)
	assert.Empty(t, eventRepo.events)
}

func TestIngestor_IngestNotificationsMalformedBody(t *testing.T) {
	ingestor := events.NewIngestor(newFakeSubscriptionRepo(), newFakeEventRepo(), getTestLogger())

	_, err := ingestor.IngestNotifications(context.Background(), models.ProviderMS365, []byte("not json"))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func pubsubBody(t *testing.T, historyID uint64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"emailAddress": "user@example.com",
		"historyId":    historyID,
	})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(payload),
			"messageId": "pubsub-msg-1",
		},
		"subscription": "projects/example/subscriptions/gmail-push",
	})
	require.NoError(t, err)
	return body
}

func TestIngestor_IngestPubSubPush(t *testing.T) {
	subscription := &models.WebhookSubscription{
		ID:                     uuid.New(),
		CredentialID:           uuid.New(),
		Provider:               models.ProviderGoogleWorkspace,
		ExternalSubscriptionID: "99812",
		Status:                 models.SubscriptionStatusActive,
		ExpiresAt:              time.Now().Add(168 * time.Hour),
	}
	subRepo := newFakeSubscriptionRepo(subscription)
	eventRepo := newFakeEventRepo()
	ingestor := events.NewIngestor(subRepo, eventRepo, getTestLogger())
	ctx := context.Background()

	result, err := ingestor.IngestPubSubPush(ctx, subscription.ID, pubsubBody(t, 100500))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)

	key := models.EventIdempotencyKey(subscription.CredentialID, "99812", "100500")
	event, ok := eventRepo.events[key]
	require.True(t, ok)
	assert.Equal(t, "history_changed", event.EventType)
	assert.Equal(t, "100500", event.ExternalResourceID)
	assert.Equal(t, "user@example.com", event.RawPayload.Data["email_address"])

	// Pub/Sub at-least-once delivery collapses on the history id
	result, err = ingestor.IngestPubSubPush(ctx, subscription.ID, pubsubBody(t, 100500))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Duplicates)

	// An unknown row id is acknowledged, not errored, so Pub/Sub stops
	// redelivering after the subscription is deleted locally
	result, err = ingestor.IngestPubSubPush(ctx, uuid.New(), pubsubBody(t, 100501))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unknown)
}
