package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/internal/handlers"
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
	return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "event %s does not exist", id)
}

func (r *fakeEventRepo) ListByCredential(ctx context.Context, credentialID uuid.UUID, status *models.EventStatus, limit int) ([]models.WebhookEvent, error) {
	return nil, nil
}

type webhookFixture struct {
	handler *handlers.WebhookHandler
	subRepo *fakeSubscriptionRepo
	echo    *echo.Echo
}

func newWebhookFixture(subscriptions ...*models.WebhookSubscription) *webhookFixture {
	subRepo := newFakeSubscriptionRepo(subscriptions...)
	ingestor := events.NewIngestor(subRepo, newFakeEventRepo(), getTestLogger())
	return &webhookFixture{
		handler: handlers.NewWebhookHandler(ingestor),
		subRepo: subRepo,
		echo:    echo.New(),
	}
}

func (f *webhookFixture) request(method, target string, body []byte) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return f.echo.NewContext(req, rec), rec
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

func TestWebhookHandler_ValidationHandshake(t *testing.T) {
	f := newWebhookFixture()

	c, rec := f.request(http.MethodGet, "/api/v1/webhooks/ms365?validationToken=prove-you-own-this", nil)
	c.SetParamNames("provider")
	c.SetParamValues("ms365")

	require.NoError(t, f.handler.Receive(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "prove-you-own-this", rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMETextPlain)
}

func TestWebhookHandler_GetWithoutValidationToken(t *testing.T) {
	f := newWebhookFixture()

	c, _ := f.request(http.MethodGet, "/api/v1/webhooks/ms365", nil)
	c.SetParamNames("provider")
	c.SetParamValues("ms365")

	err := f.handler.Receive(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestWebhookHandler_UnknownProvider(t *testing.T) {
	f := newWebhookFixture()

	c, _ := f.request(http.MethodPost, "/api/v1/webhooks/slack", []byte(`{"value":[]}`))
	c.SetParamNames("provider")
	c.SetParamValues("slack")

	err := f.handler.Receive(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestWebhookHandler_ReceiveNotifications(t *testing.T) {
	subscription := newGraphSubscription()
	f := newWebhookFixture(subscription)

	body, err := json.Marshal(map[string]any{
		"value": []map[string]any{{
			"subscriptionId": "graph-sub-1",
			"changeType":     "created",
			"resource":       "me/messages/msg-1",
			"resourceData":   map[string]any{"id": "msg-1"},
		}},
	})
	require.NoError(t, err)

	c, rec := f.request(http.MethodPost, "/api/v1/webhooks/ms365", body)
	c.SetParamNames("provider")
	c.SetParamValues("ms365")

	require.NoError(t, f.handler.Receive(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var result events.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, []uuid.UUID{subscription.ID}, f.subRepo.touched)

	// Redelivery still answers 202 so the provider stops resending
	c, rec = f.request(http.MethodPost, "/api/v1/webhooks/ms365", body)
	c.SetParamNames("provider")
	c.SetParamValues("ms365")

	require.NoError(t, f.handler.Receive(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 1, result.Duplicates)
}

func TestWebhookHandler_ReceivePush(t *testing.T) {
	subscription := newGraphSubscription()
	subscription.Provider = models.ProviderGoogleWorkspace
	subscription.ExternalSubscriptionID = "99812"
	f := newWebhookFixture(subscription)

	payload, err := json.Marshal(map[string]any{
		"emailAddress": "support@example.com",
		"historyId":    100500,
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      payload,
			"messageId": "pubsub-msg-1",
		},
		"subscription": "projects/clover/subscriptions/gmail-push",
	})
	require.NoError(t, err)

	c, rec := f.request(http.MethodPost, "/api/v1/webhooks/google_workspace/"+subscription.ID.String(), body)
	c.SetParamNames("provider", "subscription_id")
	c.SetParamValues("google_workspace", subscription.ID.String())

	require.NoError(t, f.handler.ReceivePush(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var result events.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Accepted)
}

func TestWebhookHandler_ReceivePushInvalidSubscriptionID(t *testing.T) {
	f := newWebhookFixture()

	c, _ := f.request(http.MethodPost, "/api/v1/webhooks/google_workspace/not-a-uuid", []byte(`{}`))
	c.SetParamNames("provider", "subscription_id")
	c.SetParamValues("google_workspace", "not-a-uuid")

	err := f.handler.ReceivePush(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}
