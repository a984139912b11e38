package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/tokens"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type markCall struct {
	id         uuid.UUID
	retryCount int
	delay      time.Duration
	message    string
	normalized map[string]any
}

type fakeEventRepo struct {
	mu        sync.Mutex
	claimable []models.WebhookEvent
	completed []markCall
	retried   []markCall
	failed    []markCall
}

func (r *fakeEventRepo) InsertDeduplicated(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	return true, nil
}

func (r *fakeEventRepo) ClaimBatch(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := r.claimable
	r.claimable = nil
	return claimed, nil
}

func (r *fakeEventRepo) MarkCompleted(ctx context.Context, id uuid.UUID, normalized map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, markCall{id: id, normalized: normalized})
	return nil
}

func (r *fakeEventRepo) MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, delay time.Duration, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried = append(r.retried, markCall{id: id, retryCount: retryCount, delay: delay, message: message})
	return nil
}

func (r *fakeEventRepo) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, markCall{id: id, message: message})
	return nil
}

func (r *fakeEventRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	return nil, nil
}

func (r *fakeEventRepo) ListByCredential(ctx context.Context, credentialID uuid.UUID, status *models.EventStatus, limit int) ([]models.WebhookEvent, error) {
	return nil, nil
}

type fakeCredentialRepo struct {
	credential *models.Credential
}

func (r *fakeCredentialRepo) Create(ctx context.Context, credential *models.Credential) error {
	return nil
}

func (r *fakeCredentialRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	return r.credential, nil
}

func (r *fakeCredentialRepo) GetBySlug(ctx context.Context, slug string) (*models.Credential, error) {
	return r.credential, nil
}

func (r *fakeCredentialRepo) List(ctx context.Context) ([]models.Credential, error) {
	return nil, nil
}

func (r *fakeCredentialRepo) Update(ctx context.Context, credential *models.Credential) error {
	return nil
}

func (r *fakeCredentialRepo) Connect(ctx context.Context, id uuid.UUID, identity models.ConnectedIdentity, tokenSet *models.TokenSet) error {
	return nil
}

func (r *fakeCredentialRepo) SetError(ctx context.Context, id uuid.UUID, message string) error {
	return nil
}

func (r *fakeCredentialRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return nil
}

type fakeTokenSource struct {
	token *tokens.AccessToken
	err   error
	calls int
}

func (s *fakeTokenSource) GetValidToken(ctx context.Context, credentialID uuid.UUID) (*tokens.AccessToken, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

// fakeProvider satisfies providers.Provider with canned fetch behavior
type fakeProvider struct {
	fetched  map[string]any
	fetchErr error
}

func (p *fakeProvider) Name() models.Provider                { return models.ProviderMS365 }
func (p *fakeProvider) DefaultAuthorizeURL(_ *string) string { return "" }
func (p *fakeProvider) DefaultTokenURL(_ *string) string     { return "" }
func (p *fakeProvider) DefaultScopes() []string              { return nil }
func (p *fakeProvider) MaxLeaseHours() int                   { return 72 }

func (p *fakeProvider) AuthorizationURL(app providers.AppConfig, state string) (string, error) {
	return "", nil
}

func (p *fakeProvider) ExchangeCode(ctx context.Context, app providers.AppConfig, code string) (*providers.TokenGrant, error) {
	return nil, nil
}

func (p *fakeProvider) Refresh(ctx context.Context, app providers.AppConfig, refreshToken string) (*providers.TokenGrant, error) {
	return nil, nil
}

func (p *fakeProvider) FetchIdentity(ctx context.Context, accessToken string) (*providers.Identity, error) {
	return nil, nil
}

func (p *fakeProvider) CreateSubscription(ctx context.Context, accessToken string, req providers.SubscriptionRequest) (*providers.SubscriptionGrant, error) {
	return nil, nil
}

func (p *fakeProvider) RenewSubscription(ctx context.Context, accessToken, externalID string, leaseHours int) (*providers.SubscriptionGrant, error) {
	return nil, nil
}

func (p *fakeProvider) DeleteSubscription(ctx context.Context, accessToken, externalID string) error {
	return nil
}

func (p *fakeProvider) FetchResource(ctx context.Context, accessToken, resource string) (map[string]any, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.fetched, nil
}

func (p *fakeProvider) Normalize(raw map[string]any) (map[string]any, error) {
	return map[string]any{"message_id": raw["id"]}, nil
}

type processorFixture struct {
	processor   *Processor
	eventRepo   *fakeEventRepo
	tokenSource *fakeTokenSource
	provider    *fakeProvider
}

func newProcessorFixture(config ProcessorConfig) *processorFixture {
	f := &processorFixture{
		eventRepo: &fakeEventRepo{},
		tokenSource: &fakeTokenSource{
			token: &tokens.AccessToken{Token: "access-token", ExpiresAt: time.Now().Add(time.Hour)},
		},
		provider: &fakeProvider{fetched: map[string]any{"id": "msg-1"}},
	}
	credRepo := &fakeCredentialRepo{
		credential: &models.Credential{
			ID:       uuid.New(),
			Provider: models.ProviderMS365,
			Status:   models.CredentialStatusConnected,
		},
	}
	f.processor = NewProcessor(
		f.eventRepo,
		credRepo,
		f.tokenSource,
		providers.NewRegistry(f.provider),
		nil,
		config,
		getTestLogger(),
	)
	return f
}

func (f *processorFixture) setCredentialStatus(status models.CredentialStatus) {
	f.processor.credentials.(*fakeCredentialRepo).credential.Status = status
}

func newClaimedEvent(raw map[string]any) *models.WebhookEvent {
	return &models.WebhookEvent{
		ID:           uuid.New(),
		CredentialID: uuid.New(),
		Provider:     models.ProviderMS365,
		EventType:    "created",
		RawPayload:   database.JSONB[map[string]any]{Data: raw},
		Status:       models.EventStatusProcessing,
	}
}

func TestProcessor_ProcessEventFetchesAndNormalizes(t *testing.T) {
	f := newProcessorFixture(DefaultProcessorConfig())
	event := newClaimedEvent(map[string]any{"resource": "me/messages/msg-1"})

	f.processor.processEvent(context.Background(), event)

	require.Len(t, f.eventRepo.completed, 1)
	assert.Equal(t, event.ID, f.eventRepo.completed[0].id)
	assert.Equal(t, "msg-1", f.eventRepo.completed[0].normalized["message_id"])
	assert.Equal(t, 1, f.tokenSource.calls)
}

func TestProcessor_ProcessEventWithoutResourceSkipsFetch(t *testing.T) {
	f := newProcessorFixture(DefaultProcessorConfig())
	// No fetchable resource: the raw notification is the payload
	raw := map[string]any{"history_id": "100500", "email_address": "user@example.com"}
	event := newClaimedEvent(raw)

	f.processor.processEvent(context.Background(), event)

	require.Len(t, f.eventRepo.completed, 1)
	assert.Equal(t, raw, f.eventRepo.completed[0].normalized)
	assert.Equal(t, 0, f.tokenSource.calls, "no provider fetch means no token vend")
}

func TestProcessor_ProcessEventDeletionSkipsFetch(t *testing.T) {
	f := newProcessorFixture(DefaultProcessorConfig())
	event := newClaimedEvent(map[string]any{"resource": "me/messages/msg-1"})
	event.EventType = "deleted"

	f.processor.processEvent(context.Background(), event)

	require.Len(t, f.eventRepo.completed, 1)
	assert.Equal(t, 0, f.tokenSource.calls)
}

func TestProcessor_ProcessEventNotConnected(t *testing.T) {
	f := newProcessorFixture(DefaultProcessorConfig())
	f.setCredentialStatus(models.CredentialStatusError)
	event := newClaimedEvent(map[string]any{"resource": "me/messages/msg-1"})

	f.processor.processEvent(context.Background(), event)

	require.Len(t, f.eventRepo.failed, 1)
	assert.Contains(t, f.eventRepo.failed[0].message, "not connected")
	assert.Empty(t, f.eventRepo.retried)
}

func TestProcessor_ProcessEventReauthorizationRequired(t *testing.T) {
	f := newProcessorFixture(DefaultProcessorConfig())
	f.tokenSource.err = tokens.ErrReauthorizationRequired
	event := newClaimedEvent(map[string]any{"resource": "me/messages/msg-1"})

	f.processor.processEvent(context.Background(), event)

	require.Len(t, f.eventRepo.failed, 1)
	assert.Empty(t, f.eventRepo.retried)
}

func TestProcessor_ProcessEventTransientFailureRetries(t *testing.T) {
	f := newProcessorFixture(DefaultProcessorConfig())
	f.provider.fetchErr = &providers.TransientError{StatusCode: 503, Message: "unavailable"}
	event := newClaimedEvent(map[string]any{"resource": "me/messages/msg-1"})

	f.processor.processEvent(context.Background(), event)

	require.Len(t, f.eventRepo.retried, 1)
	assert.Equal(t, 1, f.eventRepo.retried[0].retryCount)
	assert.Equal(t, DefaultBackoffBase, f.eventRepo.retried[0].delay)
	assert.Empty(t, f.eventRepo.failed)
}

func TestProcessor_ProcessEventRetriesExhausted(t *testing.T) {
	f := newProcessorFixture(DefaultProcessorConfig())
	f.provider.fetchErr = &providers.TransientError{StatusCode: 503, Message: "unavailable"}
	event := newClaimedEvent(map[string]any{"resource": "me/messages/msg-1"})
	event.RetryCount = DefaultMaxRetries - 1

	f.processor.processEvent(context.Background(), event)

	require.Len(t, f.eventRepo.failed, 1)
	assert.Contains(t, f.eventRepo.failed[0].message, "retries exhausted")
	assert.Empty(t, f.eventRepo.retried)
}

func TestProcessor_ProcessEventAuthErrorDoesNotRetry(t *testing.T) {
	f := newProcessorFixture(DefaultProcessorConfig())
	f.provider.fetchErr = &providers.AuthError{Code: "token_rejected"}
	event := newClaimedEvent(map[string]any{"resource": "me/messages/msg-1"})

	f.processor.processEvent(context.Background(), event)

	require.Len(t, f.eventRepo.failed, 1)
	assert.Empty(t, f.eventRepo.retried)
}

func TestProcessor_Backoff(t *testing.T) {
	f := newProcessorFixture(ProcessorConfig{
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Hour,
	})

	assert.Equal(t, 30*time.Second, f.processor.backoff(1))
	assert.Equal(t, time.Minute, f.processor.backoff(2))
	assert.Equal(t, 2*time.Minute, f.processor.backoff(3))
	assert.Equal(t, 16*time.Minute, f.processor.backoff(6))
	assert.Equal(t, time.Hour, f.processor.backoff(20))
}

func TestProcessor_StartStop(t *testing.T) {
	config := DefaultProcessorConfig()
	config.PollInterval = 10 * time.Millisecond
	f := newProcessorFixture(config)
	f.eventRepo.claimable = []models.WebhookEvent{
		*newClaimedEvent(map[string]any{"resource": "me/messages/msg-1"}),
	}
	ctx := context.Background()

	require.NoError(t, f.processor.Start(ctx))
	assert.True(t, f.processor.IsRunning())
	assert.ErrorIs(t, f.processor.Start(ctx), ErrProcessorAlreadyRunning)

	// The claimed event drains before the stop completes
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.processor.Stop(stopCtx))
	assert.False(t, f.processor.IsRunning())

	f.eventRepo.mu.Lock()
	defer f.eventRepo.mu.Unlock()
	assert.Len(t, f.eventRepo.completed, 1)
}
