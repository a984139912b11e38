package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tokens"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ErrProcessorAlreadyRunning is returned when trying to start a running processor
var ErrProcessorAlreadyRunning = errors.New("processor already running")

const (
	// DefaultBatchSize is the number of events claimed per poll
	DefaultBatchSize = 25

	// DefaultPollInterval is how long to wait between claim attempts
	DefaultPollInterval = 5 * time.Second

	// DefaultWorkerCount is the number of processing goroutines
	DefaultWorkerCount = 4

	// DefaultMaxRetries is the retry ceiling before an event goes to failed
	DefaultMaxRetries = 5

	// DefaultBackoffBase is the first retry delay; each retry doubles it
	DefaultBackoffBase = 30 * time.Second

	// DefaultBackoffCap bounds the retry delay
	DefaultBackoffCap = time.Hour
)

// ProcessorConfig holds configuration for the event processor
type ProcessorConfig struct {
	// BatchSize is the maximum number of events to claim per poll
	BatchSize int

	// PollInterval is how long to wait between polls
	PollInterval time.Duration

	// WorkerCount is the number of processing goroutines
	WorkerCount int

	// MaxRetries is the retry ceiling before an event is marked failed
	MaxRetries int

	// BackoffBase is the first retry delay
	BackoffBase time.Duration

	// BackoffCap bounds the exponential backoff
	BackoffCap time.Duration
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:    DefaultBatchSize,
		PollInterval: DefaultPollInterval,
		WorkerCount:  DefaultWorkerCount,
		MaxRetries:   DefaultMaxRetries,
		BackoffBase:  DefaultBackoffBase,
		BackoffCap:   DefaultBackoffCap,
	}
}

// TokenSource hands out valid access tokens for a credential. Satisfied by
// the token manager.
type TokenSource interface {
	GetValidToken(ctx context.Context, credentialID uuid.UUID) (*tokens.AccessToken, error)
}

// Processor drains pending webhook events. Claiming is a conditional update
// in the store, so any number of instances can run the same loop without
// double-processing.
type Processor struct {
	events      repositories.EventRepo
	credentials repositories.CredentialRepo
	tokens      TokenSource
	registry    *providers.Registry
	producer    *kafka.Producer
	config      ProcessorConfig
	logger      ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	eventsCh chan models.WebhookEvent

	running bool
	mu      sync.RWMutex
}

// NewProcessor creates a new event processor
func NewProcessor(
	events repositories.EventRepo,
	credentials repositories.CredentialRepo,
	tokens TokenSource,
	registry *providers.Registry,
	producer *kafka.Producer,
	config ProcessorConfig,
	logger ectologger.Logger,
) *Processor {
	// Apply defaults
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultWorkerCount
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultBackoffBase
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = DefaultBackoffCap
	}

	return &Processor{
		events:      events,
		credentials: credentials,
		tokens:      tokens,
		registry:    registry,
		producer:    producer,
		config:      config,
		logger:      logger,
		stopCh:      make(chan struct{}),
		stoppedC:    make(chan struct{}),
		eventsCh:    make(chan models.WebhookEvent, config.BatchSize*2),
	}
}

// Start starts the processor
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrProcessorAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	p.logger.WithContext(ctx).Infof("Starting event processor: batch_size=%d poll_interval=%s workers=%d max_retries=%d",
		p.config.BatchSize, p.config.PollInterval, p.config.WorkerCount, p.config.MaxRetries)

	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, i)
	}

	go func() {
		p.pollLoop(ctx)
		// No more sends after pollLoop returns; workers drain what is left
		close(p.eventsCh)
		wg.Wait()
		close(p.stoppedC)
	}()

	p.logger.WithContext(ctx).Info("Event processor started")
	return nil
}

// Stop stops the processor gracefully, finishing events already claimed
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping event processor...")

	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Event processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Event processor shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the processor is running
func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// pollLoop claims batches of due pending events and hands them to workers
func (p *Processor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	p.claimAndDispatch(ctx)

	for {
		select {
		case <-p.stopCh:
			p.logger.WithContext(ctx).Debug("Event poll loop stopping")
			return
		case <-ticker.C:
			p.claimAndDispatch(ctx)
		}
	}
}

func (p *Processor) claimAndDispatch(ctx context.Context) {
	events, err := p.events.ClaimBatch(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to claim events")
		return
	}
	if len(events) == 0 {
		return
	}

	p.logger.WithContext(ctx).Debugf("Claimed %d events", len(events))

	// eventsCh has room for a full batch, so claimed events are always
	// dispatched even when a stop arrives mid-loop.
	for _, event := range events {
		p.eventsCh <- event
	}
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Event worker %d started", id)

	for event := range p.eventsCh {
		p.processEvent(ctx, &event)
	}

	p.logger.WithContext(ctx).Debugf("Event worker %d stopped", id)
}

// processEvent drives one claimed event to a terminal or retryable state
func (p *Processor) processEvent(ctx context.Context, event *models.WebhookEvent) {
	ctx, span := tracing.StartSpan(ctx, "worker.Processor.processEvent")
	defer span.End()

	metrics.EventsInFlight.Inc()
	defer metrics.EventsInFlight.Dec()
	start := time.Now()

	normalized, err := p.handle(ctx, event)
	if err != nil {
		p.resolveFailure(ctx, event, err)
		metrics.RecordEventProcessed(string(event.Provider), "failure", time.Since(start).Seconds())
		return
	}

	if err := p.events.MarkCompleted(ctx, event.ID, normalized); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_id": event.ID,
		}).Error("failed to mark event completed")
		return
	}
	metrics.RecordEventProcessed(string(event.Provider), "success", time.Since(start).Seconds())

	p.publish(ctx, event, normalized)
}

// handle produces the normalized payload for one event. A nil error means
// the event is done; the error's type decides retry versus failed.
func (p *Processor) handle(ctx context.Context, event *models.WebhookEvent) (map[string]any, error) {
	credential, err := p.credentials.GetByID(ctx, event.CredentialID)
	if err != nil {
		return nil, &providers.TransientError{Err: err}
	}
	if credential.Status != models.CredentialStatusConnected {
		return nil, tokens.ErrNotConnected
	}

	provider, err := p.registry.Get(event.Provider)
	if err != nil {
		return nil, err
	}

	raw := event.RawPayload.Data

	// Deletions and history pointers carry no fetchable resource; the raw
	// notification is the payload.
	resource, _ := raw["resource"].(string)
	if resource == "" || event.EventType == "deleted" {
		return raw, nil
	}

	token, err := p.tokens.GetValidToken(ctx, event.CredentialID)
	if err != nil {
		return nil, err
	}

	fetched, err := provider.FetchResource(ctx, token.Token, resource)
	if err != nil {
		return nil, err
	}

	return provider.Normalize(fetched)
}

// resolveFailure routes an error to retry, retry exhaustion, or failed
func (p *Processor) resolveFailure(ctx context.Context, event *models.WebhookEvent, cause error) {
	logger := p.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
		"event_id":      event.ID,
		"credential_id": event.CredentialID,
		"retry_count":   event.RetryCount,
	})

	if !p.retryable(cause) {
		logger.Error("event failed terminally")
		if err := p.events.MarkFailed(ctx, event.ID, cause.Error()); err != nil {
			logger.WithError(err).Error("failed to mark event failed")
		}
		return
	}

	retryCount := event.RetryCount + 1
	if retryCount >= p.config.MaxRetries {
		logger.Error("event failed after exhausting retries")
		if err := p.events.MarkFailed(ctx, event.ID, "retries exhausted: "+cause.Error()); err != nil {
			logger.WithError(err).Error("failed to mark event failed")
		}
		return
	}

	delay := p.backoff(retryCount)
	logger.Warnf("event processing failed, retrying in %s", delay)
	if err := p.events.MarkRetry(ctx, event.ID, retryCount, delay, cause.Error()); err != nil {
		logger.WithError(err).Error("failed to schedule event retry")
	}
}

// retryable reports whether an error is worth another attempt. Auth errors
// and dead credentials are not; the operator has to act first.
func (p *Processor) retryable(err error) bool {
	if errors.Is(err, tokens.ErrReauthorizationRequired) || errors.Is(err, tokens.ErrNotConnected) {
		return false
	}
	if providers.IsAuthError(err) {
		return false
	}
	return providers.IsTransient(err)
}

// backoff doubles the base delay per retry, capped
func (p *Processor) backoff(retryCount int) time.Duration {
	delay := p.config.BackoffBase
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= p.config.BackoffCap {
			return p.config.BackoffCap
		}
	}
	return delay
}

func (p *Processor) publish(ctx context.Context, event *models.WebhookEvent, normalized map[string]any) {
	if p.producer == nil {
		return
	}

	msg := &kafka.EventMessage{
		EventID:            event.ID.String(),
		CredentialID:       event.CredentialID.String(),
		SubscriptionID:     event.SubscriptionID.String(),
		Provider:           string(event.Provider),
		EventType:          event.EventType,
		ExternalResourceID: event.ExternalResourceID,
		Payload:            normalized,
	}
	if err := p.producer.PublishEvent(ctx, msg); err != nil {
		// The event row is already completed; losing the message is
		// tolerable, losing the row state is not.
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_id": event.ID,
		}).Warn("failed to publish processed event")
	}
}
