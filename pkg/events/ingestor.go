package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Result summarizes one inbound delivery
type Result struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Unknown    int `json:"unknown"`
}

// graphNotification is one change notification inside a Microsoft Graph
// delivery envelope.
type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
	ClientState string `json:"clientState"`
}

type graphEnvelope struct {
	Value []graphNotification `json:"value"`
}

// pubsubPush is the Pub/Sub push wrapper Gmail notifications arrive in
type pubsubPush struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded Pub/Sub message payload
type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Ingestor turns provider deliveries into deduplicated pending events. It
// does no provider calls and no processing; the worker owns both.
type Ingestor struct {
	subscriptions repositories.SubscriptionRepo
	events        repositories.EventRepo
	logger        ectologger.Logger
}

// NewIngestor creates an ingestor
func NewIngestor(
	subscriptions repositories.SubscriptionRepo,
	events repositories.EventRepo,
	logger ectologger.Logger,
) *Ingestor {
	return &Ingestor{
		subscriptions: subscriptions,
		events:        events,
		logger:        logger,
	}
}

// IngestNotifications handles a Microsoft Graph style delivery: an envelope
// of change notifications, each carrying the external subscription id it
// belongs to. Notifications for unknown subscriptions are dropped, not
// errored; the provider retries errors and the subscription may simply have
// been deleted locally.
func (i *Ingestor) IngestNotifications(ctx context.Context, provider models.Provider, body []byte) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "events.Ingestor.IngestNotifications")
	defer span.End()

	var envelope graphEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "malformed notification payload")
	}

	result := &Result{}
	for _, notification := range envelope.Value {
		subscription, err := i.subscriptions.GetByExternalID(ctx, provider, notification.SubscriptionID)
		if err != nil {
			result.Unknown++
			metrics.RecordWebhookDelivery(string(provider), "unknown_subscription")
			i.logger.WithContext(ctx).WithFields(map[string]any{
				"provider":                 provider,
				"external_subscription_id": notification.SubscriptionID,
			}).Warn("notification for unknown subscription dropped")
			continue
		}

		raw := map[string]any{
			"subscription_id": notification.SubscriptionID,
			"change_type":     notification.ChangeType,
			"resource":        notification.Resource,
			"resource_id":     notification.ResourceData.ID,
		}
		event := &models.WebhookEvent{
			CredentialID:       subscription.CredentialID,
			SubscriptionID:     subscription.ID,
			Provider:           provider,
			EventType:          notification.ChangeType,
			IdempotencyKey:     models.EventIdempotencyKey(subscription.CredentialID, notification.SubscriptionID, notification.ResourceData.ID),
			ExternalResourceID: notification.ResourceData.ID,
			RawPayload:         database.JSONB[map[string]any]{Data: raw},
		}

		inserted, err := i.events.InsertDeduplicated(ctx, event)
		if err != nil {
			return nil, err
		}
		if inserted {
			result.Accepted++
			metrics.RecordWebhookDelivery(string(provider), "accepted")
		} else {
			result.Duplicates++
			metrics.RecordWebhookDelivery(string(provider), "duplicate")
		}

		if err := i.subscriptions.TouchNotification(ctx, subscription.ID); err != nil {
			i.logger.WithContext(ctx).WithError(err).Warn("failed to touch subscription notification time")
		}
	}

	return result, nil
}

// IngestPubSubPush handles a Gmail delivery via a Pub/Sub push subscription.
// Gmail carries no subscription id in the payload, so the push endpoint URL
// addresses our subscription row directly.
func (i *Ingestor) IngestPubSubPush(ctx context.Context, subscriptionID uuid.UUID, body []byte) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "events.Ingestor.IngestPubSubPush")
	defer span.End()

	var push pubsubPush
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "malformed push payload")
	}

	data, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "malformed push message data")
	}
	var notification gmailNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "malformed push message data")
	}

	subscription, err := i.subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		metrics.RecordWebhookDelivery(string(models.ProviderGoogleWorkspace), "unknown_subscription")
		return &Result{Unknown: 1}, nil
	}

	historyID := strconv.FormatUint(notification.HistoryID, 10)
	raw := map[string]any{
		"email_address": notification.EmailAddress,
		"history_id":    historyID,
		"message_id":    push.Message.MessageID,
	}
	event := &models.WebhookEvent{
		CredentialID:       subscription.CredentialID,
		SubscriptionID:     subscription.ID,
		Provider:           subscription.Provider,
		EventType:          "history_changed",
		IdempotencyKey:     models.EventIdempotencyKey(subscription.CredentialID, subscription.ExternalSubscriptionID, historyID),
		ExternalResourceID: historyID,
		RawPayload:         database.JSONB[map[string]any]{Data: raw},
	}

	inserted, err := i.events.InsertDeduplicated(ctx, event)
	if err != nil {
		return nil, err
	}

	if err := i.subscriptions.TouchNotification(ctx, subscription.ID); err != nil {
		i.logger.WithContext(ctx).WithError(err).Warn("failed to touch subscription notification time")
	}

	if inserted {
		metrics.RecordWebhookDelivery(string(subscription.Provider), "accepted")
		return &Result{Accepted: 1}, nil
	}
	metrics.RecordWebhookDelivery(string(subscription.Provider), "duplicate")
	return &Result{Duplicates: 1}, nil
}
