package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
)

const (
	ms365DefaultGraphURL = "https://graph.microsoft.com/v1.0"
	// Graph caps mail subscription leases at 4230 minutes short of 6 months;
	// in practice mail resources max out near 3 days so renewals matter.
	ms365MaxLeaseHours = 4230
)

// ms365NormalizeFields projects a raw Graph mail message into the
// provider-neutral event payload.
var ms365NormalizeFields = map[string]string{
	"message_id":      "id",
	"subject":         "subject",
	"from":            "from.emailAddress.address",
	"from_name":       "from.emailAddress.name",
	"to":              "toRecipients[].emailAddress.address",
	"cc":              "ccRecipients[].emailAddress.address",
	"received_at":     "receivedDateTime",
	"preview":         "bodyPreview",
	"has_attachments": "hasAttachments",
	"conversation_id": "conversationId",
}

// MS365 talks to the Microsoft identity platform and Graph
type MS365 struct {
	client    *httpclient.Client
	logger    ectologger.Logger
	evaluator *expressions.Evaluator
	graphURL  string
}

// NewMS365 creates the ms365 provider implementation
func NewMS365(client *httpclient.Client, logger ectologger.Logger) *MS365 {
	return NewMS365WithGraphURL(client, logger, ms365DefaultGraphURL)
}

// NewMS365WithGraphURL creates the ms365 provider against a custom Graph
// base URL. Used by tests to point at a stub server.
func NewMS365WithGraphURL(client *httpclient.Client, logger ectologger.Logger, graphURL string) *MS365 {
	return &MS365{
		client:    client,
		logger:    logger,
		evaluator: expressions.NewEvaluator(),
		graphURL:  strings.TrimRight(graphURL, "/"),
	}
}

func (p *MS365) Name() models.Provider {
	return models.ProviderMS365
}

func (p *MS365) DefaultAuthorizeURL(directoryID *string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", ms365Directory(directoryID))
}

func (p *MS365) DefaultTokenURL(directoryID *string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", ms365Directory(directoryID))
}

func (p *MS365) DefaultScopes() []string {
	return []string{
		"offline_access",
		"https://graph.microsoft.com/Mail.Read",
		"https://graph.microsoft.com/Mail.Send",
		"https://graph.microsoft.com/User.Read",
	}
}

func (p *MS365) MaxLeaseHours() int {
	return ms365MaxLeaseHours
}

func (p *MS365) AuthorizationURL(app AppConfig, state string) (string, error) {
	extra := url.Values{}
	extra.Set("response_mode", "query")
	extra.Set("prompt", "select_account")
	return consentURL(app, state, extra)
}

func (p *MS365) ExchangeCode(ctx context.Context, app AppConfig, code string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", app.ClientID)
	form.Set("client_secret", app.ClientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", app.RedirectURI)
	form.Set("scope", strings.Join(app.Scopes, " "))

	return postTokenForm(ctx, p.client, app.TokenURL, form)
}

func (p *MS365) Refresh(ctx context.Context, app AppConfig, refreshToken string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", app.ClientID)
	form.Set("client_secret", app.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", strings.Join(app.Scopes, " "))

	return postTokenForm(ctx, p.client, app.TokenURL, form)
}

func (p *MS365) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	resp, err := p.client.Get(ctx, p.graphURL+"/me", bearerHeaders(accessToken))
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyAPIFailure(resp.StatusCode, string(resp.Body))
	}

	var me struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
	}
	if err := json.Unmarshal(resp.Body, &me); err != nil {
		return nil, fmt.Errorf("failed to parse identity response: %w", err)
	}

	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	return &Identity{
		ExternalAccountID: me.ID,
		Email:             email,
		DisplayName:       me.DisplayName,
	}, nil
}

// graphSubscription is the Graph subscription resource shape
type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

func (p *MS365) CreateSubscription(ctx context.Context, accessToken string, req SubscriptionRequest) (*SubscriptionGrant, error) {
	payload := graphSubscription{
		ChangeType:         strings.Join(req.ChangeTypes, ","),
		NotificationURL:    req.NotificationURL,
		Resource:           req.ResourcePath,
		ExpirationDateTime: leaseExpiry(req.LeaseHours),
	}

	grant, err := p.subscriptionCall(ctx, http.MethodPost, p.graphURL+"/subscriptions", accessToken, payload, http.StatusCreated)
	if err != nil {
		return nil, err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"external_subscription_id": grant.ExternalID,
		"resource":                 req.ResourcePath,
	}).Info("Created Graph subscription")
	return grant, nil
}

func (p *MS365) RenewSubscription(ctx context.Context, accessToken, externalID string, leaseHours int) (*SubscriptionGrant, error) {
	payload := graphSubscription{ExpirationDateTime: leaseExpiry(leaseHours)}

	grant, err := p.subscriptionCall(ctx, http.MethodPatch, p.graphURL+"/subscriptions/"+externalID, accessToken, payload, http.StatusOK)
	if err != nil {
		return nil, err
	}
	// Graph keeps the id stable across renewals
	grant.ExternalID = externalID
	return grant, nil
}

func (p *MS365) DeleteSubscription(ctx context.Context, accessToken, externalID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.graphURL+"/subscriptions/"+externalID, nil)
	if err != nil {
		return err
	}
	for key, value := range bearerHeaders(accessToken) {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return &TransientError{Err: err}
	}
	// 404 means the provider already dropped it
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return classifyAPIFailure(resp.StatusCode, string(resp.Body))
	}
	return nil
}

func (p *MS365) FetchResource(ctx context.Context, accessToken, resource string) (map[string]any, error) {
	resp, err := p.client.Get(ctx, p.graphURL+"/"+strings.TrimLeft(resource, "/"), bearerHeaders(accessToken))
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyAPIFailure(resp.StatusCode, string(resp.Body))
	}

	var raw map[string]any
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse resource response: %w", err)
	}
	return raw, nil
}

func (p *MS365) Normalize(raw map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(ms365NormalizeFields))
	for field, expression := range ms365NormalizeFields {
		value, err := p.evaluator.Evaluate(expression, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize field %q: %w", field, err)
		}
		if value != nil {
			normalized[field] = value
		}
	}
	return normalized, nil
}

func (p *MS365) subscriptionCall(ctx context.Context, method, callURL, accessToken string, payload graphSubscription, wantStatus int) (*SubscriptionGrant, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, callURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, value := range bearerHeaders(accessToken) {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if resp.StatusCode != wantStatus && resp.StatusCode != http.StatusOK {
		return nil, classifyAPIFailure(resp.StatusCode, string(resp.Body))
	}

	var result graphSubscription
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse subscription response: %w", err)
	}

	expiresAt, err := time.Parse(time.RFC3339, result.ExpirationDateTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subscription expiry %q: %w", result.ExpirationDateTime, err)
	}
	return &SubscriptionGrant{ExternalID: result.ID, ExpiresAt: expiresAt}, nil
}

func ms365Directory(directoryID *string) string {
	if directoryID != nil && *directoryID != "" {
		return *directoryID
	}
	return "common"
}

func leaseExpiry(leaseHours int) string {
	return time.Now().UTC().Add(time.Duration(leaseHours) * time.Hour).Format(time.RFC3339)
}
