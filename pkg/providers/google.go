package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
)

const (
	googleDefaultAPIURL = "https://gmail.googleapis.com"
	googleUserinfoURL   = "https://openidconnect.googleapis.com/v1/userinfo"
	// Gmail watch registrations live at most 7 days
	googleMaxLeaseHours = 168
)

var googleNormalizeFields = map[string]string{
	"message_id":  "id",
	"thread_id":   "threadId",
	"subject":     "payload.headers[?name=='Subject'].value | [0]",
	"from":        "payload.headers[?name=='From'].value | [0]",
	"to":          "payload.headers[?name=='To'].value | [0]",
	"received_at": "payload.headers[?name=='Date'].value | [0]",
	"preview":     "snippet",
	"labels":      "labelIds",
}

// GoogleWorkspace talks to Google's OAuth endpoints and the Gmail API
type GoogleWorkspace struct {
	client      *httpclient.Client
	logger      ectologger.Logger
	evaluator   *expressions.Evaluator
	apiURL      string
	userinfoURL string
}

// NewGoogleWorkspace creates the google_workspace provider implementation
func NewGoogleWorkspace(client *httpclient.Client, logger ectologger.Logger) *GoogleWorkspace {
	return NewGoogleWorkspaceWithURLs(client, logger, googleDefaultAPIURL, googleUserinfoURL)
}

// NewGoogleWorkspaceWithURLs creates the provider against custom API base
// URLs. Used by tests to point at a stub server.
func NewGoogleWorkspaceWithURLs(client *httpclient.Client, logger ectologger.Logger, apiURL, userinfoURL string) *GoogleWorkspace {
	return &GoogleWorkspace{
		client:      client,
		logger:      logger,
		evaluator:   expressions.NewEvaluator(),
		apiURL:      apiURL,
		userinfoURL: userinfoURL,
	}
}

func (p *GoogleWorkspace) Name() models.Provider {
	return models.ProviderGoogleWorkspace
}

func (p *GoogleWorkspace) DefaultAuthorizeURL(_ *string) string {
	return "https://accounts.google.com/o/oauth2/v2/auth"
}

func (p *GoogleWorkspace) DefaultTokenURL(_ *string) string {
	return "https://oauth2.googleapis.com/token"
}

func (p *GoogleWorkspace) DefaultScopes() []string {
	return []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.send",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	}
}

func (p *GoogleWorkspace) MaxLeaseHours() int {
	return googleMaxLeaseHours
}

func (p *GoogleWorkspace) AuthorizationURL(app AppConfig, state string) (string, error) {
	// offline access plus forced consent so a refresh token is always granted
	extra := url.Values{}
	extra.Set("access_type", "offline")
	extra.Set("prompt", "consent")
	return consentURL(app, state, extra)
}

func (p *GoogleWorkspace) ExchangeCode(ctx context.Context, app AppConfig, code string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", app.ClientID)
	form.Set("client_secret", app.ClientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", app.RedirectURI)

	return postTokenForm(ctx, p.client, app.TokenURL, form)
}

func (p *GoogleWorkspace) Refresh(ctx context.Context, app AppConfig, refreshToken string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", app.ClientID)
	form.Set("client_secret", app.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return postTokenForm(ctx, p.client, app.TokenURL, form)
}

func (p *GoogleWorkspace) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	resp, err := p.client.Get(ctx, p.userinfoURL, bearerHeaders(accessToken))
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyAPIFailure(resp.StatusCode, string(resp.Body))
	}

	var userinfo struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(resp.Body, &userinfo); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	return &Identity{
		ExternalAccountID: userinfo.Sub,
		Email:             userinfo.Email,
		DisplayName:       userinfo.Name,
	}, nil
}

// CreateSubscription registers a Gmail watch. Gmail pushes through a
// Pub/Sub topic named in the resource path rather than calling the
// notification URL directly, and it does not assign a stable subscription
// id, so the returned history id stands in as the external id.
func (p *GoogleWorkspace) CreateSubscription(ctx context.Context, accessToken string, req SubscriptionRequest) (*SubscriptionGrant, error) {
	grant, err := p.watch(ctx, accessToken, req.ResourcePath, req.ChangeTypes)
	if err != nil {
		return nil, err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"external_subscription_id": grant.ExternalID,
		"topic":                    req.ResourcePath,
	}).Info("Created Gmail watch")
	return grant, nil
}

// RenewSubscription re-issues the watch. Gmail has no renew call; the
// external id from the original registration is kept so the local row stays
// stable.
func (p *GoogleWorkspace) RenewSubscription(ctx context.Context, accessToken, externalID string, _ int) (*SubscriptionGrant, error) {
	grant, err := p.watch(ctx, accessToken, "", nil)
	if err != nil {
		return nil, err
	}
	grant.ExternalID = externalID
	return grant, nil
}

func (p *GoogleWorkspace) DeleteSubscription(ctx context.Context, accessToken, _ string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/gmail/v1/users/me/stop", nil)
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
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return classifyAPIFailure(resp.StatusCode, string(resp.Body))
	}
	return nil
}

func (p *GoogleWorkspace) FetchResource(ctx context.Context, accessToken, resourceID string) (map[string]any, error) {
	resp, err := p.client.Get(ctx, p.apiURL+"/gmail/v1/users/me/messages/"+url.PathEscape(resourceID), bearerHeaders(accessToken))
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyAPIFailure(resp.StatusCode, string(resp.Body))
	}

	var raw map[string]any
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse message response: %w", err)
	}
	return raw, nil
}

func (p *GoogleWorkspace) Normalize(raw map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(googleNormalizeFields))
	for field, expression := range googleNormalizeFields {
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

func (p *GoogleWorkspace) watch(ctx context.Context, accessToken, topicName string, labelIDs []string) (*SubscriptionGrant, error) {
	payload := map[string]any{}
	if topicName != "" {
		payload["topicName"] = topicName
	}
	if len(labelIDs) > 0 {
		payload["labelIds"] = labelIDs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/gmail/v1/users/me/watch", bytes.NewReader(body))
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
	if resp.StatusCode != http.StatusOK {
		return nil, classifyAPIFailure(resp.StatusCode, string(resp.Body))
	}

	var result struct {
		HistoryID  string `json:"historyId"`
		Expiration string `json:"expiration"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse watch response: %w", err)
	}

	expirationMillis, err := strconv.ParseInt(result.Expiration, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse watch expiration %q: %w", result.Expiration, err)
	}
	return &SubscriptionGrant{
		ExternalID: result.HistoryID,
		ExpiresAt:  time.UnixMilli(expirationMillis),
	}, nil
}
