package providers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getTestClient() *httpclient.Client {
	return httpclient.NewClient(httpclient.DefaultConfig(), getTestLogger())
}

func testAppConfig(tokenURL string) providers.AppConfig {
	return providers.AppConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthorizeURL: "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL:     tokenURL,
		RedirectURI:  "https://localhost/api/v1/oauth/callback",
		Scopes:       []string{"offline_access", "https://graph.microsoft.com/Mail.Read"},
	}
}

func TestMS365_AuthorizationURL(t *testing.T) {
	provider := providers.NewMS365(getTestClient(), getTestLogger())

	consent, err := provider.AuthorizationURL(testAppConfig("https://example.com/token"), "state-abc")
	require.NoError(t, err)

	parsed, err := url.Parse(consent)
	require.NoError(t, err)
	query := parsed.Query()
	assert.Equal(t, "client-id", query.Get("client_id"))
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "state-abc", query.Get("state"))
	assert.Equal(t, "query", query.Get("response_mode"))
	assert.Contains(t, query.Get("scope"), "offline_access")
}

func TestMS365_ExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		assert.Equal(t, "client-secret", r.PostForm.Get("client_secret"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-token",
			"refresh_token": "refresh-token",
			"expires_in":    3600,
			"scope":         "offline_access Mail.Read",
			"token_type":    "Bearer",
		})
	}))
	defer server.Close()

	provider := providers.NewMS365(getTestClient(), getTestLogger())
	grant, err := provider.ExchangeCode(context.Background(), testAppConfig(server.URL), "the-code")
	require.NoError(t, err)

	assert.Equal(t, "access-token", grant.AccessToken)
	assert.Equal(t, "refresh-token", grant.RefreshToken)
	assert.Equal(t, []string{"offline_access", "Mail.Read"}, grant.GrantedScopes)
	assert.WithinDuration(t, time.Now().Add(time.Hour), grant.ExpiresAt, 10*time.Second)
}

func TestMS365_ExchangeCodeErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       map[string]string
		isAuth     bool
	}{
		{
			name:       "invalid grant is terminal",
			statusCode: http.StatusBadRequest,
			body:       map[string]string{"error": "invalid_grant", "error_description": "consent revoked"},
			isAuth:     true,
		},
		{
			name:       "bad client secret is terminal",
			statusCode: http.StatusUnauthorized,
			body:       map[string]string{"error": "invalid_client"},
			isAuth:     true,
		},
		{
			name:       "server error is transient",
			statusCode: http.StatusServiceUnavailable,
			body:       map[string]string{"error": "temporarily_unavailable"},
			isAuth:     false,
		},
		{
			name:       "rate limit is transient",
			statusCode: http.StatusTooManyRequests,
			body:       map[string]string{},
			isAuth:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			provider := providers.NewMS365(getTestClient(), getTestLogger())
			_, err := provider.ExchangeCode(context.Background(), testAppConfig(server.URL), "the-code")
			require.Error(t, err)

			if tt.isAuth {
				assert.True(t, providers.IsAuthError(err), "expected auth error, got: %v", err)
				assert.False(t, providers.IsTransient(err))
			} else {
				assert.True(t, providers.IsTransient(err), "expected transient error, got: %v", err)
				assert.False(t, providers.IsAuthError(err))
			}
		})
	}
}

func TestMS365_FetchIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me", r.URL.Path)
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]any{
			"id":                "account-123",
			"mail":              "",
			"userPrincipalName": "user@example.onmicrosoft.com",
			"displayName":       "Example User",
		})
	}))
	defer server.Close()

	provider := providers.NewMS365WithGraphURL(getTestClient(), getTestLogger(), server.URL)
	identity, err := provider.FetchIdentity(context.Background(), "access-token")
	require.NoError(t, err)

	assert.Equal(t, "account-123", identity.ExternalAccountID)
	// userPrincipalName backfills a missing mail attribute
	assert.Equal(t, "user@example.onmicrosoft.com", identity.Email)
	assert.Equal(t, "Example User", identity.DisplayName)
}

func TestMS365_SubscriptionLifecycle(t *testing.T) {
	expiry := time.Now().UTC().Add(72 * time.Hour).Format(time.RFC3339)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/subscriptions":
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "created,updated", payload["changeType"])
			assert.Equal(t, "/me/mailFolders('inbox')/messages", payload["resource"])

			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"id":                 "graph-sub-1",
				"expirationDateTime": expiry,
			})
		case r.Method == http.MethodPatch && r.URL.Path == "/subscriptions/graph-sub-1":
			json.NewEncoder(w).Encode(map[string]any{
				"expirationDateTime": expiry,
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/subscriptions/graph-sub-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	provider := providers.NewMS365WithGraphURL(getTestClient(), getTestLogger(), server.URL)
	ctx := context.Background()

	grant, err := provider.CreateSubscription(ctx, "access-token", providers.SubscriptionRequest{
		ResourcePath:    "/me/mailFolders('inbox')/messages",
		ChangeTypes:     []string{"created", "updated"},
		NotificationURL: "https://localhost/api/v1/webhooks/ms365",
		LeaseHours:      72,
	})
	require.NoError(t, err)
	assert.Equal(t, "graph-sub-1", grant.ExternalID)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), grant.ExpiresAt, time.Minute)

	renewed, err := provider.RenewSubscription(ctx, "access-token", "graph-sub-1", 72)
	require.NoError(t, err)
	assert.Equal(t, "graph-sub-1", renewed.ExternalID)

	require.NoError(t, provider.DeleteSubscription(ctx, "access-token", "graph-sub-1"))
}

func TestMS365_DeleteSubscriptionAlreadyGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	provider := providers.NewMS365WithGraphURL(getTestClient(), getTestLogger(), server.URL)
	// The provider dropping the subscription first is not a failure
	require.NoError(t, provider.DeleteSubscription(context.Background(), "access-token", "graph-sub-1"))
}

func TestMS365_FetchResourceTokenRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := providers.NewMS365WithGraphURL(getTestClient(), getTestLogger(), server.URL)
	_, err := provider.FetchResource(context.Background(), "expired-token", "me/messages/msg-1")
	require.Error(t, err)
	assert.True(t, providers.IsAuthError(err))
}

func TestMS365_Normalize(t *testing.T) {
	provider := providers.NewMS365(getTestClient(), getTestLogger())

	raw := map[string]any{
		"id":      "msg-1",
		"subject": "Quarterly report",
		"from": map[string]any{
			"emailAddress": map[string]any{"address": "sender@example.com", "name": "Sender"},
		},
		"toRecipients": []any{
			map[string]any{"emailAddress": map[string]any{"address": "a@example.com"}},
			map[string]any{"emailAddress": map[string]any{"address": "b@example.com"}},
		},
		"receivedDateTime": "2026-08-30T12:00:00Z",
		"bodyPreview":      "Attached is the report",
		"hasAttachments":   true,
		"conversationId":   "conv-1",
	}

	normalized, err := provider.Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "msg-1", normalized["message_id"])
	assert.Equal(t, "Quarterly report", normalized["subject"])
	assert.Equal(t, "sender@example.com", normalized["from"])
	assert.Equal(t, []any{"a@example.com", "b@example.com"}, normalized["to"])
	assert.Equal(t, true, normalized["has_attachments"])
	// Absent source fields are omitted rather than set to null
	assert.NotContains(t, normalized, "cc")
}

func TestRegistry_Get(t *testing.T) {
	client := getTestClient()
	logger := getTestLogger()
	registry := providers.NewRegistry(
		providers.NewMS365(client, logger),
		providers.NewGoogleWorkspace(client, logger),
	)

	provider, err := registry.Get(models.ProviderMS365)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderMS365, provider.Name())

	_, err = registry.Get(models.Provider("slack"))
	require.Error(t, err)
}
