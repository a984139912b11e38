package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Ramsey-B/clover/pkg/httpclient"
)

// tokenResponse is the wire shape of both providers' token endpoints
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// postTokenForm executes a form-encoded token endpoint call and classifies
// failures into the auth/transient taxonomy.
func postTokenForm(ctx context.Context, client *httpclient.Client, tokenURL string, form url.Values) (*TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(ctx, req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var body oauthErrorBody
		_ = json.Unmarshal(resp.Body, &body)
		return nil, classifyTokenFailure(resp.StatusCode, body)
	}

	var token tokenResponse
	if err := json.Unmarshal(resp.Body, &token); err != nil {
		return nil, &AuthError{Code: "malformed_token_response", Description: err.Error()}
	}
	if token.AccessToken == "" {
		return nil, &AuthError{Code: "malformed_token_response", Description: "token endpoint returned no access token"}
	}

	grant := &TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}
	if token.Scope != "" {
		grant.GrantedScopes = strings.Fields(token.Scope)
	}
	return grant, nil
}

// consentURL composes an authorization-code consent URL from the app config
// plus provider-specific extra parameters.
func consentURL(app AppConfig, state string, extra url.Values) (string, error) {
	parsed, err := url.Parse(app.AuthorizeURL)
	if err != nil {
		return "", err
	}

	query := parsed.Query()
	query.Set("client_id", app.ClientID)
	query.Set("response_type", "code")
	query.Set("redirect_uri", app.RedirectURI)
	query.Set("scope", strings.Join(app.Scopes, " "))
	query.Set("state", state)
	for key, values := range extra {
		for _, value := range values {
			query.Set(key, value)
		}
	}

	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// bearerHeaders builds the auth headers for a resource API call
func bearerHeaders(accessToken string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + accessToken,
		"Accept":        "application/json",
	}
}
