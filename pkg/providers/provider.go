package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// AppConfig is the decrypted OAuth application configuration a provider call
// runs under. Built per call from a credential; the sealed secret never
// leaves the manager that opened it.
type AppConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scopes       []string
	DirectoryID  *string
}

// TokenGrant is the result of a code exchange or refresh
type TokenGrant struct {
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
	GrantedScopes []string
}

// Identity describes the external account a credential is bound to
type Identity struct {
	ExternalAccountID string
	Email             string
	DisplayName       string
}

// SubscriptionRequest asks the provider to start pushing change
// notifications for a resource.
type SubscriptionRequest struct {
	ResourcePath    string
	ChangeTypes     []string
	NotificationURL string
	LeaseHours      int
}

// SubscriptionGrant is the provider's answer to a create or renew call
type SubscriptionGrant struct {
	ExternalID string
	ExpiresAt  time.Time
}

// Provider is the capability surface of one external productivity suite.
// One implementation per provider, selected by the credential's provider
// field.
type Provider interface {
	Name() models.Provider

	// Defaults fill config fields an operator omitted at credential creation
	DefaultAuthorizeURL(directoryID *string) string
	DefaultTokenURL(directoryID *string) string
	DefaultScopes() []string
	// MaxLeaseHours is the provider-imposed subscription lease ceiling
	MaxLeaseHours() int

	// AuthorizationURL composes the consent screen URL for the operator
	AuthorizationURL(app AppConfig, state string) (string, error)
	// ExchangeCode swaps an authorization code for the first token grant
	ExchangeCode(ctx context.Context, app AppConfig, code string) (*TokenGrant, error)
	// Refresh rotates the grant using a refresh token
	Refresh(ctx context.Context, app AppConfig, refreshToken string) (*TokenGrant, error)
	// FetchIdentity resolves the connected account behind an access token
	FetchIdentity(ctx context.Context, accessToken string) (*Identity, error)

	CreateSubscription(ctx context.Context, accessToken string, req SubscriptionRequest) (*SubscriptionGrant, error)
	RenewSubscription(ctx context.Context, accessToken, externalID string, leaseHours int) (*SubscriptionGrant, error)
	DeleteSubscription(ctx context.Context, accessToken, externalID string) error

	// FetchResource retrieves the raw resource a notification points at
	FetchResource(ctx context.Context, accessToken, resource string) (map[string]any, error)
	// Normalize projects a raw resource into the provider-neutral shape the
	// downstream consumer reads.
	Normalize(raw map[string]any) (map[string]any, error)
}

// Registry selects the Provider implementation for a credential
type Registry struct {
	providers map[models.Provider]Provider
}

// NewRegistry builds a registry from the given implementations
func NewRegistry(impls ...Provider) *Registry {
	providers := make(map[models.Provider]Provider, len(impls))
	for _, impl := range impls {
		providers[impl.Name()] = impl
	}
	return &Registry{providers: providers}
}

// Get returns the implementation for a provider kind
func (r *Registry) Get(name models.Provider) (Provider, error) {
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported provider '%s'", name)
	}
	return provider, nil
}

// NewAppConfig builds the per-call app config for a credential. The caller
// opens the sealed client secret; nothing here touches the cipher.
func NewAppConfig(credential *models.Credential, clientSecret string) AppConfig {
	return AppConfig{
		ClientID:     credential.ClientID,
		ClientSecret: clientSecret,
		AuthorizeURL: credential.AuthorizeURL,
		TokenURL:     credential.TokenURL,
		RedirectURI:  credential.RedirectURI,
		Scopes:       credential.Scopes,
		DirectoryID:  credential.DirectoryID,
	}
}
