package credentials

import (
	"context"
	"net/http"
	"regexp"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/secrets"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// CreateRequest is the operator's input for a new credential
type CreateRequest struct {
	Slug        string   `json:"slug"`
	DisplayName string   `json:"display_name"`
	Provider    string   `json:"provider"`
	ClientID    string   `json:"client_id"`
	// ClientSecret arrives in plaintext exactly once and is sealed before
	// it touches the store.
	ClientSecret string   `json:"client_secret"`
	AuthorizeURL string   `json:"authorize_url"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes"`
	RedirectURI  string   `json:"redirect_uri"`
	DirectoryID  *string  `json:"directory_id"`
}

// UpdateRequest carries the mutable fields of a credential. Nil pointers
// leave the stored value alone.
type UpdateRequest struct {
	DisplayName  *string  `json:"display_name"`
	ClientID     *string  `json:"client_id"`
	ClientSecret *string  `json:"client_secret"`
	AuthorizeURL *string  `json:"authorize_url"`
	TokenURL     *string  `json:"token_url"`
	Scopes       []string `json:"scopes"`
	RedirectURI  *string  `json:"redirect_uri"`
	DirectoryID  *string  `json:"directory_id"`
}

// Manager owns the credential lifecycle from creation through the consent
// flow to connection.
type Manager struct {
	credentials repositories.CredentialRepo
	tokens      repositories.TokenRepo
	registry    *providers.Registry
	cipher      *secrets.Cipher
	states      *StateStore
	logger      ectologger.Logger
}

// NewManager creates a credential manager
func NewManager(
	credentials repositories.CredentialRepo,
	tokens repositories.TokenRepo,
	registry *providers.Registry,
	cipher *secrets.Cipher,
	states *StateStore,
	logger ectologger.Logger,
) *Manager {
	return &Manager{
		credentials: credentials,
		tokens:      tokens,
		registry:    registry,
		cipher:      cipher,
		states:      states,
		logger:      logger,
	}
}

// Create validates the request, fills provider defaults for omitted OAuth
// endpoints and scopes, seals the client secret, and stores the credential
// in pending status.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "credentials.Manager.Create")
	defer span.End()

	if !slugPattern.MatchString(req.Slug) {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "slug must be 2-63 chars of lowercase letters, digits, and hyphens, starting with a letter or digit")
	}

	providerName := models.Provider(req.Provider)
	provider, err := m.registry.Get(providerName)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if req.ClientID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}
	if req.ClientSecret == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "client_secret is required")
	}
	if req.RedirectURI == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "redirect_uri is required")
	}

	sealed, err := m.cipher.Seal(req.ClientSecret)
	if err != nil {
		return nil, err
	}

	credential := &models.Credential{
		Slug:         req.Slug,
		DisplayName:  req.DisplayName,
		Provider:     providerName,
		ClientID:     req.ClientID,
		ClientSecret: sealed,
		AuthorizeURL: req.AuthorizeURL,
		TokenURL:     req.TokenURL,
		Scopes:       req.Scopes,
		RedirectURI:  req.RedirectURI,
		DirectoryID:  req.DirectoryID,
	}
	if credential.DisplayName == "" {
		credential.DisplayName = credential.Slug
	}
	if credential.AuthorizeURL == "" {
		credential.AuthorizeURL = provider.DefaultAuthorizeURL(req.DirectoryID)
	}
	if credential.TokenURL == "" {
		credential.TokenURL = provider.DefaultTokenURL(req.DirectoryID)
	}
	if len(credential.Scopes) == 0 {
		credential.Scopes = provider.DefaultScopes()
	}

	if err := m.credentials.Create(ctx, credential); err != nil {
		return nil, err
	}
	return credential, nil
}

// Get returns a credential by id
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	return m.credentials.GetByID(ctx, id)
}

// GetBySlug returns a credential by its slug
func (m *Manager) GetBySlug(ctx context.Context, slug string) (*models.Credential, error) {
	return m.credentials.GetBySlug(ctx, slug)
}

// List returns all credentials
func (m *Manager) List(ctx context.Context) ([]models.Credential, error) {
	return m.credentials.List(ctx)
}

// Update applies the given fields. Changing any OAuth app config resets the
// credential to pending and drops its tokens; the old grant was issued to
// the old app registration and cannot be trusted with the new one.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "credentials.Manager.Update")
	defer span.End()

	credential, err := m.credentials.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	oauthChanged := false
	if req.DisplayName != nil {
		credential.DisplayName = *req.DisplayName
	}
	if req.ClientID != nil && *req.ClientID != credential.ClientID {
		credential.ClientID = *req.ClientID
		oauthChanged = true
	}
	if req.ClientSecret != nil {
		sealed, err := m.cipher.Seal(*req.ClientSecret)
		if err != nil {
			return nil, err
		}
		credential.ClientSecret = sealed
		oauthChanged = true
	}
	if req.AuthorizeURL != nil && *req.AuthorizeURL != credential.AuthorizeURL {
		credential.AuthorizeURL = *req.AuthorizeURL
		oauthChanged = true
	}
	if req.TokenURL != nil && *req.TokenURL != credential.TokenURL {
		credential.TokenURL = *req.TokenURL
		oauthChanged = true
	}
	if req.Scopes != nil {
		credential.Scopes = req.Scopes
		oauthChanged = true
	}
	if req.RedirectURI != nil && *req.RedirectURI != credential.RedirectURI {
		credential.RedirectURI = *req.RedirectURI
		oauthChanged = true
	}
	if req.DirectoryID != nil {
		credential.DirectoryID = req.DirectoryID
		oauthChanged = true
	}

	if oauthChanged {
		credential.Status = models.CredentialStatusPending
		credential.ErrorMessage = nil
	}

	if err := m.credentials.Update(ctx, credential); err != nil {
		return nil, err
	}

	if oauthChanged {
		if err := m.tokens.DeleteByCredentialID(ctx, id); err != nil {
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"credential_id": id,
			}).Error("failed to drop token set after config change")
		}
	}
	return credential, nil
}

// Delete removes a credential and everything hanging off it
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	return m.credentials.Delete(ctx, id)
}

// BuildAuthorizationURL issues a one-time state and composes the consent
// screen URL for the operator to visit.
func (m *Manager) BuildAuthorizationURL(ctx context.Context, id uuid.UUID) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "credentials.Manager.BuildAuthorizationURL")
	defer span.End()

	credential, err := m.credentials.GetByID(ctx, id)
	if err != nil {
		return "", err
	}

	provider, err := m.registry.Get(credential.Provider)
	if err != nil {
		return "", err
	}

	state, err := m.states.Issue(ctx, credential.ID)
	if err != nil {
		return "", err
	}

	// The consent URL never needs the client secret
	return provider.AuthorizationURL(providers.NewAppConfig(credential, ""), state)
}

// HandleCallback finishes the consent flow: it consumes the state, exchanges
// the code, resolves the connected identity, and stores tokens and identity
// atomically. Any failure after state validation parks the credential in
// error status with the cause.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "credentials.Manager.HandleCallback")
	defer span.End()

	credentialID, err := m.states.Consume(ctx, state)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, ErrInvalidState.Error())
	}
	if code == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "authorization code is required")
	}

	credential, err := m.credentials.GetByID(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	provider, err := m.registry.Get(credential.Provider)
	if err != nil {
		return nil, err
	}

	clientSecret, err := m.cipher.Open(credential.ClientSecret)
	if err != nil {
		return nil, err
	}
	app := providers.NewAppConfig(credential, clientSecret)

	grant, err := provider.ExchangeCode(ctx, app, code)
	if err != nil {
		return nil, m.failConnect(ctx, credential, "code exchange failed", err)
	}

	identity, err := provider.FetchIdentity(ctx, grant.AccessToken)
	if err != nil {
		return nil, m.failConnect(ctx, credential, "identity lookup failed", err)
	}

	tokenSet, err := m.sealGrant(credential, grant)
	if err != nil {
		return nil, m.failConnect(ctx, credential, "failed to seal tokens", err)
	}

	connected := models.ConnectedIdentity{
		Email:             identity.Email,
		ExternalAccountID: identity.ExternalAccountID,
		DisplayName:       identity.DisplayName,
	}
	if err := m.credentials.Connect(ctx, credential.ID, connected, tokenSet); err != nil {
		return nil, m.failConnect(ctx, credential, "failed to store tokens", err)
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"credential_id": credential.ID,
		"provider":      credential.Provider,
		"email":         identity.Email,
	}).Info("credential connected")

	return m.credentials.GetByID(ctx, credential.ID)
}

// HandleCallbackDenied records a consent denial from the provider. The
// state is still consumed so the callback URL cannot be replayed, and the
// credential is parked in error with the provider's reason.
func (m *Manager) HandleCallbackDenied(ctx context.Context, state, description string) error {
	ctx, span := tracing.StartSpan(ctx, "credentials.Manager.HandleCallbackDenied")
	defer span.End()

	credentialID, err := m.states.Consume(ctx, state)
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, ErrInvalidState.Error())
	}

	message := "authorization denied: " + description
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"credential_id": credentialID,
	}).Warn(message)

	if err := m.credentials.SetError(ctx, credentialID, message); err != nil {
		m.logger.WithContext(ctx).WithError(err).Error("failed to record credential error")
	}

	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

func (m *Manager) sealGrant(credential *models.Credential, grant *providers.TokenGrant) (*models.TokenSet, error) {
	accessToken, err := m.cipher.Seal(grant.AccessToken)
	if err != nil {
		return nil, err
	}

	// A grant without offline access has no refresh token; leave the field
	// zero so the set reads as non-renewable.
	var refreshToken secrets.SealedSecret
	if grant.RefreshToken != "" {
		refreshToken, err = m.cipher.Seal(grant.RefreshToken)
		if err != nil {
			return nil, err
		}
	}

	scopes := grant.GrantedScopes
	if len(scopes) == 0 {
		scopes = credential.Scopes
	}

	return &models.TokenSet{
		CredentialID:  credential.ID,
		TokenKind:     models.TokenKindDelegated,
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		GrantedScopes: scopes,
		ExpiresAt:     grant.ExpiresAt,
	}, nil
}

func (m *Manager) failConnect(ctx context.Context, credential *models.Credential, reason string, cause error) error {
	m.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
		"credential_id": credential.ID,
		"provider":      credential.Provider,
	}).Error(reason)

	if err := m.credentials.SetError(ctx, credential.ID, reason+": "+cause.Error()); err != nil {
		m.logger.WithContext(ctx).WithError(err).Error("failed to record credential error")
	}
	if providers.IsAuthError(cause) {
		return httperror.NewHTTPError(http.StatusBadGateway, reason+": "+cause.Error())
	}
	return cause
}
