package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/secrets"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	// DefaultSafetyMargin is how far ahead of expiry a token stops counting
	// as valid. Tokens handed out are good for at least this long.
	DefaultSafetyMargin = 60 * time.Second

	// DefaultLockTTL bounds how long a crashed refresher can hold the
	// per-credential lock.
	DefaultLockTTL = 30 * time.Second

	// DefaultLockWait is how long a losing caller waits for the in-flight
	// refresh before giving up.
	DefaultLockWait = 10 * time.Second

	refreshLockPrefix = "token-refresh:"
)

var (
	// ErrReauthorizationRequired means the credential's grant is dead and an
	// operator must run the consent flow again. Callers must not hit the
	// provider.
	ErrReauthorizationRequired = errors.New("credential requires re-authorization")

	// ErrNotConnected means the credential never completed the consent flow
	ErrNotConnected = errors.New("credential is not connected")
)

// AccessToken is a decrypted token handed to a caller, valid for at least
// the safety margin past the time it was returned.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// ManagerConfig tunes the refresher
type ManagerConfig struct {
	SafetyMargin time.Duration
	LockTTL      time.Duration
	LockWait     time.Duration
}

// DefaultManagerConfig returns the default refresher settings
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SafetyMargin: DefaultSafetyMargin,
		LockTTL:      DefaultLockTTL,
		LockWait:     DefaultLockWait,
	}
}

// Manager is the sole read path for provider tokens. Every component that
// calls a provider goes through GetValidToken; refreshes are single-flight
// per credential across all process instances.
type Manager struct {
	credentials repositories.CredentialRepo
	tokens      repositories.TokenRepo
	registry    *providers.Registry
	cipher      *secrets.Cipher
	locker      *redis.Locker
	logger      ectologger.Logger
	config      ManagerConfig
}

// NewManager creates a token manager
func NewManager(
	credentials repositories.CredentialRepo,
	tokens repositories.TokenRepo,
	registry *providers.Registry,
	cipher *secrets.Cipher,
	locker *redis.Locker,
	logger ectologger.Logger,
	config ManagerConfig,
) *Manager {
	if config.SafetyMargin <= 0 {
		config.SafetyMargin = DefaultSafetyMargin
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.LockWait <= 0 {
		config.LockWait = DefaultLockWait
	}

	return &Manager{
		credentials: credentials,
		tokens:      tokens,
		registry:    registry,
		cipher:      cipher,
		locker:      locker,
		logger:      logger,
		config:      config,
	}
}

// GetValidToken returns a decrypted access token for the credential,
// refreshing it first when it expires inside the safety margin. Credentials
// in error state fail fast without a provider round-trip.
func (m *Manager) GetValidToken(ctx context.Context, credentialID uuid.UUID) (*AccessToken, error) {
	ctx, span := tracing.StartSpan(ctx, "TokenManager.GetValidToken")
	defer span.End()

	credential, err := m.credentials.GetByID(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	switch credential.Status {
	case models.CredentialStatusConnected:
	case models.CredentialStatusError:
		return nil, fmt.Errorf("%w: %s", ErrReauthorizationRequired, credential.Slug)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, credential.Slug)
	}

	tokenSet, err := m.tokens.GetByCredentialID(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	if !tokenSet.ExpiresWithin(m.config.SafetyMargin) {
		return m.open(tokenSet)
	}

	return m.refresh(ctx, credential, tokenSet)
}

// refresh renews the token set under a per-credential distributed lock.
// Losers of the lock race wait for the winner and reuse its result from the
// vault instead of issuing a second provider call.
func (m *Manager) refresh(ctx context.Context, credential *models.Credential, stale *models.TokenSet) (*AccessToken, error) {
	ctx, span := tracing.StartSpan(ctx, "TokenManager.refresh")
	defer span.End()

	if !stale.Renewable() {
		// No refresh token: expiry is terminal for this grant
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"credential_id": credential.ID,
		}).Warn("token set expired with no refresh token")
		if err := m.credentials.SetError(ctx, credential.ID, "token expired and no refresh token was granted"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrReauthorizationRequired, credential.Slug)
	}

	lock, err := m.locker.TryAcquire(ctx, refreshLockPrefix+credential.ID.String(), m.config.LockTTL, m.config.LockWait)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		// A refresh outlived our patience; surface as transient so the
		// caller can retry.
		return nil, &providers.TransientError{Message: "token refresh already in flight", Err: err}
	}
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	// Another instance may have refreshed while we waited on the lock
	current, err := m.tokens.GetByCredentialID(ctx, credential.ID)
	if err != nil {
		return nil, err
	}
	if !current.ExpiresWithin(m.config.SafetyMargin) {
		return m.open(current)
	}

	grant, err := m.callRefresh(ctx, credential, current)
	if err != nil {
		return nil, err
	}

	return &AccessToken{Token: grant.AccessToken, ExpiresAt: grant.ExpiresAt}, nil
}

// callRefresh performs the provider round-trip and persists the outcome
func (m *Manager) callRefresh(ctx context.Context, credential *models.Credential, current *models.TokenSet) (*providers.TokenGrant, error) {
	provider, err := m.registry.Get(credential.Provider)
	if err != nil {
		return nil, err
	}

	clientSecret, err := m.cipher.Open(credential.ClientSecret)
	if err != nil {
		return nil, err
	}
	refreshToken, err := m.cipher.Open(current.RefreshToken)
	if err != nil {
		return nil, err
	}

	grant, err := provider.Refresh(ctx, providers.NewAppConfig(credential, clientSecret), refreshToken)
	if providers.IsAuthError(err) {
		// Terminal: the grant is revoked or expired beyond recovery. Flip
		// the credential so future callers fail fast.
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": credential.ID,
		}).Warn("token refresh failed terminally")
		metrics.RecordTokenRefresh(string(credential.Provider), "auth_error")

		if setErr := m.credentials.SetError(ctx, credential.ID, err.Error()); setErr != nil {
			return nil, setErr
		}
		return nil, fmt.Errorf("%w: %s", ErrReauthorizationRequired, credential.Slug)
	}
	if err != nil {
		// Transient: leave status alone so a later call can retry
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": credential.ID,
		}).Error("token refresh failed")
		metrics.RecordTokenRefresh(string(credential.Provider), "transient_error")
		return nil, err
	}

	if err := m.persistGrant(ctx, credential, current, grant); err != nil {
		return nil, err
	}

	metrics.RecordTokenRefresh(string(credential.Provider), "success")
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"credential_id": credential.ID,
		"expires_at":    grant.ExpiresAt,
	}).Info("Refreshed token set")
	return grant, nil
}

// persistGrant seals and overwrites the vault row in place
func (m *Manager) persistGrant(ctx context.Context, credential *models.Credential, current *models.TokenSet, grant *providers.TokenGrant) error {
	accessToken, err := m.cipher.Seal(grant.AccessToken)
	if err != nil {
		return err
	}

	// Providers that rotate refresh tokens return a new one; keep the old
	// token when they do not.
	refreshToken := current.RefreshToken
	if grant.RefreshToken != "" {
		refreshToken, err = m.cipher.Seal(grant.RefreshToken)
		if err != nil {
			return err
		}
	}

	grantedScopes := current.GrantedScopes
	if len(grant.GrantedScopes) > 0 {
		grantedScopes = grant.GrantedScopes
	}

	now := time.Now()
	return m.tokens.Upsert(ctx, &models.TokenSet{
		ID:              current.ID,
		CredentialID:    credential.ID,
		TokenKind:       current.TokenKind,
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		GrantedScopes:   grantedScopes,
		ExpiresAt:       grant.ExpiresAt,
		LastRefreshedAt: &now,
	})
}

func (m *Manager) open(tokenSet *models.TokenSet) (*AccessToken, error) {
	token, err := m.cipher.Open(tokenSet.AccessToken)
	if err != nil {
		return nil, err
	}
	return &AccessToken{Token: token, ExpiresAt: tokenSet.ExpiresAt}, nil
}
