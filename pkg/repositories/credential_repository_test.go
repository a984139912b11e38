package repositories_test

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/secrets"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getTestDB(t *testing.T) database.DB {
	// Use environment variables or defaults for test DB
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbUser := os.Getenv("DB_USER_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	dbPass := os.Getenv("DB_PASSWORD")
	if dbPass == "" {
		dbPass = "password"
	}
	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		dbName = "clover"
	}

	dsn := "host=" + dbHost + " user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	return database.NewDatabaseInstance(db, getTestLogger())
}

func getTestCipher(t *testing.T) *secrets.Cipher {
	cipher, err := secrets.NewCipher("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	require.NoError(t, err)
	return cipher
}

// assertNotFound asserts that err is an HTTP 404 error
func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err), "expected 404, got: %d", httperror.GetStatusCode(err))
}

// assertConflict asserts that err is an HTTP 409 error
func assertConflict(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err), "expected 409, got: %d", httperror.GetStatusCode(err))
}

func newTestCredential(t *testing.T, cipher *secrets.Cipher, slug string) *models.Credential {
	t.Helper()
	secret, err := cipher.Seal("client-secret-value")
	require.NoError(t, err)

	return &models.Credential{
		Slug:         slug,
		DisplayName:  "Test Credential",
		Provider:     models.ProviderMS365,
		ClientID:     "client-id",
		ClientSecret: secret,
		AuthorizeURL: "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL:     "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		Scopes:       []string{"offline_access", "https://graph.microsoft.com/Mail.Read"},
		RedirectURI:  "https://localhost/api/v1/oauth/callback",
	}
}

func TestCredentialRepository_CRUD(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	cipher := getTestCipher(t)
	repo := repositories.NewCredentialRepository(db, logger)
	ctx := context.Background()

	slug := "crud-" + uuid.New().String()[:8]
	credential := newTestCredential(t, cipher, slug)

	// Create always lands in pending
	credential.Status = models.CredentialStatusConnected
	err := repo.Create(ctx, credential)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, credential.ID)
	assert.Equal(t, models.CredentialStatusPending, credential.Status)
	assert.False(t, credential.CreatedAt.IsZero())

	// Duplicate slug conflicts
	dupe := newTestCredential(t, cipher, slug)
	assertConflict(t, repo.Create(ctx, dupe))

	fetched, err := repo.GetByID(ctx, credential.ID)
	require.NoError(t, err)
	assert.Equal(t, slug, fetched.Slug)
	assert.Equal(t, models.ProviderMS365, fetched.Provider)

	bySlug, err := repo.GetBySlug(ctx, slug)
	require.NoError(t, err)
	assert.Equal(t, credential.ID, bySlug.ID)

	creds, err := repo.List(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(creds), 1)

	fetched.DisplayName = "Renamed"
	err = repo.Update(ctx, fetched)
	require.NoError(t, err)

	updated, err := repo.GetByID(ctx, credential.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.DisplayName)

	err = repo.Delete(ctx, credential.ID)
	require.NoError(t, err)

	_, err = repo.GetByID(ctx, credential.ID)
	assertNotFound(t, err)
}

func TestCredentialRepository_ConnectWritesTokensAtomically(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	cipher := getTestCipher(t)
	credRepo := repositories.NewCredentialRepository(db, logger)
	tokenRepo := repositories.NewTokenRepository(db, logger)
	ctx := context.Background()

	credential := newTestCredential(t, cipher, "connect-"+uuid.New().String()[:8])
	require.NoError(t, credRepo.Create(ctx, credential))
	defer credRepo.Delete(ctx, credential.ID)

	accessToken, err := cipher.Seal("access-token")
	require.NoError(t, err)
	refreshToken, err := cipher.Seal("refresh-token")
	require.NoError(t, err)

	identity := models.ConnectedIdentity{
		Email:             "user@example.com",
		ExternalAccountID: "external-123",
		DisplayName:       "Example User",
	}
	tokenSet := &models.TokenSet{
		CredentialID:  credential.ID,
		TokenKind:     models.TokenKindDelegated,
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		GrantedScopes: []string{"offline_access"},
		ExpiresAt:     time.Now().Add(time.Hour),
	}

	err = credRepo.Connect(ctx, credential.ID, identity, tokenSet)
	require.NoError(t, err)

	connected, err := credRepo.GetByID(ctx, credential.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CredentialStatusConnected, connected.Status)
	require.NotNil(t, connected.ConnectedEmail)
	assert.Equal(t, "user@example.com", *connected.ConnectedEmail)
	require.NotNil(t, connected.ConnectedAt)

	stored, err := tokenRepo.GetByCredentialID(ctx, credential.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.ID, stored.CredentialID)
	assert.True(t, stored.Renewable())

	plaintext, err := cipher.Open(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-token", plaintext)

	// Connecting again replaces the token set in place
	newAccess, err := cipher.Seal("rotated-access")
	require.NoError(t, err)
	tokenSet.AccessToken = newAccess
	require.NoError(t, credRepo.Connect(ctx, credential.ID, identity, tokenSet))

	rotated, err := tokenRepo.GetByCredentialID(ctx, credential.ID)
	require.NoError(t, err)
	plaintext, err = cipher.Open(rotated.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", plaintext)
}

func TestCredentialRepository_ConnectWithoutRefreshToken(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	cipher := getTestCipher(t)
	credRepo := repositories.NewCredentialRepository(db, logger)
	tokenRepo := repositories.NewTokenRepository(db, logger)
	ctx := context.Background()

	credential := newTestCredential(t, cipher, "norefresh-"+uuid.New().String()[:8])
	require.NoError(t, credRepo.Create(ctx, credential))
	defer credRepo.Delete(ctx, credential.ID)

	accessToken, err := cipher.Seal("access-token")
	require.NoError(t, err)

	// A grant without offline access carries no refresh token; the set
	// must still be storable
	tokenSet := &models.TokenSet{
		CredentialID: credential.ID,
		TokenKind:    models.TokenKindDelegated,
		AccessToken:  accessToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	identity := models.ConnectedIdentity{Email: "user@example.com"}
	require.NoError(t, credRepo.Connect(ctx, credential.ID, identity, tokenSet))

	connected, err := credRepo.GetByID(ctx, credential.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CredentialStatusConnected, connected.Status)

	stored, err := tokenRepo.GetByCredentialID(ctx, credential.ID)
	require.NoError(t, err)
	assert.True(t, stored.RefreshToken.IsZero())
	assert.False(t, stored.Renewable())
}

func TestCredentialRepository_SetError(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	cipher := getTestCipher(t)
	repo := repositories.NewCredentialRepository(db, logger)
	ctx := context.Background()

	credential := newTestCredential(t, cipher, "seterr-"+uuid.New().String()[:8])
	require.NoError(t, repo.Create(ctx, credential))
	defer repo.Delete(ctx, credential.ID)

	err := repo.SetError(ctx, credential.ID, "invalid_grant: consent revoked")
	require.NoError(t, err)

	fetched, err := repo.GetByID(ctx, credential.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CredentialStatusError, fetched.Status)
	require.NotNil(t, fetched.ErrorMessage)
	assert.Contains(t, *fetched.ErrorMessage, "invalid_grant")
}
