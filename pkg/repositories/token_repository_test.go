package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/secrets"
)

func newTestTokenSet(t *testing.T, cipher *secrets.Cipher, credentialID uuid.UUID, accessToken string) *models.TokenSet {
	t.Helper()
	access, err := cipher.Seal(accessToken)
	require.NoError(t, err)
	refresh, err := cipher.Seal("refresh-token")
	require.NoError(t, err)

	return &models.TokenSet{
		CredentialID:  credentialID,
		TokenKind:     models.TokenKindDelegated,
		AccessToken:   access,
		RefreshToken:  refresh,
		GrantedScopes: []string{"offline_access"},
		ExpiresAt:     time.Now().Add(time.Hour),
	}
}

func TestTokenRepository_UpsertReplacesInPlace(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	cipher := getTestCipher(t)
	credRepo := repositories.NewCredentialRepository(db, logger)
	repo := repositories.NewTokenRepository(db, logger)
	ctx := context.Background()

	credential := newTestCredential(t, cipher, "tok-"+uuid.New().String()[:8])
	require.NoError(t, credRepo.Create(ctx, credential))
	defer credRepo.Delete(ctx, credential.ID)

	tokenSet := newTestTokenSet(t, cipher, credential.ID, "first-access")
	require.NoError(t, repo.Upsert(ctx, tokenSet))
	firstID := tokenSet.ID
	assert.NotEqual(t, uuid.Nil, firstID)

	stored, err := repo.GetByCredentialID(ctx, credential.ID)
	require.NoError(t, err)
	plaintext, err := cipher.Open(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "first-access", plaintext)

	// A refresh writes a second set; the row is replaced, not duplicated
	refreshedAt := time.Now()
	replacement := newTestTokenSet(t, cipher, credential.ID, "second-access")
	replacement.LastRefreshedAt = &refreshedAt
	require.NoError(t, repo.Upsert(ctx, replacement))
	assert.Equal(t, firstID, replacement.ID, "upsert should keep the original row id")

	stored, err = repo.GetByCredentialID(ctx, credential.ID)
	require.NoError(t, err)
	assert.Equal(t, firstID, stored.ID)
	plaintext, err = cipher.Open(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "second-access", plaintext)
	require.NotNil(t, stored.LastRefreshedAt)

	require.NoError(t, repo.DeleteByCredentialID(ctx, credential.ID))
	_, err = repo.GetByCredentialID(ctx, credential.ID)
	assertNotFound(t, err)

	// Deleting the missing row again is a no-op
	require.NoError(t, repo.DeleteByCredentialID(ctx, credential.ID))
}

func TestTokenRepository_DeleteCascadesFromCredential(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	cipher := getTestCipher(t)
	credRepo := repositories.NewCredentialRepository(db, logger)
	repo := repositories.NewTokenRepository(db, logger)
	ctx := context.Background()

	credential := newTestCredential(t, cipher, "tokc-"+uuid.New().String()[:8])
	require.NoError(t, credRepo.Create(ctx, credential))

	tokenSet := newTestTokenSet(t, cipher, credential.ID, "access")
	require.NoError(t, repo.Upsert(ctx, tokenSet))

	require.NoError(t, credRepo.Delete(ctx, credential.ID))
	_, err := repo.GetByCredentialID(ctx, credential.ID)
	assertNotFound(t, err)
}
