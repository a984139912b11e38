package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const tokenSetsTable = "token_sets"

var tokenSetStruct = database.NewStruct(new(models.TokenSet))

// TokenRepository handles database operations for encrypted token sets
type TokenRepository struct {
	*Repository
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db database.DB, logger ectologger.Logger) *TokenRepository {
	return &TokenRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert writes the token set for a credential, replacing any existing one
// in place. The credential_id unique constraint keeps the vault at one set
// per credential no matter how many writers race.
func (r *TokenRepository) Upsert(ctx context.Context, tokenSet *models.TokenSet) error {
	ctx, span := tracing.StartSpan(ctx, "TokenRepository.Upsert")
	defer span.End()

	if tokenSet.ID == uuid.Nil {
		tokenSet.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(tokenSetsTable).
		Cols("id", "credential_id", "token_kind", "access_token", "refresh_token",
			"granted_scopes", "expires_at", "last_refreshed_at", "created_at", "updated_at").
		Values(tokenSet.ID, tokenSet.CredentialID, tokenSet.TokenKind, tokenSet.AccessToken,
			tokenSet.RefreshToken, tokenSet.GrantedScopes, tokenSet.ExpiresAt,
			tokenSet.LastRefreshedAt, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))

	ub := ib.OnConflict("credential_id")
	ub.Set(
		ub.Assign("access_token", database.Excluded("access_token")),
		ub.Assign("refresh_token", database.Excluded("refresh_token")),
		ub.Assign("granted_scopes", database.Excluded("granted_scopes")),
		ub.Assign("expires_at", database.Excluded("expires_at")),
		ub.Assign("last_refreshed_at", database.Excluded("last_refreshed_at")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ib.SQL("RETURNING id, created_at, updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).
		Scan(&tokenSet.ID, &tokenSet.CreatedAt, &tokenSet.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": tokenSet.CredentialID,
		}).Error("failed to upsert token set")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert token set")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"credential_id": tokenSet.CredentialID,
		"expires_at":    tokenSet.ExpiresAt,
	}).Debugf("Upserted %s", tokenSetsTable)
	return nil
}

// GetByCredentialID retrieves the token set for a credential
func (r *TokenRepository) GetByCredentialID(ctx context.Context, credentialID uuid.UUID) (*models.TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "TokenRepository.GetByCredentialID")
	defer span.End()

	sb := tokenSetStruct.SelectFrom(tokenSetsTable)
	sb.Where(sb.Equal("credential_id", credentialID))

	query, args := sb.Build()
	var tokenSet models.TokenSet
	err := r.DB().GetContext(ctx, &tokenSet, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no token set for credential %s", credentialID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": credentialID,
		}).Error("failed to get token set")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get token set")
	}

	return &tokenSet, nil
}

// DeleteByCredentialID removes the token set for a credential. Missing rows
// are not an error so callers can use it for cleanup.
func (r *TokenRepository) DeleteByCredentialID(ctx context.Context, credentialID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "TokenRepository.DeleteByCredentialID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(tokenSetsTable).
		Where(db.Equal("credential_id", credentialID))

	query, args := db.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": credentialID,
		}).Error("failed to delete token set")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete token set")
	}
	return nil
}
