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

const credentialsTable = "credentials"

var credentialStruct = database.NewStruct(new(models.Credential))

// CredentialRepository handles database operations for credentials
type CredentialRepository struct {
	*Repository
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db database.DB, logger ectologger.Logger) *CredentialRepository {
	return &CredentialRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new credential in pending status
func (r *CredentialRepository) Create(ctx context.Context, credential *models.Credential) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Create")
	defer span.End()

	if credential.ID == uuid.Nil {
		credential.ID = uuid.New()
	}
	credential.Status = models.CredentialStatusPending

	ib := database.NewInsertBuilder()
	ib.InsertInto(credentialsTable).
		Cols("id", "slug", "display_name", "provider", "client_id", "client_secret",
			"authorize_url", "token_url", "scopes", "redirect_uri", "directory_id",
			"status", "created_at", "updated_at").
		Values(credential.ID, credential.Slug, credential.DisplayName, credential.Provider,
			credential.ClientID, credential.ClientSecret, credential.AuthorizeURL,
			credential.TokenURL, credential.Scopes, credential.RedirectURI, credential.DirectoryID,
			credential.Status, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&credential.CreatedAt, &credential.UpdatedAt)
	if IsUniqueViolation(err, "") {
		return Conflict("credential with slug '%s' already exists", credential.Slug)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_slug": credential.Slug,
		}).Error("failed to create credential")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create credential")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"credential_id": credential.ID,
	}).Debugf("Created %s", credentialsTable)
	return nil
}

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.GetByID")
	defer span.End()

	sb := credentialStruct.SelectFrom(credentialsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var credential models.Credential
	err := r.DB().GetContext(ctx, &credential, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "credential %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": id,
		}).Error("failed to get credential by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get credential by ID")
	}

	return &credential, nil
}

// GetBySlug retrieves a credential by its unique slug
func (r *CredentialRepository) GetBySlug(ctx context.Context, slug string) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.GetBySlug")
	defer span.End()

	sb := credentialStruct.SelectFrom(credentialsTable)
	sb.Where(sb.Equal("slug", slug))

	query, args := sb.Build()
	var credential models.Credential
	err := r.DB().GetContext(ctx, &credential, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "credential '%s' does not exist", slug)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_slug": slug,
		}).Error("failed to get credential by slug")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get credential by slug")
	}

	return &credential, nil
}

// List retrieves all credentials ordered by slug
func (r *CredentialRepository) List(ctx context.Context) ([]models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.List")
	defer span.End()

	sb := credentialStruct.SelectFrom(credentialsTable)
	sb.OrderBy("slug")

	query, args := sb.Build()
	var credentials []models.Credential
	err := r.DB().SelectContext(ctx, &credentials, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list credentials")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list credentials")
	}

	return credentials, nil
}

// Update updates a credential's configuration fields
func (r *CredentialRepository) Update(ctx context.Context, credential *models.Credential) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Update")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(credentialsTable).
		Set(
			ub.Assign("display_name", credential.DisplayName),
			ub.Assign("client_id", credential.ClientID),
			ub.Assign("client_secret", credential.ClientSecret),
			ub.Assign("authorize_url", credential.AuthorizeURL),
			ub.Assign("token_url", credential.TokenURL),
			ub.Assign("scopes", credential.Scopes),
			ub.Assign("redirect_uri", credential.RedirectURI),
			ub.Assign("directory_id", credential.DirectoryID),
			ub.Assign("status", credential.Status),
			ub.Assign("error_message", credential.ErrorMessage),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", credential.ID))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&credential.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "credential %s does not exist", credential.ID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": credential.ID,
		}).Error("failed to update credential")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update credential")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"credential_id": credential.ID,
	}).Debugf("Updated %s", credentialsTable)
	return nil
}

// Connect flips a credential to connected and writes its token set in one
// transaction. Either both land or neither does; a failed identity write
// never leaves a partial token set behind.
func (r *CredentialRepository) Connect(ctx context.Context, id uuid.UUID, identity models.ConnectedIdentity, tokenSet *models.TokenSet) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Connect")
	defer span.End()

	if tokenSet.ID == uuid.Nil {
		tokenSet.ID = uuid.New()
	}

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	ib := database.NewInsertBuilder()
	ib.InsertInto(tokenSetsTable).
		Cols("id", "credential_id", "token_kind", "access_token", "refresh_token",
			"granted_scopes", "expires_at", "last_refreshed_at", "created_at", "updated_at").
		Values(tokenSet.ID, id, tokenSet.TokenKind, tokenSet.AccessToken,
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

	query, args := ib.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": id,
		}).Error("failed to write token set during connect")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to connect credential")
	}

	cu := database.NewUpdateBuilder()
	cu.Update(credentialsTable).
		Set(
			cu.Assign("status", models.CredentialStatusConnected),
			cu.Assign("connected_email", identity.Email),
			cu.Assign("external_account_id", identity.ExternalAccountID),
			cu.Assign("connected_name", identity.DisplayName),
			cu.Assign("connected_at", identity.ConnectedAt),
			cu.Assign("error_message", nil),
			cu.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(cu.Equal("id", id))

	query, args = cu.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": id,
		}).Error("failed to mark credential connected")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to connect credential")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to connect credential")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "credential %s does not exist", id)
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": id,
		}).Error("failed to commit connect transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to connect credential")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"credential_id":   id,
		"connected_email": identity.Email,
	}).Info("Credential connected")
	return nil
}

// SetError flips a credential to error with an operator-readable message.
func (r *CredentialRepository) SetError(ctx context.Context, id uuid.UUID, message string) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.SetError")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(credentialsTable).
		Set(
			ub.Assign("status", models.CredentialStatusError),
			ub.Assign("error_message", message),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": id,
		}).Error("failed to mark credential errored")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark credential errored")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"credential_id": id,
		"error_message": message,
	}).Warn("credential flipped to error")
	return nil
}

// Delete deletes a credential. Token sets, subscriptions and events cascade.
func (r *CredentialRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(credentialsTable).
		Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"credential_id": id,
		}).Error("failed to delete credential")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete credential")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete credential")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "credential %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"credential_id": id,
	}).Debugf("Deleted %s", credentialsTable)
	return nil
}
