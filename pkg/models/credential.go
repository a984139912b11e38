package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/secrets"
)

// Provider identifies which external productivity suite a credential talks to.
type Provider string

const (
	ProviderMS365           Provider = "ms365"
	ProviderGoogleWorkspace Provider = "google_workspace"
)

// Valid reports whether the provider is one we have an implementation for.
func (p Provider) Valid() bool {
	return p == ProviderMS365 || p == ProviderGoogleWorkspace
}

// CredentialStatus is the connection state of a credential.
type CredentialStatus string

const (
	// CredentialStatusPending means the credential exists but has not
	// completed the OAuth consent flow.
	CredentialStatusPending CredentialStatus = "pending"
	// CredentialStatusConnected means tokens are on file for the account.
	CredentialStatusConnected CredentialStatus = "connected"
	// CredentialStatusError means the last OAuth or refresh attempt failed
	// terminally and the operator must re-authorize.
	CredentialStatusError CredentialStatus = "error"
)

// Credential is one OAuth application configuration bound to at most one
// connected external account.
type Credential struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Slug        string    `db:"slug" json:"slug"`
	DisplayName string    `db:"display_name" json:"display_name"`

	Provider     Provider             `db:"provider" json:"provider"`
	ClientID     string               `db:"client_id" json:"client_id"`
	ClientSecret secrets.SealedSecret `db:"client_secret" json:"client_secret"`
	AuthorizeURL string               `db:"authorize_url" json:"authorize_url"`
	TokenURL     string               `db:"token_url" json:"token_url"`
	Scopes       pq.StringArray       `db:"scopes" json:"scopes"`
	RedirectURI  string               `db:"redirect_uri" json:"redirect_uri"`
	// DirectoryID is the single-tenant directory for providers that scope
	// consent to one organization (ms365 tenant id). Nil means the common
	// multi-tenant endpoint.
	DirectoryID *string `db:"directory_id" json:"directory_id,omitempty"`

	Status            CredentialStatus `db:"status" json:"status"`
	ConnectedEmail    *string          `db:"connected_email" json:"connected_email,omitempty"`
	ExternalAccountID *string          `db:"external_account_id" json:"external_account_id,omitempty"`
	ConnectedName     *string          `db:"connected_name" json:"connected_name,omitempty"`
	ConnectedAt       *time.Time       `db:"connected_at" json:"connected_at,omitempty"`
	ErrorMessage      *string          `db:"error_message" json:"error_message,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Credential) TableName() string {
	return "credentials"
}

// ConnectedIdentity is the external account identity recorded when a
// credential completes the consent flow.
type ConnectedIdentity struct {
	Email             string
	ExternalAccountID string
	DisplayName       string
	ConnectedAt       time.Time
}
