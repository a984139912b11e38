package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/secrets"
)

// TokenKind distinguishes how token material was granted.
type TokenKind string

// TokenKindDelegated is a user-delegated grant obtained through the
// authorization-code flow. The only kind currently issued.
const TokenKindDelegated TokenKind = "delegated"

// TokenSet is the encrypted access/refresh token material for one
// credential. There is exactly one row per credential; refreshes replace it
// in place rather than versioning it.
type TokenSet struct {
	ID           uuid.UUID `db:"id" json:"id"`
	CredentialID uuid.UUID `db:"credential_id" json:"credential_id"`
	TokenKind    TokenKind `db:"token_kind" json:"token_kind"`

	AccessToken secrets.SealedSecret `db:"access_token" json:"access_token"`
	// RefreshToken is zero when the provider granted no offline access, in
	// which case expiry is terminal for the set.
	RefreshToken  secrets.SealedSecret `db:"refresh_token" json:"refresh_token"`
	GrantedScopes pq.StringArray       `db:"granted_scopes" json:"granted_scopes"`

	ExpiresAt       time.Time  `db:"expires_at" json:"expires_at"`
	LastRefreshedAt *time.Time `db:"last_refreshed_at" json:"last_refreshed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (TokenSet) TableName() string {
	return "token_sets"
}

// Renewable reports whether the set can be refreshed once expired.
func (t *TokenSet) Renewable() bool {
	return !t.RefreshToken.IsZero()
}

// ExpiresWithin reports whether the set expires inside the given safety
// margin from now.
func (t *TokenSet) ExpiresWithin(margin time.Duration) bool {
	return time.Now().Add(margin).After(t.ExpiresAt)
}
