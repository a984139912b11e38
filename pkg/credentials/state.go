package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/redis"
)

const (
	// stateTTL bounds how long a consent screen can sit open before the
	// callback is rejected.
	stateTTL = 10 * time.Minute

	stateKeyPrefix = "oauth-state:"
)

// ErrInvalidState means the callback carried a state that was never issued,
// already consumed, or expired.
var ErrInvalidState = errors.New("oauth state is invalid or expired")

// StateStore issues and consumes one-time CSRF states for the consent flow.
// States live in Redis so any process instance can serve the callback.
type StateStore struct {
	client *redis.Client
}

// NewStateStore creates a state store
func NewStateStore(client *redis.Client) *StateStore {
	return &StateStore{client: client}
}

// Issue mints an opaque state bound to a credential id
func (s *StateStore) Issue(ctx context.Context, credentialID uuid.UUID) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(raw)

	if err := s.client.Set(ctx, stateKeyPrefix+state, credentialID.String(), stateTTL); err != nil {
		return "", fmt.Errorf("failed to store state: %w", err)
	}
	return state, nil
}

// Consume validates a state exactly once and returns the credential it was
// issued for. A second consume of the same state fails.
func (s *StateStore) Consume(ctx context.Context, state string) (uuid.UUID, error) {
	if state == "" {
		return uuid.Nil, ErrInvalidState
	}

	value, err := s.client.GetDel(ctx, stateKeyPrefix+state)
	if err != nil || value == "" {
		return uuid.Nil, ErrInvalidState
	}

	credentialID, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, ErrInvalidState
	}
	return credentialID, nil
}
