package providers

import (
	"errors"
	"fmt"

	"github.com/Ramsey-B/clover/pkg/httpclient"
)

// AuthError is a terminal provider auth failure: a bad, expired or revoked
// grant. The owning credential must be re-authorized by an operator before
// any further provider calls can succeed.
type AuthError struct {
	Code        string
	Description string
}

func (e *AuthError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider auth failed: %s", e.Code)
	}
	return fmt.Sprintf("provider auth failed: %s: %s", e.Code, e.Description)
}

// TransientError is a retryable provider failure: timeout, rate limit or
// 5xx. It never mutates credential or subscription status on its own.
type TransientError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient provider failure: %s", e.Err)
	}
	return fmt.Sprintf("transient provider failure: status %d: %s", e.StatusCode, e.Message)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is terminal for the credential
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransient reports whether err is safe to retry
func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}

// oauthErrorBody is the error shape both providers return from their token
// endpoints.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// terminalOAuthCodes are the token endpoint error codes that can never
// succeed on retry. Everything else from a 4xx is treated as terminal too;
// only rate limits and server errors are transient.
var terminalOAuthCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
	"access_denied":       true,
	"consent_required":    true,
}

// classifyTokenFailure turns a non-2xx token endpoint response into a typed
// error.
func classifyTokenFailure(statusCode int, body oauthErrorBody) error {
	if httpclient.IsRetryableStatus(statusCode) {
		return &TransientError{StatusCode: statusCode, Message: body.Error}
	}
	code := body.Error
	if code == "" {
		code = fmt.Sprintf("http_%d", statusCode)
	}
	if terminalOAuthCodes[code] || statusCode == 400 || statusCode == 401 || statusCode == 403 {
		return &AuthError{Code: code, Description: body.ErrorDescription}
	}
	return &TransientError{StatusCode: statusCode, Message: body.Error}
}

// classifyAPIFailure turns a non-2xx resource API response into a typed
// error. 401 means the token went bad mid-lifetime.
func classifyAPIFailure(statusCode int, message string) error {
	switch {
	case statusCode == 401:
		return &AuthError{Code: "token_rejected", Description: message}
	case httpclient.IsRetryableStatus(statusCode):
		return &TransientError{StatusCode: statusCode, Message: message}
	default:
		return fmt.Errorf("provider request failed with status %d: %s", statusCode, message)
	}
}
