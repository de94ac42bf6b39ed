package apiclient

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorizationFailure matches every *AuthorizationError.
	ErrAuthorizationFailure = errors.New("authorization failure")

	// ErrRefreshFailed matches every *RefreshError.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrInvalidCredentials is returned by Login when the server rejects the email/password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// RefreshReason classifies why a refresh failed.
type RefreshReason string

const (
	// ReasonNoRefreshToken means the store held no refresh token; no network call was made.
	ReasonNoRefreshToken RefreshReason = "no_refresh_token"
	// ReasonRejected means the refresh endpoint answered but did not issue new credentials.
	ReasonRejected RefreshReason = "refresh_rejected"
	// ReasonTransport means the refresh call did not complete.
	ReasonTransport RefreshReason = "refresh_transport_error"
	// ReasonStore means the credential store could not be read, or the
	// refreshed pair could not be written.
	ReasonStore RefreshReason = "credential_store_error"
)

// RefreshError reports a failed refresh. All failures are terminal for the session.
type RefreshError struct {
	Reason     RefreshReason
	StatusCode int // set for ReasonRejected when the server answered
	Err        error
}

func (e *RefreshError) Error() string {
	msg := "token refresh failed: " + string(e.Reason)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRefreshFailed) hold for any RefreshError.
func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshFailed
}

// AuthorizationError is returned when a request ends with a 401 that the
// client could not recover from: either the refresh failed (Cause holds the
// *RefreshError) or the replayed request was rejected again (Retried is true).
type AuthorizationError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
	Retried    bool
	Cause      error
}

func (e *AuthorizationError) Error() string {
	msg := fmt.Sprintf("%s %s: authorization failure (status %d)", e.Method, e.URL, e.StatusCode)
	if e.Retried {
		msg += " after credential refresh"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthorizationError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrAuthorizationFailure) hold for any AuthorizationError.
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrAuthorizationFailure
}

// HTTPError captures an unexpected status code and the response body.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, string(e.Body))
}
