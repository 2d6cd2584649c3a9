package envoy

import (
	"errors"
	"fmt"
)

// Sentinel errors. The typed errors below match them through errors.Is so
// callers can branch on the failure class without knowing the concrete type.
var (
	ErrMalformedCredential  = errors.New("malformed credential")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAPICallFailed        = errors.New("api call failed")
)

// MalformedCredentialError indicates a token that cannot be introspected.
// It is fatal to the refresh attempt that produced it, not to the process.
type MalformedCredentialError struct {
	Reason string
	Err    error
}

func (e *MalformedCredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed credential: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed credential: %s", e.Reason)
}

func (e *MalformedCredentialError) Unwrap() error { return e.Err }

func (e *MalformedCredentialError) Is(target error) bool {
	return target == ErrMalformedCredential
}

// AuthenticationError indicates the identity provider or the gateway rejected
// the credentials during a refresh.
type AuthenticationError struct {
	Step       string // "login", "token", "session", "static"
	StatusCode int    // 0 when the failure was not an HTTP status
	Message    string
	Err        error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("authentication failed at %s", e.Step)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}

// APICallError indicates a gateway GET failed after the single allowed retry,
// or failed in a way that is not retried at all.
type APICallError struct {
	Path       string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *APICallError) Error() string {
	msg := fmt.Sprintf("GET %s failed after %d attempt(s)", e.Path, e.Attempts)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APICallError) Unwrap() error { return e.Err }

func (e *APICallError) Is(target error) bool {
	return target == ErrAPICallFailed
}

// IsMalformedCredential returns true if err is or wraps a MalformedCredentialError.
func IsMalformedCredential(err error) bool {
	return errors.Is(err, ErrMalformedCredential)
}

// IsAuthenticationFailed returns true if err is or wraps an AuthenticationError.
func IsAuthenticationFailed(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// IsAPICallFailed returns true if err is or wraps an APICallError.
func IsAPICallFailed(err error) bool {
	return errors.Is(err, ErrAPICallFailed)
}

// IsUnauthorized reports whether err is an APICallError carrying HTTP 401.
func IsUnauthorized(err error) bool {
	var apiErr *APICallError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 401
}
