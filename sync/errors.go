package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRefreshToken means the credential store holds no refresh token
	// for the integration, so the refresh grant cannot be attempted.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrInvalidTokenResponse means the token endpoint answered 200 with a
	// body that did not contain a usable access token.
	ErrInvalidTokenResponse = errors.New("invalid token response")
)

// ConfigError reports missing or invalid integration settings.
// It is returned immediately by on-demand queries and causes Connect
// to end disconnected without retry.
type ConfigError struct {
	Field  string
	Reason string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("invalid setting %q: %s", e.Field, e.Reason)
}

// AuthError reports a token that is invalid and could not be refreshed.
// A steady-state tick skips on AuthError and retries next tick; only the
// initial Connect treats it as fatal.
type AuthError struct {
	Cause error
}

func (e AuthError) Error() string {
	if e.Cause == nil {
		return "authentication failed"
	}
	return fmt.Sprintf("authentication failed: %v", e.Cause)
}

func (e AuthError) Unwrap() error { return e.Cause }

// TransientError reports a remote fetch failure. The tick that hit it is
// skipped and the next tick retries with unchanged state.
type TransientError struct {
	Cause error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("tiltify fetch failed: %v", e.Cause)
}

func (e TransientError) Unwrap() error { return e.Cause }

// PersistenceError reports a state store write failure. Events emitted
// earlier in the same tick are not retracted.
type PersistenceError struct {
	Cause error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("state store failed: %v", e.Cause)
}

func (e PersistenceError) Unwrap() error { return e.Cause }
