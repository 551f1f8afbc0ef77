package core

import (
	"errors"
	"fmt"
)

var (
	// ErrBinaryNotFound means the librespot binary is absent. Surfaced as a
	// persistent status flag, never a crash.
	ErrBinaryNotFound = errors.New("librespot binary not found")

	// ErrAgentAlreadyRunning is returned by Start while a process handle is live.
	ErrAgentAlreadyRunning = errors.New("agent already running")

	// ErrOAuthInProgress is returned when a PKCE verifier is pending and has
	// not timed out yet.
	ErrOAuthInProgress = errors.New("oauth flow already in progress")

	// ErrOAuthStateMismatch aborts a callback whose state parameter does not
	// match the pending value. No token is persisted.
	ErrOAuthStateMismatch = errors.New("oauth state mismatch")

	// ErrNotAuthenticated means no usable credential is stored.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNoActiveDevice maps the remote 404 on player commands.
	ErrNoActiveDevice = errors.New("no active device, open Spotify on a device first")
)

// APIError wraps a Spotify Web API 4xx/5xx with its human-readable message so
// handlers never propagate raw remote bodies.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("spotify api error: %d", e.Status)
}

// AsAPIError unwraps err to an APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
