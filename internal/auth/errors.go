// Package auth loads credentials and manages the lifecycle of short-lived
// OAuth2 access tokens: service-account JWT exchange, metadata-server tokens,
// and externally supplied static tokens.
package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is(err, auth.ErrClosed) to check.
var (
	ErrClosed          = errors.New("auth: token manager closed")
	ErrNoCredentials   = errors.New("auth: no credentials configured")
	ErrInvalidKey      = errors.New("auth: invalid service account key")
	ErrRefreshRejected = errors.New("auth: token endpoint rejected refresh")
	ErrMalformedToken  = errors.New("auth: malformed token response")
)

// AuthError is an irrecoverable credential failure: a bad key, a non-2xx
// token endpoint response, or an unusable token payload. Network failures
// are reported as *transport.Error instead.
type AuthError struct {
	Op         string // "load", "assert", "refresh", "token"
	StatusCode int    // 0 when no HTTP response was involved
	Body       string
	Err        error // sentinel, for errors.Is()
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth: %s: HTTP %d: %v: %s", e.Op, e.StatusCode, e.Err, e.Body)
	}

	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
