// Package gcs is a client for the Cloud Storage JSON API: object and bucket
// metadata, listing, downloads, the three upload protocols, and V4 signed
// URLs. Authentication is delegated to a TokenSource.
package gcs

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, gcs.ErrNotFound) to check.
var (
	ErrBadRequest          = errors.New("gcs: bad request")
	ErrUnauthorized        = errors.New("gcs: unauthorized")
	ErrForbidden           = errors.New("gcs: forbidden")
	ErrNotFound            = errors.New("gcs: not found")
	ErrConflict            = errors.New("gcs: conflict")
	ErrGone                = errors.New("gcs: resource gone")
	ErrPreconditionFailed  = errors.New("gcs: precondition failed")
	ErrRangeNotSatisfiable = errors.New("gcs: range not satisfiable")
	ErrThrottled           = errors.New("gcs: throttled")
	ErrServerError         = errors.New("gcs: server error")
	ErrUnexpectedStatus    = errors.New("gcs: unexpected status")
)

// Upload and signing sentinels.
var (
	ErrMissingLocation = errors.New("gcs: resumable init response has no Location header")
	ErrSessionRejected = errors.New("gcs: upload session rejected the request")
	ErrInvalidExpiry   = errors.New("gcs: signed URL expiry must be between 1s and 7 days")
	ErrNoSigner        = errors.New("gcs: no signer configured")
	ErrInvalidRange    = errors.New("gcs: invalid upload range")
)

// APIError wraps a sentinel error with the HTTP status code and the message
// the service returned.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gcs: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// UploadError reports a failed upload step. Session is set for resumable
// uploads whose session was created, so callers can resume it later.
type UploadError struct {
	Op         string // "simple", "multipart", "init", "chunk", "query"
	StatusCode int
	Session    *UploadSession
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gcs: upload %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("gcs: upload %s: %v", e.Op, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return nil
		}

		return ErrUnexpectedStatus
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
