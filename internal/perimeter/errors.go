package perimeter

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for peer response classification.
// Use errors.Is(err, perimeter.ErrForbidden) to check.
var (
	ErrBadRequest          = errors.New("perimeter: bad request")
	ErrUnauthorized        = errors.New("perimeter: unauthorized")
	ErrForbidden           = errors.New("perimeter: forbidden")
	ErrNotFound            = errors.New("perimeter: not found")
	ErrUnknownRecipientKey = errors.New("perimeter: unknown recipient key")
	ErrTooLarge            = errors.New("perimeter: request too large")
	ErrThrottled           = errors.New("perimeter: throttled")
	ErrServerError         = errors.New("perimeter: server error")
	ErrUnreachable         = errors.New("perimeter: peer unreachable")
)

// PeerError is a non-success answer from a peer: the HTTP status, the
// peer's response body when it sent one, and the matching sentinel.
type PeerError struct {
	StatusCode int
	Response   PeerResponse
	Err        error // sentinel, for errors.Is()
}

func (e *PeerError) Error() string {
	if e.Response.Code != "" {
		return fmt.Sprintf("perimeter: HTTP %d (%s): %s", e.StatusCode, e.Response.Code, e.Response.Message)
	}

	return fmt.Sprintf("perimeter: HTTP %d", e.StatusCode)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

// Retryable reports whether sending again later can succeed.
func (e *PeerError) Retryable() bool {
	return isRetryable(e.StatusCode) || errors.Is(e.Err, ErrUnknownRecipientKey)
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int, body PeerResponse) error {
	if body.Code == CodeUnknownRecipientKey {
		return ErrUnknownRecipientKey
	}

	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusMultipleChoices {
			return ErrBadRequest
		}

		return nil
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
