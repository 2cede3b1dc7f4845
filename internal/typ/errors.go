package typ

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoHealthyCredential is returned when a provider pool and its whole
// fallback chain have no eligible credential.
var ErrNoHealthyCredential = errors.New("no healthy credential available")

// UpstreamError is a classified failure from an upstream provider.
type UpstreamError struct {
	StatusCode int
	Message    string
	// Retryable means the same credential may be retried (transient
	// network or 5xx failures).
	Retryable bool
	// SwitchCredential means the failure is scoped to this credential
	// (auth or quota) and a different one should be tried.
	SwitchCredential bool
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream error: %s", e.Message)
}

// credentialScopedMarkers are body substrings that indicate an auth or quota
// failure regardless of status code.
var credentialScopedMarkers = []string{
	"invalid api key",
	"invalid x-api-key",
	"token expired",
	"token invalid",
	"authentication_error",
	"credit balance",
	"quota exceeded",
	"permission_error",
}

// ClassifyStatus builds an UpstreamError from an HTTP status and body.
//
// Classification table:
//
//	401, 403            credential-scoped, switch credential
//	429                 credential-scoped (quota), surfaced as 429 to caller
//	408, 500-599        transient, retryable on the same credential
//	400, 404, 413, 422  permanent, surfaced without retry
func ClassifyStatus(status int, body string) *UpstreamError {
	e := &UpstreamError{StatusCode: status, Message: strings.TrimSpace(body)}
	switch {
	case status == 401 || status == 403:
		e.SwitchCredential = true
	case status == 429:
		e.SwitchCredential = true
	case status == 408 || status >= 500:
		e.Retryable = true
	default:
		lower := strings.ToLower(body)
		for _, marker := range credentialScopedMarkers {
			if strings.Contains(lower, marker) {
				e.SwitchCredential = true
				break
			}
		}
	}
	return e
}

// ClassifyTransport wraps a transport-level failure (connection reset,
// timeout, EOF) as a retryable upstream error.
func ClassifyTransport(err error) *UpstreamError {
	return &UpstreamError{Message: err.Error(), Retryable: true}
}

// IsRetryable reports whether err allows a retry, on the same credential or
// a different one.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable || ue.SwitchCredential
	}
	return false
}

// ShouldSwitchCredential reports whether err is scoped to the credential.
func ShouldSwitchCredential(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.SwitchCredential
	}
	return false
}
