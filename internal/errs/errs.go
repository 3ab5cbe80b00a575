// Package errs defines the completion error taxonomy (spec.md §4.5.4) as a
// leaf package every layer (store, provider, session, queue, completion) can
// import without creating a cycle back into internal/completion.
package errs

import (
	"fmt"
	"strings"
)

// Kind classifies a completion failure so the Retry Controller and operator
// tooling can reason about disposition without parsing messages.
type Kind string

const (
	KindTimeout             Kind = "timeout"
	KindNetworkError        Kind = "network_error"
	KindAPIRateLimit        Kind = "api_rate_limit"
	KindProviderError       Kind = "provider_error"
	KindTemporaryFailure    Kind = "temporary_failure"
	KindDaemonRestart       Kind = "daemon_restart"
	KindNoAvailableProvider Kind = "no_available_provider"
	KindLockDenied          Kind = "lock_denied"
	KindInvalidRequest      Kind = "invalid_request"
	KindIOError             Kind = "io_error"
)

// retryable is the fixed disposition table from the error taxonomy. io_error
// is surfaced to the operator but never retried — the in-memory state already
// moved on and retrying would risk a conversation fork.
var retryable = map[Kind]bool{
	KindTimeout:             true,
	KindNetworkError:        true,
	KindAPIRateLimit:        true,
	KindProviderError:       true,
	KindTemporaryFailure:    true,
	KindDaemonRestart:       true,
	KindNoAvailableProvider: false,
	KindLockDenied:          false,
	KindInvalidRequest:      false,
	KindIOError:             false,
}

// IsRetryable reports whether the Retry Controller may schedule a new attempt
// for a failure of this kind.
func IsRetryable(k Kind) bool {
	return retryable[k]
}

// Error wraps a completion failure with the request/session it belongs to.
type Error struct {
	Kind      Kind
	RequestID string
	SessionID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("completion[%s] %s: %s", e.RequestID, e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("completion[%s] %s: %v", e.RequestID, e.Kind, e.Err)
	}
	return fmt.Sprintf("completion[%s] %s", e.RequestID, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error carrying the given kind and request context.
func New(kind Kind, requestID, sessionID string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, RequestID: requestID, SessionID: sessionID, Message: msg, Err: err}
}

// NewIOError is a convenience constructor used by leaf stores (response log,
// recovery index) that don't have request/session context at the call site.
func NewIOError(err error) *Error {
	return &Error{Kind: KindIOError, Message: err.Error(), Err: err}
}

// Classify maps a bare reason/message pair into a Kind. It is the fallback
// path used when a failure arrives from outside the typed *Error path — e.g.
// a ProviderCaller that only returns a plain error — matching the substring
// heuristics the original retry manager's extract_error_type used before
// giving up and calling it a temporary_failure.
func Classify(reason, message string) Kind {
	switch reason {
	case string(KindTimeout):
		return KindTimeout
	case string(KindDaemonRestart):
		return KindDaemonRestart
	case string(KindNoAvailableProvider):
		return KindNoAvailableProvider
	case string(KindLockDenied):
		return KindLockDenied
	case string(KindInvalidRequest):
		return KindInvalidRequest
	case string(KindIOError):
		return KindIOError
	case string(KindNetworkError):
		return KindNetworkError
	case string(KindAPIRateLimit):
		return KindAPIRateLimit
	case string(KindProviderError):
		return KindProviderError
	case string(KindTemporaryFailure):
		return KindTemporaryFailure
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "rate limit"):
		return KindAPIRateLimit
	case strings.Contains(lower, "network"), strings.Contains(lower, "connection"):
		return KindNetworkError
	case strings.Contains(lower, "provider"):
		return KindProviderError
	default:
		return KindTemporaryFailure
	}
}
