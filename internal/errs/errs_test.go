package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(KindTimeout))
	assert.True(t, IsRetryable(KindNetworkError))
	assert.True(t, IsRetryable(KindAPIRateLimit))
	assert.True(t, IsRetryable(KindProviderError))
	assert.True(t, IsRetryable(KindTemporaryFailure))
	assert.True(t, IsRetryable(KindDaemonRestart))

	assert.False(t, IsRetryable(KindNoAvailableProvider))
	assert.False(t, IsRetryable(KindLockDenied))
	assert.False(t, IsRetryable(KindInvalidRequest))
	assert.False(t, IsRetryable(KindIOError))
}

func TestClassifyByExplicitReason(t *testing.T) {
	assert.Equal(t, KindTimeout, Classify("timeout", "anything"))
	assert.Equal(t, KindDaemonRestart, Classify("daemon_restart", ""))
	assert.Equal(t, KindLockDenied, Classify("lock_denied", ""))
}

func TestClassifyByMessageHeuristics(t *testing.T) {
	assert.Equal(t, KindAPIRateLimit, Classify("", "received 429 rate limit exceeded"))
	assert.Equal(t, KindNetworkError, Classify("", "dial tcp: connection refused"))
	assert.Equal(t, KindProviderError, Classify("", "provider returned a malformed response"))
	assert.Equal(t, KindTemporaryFailure, Classify("", "something unexpected happened"))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := New(KindProviderError, "req-1", "sess-1", cause)
	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "req-1")
	assert.Contains(t, e.Error(), "boom")
}

func TestNewIOError(t *testing.T) {
	cause := errors.New("disk full")
	e := NewIOError(cause)
	assert.Equal(t, KindIOError, e.Kind)
	assert.Empty(t, e.RequestID)
	assert.ErrorIs(t, e, cause)
}
