package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := newCircuitBreaker(3, time.Minute)
	now := time.Now()

	assert.False(t, b.isOpen(now))

	b.recordFailure(now)
	b.recordFailure(now)
	assert.False(t, b.isOpen(now), "below threshold must stay closed")

	b.recordFailure(now)
	assert.True(t, b.isOpen(now), "reaching the threshold must open the breaker")
}

func TestCircuitBreakerClosesAfterTimeoutWindow(t *testing.T) {
	b := newCircuitBreaker(1, time.Minute)
	now := time.Now()

	b.recordFailure(now)
	assert.True(t, b.isOpen(now))

	later := now.Add(2 * time.Minute)
	assert.False(t, b.isOpen(later), "breaker must close once openUntil has passed")
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	b := newCircuitBreaker(2, time.Minute)
	now := time.Now()

	b.recordFailure(now)
	b.recordSuccess(now)
	st := b.status(now)
	assert.Equal(t, 0, st.RecentFailures)
	assert.False(t, st.IsOpen)

	b.recordFailure(now)
	assert.False(t, b.isOpen(now), "a single failure after a reset must not reopen a threshold-2 breaker")
}

func TestCircuitBreakerFailuresOutsideWindowDontCount(t *testing.T) {
	b := newCircuitBreaker(2, 10*time.Second)
	base := time.Now()

	b.recordFailure(base)
	b.recordFailure(base.Add(20 * time.Second)) // outside the rolling window relative to base
	assert.False(t, b.isOpen(base.Add(20*time.Second)))
}

func TestReset(t *testing.T) {
	b := newCircuitBreaker(1, time.Minute)
	now := time.Now()
	b.recordFailure(now)
	assert.True(t, b.isOpen(now))

	b.reset()
	assert.False(t, b.isOpen(now))
	st := b.status(now)
	assert.Equal(t, 0, st.RecentFailures)
	assert.Nil(t, st.LastSuccess)
}
