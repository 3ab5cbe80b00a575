package provider

import (
	"sync"
	"time"
)

// circuitBreaker is the per-provider counting breaker spec.md §4.2/§4.3
// prescribes: a failure count inside a rolling window, not gomind's
// error-rate/sliding-window variant (see DESIGN.md's Open Question
// resolution). Three logical states: closed, open (reject until openUntil),
// and the half-open moment when openUntil has passed and the next call is
// allowed through to decide the outcome.
type circuitBreaker struct {
	failureThreshold int
	timeoutWindow    time.Duration

	mu          sync.Mutex
	failures    []time.Time
	openUntil   time.Time
	lastSuccess time.Time
	halfOpen    bool // openUntil has passed; the next recorded outcome decides
}

func newCircuitBreaker(failureThreshold int, timeoutWindow time.Duration) *circuitBreaker {
	return &circuitBreaker{failureThreshold: failureThreshold, timeoutWindow: timeoutWindow}
}

// isOpen reports whether the breaker currently rejects calls. Passing
// openUntil closes the breaker automatically — the next call is the
// half-open probe.
func (b *circuitBreaker) isOpen(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpenLocked(now)
}

func (b *circuitBreaker) isOpenLocked(now time.Time) bool {
	if b.openUntil.IsZero() {
		return false
	}
	if now.After(b.openUntil) {
		b.openUntil = time.Time{}
		b.halfOpen = true
		return false
	}
	return true
}

// recordSuccess closes the breaker. The returned bool reports whether the
// breaker was actually open beforehand, so callers only emit a transition
// metric on a real close, not on every success while already closed.
func (b *circuitBreaker) recordSuccess(now time.Time) (wasOpen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen = b.isOpenLocked(now)
	b.failures = nil
	b.lastSuccess = now
	b.openUntil = time.Time{}
	b.halfOpen = false
	return wasOpen
}

// recordFailure appends a failure and opens the breaker once the threshold
// is reached inside the rolling window, or at once when the failure is the
// half-open probe's. The returned bool reports whether this call is the one
// that newly opened the breaker (closed -> open).
func (b *circuitBreaker) recordFailure(now time.Time) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpen := b.isOpenLocked(now)
	probeFailed := b.halfOpen
	b.halfOpen = false

	b.failures = append(b.failures, now)
	cutoff := now.Add(-b.timeoutWindow)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = kept

	if probeFailed || len(b.failures) >= b.failureThreshold {
		b.openUntil = now.Add(b.timeoutWindow)
	}
	return !wasOpen && b.isOpenLocked(now)
}

func (b *circuitBreaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	b.openUntil = time.Time{}
	b.lastSuccess = time.Time{}
	b.halfOpen = false
}

// BreakerStatus is the operator-visible snapshot of a circuit breaker.
type BreakerStatus struct {
	IsOpen          bool       `json:"is_open"`
	RecentFailures  int        `json:"recent_failures"`
	OpenUntil       *time.Time `json:"open_until,omitempty"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
}

func (b *circuitBreaker) status(now time.Time) BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := BreakerStatus{
		IsOpen:         b.isOpenLocked(now),
		RecentFailures: len(b.failures),
	}
	if !b.openUntil.IsZero() {
		t := b.openUntil
		st.OpenUntil = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		st.LastSuccess = &t
	}
	return st
}
