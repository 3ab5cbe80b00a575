package completion

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ksi-daemon/ksid/internal/logger"
)

// RetryPolicy configures the Retry Controller (spec.md §4.5.3).
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy matches spec.md §6's configuration surface.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// delay computes min(initial * multiplier^attempt, max) (spec.md §4.5.3 step 3).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// retryState tracks the single outstanding timer for one request_id, so two
// completion:failed events for the same attempt never schedule two retries
// (spec.md §8 invariant 6).
type retryState struct {
	attempt int
	timer   *time.Timer
}

// Resubmit is invoked when the Retry Controller decides to re-emit
// completion:async with the original payload, under a freshly generated
// request_id (spec.md §5 ordering guarantee: retries re-enter at the tail).
type Resubmit func(ctx context.Context, original Request)

// RetryController implements spec.md §4.5.3: it classifies a reported
// failure, and if retryable and within budget, schedules a cancellable timer
// that resubmits the original request.
type RetryController struct {
	policy   RetryPolicy
	resubmit Resubmit
	log      logger.Logger

	mu     sync.Mutex
	states map[string]*retryState
}

func NewRetryController(policy RetryPolicy, resubmit Resubmit, log logger.Logger) *RetryController {
	if log == nil {
		log = logger.NoOp{}
	}
	return &RetryController{
		policy:   policy,
		resubmit: resubmit,
		log:      log,
		states:   make(map[string]*retryState),
	}
}

// Failed handles a completion:failed report. original is the recovered
// request payload (from the Response Store's recovery index, or injected
// directly by checkpoint restore for a daemon_restart failure).
func (r *RetryController) Failed(ctx context.Context, requestID, reason, message string, original Request) string {
	kind := Classify(reason, message)

	if !IsRetryable(kind) {
		r.clear(requestID)
		r.log.Info("not retrying completion", map[string]interface{}{
			"request_id": requestID,
			"reason":     reason,
		})
		return "not_retryable"
	}

	r.mu.Lock()
	st, ok := r.states[requestID]
	if !ok {
		st = &retryState{}
		r.states[requestID] = st
	}
	if st.attempt >= r.policy.MaxAttempts {
		delete(r.states, requestID)
		r.mu.Unlock()
		r.log.Info("retry attempts exhausted", map[string]interface{}{
			"request_id": requestID,
			"attempts":   st.attempt,
		})
		return "not_retryable"
	}
	if st.timer != nil {
		// An outstanding timer already covers this request_id at this
		// attempt count — do not schedule a second one (idempotence,
		// spec.md §8 invariant 6).
		r.mu.Unlock()
		return "retry_scheduled"
	}

	attempt := st.attempt
	delay := r.policy.delay(attempt)
	st.attempt++

	st.timer = time.AfterFunc(delay, func() {
		r.fire(ctx, requestID, original)
	})
	r.mu.Unlock()

	r.log.Info("scheduled retry", map[string]interface{}{
		"request_id": requestID,
		"attempt":    attempt + 1,
		"delay_ms":   delay.Milliseconds(),
	})
	return "retry_scheduled"
}

func (r *RetryController) fire(ctx context.Context, requestID string, original Request) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("retry timer panicked", map[string]interface{}{
				"request_id": requestID,
				"panic":      rec,
			})
		}
	}()

	r.mu.Lock()
	st, ok := r.states[requestID]
	if ok {
		st.timer = nil
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.resubmit(ctx, original)
}

// Cancel stops any outstanding retry timer for requestID, used when a
// request reaches a different terminal state before its timer fires, or on
// shutdown.
func (r *RetryController) Cancel(requestID string) {
	r.clear(requestID)
}

func (r *RetryController) clear(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[requestID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.states, requestID)
	}
}

// CancelAll stops every outstanding retry timer, used during daemon
// shutdown.
func (r *RetryController) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.states {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.states, id)
	}
}

// RetryingCount reports how many requests currently have an outstanding
// retry timer (spec.md §6 completion:retry_status).
func (r *RetryController) RetryingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st.timer != nil {
			n++
		}
	}
	return n
}

// RetryingRequests lists the request ids with an outstanding retry timer and
// their next attempt number.
func (r *RetryController) RetryingRequests() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.states))
	for id, st := range r.states {
		if st.timer != nil {
			out[id] = st.attempt
		}
	}
	return out
}
