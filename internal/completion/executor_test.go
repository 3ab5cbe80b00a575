package completion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-daemon/ksid/internal/events"
	"github.com/ksi-daemon/ksid/internal/provider"
	"github.com/ksi-daemon/ksid/internal/queue"
	"github.com/ksi-daemon/ksid/internal/session"
	"github.com/ksi-daemon/ksid/internal/store"
)

// scriptedCaller is a ProviderCaller test double returning a canned result
// or error, optionally blocking until release is closed (to exercise
// in-flight cancellation).
type scriptedCaller struct {
	mu      sync.Mutex
	result  ProviderResult
	err     error
	release chan struct{}
	calls   int
}

func (c *scriptedCaller) Call(ctx context.Context, providerName string, req Request) (ProviderResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ProviderResult{}, ctx.Err()
		}
	}
	return c.result, c.err
}

func newTestExecutor(t *testing.T, caller ProviderCaller) (*Executor, *events.FakeBus) {
	t.Helper()
	bus := events.NewFakeBus()
	sessions := session.New(time.Hour, bus, nil)
	queues := queue.New(nil)
	providers := provider.New(5, time.Minute, nil)
	providers.AddProvider(provider.Config{Name: "test-provider", SupportedModels: []string{"*"}})
	st := store.New(t.TempDir(), 1000, nil)

	e := NewExecutor(Timeouts{Default: time.Second, Min: time.Millisecond, Max: 10 * time.Second},
		sessions, queues, providers, st, bus, caller, fastPolicy(), nil)
	e.RegisterHandlers(bus)
	return e, bus
}

func TestAccept_SessionlessRequestProcessesImmediately(t *testing.T) {
	caller := &scriptedCaller{result: ProviderResult{Output: map[string]interface{}{"text": "hi"}}}
	e, bus := newTestExecutor(t, caller)

	resp, err := e.Accept(context.Background(), Request{Prompt: "hello", Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "processing", resp["status"])

	require.Eventually(t, func() bool {
		return len(bus.Named("completion:result")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAccept_SecondRequestOnBusySessionIsQueued(t *testing.T) {
	release := make(chan struct{})
	caller := &scriptedCaller{result: ProviderResult{Output: map[string]interface{}{}}, release: release}
	e, _ := newTestExecutor(t, caller)

	first, err := e.Accept(context.Background(), Request{SessionID: "sess-1", Prompt: "a", Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "processing", first["status"])

	require.Eventually(t, func() bool { return caller.calls >= 1 }, time.Second, 5*time.Millisecond)

	second, err := e.Accept(context.Background(), Request{SessionID: "sess-1", Prompt: "b", Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "queued", second["status"])

	close(release)
}

func TestCancel_QueuedRequestNeverDispatches(t *testing.T) {
	release := make(chan struct{})
	caller := &scriptedCaller{result: ProviderResult{Output: map[string]interface{}{}}, release: release}
	e, bus := newTestExecutor(t, caller)

	first, err := e.Accept(context.Background(), Request{SessionID: "sess-1", Prompt: "a", Model: "gpt-4"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return caller.calls >= 1 }, time.Second, 5*time.Millisecond)

	second, err := e.Accept(context.Background(), Request{SessionID: "sess-1", Prompt: "b", Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "queued", second["status"])
	secondID := second["request_id"].(string)

	result := e.Cancel(secondID)
	assert.Equal(t, "cancelled", result["status"])

	close(release) // let the dispatcher move on to the (cancelled) second item

	require.Eventually(t, func() bool {
		return len(bus.Named("completion:cancelled")) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, caller.calls, "a request cancelled while queued must never reach the provider")
	assert.Len(t, bus.Named("completion:result"), 1, "only the first request should have completed normally")
}

type recordingMetrics struct {
	mu         sync.Mutex
	latencies  []string // "provider:success"
	outcomes   []string
}

func (r *recordingMetrics) RecordProviderLatency(_ context.Context, providerName string, _ int64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.latencies = append(r.latencies, providerName+":success")
	} else {
		r.latencies = append(r.latencies, providerName+":failure")
	}
}

func (r *recordingMetrics) RecordCompletion(_ context.Context, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingMetrics) snapshotOutcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

func TestExecutor_RecordsProviderLatencyAndCompletionOutcome(t *testing.T) {
	caller := &scriptedCaller{result: ProviderResult{Output: map[string]interface{}{"text": "hi"}}}
	bus := events.NewFakeBus()
	sessions := session.New(time.Hour, bus, nil)
	queues := queue.New(nil)
	providers := provider.New(5, time.Minute, nil)
	providers.AddProvider(provider.Config{Name: "test-provider", SupportedModels: []string{"*"}})
	st := store.New(t.TempDir(), 1000, nil)
	metrics := &recordingMetrics{}

	e := NewExecutor(Timeouts{Default: time.Second, Min: time.Millisecond, Max: 10 * time.Second},
		sessions, queues, providers, st, bus, caller, fastPolicy(), nil, WithMetrics(metrics))
	e.RegisterHandlers(bus)

	_, err := e.Accept(context.Background(), Request{Prompt: "hello", Model: "gpt-4"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bus.Named("completion:result")) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"test-provider:success"}, metrics.latencies)
	assert.Equal(t, []string{"completed"}, metrics.snapshotOutcomes())
}

func TestExecutor_RecordsFailedCompletionOutcome(t *testing.T) {
	caller := &scriptedCaller{err: assertTimeoutErr{}}
	bus := events.NewFakeBus()
	sessions := session.New(time.Hour, bus, nil)
	queues := queue.New(nil)
	providers := provider.New(5, time.Minute, nil)
	providers.AddProvider(provider.Config{Name: "test-provider", SupportedModels: []string{"*"}})
	st := store.New(t.TempDir(), 1000, nil)
	metrics := &recordingMetrics{}

	e := NewExecutor(Timeouts{Default: time.Second, Min: time.Millisecond, Max: 10 * time.Second},
		sessions, queues, providers, st, bus, caller,
		// A long first backoff keeps the scheduled retry (which would fail
		// again and record another outcome) from firing during the test.
		RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2.0},
		nil, WithMetrics(metrics))
	e.RegisterHandlers(bus)

	_, err := e.Accept(context.Background(), Request{Prompt: "a", Model: "gpt-4"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(metrics.snapshotOutcomes()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"failed"}, metrics.snapshotOutcomes())
}

func TestAccept_RejectsMissingFields(t *testing.T) {
	e, _ := newTestExecutor(t, &scriptedCaller{})
	_, err := e.Accept(context.Background(), Request{})
	assert.Error(t, err)
}

func TestCancel_UnknownAndAlreadyTerminal(t *testing.T) {
	e, bus := newTestExecutor(t, &scriptedCaller{result: ProviderResult{Output: map[string]interface{}{}}})

	result := e.Cancel("does-not-exist")
	assert.Equal(t, "unknown_request", result["status"])

	resp, err := e.Accept(context.Background(), Request{Prompt: "a", Model: "gpt-4"})
	require.NoError(t, err)
	requestID := resp["request_id"].(string)

	require.Eventually(t, func() bool {
		return len(bus.Named("completion:result")) == 1
	}, time.Second, 5*time.Millisecond)

	result = e.Cancel(requestID)
	assert.Equal(t, "already_terminal", result["status"])
}

func TestProcess_ProviderFailureEmitsErrorAndSchedulesRetry(t *testing.T) {
	caller := &scriptedCaller{err: assertTimeoutErr{}}
	e, bus := newTestExecutor(t, caller)
	// A long first backoff keeps the scheduled retry (which would fail again
	// and emit another completion:error) from firing during the test.
	e.retry = NewRetryController(RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2.0}, e.resubmit, nil)

	_, err := e.Accept(context.Background(), Request{Prompt: "a", Model: "gpt-4"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bus.Named("completion:error")) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, bus.Named("completion:failed"), 1)
}

type assertTimeoutErr struct{}

func (assertTimeoutErr) Error() string { return "temporary provider hiccup" }
