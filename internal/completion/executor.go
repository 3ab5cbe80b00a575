// Package completion implements the Completion Executor and Retry
// Controller (spec.md §4.5): the request lifecycle, cancellation, and the
// retry scheduling that reacts to reported failures.
package completion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksi-daemon/ksid/internal/errs"
	"github.com/ksi-daemon/ksid/internal/events"
	"github.com/ksi-daemon/ksid/internal/logger"
	"github.com/ksi-daemon/ksid/internal/provider"
	"github.com/ksi-daemon/ksid/internal/queue"
	"github.com/ksi-daemon/ksid/internal/session"
	"github.com/ksi-daemon/ksid/internal/store"
)

// cleanupDelay is how long a terminal ActiveCompletion stays visible to
// introspection before the Executor forgets it (spec.md §4.5.1 step 9).
const cleanupDelay = 60 * time.Second

// Timeouts bounds the provider-call deadline a request may request
// (spec.md §5, §6).
type Timeouts struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
}

// Executor ties the Session Manager, Provider Manager, Queue Manager, and
// Response Store together to run one request end-to-end and translate
// provider outcomes into events.
type Executor struct {
	timeouts Timeouts
	sessions *session.Manager
	queues   *queue.Manager
	providers *provider.Manager
	store    *store.Store
	bus      events.Bus
	caller   ProviderCaller
	retry    *RetryController
	log      logger.Logger
	metrics  Metrics

	mu       sync.Mutex
	active   map[string]*ActiveCompletion
	cancels  map[string]context.CancelFunc
	usage    *usageTracker
}

func NewExecutor(
	timeouts Timeouts,
	sessions *session.Manager,
	queues *queue.Manager,
	providers *provider.Manager,
	st *store.Store,
	bus events.Bus,
	caller ProviderCaller,
	retryPolicy RetryPolicy,
	log logger.Logger,
	opts ...Option,
) *Executor {
	if log == nil {
		log = logger.NoOp{}
	}
	e := &Executor{
		timeouts:  timeouts,
		sessions:  sessions,
		queues:    queues,
		providers: providers,
		store:     st,
		bus:       bus,
		caller:    caller,
		log:       log,
		metrics:   noopMetrics{},
		active:    make(map[string]*ActiveCompletion),
		cancels:   make(map[string]context.CancelFunc),
		usage:     newUsageTracker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.retry = NewRetryController(retryPolicy, e.resubmit, log)
	return e
}

func (e *Executor) resubmit(ctx context.Context, original Request) {
	original.RequestID = ""
	if _, err := e.Accept(ctx, original); err != nil {
		e.log.Error("retry resubmission failed", map[string]interface{}{"error": err})
	}
}

// Accept implements the completion:async handler body, steps 1-3 of spec.md
// §4.5.1.
func (e *Executor) Accept(ctx context.Context, req Request) (map[string]interface{}, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.Prompt == "" || req.Model == "" {
		return nil, errs.New(errs.KindInvalidRequest, req.RequestID, req.SessionID,
			fmt.Errorf("request requires both prompt and model"))
	}

	e.sessions.RegisterRequest(req.SessionID, req.RequestID, req.OriginatorID)
	if req.SessionID != "" {
		e.store.SaveRecovery(req.RequestID, req.SessionID, req.Raw)
	}

	ac := &ActiveCompletion{
		RequestID:    req.RequestID,
		SessionID:    req.SessionID,
		OriginatorID: req.OriginatorID,
		Request:      req,
		Phase:        PhaseQueued,
		QueuedAt:     time.Now(),
	}
	e.mu.Lock()
	e.active[req.RequestID] = ac
	e.mu.Unlock()

	if req.SessionID == "" {
		// Sessionless requests bypass queueing entirely (spec.md §4.4):
		// cannot fork a conversation, nothing to order against.
		go e.process(context.Background(), req.RequestID)
		return map[string]interface{}{"request_id": req.RequestID, "status": string(PhaseProcessing)}, nil
	}

	// The reported status is best-effort: busy is sampled before Enqueue, so a
	// dispatch finishing between the two calls can make a request that starts
	// at once report "queued". The status is informational only.
	busy := e.queues.Busy(req.SessionID)
	e.queues.Enqueue(req.SessionID, queue.Item{RequestID: req.RequestID})
	position := e.queues.Depth(req.SessionID) - 1
	e.sessions.SetQueueDepth(req.SessionID, e.queues.Depth(req.SessionID))
	e.queues.EnsureLoop(context.Background(), req.SessionID, func(ctx context.Context, item queue.Item) {
		e.process(ctx, item.RequestID)
		e.sessions.SetQueueDepth(req.SessionID, e.queues.Depth(req.SessionID))
	})

	status := "queued"
	if !busy && position == 0 {
		status = string(PhaseProcessing)
	}
	return map[string]interface{}{
		"request_id": req.RequestID,
		"status":     status,
		"position":   position,
	}, nil
}

// process runs the per-request procedure synchronously (spec.md §4.5.1
// "Processing a dequeued request").
func (e *Executor) process(parent context.Context, requestID string) {
	e.mu.Lock()
	ac, ok := e.active[requestID]
	cancelledBeforeDispatch := ok && ac.Phase == PhaseCancelled
	e.mu.Unlock()
	if !ok {
		return
	}
	if cancelledBeforeDispatch {
		// Cancel() ran while this request was still sitting in the queue, so
		// there was no cancel func yet to stop anything — finish the
		// bookkeeping here instead of letting dispatch overwrite the phase
		// back to processing and run the request to completion.
		e.finishCancelled(parent, ac)
		e.sessions.CompleteRequest(ac.SessionID, requestID)
		e.store.ClearRecovery(requestID)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.cancels[requestID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, requestID)
		e.mu.Unlock()
		cancel()
	}()

	e.setPhase(ac, PhaseProcessing)
	ac.StartedAt = time.Now()

	lockHeld := false
	if lock := ac.Request.ConversationLock; lock != nil && lock.Enabled {
		timeout := time.Duration(lock.TimeoutS) * time.Second
		result := e.sessions.AcquireLock(ctx, ac.SessionID, ac.OriginatorID, timeout)
		if !result.Locked {
			err := errs.New(errs.KindLockDenied, requestID, ac.SessionID,
				fmt.Errorf("conversation locked by %s until %s", result.Holder, result.ExpiresAt.Format(time.RFC3339)))
			e.finishFailed(ctx, ac, err)
			e.sessions.CompleteRequest(ac.SessionID, requestID)
			e.store.ClearRecovery(requestID)
			return
		}
		lockHeld = true
	}
	if lockHeld {
		defer e.sessions.ReleaseLock(ctx, ac.SessionID, ac.OriginatorID)
	}

	requireMCP := false
	if ac.Request.ExtraBody != nil {
		if ksi, ok := ac.Request.ExtraBody["ksi"].(map[string]interface{}); ok {
			if _, ok := ksi["mcp_config_path"]; ok {
				requireMCP = true
			}
		}
	}

	cfg, err := e.providers.Select(ac.Request.Model, requireMCP, ac.Request.Stream)
	if err != nil {
		e.finishFailed(ctx, ac, errs.New(errs.KindNoAvailableProvider, requestID, ac.SessionID, err))
		e.sessions.CompleteRequest(ac.SessionID, requestID)
		e.store.ClearRecovery(requestID)
		return
	}
	ac.Provider = cfg.Name

	e.bus.Emit(ctx, "completion:progress", map[string]interface{}{
		"request_id": requestID,
		"session_id": ac.SessionID,
		"status":     "calling_provider",
		"provider":   cfg.Name,
	})

	callCtx, callCancel := context.WithTimeout(ctx, e.timeout(ac.Request.TimeoutSeconds))
	start := time.Now()
	result, callErr := e.caller.Call(callCtx, cfg.Name, ac.Request)
	latencyMs := time.Since(start).Milliseconds()
	callCancel()
	e.metrics.RecordProviderLatency(ctx, cfg.Name, latencyMs, callErr == nil)

	if ctx.Err() == context.Canceled {
		e.finishCancelled(ctx, ac)
		e.sessions.CompleteRequest(ac.SessionID, requestID)
		e.store.ClearRecovery(requestID)
		return
	}

	if callErr != nil {
		var kind errs.Kind
		if callCtx.Err() == context.DeadlineExceeded {
			kind = errs.KindTimeout
		} else {
			kind = Classify("", callErr.Error())
		}
		e.providers.RecordFailure(cfg.Name, callErr)
		e.finishFailed(ctx, ac, errs.New(kind, requestID, ac.SessionID, callErr))
		e.sessions.CompleteRequest(ac.SessionID, requestID)
		e.store.ClearRecovery(requestID)
		return
	}

	e.providers.RecordSuccess(cfg.Name, latencyMs)

	resp := store.StandardizedResponse{
		Provider:   cfg.Name,
		RequestID:  requestID,
		ClientID:   ac.OriginatorID,
		DurationMs: latencyMs,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:  ac.SessionID,
		Response:   result.Output,
	}
	if err := e.store.SaveResponse(resp); err != nil {
		e.log.Error("failed to persist response", map[string]interface{}{"request_id": requestID, "error": err})
	}
	e.usage.record(cfg.Name, ac.Request.Model, ac.OriginatorID, result.Output)

	output := result.Output
	if ic := ac.Request.InjectionConfig; ic != nil && ic.Enabled {
		reply, err := e.bus.EmitAndWait(ctx, "injection:process_result", map[string]interface{}{
			"request_id":        requestID,
			"result":            output,
			"injection_metadata": ic.Metadata,
		})
		if err != nil {
			e.log.Warn("injection hook failed, using original result", map[string]interface{}{"request_id": requestID, "error": err})
		} else if reply != nil {
			if replaced, ok := reply["result"].(map[string]interface{}); ok {
				output = replaced
				resp.Response = output
			}
		}
	}

	e.bus.Emit(ctx, "completion:result", map[string]interface{}{
		"request_id": requestID,
		"result":     resp,
	})
	e.setPhase(ac, PhaseCompleted)
	ac.EndedAt = time.Now()
	e.metrics.RecordCompletion(ctx, "completed")
	e.retry.Cancel(requestID)
	e.scheduleCleanup(requestID)

	e.sessions.CompleteRequest(ac.SessionID, requestID)
	e.store.ClearRecovery(requestID)
}

func (e *Executor) timeout(requestSeconds int) time.Duration {
	if requestSeconds <= 0 {
		return e.timeouts.Default
	}
	d := time.Duration(requestSeconds) * time.Second
	if d < e.timeouts.Min {
		return e.timeouts.Min
	}
	if d > e.timeouts.Max {
		return e.timeouts.Max
	}
	return d
}

func (e *Executor) finishFailed(ctx context.Context, ac *ActiveCompletion, err error) {
	ce, ok := err.(*errs.Error)
	if !ok {
		ce = errs.New(Classify("", err.Error()), ac.RequestID, ac.SessionID, err)
	}
	e.setPhase(ac, PhaseFailed)
	ac.EndedAt = time.Now()
	ac.LastError = ce
	e.metrics.RecordCompletion(ctx, "failed")

	e.bus.Emit(ctx, "completion:error", map[string]interface{}{
		"request_id": ac.RequestID,
		"error":      ce.Error(),
		"session_id": ac.SessionID,
	})

	if errs.IsRetryable(ce.Kind) {
		e.bus.Emit(ctx, "completion:failed", map[string]interface{}{
			"request_id": ac.RequestID,
			"reason":     string(ce.Kind),
			"message":    ce.Message,
		})
		action := e.retry.Failed(ctx, ac.RequestID, string(ce.Kind), ce.Message, ac.Request)
		e.log.Debug("retry controller decision", map[string]interface{}{"request_id": ac.RequestID, "action": action})
	}
	e.scheduleCleanup(ac.RequestID)
}

func (e *Executor) finishCancelled(ctx context.Context, ac *ActiveCompletion) {
	e.setPhase(ac, PhaseCancelled)
	ac.EndedAt = time.Now()
	e.metrics.RecordCompletion(ctx, "cancelled")
	e.bus.Emit(ctx, "completion:cancelled", map[string]interface{}{"request_id": ac.RequestID})
	e.retry.Cancel(ac.RequestID)
	e.scheduleCleanup(ac.RequestID)
}

func (e *Executor) setPhase(ac *ActiveCompletion, phase Phase) {
	e.mu.Lock()
	ac.Phase = phase
	e.mu.Unlock()
}

func (e *Executor) scheduleCleanup(requestID string) {
	time.AfterFunc(cleanupDelay, func() {
		e.mu.Lock()
		delete(e.active, requestID)
		e.mu.Unlock()
	})
}

// Cancel implements completion:cancel (spec.md §4.5.2).
func (e *Executor) Cancel(requestID string) map[string]interface{} {
	e.mu.Lock()
	ac, ok := e.active[requestID]
	if !ok {
		e.mu.Unlock()
		return map[string]interface{}{"request_id": requestID, "status": "unknown_request"}
	}
	if ac.Phase.terminal() {
		e.mu.Unlock()
		return map[string]interface{}{"request_id": requestID, "status": "already_terminal"}
	}
	ac.Phase = PhaseCancelled
	cancel := e.cancels[requestID]
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return map[string]interface{}{"request_id": requestID, "status": "cancelled"}
}

// Shutdown cancels every non-terminal request, stops the retry controller
// and every dispatcher loop (spec.md §4.5.2 shutdown propagation, §5).
func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	var toCancel []string
	for id, ac := range e.active {
		if !ac.Phase.terminal() {
			toCancel = append(toCancel, id)
		}
	}
	e.mu.Unlock()

	for _, id := range toCancel {
		e.Cancel(id)
	}
	e.retry.CancelAll()
	e.queues.StopAll()
}
