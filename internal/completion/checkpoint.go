package completion

import (
	"context"

	"github.com/ksi-daemon/ksid/internal/store"
)

// Checkpoint implements checkpoint:collect (spec.md §6, §7).
func (e *Executor) Checkpoint() store.Checkpoint {
	e.mu.Lock()
	activeCompletions := make(map[string]map[string]interface{}, len(e.active))
	for id, ac := range e.active {
		if ac.Phase.terminal() {
			continue
		}
		activeCompletions[id] = map[string]interface{}{
			"request_id": ac.RequestID,
			"session_id": ac.SessionID,
			"phase":      string(ac.Phase),
			"request":    ac.Request,
		}
	}
	e.mu.Unlock()

	sessionQueueDepths := make(map[string]int)
	for _, s := range e.sessions.AllStatus() {
		if s.QueueDepth > 0 {
			sessionQueueDepths[s.SessionID] = s.QueueDepth
		}
	}

	return e.store.CollectCheckpoint(activeCompletions, sessionQueueDepths)
}

// Restore implements checkpoint:restore (spec.md §6, §7): every request that
// was mid-flight when the checkpoint was taken is synthesized as a
// completion:failed{reason: daemon_restart} event, letting the Retry
// Controller decide whether to resubmit it per policy.
func (e *Executor) Restore(ctx context.Context, cp store.Checkpoint) (restored int, message string) {
	snapshot := e.store.RestoreCheckpoint(cp)

	for requestID, data := range snapshot {
		original, ok := data["request"].(Request)
		if m, isMap := data["request"].(map[string]interface{}); !ok && isMap {
			// A checkpoint decoded from JSON carries the request as a generic map.
			if decoded, err := requestFromData(m); err == nil {
				original, ok = decoded, true
			}
		}
		if !ok {
			sessionID, _ := data["session_id"].(string)
			original = Request{RequestID: requestID, SessionID: sessionID}
		}
		e.bus.Emit(ctx, "completion:failed", map[string]interface{}{
			"request_id": requestID,
			"reason":     string(KindDaemonRestart),
			"message":    "daemon restarted mid-completion",
		})
		action := e.retry.Failed(ctx, requestID, string(KindDaemonRestart), "daemon restarted mid-completion", original)
		e.log.Info("restored in-flight completion as daemon_restart failure", map[string]interface{}{
			"request_id": requestID,
			"action":     action,
		})
		restored++
	}
	return restored, "restored active completions as daemon_restart failures"
}
