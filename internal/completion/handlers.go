package completion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ksi-daemon/ksid/internal/events"
	"github.com/ksi-daemon/ksid/internal/store"
)

// RegisterHandlers binds every event this core consumes (spec.md §6) to bus.
// Every registration is explicit — there is no reflection-based scanning.
func (e *Executor) RegisterHandlers(bus events.Bus) {
	bus.Register("completion:async", e.handleAsync)
	bus.Register("completion:cancel", e.handleCancel)
	bus.Register("completion:status", e.handleStatus)
	bus.Register("completion:session_status", e.handleSessionStatus)
	bus.Register("completion:provider_status", e.handleProviderStatus)
	bus.Register("completion:token_usage", e.handleTokenUsage)
	bus.Register("completion:retry_status", e.handleRetryStatus)
	bus.Register("completion:failed", e.handleFailed)
	bus.Register("checkpoint:collect", e.handleCheckpointCollect)
	bus.Register("checkpoint:restore", e.handleCheckpointRestore)
}

func (e *Executor) handleAsync(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	req, err := requestFromData(data)
	if err != nil {
		return nil, err
	}
	return e.Accept(ctx, req)
}

func (e *Executor) handleCancel(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	requestID, _ := data["request_id"].(string)
	if requestID == "" {
		return nil, fmt.Errorf("completion:cancel requires request_id")
	}
	return e.Cancel(requestID), nil
}

func (e *Executor) handleStatus(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	st := e.Status()
	return map[string]interface{}{
		"active_completions": st.ActiveCompletions,
		"queued_requests":    st.QueuedRequests,
		"recovery_entries":   st.RecoveryEntries,
		"retrying_requests":  st.RetryingRequests,
		"sessions":           st.Sessions,
		"providers":          st.Providers,
	}, nil
}

func (e *Executor) handleSessionStatus(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	sessionID, _ := data["session_id"].(string)
	st, ok := e.SessionStatus(sessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	return st, nil
}

func (e *Executor) handleProviderStatus(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	name, _ := data["provider"].(string)
	st, err := e.ProviderStatus(name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": st}, nil
}

func (e *Executor) handleTokenUsage(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	agentID, _ := data["agent_id"].(string)
	model, _ := data["model"].(string)
	return e.TokenUsage(agentID, model), nil
}

func (e *Executor) handleRetryStatus(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	return e.RetryStatus(), nil
}

func (e *Executor) handleFailed(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	requestID, _ := data["request_id"].(string)
	reason, _ := data["reason"].(string)
	message, _ := data["message"].(string)
	if requestID == "" {
		return nil, fmt.Errorf("completion:failed requires request_id")
	}

	sessionID, request, ok := e.store.GetRecovery(requestID)
	original := Request{RequestID: requestID, SessionID: sessionID, Raw: request}
	if !ok {
		if cd, ok := data["completion_data"].(map[string]interface{}); ok {
			original = requestFromCompletionData(requestID, cd)
		} else {
			return map[string]interface{}{"status": "not_found"}, nil
		}
	} else if request != nil {
		if decoded, err := requestFromData(request); err == nil {
			decoded.RequestID = requestID
			decoded.SessionID = sessionID
			original = decoded
		}
	}

	status := e.retry.Failed(ctx, requestID, reason, message, original)
	return map[string]interface{}{"status": status}, nil
}

func (e *Executor) handleCheckpointCollect(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	cp := e.Checkpoint()
	return map[string]interface{}{"components": map[string]interface{}{"completion": cp}}, nil
}

func (e *Executor) handleCheckpointRestore(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	completionSection, _ := data["completion"].(map[string]interface{})
	cp := store.Checkpoint{}
	if completionSection != nil {
		if ac, ok := completionSection["active_completions"].(map[string]map[string]interface{}); ok {
			cp.ActiveCompletions = ac
		} else if ac, ok := completionSection["active_completions"].(map[string]interface{}); ok {
			// Decoded JSON: each entry arrives as a generic map.
			cp.ActiveCompletions = make(map[string]map[string]interface{}, len(ac))
			for id, v := range ac {
				if entry, ok := v.(map[string]interface{}); ok {
					cp.ActiveCompletions[id] = entry
				}
			}
		}
		if qd, ok := completionSection["session_queue_depths"].(map[string]int); ok {
			cp.SessionQueueDepths = qd
		}
	}
	if direct, ok := data["completion"].(store.Checkpoint); ok {
		cp = direct
	}
	restored, message := e.Restore(ctx, cp)
	return map[string]interface{}{"restored": restored, "message": message}, nil
}

// requestFromData decodes an event payload into a Request, preserving the
// full original map for recovery/retry replay.
func requestFromData(data map[string]interface{}) (Request, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Request{}, fmt.Errorf("encode request payload: %w", err)
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("decode request payload: %w", err)
	}
	req.Raw = data
	return req, nil
}

func requestFromCompletionData(requestID string, cd map[string]interface{}) Request {
	req, err := requestFromData(cd)
	if err != nil {
		return Request{RequestID: requestID}
	}
	req.RequestID = requestID
	return req
}
