package completion

// Status is the aggregate response to completion:status (spec.md §6).
type Status struct {
	ActiveCompletions int                    `json:"active_completions"`
	QueuedRequests    int                    `json:"queued_requests"`
	RecoveryEntries   int                    `json:"recovery_entries"`
	RetryingRequests  int                    `json:"retrying_requests"`
	Sessions          []map[string]interface{} `json:"sessions"`
	Providers         map[string]interface{} `json:"providers"`
}

// Status builds the aggregated snapshot for completion:status.
func (e *Executor) Status() Status {
	e.mu.Lock()
	active, queued := 0, 0
	for _, ac := range e.active {
		switch ac.Phase {
		case PhaseProcessing:
			active++
		case PhaseQueued:
			queued++
		}
	}
	e.mu.Unlock()

	sessions := make([]map[string]interface{}, 0)
	for _, s := range e.sessions.AllStatus() {
		sessions = append(sessions, map[string]interface{}{
			"session_id":        s.SessionID,
			"locked":            s.Locked,
			"active_request_id": s.ActiveRequestID,
			"queue_depth":       s.QueueDepth,
			"last_activity":     s.LastActivity,
		})
	}

	allProviders := e.providers.GetAllStatus()
	providers := map[string]interface{}{
		"total_providers":     allProviders.TotalProviders,
		"available_providers": allProviders.AvailableProviders,
	}

	return Status{
		ActiveCompletions: active,
		QueuedRequests:    queued,
		RecoveryEntries:   e.store.RecoveryLen(),
		RetryingRequests:  e.retry.RetryingCount(),
		Sessions:          sessions,
		Providers:         providers,
	}
}

// SessionStatus builds the per-session detail for completion:session_status.
func (e *Executor) SessionStatus(sessionID string) (map[string]interface{}, bool) {
	st, ok := e.sessions.Status(sessionID)
	if !ok {
		return nil, false
	}
	return map[string]interface{}{
		"session_id":        st.SessionID,
		"agent_id":          st.AgentID,
		"locked":            st.Locked,
		"locked_by":         st.LockedBy,
		"active_request_id": st.ActiveRequestID,
		"queue_depth":       st.QueueDepth,
		"last_activity":     st.LastActivity,
	}, true
}

// ProviderStatus builds the response for completion:provider_status.
// An empty name requests every provider.
func (e *Executor) ProviderStatus(name string) (interface{}, error) {
	if name == "" {
		return e.providers.GetAllStatus(), nil
	}
	return e.providers.GetStatus(name)
}

// TokenUsage builds the response for completion:token_usage, filtered by
// agentID or model (whichever is non-empty; empty/empty returns both maps).
func (e *Executor) TokenUsage(agentID, model string) map[string]interface{} {
	out := make(map[string]interface{})
	switch {
	case agentID != "":
		if c, ok := e.usage.ByAgent(agentID); ok {
			out["agent_id"] = agentID
			out["usage"] = c
		}
	case model != "":
		if c, ok := e.usage.ByModel(model); ok {
			out["model"] = model
			out["usage"] = c
		}
	default:
		out["by_model"] = e.usage.AllModels()
		out["by_agent"] = e.usage.AllAgents()
	}
	return out
}

// RetryStatus builds the response for completion:retry_status.
func (e *Executor) RetryStatus() map[string]interface{} {
	return map[string]interface{}{
		"stats": map[string]interface{}{
			"retrying_count": e.retry.RetryingCount(),
		},
		"retrying_requests": e.retry.RetryingRequests(),
	}
}
