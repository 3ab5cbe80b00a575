// Package session implements the Session Manager (spec.md §4.3): per-session
// active-request tracking and advisory conversation locks, kept distinct
// from each other per the locking rationale in spec.md §4.3.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ksi-daemon/ksid/internal/events"
	"github.com/ksi-daemon/ksid/internal/logger"
)

// defaultLockTimeout is used when a lock directive omits a timeout.
const defaultLockTimeout = 5 * time.Minute

// Release failure kinds distinguished per spec.md §4.3 release_lock:
// releasing a lock nobody holds is a different condition from releasing
// one another agent holds.
var (
	errNotLocked     = errors.New("not_locked")
	errNotLockHolder = errors.New("not_lock_holder")
)

// IsNotLocked reports whether err is the "no lock exists" release failure.
func IsNotLocked(err error) bool { return errors.Is(err, errNotLocked) }

// IsNotLockHolder reports whether err is the "caller isn't the holder"
// release failure.
func IsNotLockHolder(err error) bool { return errors.Is(err, errNotLockHolder) }

// lock is the advisory conversation-turn reservation (spec.md §3 SessionState).
type lock struct {
	heldBy   string // agent_id
	expiresAt time.Time
}

// State is the per-conversation record the manager tracks.
type State struct {
	SessionID       string
	AgentID         string
	CreatedAt       time.Time
	LastActivity    time.Time
	RequestCount    int
	ActiveRequestID string // at most one in-flight request per session (invariant)
	Lock            *lock
	QueueDepth      int // advisory count the completion Executor keeps in sync
}

// Status is the operator-visible snapshot (spec.md §6 completion:session_status).
type Status struct {
	SessionID       string    `json:"session_id"`
	AgentID         string    `json:"agent_id,omitempty"`
	ActiveRequestID string    `json:"active_request_id,omitempty"`
	Locked          bool      `json:"locked"`
	LockedBy        string    `json:"locked_by,omitempty"`
	RequestCount    int       `json:"request_count"`
	QueueDepth      int       `json:"queue_depth"`
	LastActivity    time.Time `json:"last_activity"`
}

// LockResult is the structured outcome of AcquireLock (spec.md §4.3).
type LockResult struct {
	Locked    bool
	Extended  bool
	Reason    string // set when Locked is false: "already_locked"
	Holder    string
	ExpiresAt time.Time
}

// Manager owns every session's active-request slot and lock state.
// Independent of the Response Store and Provider Manager (spec.md §2).
type Manager struct {
	inactiveAfter time.Duration
	bus           events.Bus
	log           logger.Logger
	redis         *RedisBackend // optional: distributed lock backend

	mu       sync.Mutex
	sessions map[string]*State
	agents   map[string][]string // agent_id -> session_ids
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithRedisBackend makes conversation locks visible to every ksid instance
// sharing backend's Redis deployment, instead of this process's memory
// alone. Active-request tracking and request counts stay process-local.
func WithRedisBackend(backend *RedisBackend) Option {
	return func(m *Manager) { m.redis = backend }
}

// New constructs a Session Manager. bus may be nil, in which case lock/unlock
// events are simply not emitted (useful in unit tests for other packages).
func New(inactiveAfter time.Duration, bus events.Bus, log logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NoOp{}
	}
	m := &Manager{
		inactiveAfter: inactiveAfter,
		bus:           bus,
		log:           log,
		sessions:      make(map[string]*State),
		agents:        make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) getOrCreateLocked(sessionID, agentID string) *State {
	st, ok := m.sessions[sessionID]
	if !ok {
		now := time.Now()
		st = &State{SessionID: sessionID, AgentID: agentID, CreatedAt: now, LastActivity: now}
		m.sessions[sessionID] = st
		if agentID != "" {
			m.agents[agentID] = append(m.agents[agentID], sessionID)
		}
		return st
	}
	if agentID != "" && st.AgentID == "" {
		st.AgentID = agentID
		m.agents[agentID] = append(m.agents[agentID], sessionID)
	}
	return st
}

// RegisterRequest obtains or creates the session, sets it as the active
// request, increments request_count, and touches last_activity (spec.md
// §4.3 register_request).
func (m *Manager) RegisterRequest(sessionID, requestID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreateLocked(sessionID, agentID)
	st.ActiveRequestID = requestID
	st.RequestCount++
	st.LastActivity = time.Now()
}

// CompleteRequest clears the active-request slot if it still matches
// requestID, and touches last_activity (spec.md §4.3 complete_request).
func (m *Manager) CompleteRequest(sessionID, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if st.ActiveRequestID == requestID {
		st.ActiveRequestID = ""
	}
	st.LastActivity = time.Now()
}

// AcquireLock implements spec.md §4.3 acquire_lock: extends the lock if the
// same agent already holds it, rejects if another agent holds it, otherwise
// grants a new lock expiring after timeout (defaultLockTimeout if zero).
func (m *Manager) AcquireLock(ctx context.Context, sessionID, agentID string, timeout time.Duration) LockResult {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	now := time.Now()
	expiresAt := now.Add(timeout)

	var result LockResult
	if m.redis != nil {
		// Redis is the source of truth across instances; the local map below
		// mirrors the outcome for this process's status introspection only.
		locked, extended, holder, err := m.redis.TryLock(ctx, sessionID, agentID, timeout)
		if err != nil {
			m.log.Error("redis lock acquire failed, denying", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
			return LockResult{Locked: false, Reason: "backend_error"}
		}
		if locked {
			result = LockResult{Locked: true, Extended: extended, ExpiresAt: expiresAt}
		} else {
			result = LockResult{Locked: false, Reason: "already_locked", Holder: holder}
		}
	} else {
		m.mu.Lock()
		st := m.getOrCreateLocked(sessionID, agentID)
		switch {
		case st.Lock == nil || now.After(st.Lock.expiresAt):
			result = LockResult{Locked: true, ExpiresAt: expiresAt}
		case st.Lock.heldBy == agentID:
			result = LockResult{Locked: true, Extended: true, ExpiresAt: expiresAt}
		default:
			result = LockResult{Locked: false, Reason: "already_locked", Holder: st.Lock.heldBy, ExpiresAt: st.Lock.expiresAt}
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	st := m.getOrCreateLocked(sessionID, agentID)
	if result.Locked {
		st.Lock = &lock{heldBy: agentID, expiresAt: expiresAt}
	}
	st.LastActivity = now
	m.mu.Unlock()

	if result.Locked && m.bus != nil {
		m.bus.Emit(ctx, "conversation:locked", map[string]interface{}{
			"session_id": sessionID,
			"agent_id":   agentID,
			"expires_at": expiresAt,
		})
	}
	return result
}

// ReleaseLock implements spec.md §4.3 release_lock: succeeds only if agentID
// matches the current holder.
func (m *Manager) ReleaseLock(ctx context.Context, sessionID, agentID string) error {
	if m.redis != nil {
		if err := m.redis.Unlock(ctx, sessionID, agentID); err != nil {
			return err
		}
	} else {
		m.mu.Lock()
		st, ok := m.sessions[sessionID]
		if !ok || st.Lock == nil {
			m.mu.Unlock()
			return errNotLocked
		}
		if st.Lock.heldBy != agentID {
			m.mu.Unlock()
			return errNotLockHolder
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if st, ok := m.sessions[sessionID]; ok {
		st.Lock = nil
		st.LastActivity = time.Now()
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(ctx, "conversation:unlocked", map[string]interface{}{
			"session_id": sessionID,
			"agent_id":   agentID,
		})
	}
	return nil
}

// IsLocked reports whether sessionID currently has a non-expired lock, and
// by whom.
func (m *Manager) IsLocked(sessionID string) (agentID string, locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok || st.Lock == nil || time.Now().After(st.Lock.expiresAt) {
		return "", false
	}
	return st.Lock.heldBy, true
}

// SetQueueDepth lets the completion Executor keep the session's advisory queue
// depth in sync for introspection (spec.md §6 completion:session_status).
func (m *Manager) SetQueueDepth(sessionID string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreateLocked(sessionID, "")
	st.QueueDepth = depth
}

// CleanupExpiredLocks sweeps locks whose expiry has passed (spec.md §4.3
// cleanup_expired_locks).
func (m *Manager) CleanupExpiredLocks(ctx context.Context) []string {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for id, st := range m.sessions {
		if st.Lock != nil && now.After(st.Lock.expiresAt) {
			expired = append(expired, id)
			st.Lock = nil
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if m.bus != nil {
			m.bus.Emit(ctx, "conversation:unlocked", map[string]interface{}{
				"session_id": id,
				"reason":     "expired",
			})
		}
		m.log.Warn("released expired conversation lock", map[string]interface{}{"session_id": id})
	}
	return expired
}

// CleanupInactiveSessions evicts SessionState with no active request, no
// lock, and last_activity older than inactiveAfter (spec.md §4.3
// cleanup_inactive_sessions).
func (m *Manager) CleanupInactiveSessions() []string {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, st := range m.sessions {
		if st.ActiveRequestID == "" && st.Lock == nil && now.Sub(st.LastActivity) > m.inactiveAfter {
			removed = append(removed, id)
			delete(m.sessions, id)
			if st.AgentID != "" {
				m.agents[st.AgentID] = removeString(m.agents[st.AgentID], id)
			}
		}
	}
	if len(removed) > 0 {
		m.log.Info("reaped inactive sessions", map[string]interface{}{"count": len(removed)})
	}
	return removed
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// SessionsForAgent returns the session ids known to be owned by agentID.
func (m *Manager) SessionsForAgent(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.agents[agentID]))
	copy(out, m.agents[agentID])
	return out
}

// Status returns the snapshot for one session (spec.md §6 completion:session_status).
func (m *Manager) Status(sessionID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return Status{}, false
	}
	return toStatus(st), true
}

// AllStatus returns the snapshot for every known session (spec.md §6
// completion:status).
func (m *Manager) AllStatus() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for _, st := range m.sessions {
		out = append(out, toStatus(st))
	}
	return out
}

func toStatus(st *State) Status {
	s := Status{
		SessionID:       st.SessionID,
		AgentID:         st.AgentID,
		ActiveRequestID: st.ActiveRequestID,
		RequestCount:    st.RequestCount,
		QueueDepth:      st.QueueDepth,
		LastActivity:    st.LastActivity,
	}
	if st.Lock != nil && time.Now().Before(st.Lock.expiresAt) {
		s.Locked = true
		s.LockedBy = st.Lock.heldBy
	}
	return s
}
