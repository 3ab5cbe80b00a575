// Package store implements the Response Store (spec.md §4.1): an append-only
// per-session log of standardized completion responses, plus a bounded
// in-memory recovery index for in-flight requests.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ksi-daemon/ksid/internal/errs"
	"github.com/ksi-daemon/ksid/internal/logger"
)

// StandardizedResponse is the persisted envelope for every completion result,
// irrespective of provider (spec.md §3).
type StandardizedResponse struct {
	Provider   string                 `json:"provider"`
	RequestID  string                 `json:"request_id"`
	ClientID   string                 `json:"client_id,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	Timestamp  string                 `json:"timestamp"`
	SessionID  string                 `json:"-"`
	Response   map[string]interface{} `json:"response"`
}

// recoveryEntry is the in-memory record kept so a failed request's original
// payload can be resubmitted by the Retry Controller.
type recoveryEntry struct {
	sessionID string
	request   map[string]interface{}
	savedAt   time.Time
}

// Checkpoint is the opaque snapshot produced by CollectCheckpoint and
// consumed by RestoreCheckpoint.
type Checkpoint struct {
	ActiveCompletions map[string]map[string]interface{} `json:"active_completions"`
	SessionQueueDepths map[string]int                   `json:"session_queue_depths"`
}

// Store is the Response Store. It is safe for concurrent use; the dispatcher
// serializes writers per session (spec.md §5 resource policy), so Store only
// needs to protect its own bookkeeping maps.
type Store struct {
	responsesDir     string
	recoveryCapacity int
	log              logger.Logger

	mu       sync.Mutex
	recovery map[string]*recoveryEntry
}

// New constructs a Store rooted at responsesDir, bounding the recovery index
// at recoveryCapacity entries (default 1000, spec.md §4.1).
func New(responsesDir string, recoveryCapacity int, log logger.Logger) *Store {
	if log == nil {
		log = logger.NoOp{}
	}
	return &Store{
		responsesDir:     responsesDir,
		recoveryCapacity: recoveryCapacity,
		log:              log,
		recovery:         make(map[string]*recoveryEntry),
	}
}

// SaveResponse appends the response as one JSON line to
// <responses_dir>/<session_id>.jsonl. If resp.SessionID is empty the response
// cannot be associated with a conversation; it is logged and dropped rather
// than written anywhere (spec.md §4.1).
func (s *Store) SaveResponse(resp StandardizedResponse) error {
	if resp.SessionID == "" {
		s.log.Warn("dropping response with no session_id", map[string]interface{}{
			"request_id": resp.RequestID,
		})
		return nil
	}

	if err := os.MkdirAll(s.responsesDir, 0o755); err != nil {
		return errs.NewIOError(fmt.Errorf("create responses dir: %w", err))
	}

	line, err := json.Marshal(resp)
	if err != nil {
		return errs.NewIOError(fmt.Errorf("marshal response: %w", err))
	}
	line = append(line, '\n')

	path := filepath.Join(s.responsesDir, resp.SessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.NewIOError(fmt.Errorf("open response log: %w", err))
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return errs.NewIOError(fmt.Errorf("append response log: %w", err))
	}

	s.log.Debug("saved completion response", map[string]interface{}{
		"session_id": resp.SessionID,
		"request_id": resp.RequestID,
		"path":       path,
	})
	return nil
}

// SaveRecovery records a request's original payload so it can be replayed on
// retry or checkpoint restore. On overflow the oldest 10% (by save time) are
// evicted (spec.md §4.1, §5 resource policy).
func (s *Store) SaveRecovery(requestID, sessionID string, request map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recovery[requestID] = &recoveryEntry{
		sessionID: sessionID,
		request:   request,
		savedAt:   time.Now(),
	}

	if len(s.recovery) <= s.recoveryCapacity {
		return
	}

	type agedKey struct {
		id  string
		at  time.Time
	}
	aged := make([]agedKey, 0, len(s.recovery))
	for id, e := range s.recovery {
		aged = append(aged, agedKey{id: id, at: e.savedAt})
	}
	sort.Slice(aged, func(i, j int) bool { return aged[i].at.Before(aged[j].at) })

	evict := len(s.recovery) / 10
	if evict == 0 {
		evict = 1
	}
	for i := 0; i < evict && i < len(aged); i++ {
		delete(s.recovery, aged[i].id)
	}
}

// GetRecovery returns the saved request payload for requestID, if any.
func (s *Store) GetRecovery(requestID string) (sessionID string, request map[string]interface{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.recovery[requestID]
	if !found {
		return "", nil, false
	}
	return e.sessionID, e.request, true
}

// ClearRecovery deletes recovery state for a completed or abandoned request.
func (s *Store) ClearRecovery(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recovery, requestID)
}

// RecoveryLen reports the number of recovery entries currently held, used by
// status introspection.
func (s *Store) RecoveryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recovery)
}

// CollectCheckpoint returns a snapshot for external checkpointing.
// activeCompletions and sessionQueueDepths are supplied by the caller
// (the Executor and Queue Manager own that state); Store does not reach
// across package boundaries to gather it itself.
//
// Queued-but-undispatched items are never included: an in-flight FIFO queue
// cannot be safely peeked without draining it, so queue contents are not
// durable across a restart. This mirrors the original daemon's checkpoint
// collector, which logs a warning and stores an empty item list rather than
// fabricate queue state it cannot reconstruct — restore instead relies on the
// Retry Controller replaying the active request via a daemon_restart failure.
func (s *Store) CollectCheckpoint(activeCompletions map[string]map[string]interface{}, sessionQueueDepths map[string]int) Checkpoint {
	if len(sessionQueueDepths) > 0 {
		s.log.Warn("checkpoint cannot safely extract in-flight queue items", map[string]interface{}{
			"sessions_with_queued_work": len(sessionQueueDepths),
		})
	}
	return Checkpoint{
		ActiveCompletions:  activeCompletions,
		SessionQueueDepths: sessionQueueDepths,
	}
}

// RestoreCheckpoint returns the active-completions map from a prior
// checkpoint for the caller to replay as daemon_restart failures. Queued
// items are not restored; they were never durable.
func (s *Store) RestoreCheckpoint(cp Checkpoint) map[string]map[string]interface{} {
	s.log.Info("restoring checkpoint", map[string]interface{}{
		"active_completions": len(cp.ActiveCompletions),
	})
	return cp.ActiveCompletions
}
