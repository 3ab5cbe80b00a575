// Package queue implements the Queue Manager and per-session FIFO dispatcher
// loops (spec.md §4.4): every session's requests are served strictly in
// arrival order by a single dedicated goroutine.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ksi-daemon/ksid/internal/logger"
)

// dequeueTimeout bounds how long a dispatcher loop blocks waiting for the
// next item before re-checking whether it should exit (spec.md §4.4).
const dequeueTimeout = time.Second

// Item is one unit of work handed to a session's dispatcher loop.
type Item struct {
	RequestID string
	Payload   map[string]interface{}
}

// Metrics receives per-session queue depth observations. Satisfied by
// *telemetry.Provider; left narrow so this package does not need to import
// telemetry directly.
type Metrics interface {
	RecordQueueDepth(ctx context.Context, sessionID string, depth int)
}

type noopMetrics struct{}

func (noopMetrics) RecordQueueDepth(context.Context, string, int) {}

// Option configures optional Manager dependencies.
type Option func(*Manager)

// WithMetrics wires a Metrics sink, recording the queue depth observed at
// every Enqueue.
func WithMetrics(m Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// Dispatch is called once per dequeued Item, in FIFO order, by the owning
// session's single loop goroutine. A panic in Dispatch is recovered and
// logged by Manager, and the loop goes on to the next item.
type Dispatch func(ctx context.Context, item Item)

type sessionQueue struct {
	mu      sync.Mutex
	items   []Item
	notify  chan struct{}
	active  bool // true while a dispatcher loop owns this queue
	busy    bool // true while a dequeued item is being dispatched
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns one FIFO + one dispatcher loop per session. It depends only on
// a logger; it is wired to the Executor via the Dispatch callback passed to
// EnsureLoop, keeping Queue Manager ignorant of completion semantics.
type Manager struct {
	log     logger.Logger
	metrics Metrics

	mu     sync.Mutex
	queues map[string]*sessionQueue
}

func New(log logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NoOp{}
	}
	m := &Manager{log: log, metrics: noopMetrics{}, queues: make(map[string]*sessionQueue)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) getOrCreate(sessionID string) *sessionQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sessionID]
	if !ok {
		q = &sessionQueue{notify: make(chan struct{}, 1)}
		m.queues[sessionID] = q
	}
	return q
}

// Enqueue appends item to sessionID's FIFO and wakes its dispatcher loop if
// one is waiting.
func (m *Manager) Enqueue(sessionID string, item Item) {
	q := m.getOrCreate(sessionID)
	q.mu.Lock()
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	m.metrics.RecordQueueDepth(context.Background(), sessionID, depth)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Depth reports how many items are currently queued (not including one
// in-flight in Dispatch) for sessionID.
func (m *Manager) Depth(sessionID string) int {
	q := m.getOrCreate(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Busy reports whether sessionID's dispatcher loop is currently inside a
// Dispatch call, i.e. an item has already been dequeued and is being
// processed (distinguishing "next in line" from "actively running" for
// acceptance-time status reporting).
func (m *Manager) Busy(sessionID string) bool {
	q := m.getOrCreate(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

func (q *sessionQueue) dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// EnsureLoop starts sessionID's dispatcher loop if it is not already running.
// It is safe to call on every Enqueue; EnsureLoop is a no-op when a loop is
// already active for that session (the atomic exit-race fix, spec.md §4.4
// edge case: a loop about to exit on empty-queue timeout must not let a
// concurrent Enqueue believe no loop owns the queue).
func (m *Manager) EnsureLoop(ctx context.Context, sessionID string, dispatch Dispatch) {
	q := m.getOrCreate(sessionID)

	q.mu.Lock()
	if q.active {
		q.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	q.active = true
	q.cancel = cancel
	q.done = make(chan struct{})
	q.mu.Unlock()

	go m.runLoop(loopCtx, sessionID, q, dispatch)
}

func (m *Manager) runLoop(ctx context.Context, sessionID string, q *sessionQueue, dispatch Dispatch) {
	defer close(q.done)
	m.log.Debug("dispatcher loop started", map[string]interface{}{"session_id": sessionID})

	for {
		if item, ok := q.dequeue(); ok {
			m.safeDispatch(ctx, sessionID, q, item, dispatch)
			continue
		}

		select {
		case <-ctx.Done():
			m.exitLoop(sessionID, q)
			return
		case <-q.notify:
			continue
		case <-time.After(dequeueTimeout):
			// Empty-queue timeout: try to exit, but re-check under lock so a
			// racing Enqueue that already saw active==true doesn't leave its
			// item stranded with no loop to serve it.
			q.mu.Lock()
			if len(q.items) > 0 {
				q.mu.Unlock()
				continue
			}
			q.active = false
			q.mu.Unlock()
			m.log.Debug("dispatcher loop exiting (idle)", map[string]interface{}{"session_id": sessionID})
			return
		}
	}
}

func (m *Manager) safeDispatch(ctx context.Context, sessionID string, q *sessionQueue, item Item, dispatch Dispatch) {
	q.mu.Lock()
	q.busy = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.busy = false
		q.mu.Unlock()
		if r := recover(); r != nil {
			m.log.Error("dispatcher panic recovered", map[string]interface{}{
				"session_id": sessionID,
				"request_id": item.RequestID,
				"panic":      r,
			})
		}
	}()
	dispatch(ctx, item)
}

func (m *Manager) exitLoop(sessionID string, q *sessionQueue) {
	q.mu.Lock()
	q.active = false
	q.mu.Unlock()
	m.log.Debug("dispatcher loop cancelled", map[string]interface{}{"session_id": sessionID})
}

// StopAll cancels every running dispatcher loop and waits for each to exit,
// used during daemon shutdown (spec.md §5 task-group ownership).
func (m *Manager) StopAll() {
	m.mu.Lock()
	queues := make([]*sessionQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		cancel := q.cancel
		done := q.done
		active := q.active
		q.mu.Unlock()
		if active && cancel != nil {
			cancel()
			<-done
		}
	}
}
