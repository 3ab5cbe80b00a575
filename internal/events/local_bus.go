package events

import (
	"context"
	"sync"
)

// LocalBus is the in-process Bus a standalone ksid daemon runs against when
// it owns its own event routing rather than delegating to a host process's
// transport. Dispatch is synchronous and single-process, matching the
// explicit-registration contract in bus.go.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]Handler)}
}

func (b *LocalBus) Register(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = handler
}

func (b *LocalBus) Emit(ctx context.Context, name string, data map[string]interface{}) {
	b.mu.RLock()
	handler := b.handlers[name]
	b.mu.RUnlock()
	if handler != nil {
		_, _ = handler(ctx, data)
	}
}

func (b *LocalBus) EmitAndWait(ctx context.Context, name string, data map[string]interface{}) (map[string]interface{}, error) {
	b.mu.RLock()
	handler := b.handlers[name]
	b.mu.RUnlock()
	if handler == nil {
		return nil, nil
	}
	return handler(ctx, data)
}
