package events

import (
	"context"
	"sync"
)

// FakeBus is an in-memory Bus for tests. It records every emitted event so
// assertions can inspect what the system under test fired, mirroring the
// teacher's mock-discovery pattern of an inspectable in-memory double.
type FakeBus struct {
	mu       sync.Mutex
	handlers map[string]Handler
	emitted  []Emitted
}

// Emitted records one Emit/EmitAndWait call for later inspection.
type Emitted struct {
	Name string
	Data map[string]interface{}
}

func NewFakeBus() *FakeBus {
	return &FakeBus{handlers: make(map[string]Handler)}
}

func (b *FakeBus) Register(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = handler
}

func (b *FakeBus) Emit(ctx context.Context, name string, data map[string]interface{}) {
	b.mu.Lock()
	b.emitted = append(b.emitted, Emitted{Name: name, Data: data})
	handler := b.handlers[name]
	b.mu.Unlock()

	if handler != nil {
		_, _ = handler(ctx, data)
	}
}

func (b *FakeBus) EmitAndWait(ctx context.Context, name string, data map[string]interface{}) (map[string]interface{}, error) {
	b.mu.Lock()
	b.emitted = append(b.emitted, Emitted{Name: name, Data: data})
	handler := b.handlers[name]
	b.mu.Unlock()

	if handler == nil {
		return nil, nil
	}
	return handler(ctx, data)
}

// Events returns a snapshot of every event emitted so far.
func (b *FakeBus) Events() []Emitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Emitted, len(b.emitted))
	copy(out, b.emitted)
	return out
}

// Named returns only the emitted events matching name, in emission order.
func (b *FakeBus) Named(name string) []Emitted {
	var out []Emitted
	for _, e := range b.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
