// Package events defines the minimal event bus contract the completion core
// depends on. The concrete router (transport framing, dispatch table) lives
// outside this repository; this package only states the shape a host process
// must provide, per the explicit-registration re-architecture: no reflection,
// no decorator scanning, handlers are registered by name during startup.
package events

import "context"

// Handler processes one event payload and optionally returns a response.
// Returning a nil map means "no response" (fire-and-forget semantics).
type Handler func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error)

// Bus is the event contract: Emit delivers an event to its registered
// handler(s) and Register binds a handler to an event name. Handler names
// follow "namespace:action" (e.g. "completion:result").
type Bus interface {
	// Emit delivers data to the handler(s) registered for name. Emit does not
	// imply the caller waits for downstream processing to finish; callers
	// that need the response (e.g. the injection hook) use EmitAndWait.
	Emit(ctx context.Context, name string, data map[string]interface{})

	// EmitAndWait delivers data and blocks for the first registered handler's
	// response, used by request-response contracts such as
	// "injection:process_result".
	EmitAndWait(ctx context.Context, name string, data map[string]interface{}) (map[string]interface{}, error)

	// Register binds handler to name. Registering the same name twice
	// replaces the previous handler — there is no reflection-based scanning,
	// every registration is an explicit call made during startup.
	Register(name string, handler Handler)
}
