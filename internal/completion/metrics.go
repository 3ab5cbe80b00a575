package completion

import "context"

// Metrics receives provider-call latency and terminal-outcome observations.
// Satisfied by *telemetry.Provider; left narrow so this package does not
// need to import telemetry directly.
type Metrics interface {
	RecordProviderLatency(ctx context.Context, providerName string, latencyMs int64, success bool)
	RecordCompletion(ctx context.Context, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordProviderLatency(context.Context, string, int64, bool) {}
func (noopMetrics) RecordCompletion(context.Context, string)                   {}

// Option configures optional Executor dependencies.
type Option func(*Executor)

// WithMetrics wires a Metrics sink into the Executor.
func WithMetrics(m Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}
