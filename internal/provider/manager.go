// Package provider implements the Provider Manager (spec.md §4.2): a catalog
// of backend providers, capability-aware selection, and a per-provider
// circuit breaker tracking health.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksi-daemon/ksid/internal/errs"
	"github.com/ksi-daemon/ksid/internal/logger"
)

// Metrics receives circuit breaker state transitions. Satisfied by
// *telemetry.Provider; left narrow so this package does not need to import
// telemetry directly.
type Metrics interface {
	RecordBreakerTransition(ctx context.Context, providerName, toState string)
}

type noopMetrics struct{}

func (noopMetrics) RecordBreakerTransition(context.Context, string, string) {}

// Option configures optional Manager dependencies.
type Option func(*Manager)

// WithMetrics wires a Metrics sink, recording every breaker open/close
// transition observed by RecordSuccess/RecordFailure.
func WithMetrics(m Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// Config is the declarative provider record (spec.md §3).
type Config struct {
	Name             string
	SupportedModels  []string // wildcard "*" or exact model identifiers
	Priority         int      // lower sorts first
	SupportsStreaming bool
	SupportsMCP      bool
}

func (c Config) supportsModel(model string) bool {
	for _, m := range c.SupportedModels {
		if m == "*" || m == model {
			return true
		}
	}
	return false
}

type callStats struct {
	totalCalls      int64
	successfulCalls int64
	failedCalls     int64
	totalLatencyMs  int64
	lastError       string
}

// Status is the operator-visible snapshot of one provider (spec.md §4.2
// get_status, enriched with the original's per-provider call stats).
type Status struct {
	Name            string        `json:"name"`
	Config          Config        `json:"config"`
	CircuitBreaker  BreakerStatus `json:"circuit_breaker"`
	TotalCalls      int64         `json:"total_calls"`
	SuccessfulCalls int64         `json:"successful_calls"`
	FailedCalls     int64         `json:"failed_calls"`
	SuccessRate     float64       `json:"success_rate"`
	AvgLatencyMs    float64       `json:"avg_latency_ms"`
	LastError       string        `json:"last_error,omitempty"`
}

// AllStatus is the aggregate returned by GetAllStatus.
type AllStatus struct {
	TotalProviders     int               `json:"total_providers"`
	AvailableProviders int               `json:"available_providers"`
	Providers          map[string]Status `json:"providers"`
}

// SelectionError distinguishes "nothing matched the model" from "every
// candidate's circuit was open" (spec.md §4.2 step 4).
type SelectionError struct {
	Model       string
	CircuitsOpen []string
}

func (e *SelectionError) Error() string {
	if len(e.CircuitsOpen) > 0 {
		return fmt.Sprintf("no available providers for model %q (circuits open: %v)", e.Model, e.CircuitsOpen)
	}
	return fmt.Sprintf("no provider supports model %q", e.Model)
}

// Manager is the Provider Manager. Independent of Session Manager and
// Response Store (spec.md §2 control-flow ordering — it is a leaf).
type Manager struct {
	failureThreshold int
	timeoutWindow    time.Duration
	log              logger.Logger
	metrics          Metrics

	mu         sync.Mutex
	providers  map[string]Config
	breakers   map[string]*circuitBreaker
	stats      map[string]*callStats
	modelCache map[string]string // model -> last successfully selected provider
}

// New constructs a Provider Manager with the given circuit-breaker policy
// (default: 5 failures / 5 minute window, spec.md §4.2).
func New(failureThreshold int, timeoutWindow time.Duration, log logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NoOp{}
	}
	m := &Manager{
		failureThreshold: failureThreshold,
		timeoutWindow:    timeoutWindow,
		log:              log,
		metrics:          noopMetrics{},
		providers:        make(map[string]Config),
		breakers:         make(map[string]*circuitBreaker),
		stats:            make(map[string]*callStats),
		modelCache:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddProvider registers or replaces a provider's declarative config without
// requiring a daemon restart, grounded on the original's add_provider.
func (m *Manager) AddProvider(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers[cfg.Name] = cfg
	if _, ok := m.breakers[cfg.Name]; !ok {
		m.breakers[cfg.Name] = newCircuitBreaker(m.failureThreshold, m.timeoutWindow)
	}
	if _, ok := m.stats[cfg.Name]; !ok {
		m.stats[cfg.Name] = &callStats{}
	}
}

// ResetProvider clears a provider's breaker state and invalidates any cached
// model selections pointing at it, grounded on the original's reset_provider.
func (m *Manager) ResetProvider(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[name]; !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}
	m.breakers[name] = newCircuitBreaker(m.failureThreshold, m.timeoutWindow)
	for model, provider := range m.modelCache {
		if provider == name {
			delete(m.modelCache, model)
		}
	}
	return nil
}

// Select maps (model, capability requirements) to a concrete provider
// (spec.md §4.2 select). requireMCP is derived by the caller from
// extra_body.ksi.mcp_config_path.
func (m *Manager) Select(model string, requireMCP, preferStreaming bool) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	if !requireMCP {
		if cached, ok := m.modelCache[model]; ok {
			if breaker, ok := m.breakers[cached]; ok && !breaker.isOpen(now) {
				return m.providers[cached], nil
			}
		}
	}

	type candidate struct {
		cfg Config
	}
	var candidates []candidate
	var circuitsOpen []string

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic iteration for tie-break stability

	for _, name := range names {
		cfg := m.providers[name]
		if requireMCP && !cfg.SupportsMCP {
			continue
		}
		// The source's special routing: a provider named "claude-cli" also
		// accepts any model identifier beginning with "claude-".
		if !cfg.supportsModel(model) && !(name == "claude-cli" && strings.HasPrefix(model, "claude-")) {
			continue
		}
		if m.breakers[name].isOpen(now) {
			circuitsOpen = append(circuitsOpen, name)
			continue
		}
		candidates = append(candidates, candidate{cfg: cfg})
	}

	if len(candidates) == 0 {
		return Config{}, &SelectionError{Model: model, CircuitsOpen: circuitsOpen}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].cfg, candidates[j].cfg
		if pi.Priority != pj.Priority {
			return pi.Priority < pj.Priority
		}
		si := preferStreaming && pi.SupportsStreaming
		sj := preferStreaming && pj.SupportsStreaming
		return si && !sj
	})

	selected := candidates[0].cfg
	if !requireMCP {
		m.modelCache[model] = selected.Name
	}
	m.log.Debug("selected provider", map[string]interface{}{
		"provider":         selected.Name,
		"model":            model,
		"require_mcp":      requireMCP,
		"prefer_streaming": preferStreaming,
	})
	return selected, nil
}

// RecordSuccess closes the breaker, clears failures, and updates latency
// stats (spec.md §4.2 record_success).
func (m *Manager) RecordSuccess(name string, latencyMs int64) {
	m.mu.Lock()
	breaker := m.breakers[name]
	stats := m.stats[name]
	m.mu.Unlock()

	if breaker == nil || stats == nil {
		return
	}
	now := time.Now()
	if closed := breaker.recordSuccess(now); closed {
		m.metrics.RecordBreakerTransition(context.Background(), name, "closed")
	}

	m.mu.Lock()
	stats.totalCalls++
	stats.successfulCalls++
	stats.totalLatencyMs += latencyMs
	m.mu.Unlock()

	m.log.Info("provider call succeeded", map[string]interface{}{
		"provider":   name,
		"latency_ms": latencyMs,
	})
}

// RecordFailure appends a failure and opens the breaker once the threshold is
// reached inside the rolling window (spec.md §4.2 record_failure).
func (m *Manager) RecordFailure(name string, callErr error) {
	m.mu.Lock()
	breaker := m.breakers[name]
	stats := m.stats[name]
	m.mu.Unlock()

	if breaker == nil || stats == nil {
		return
	}
	now := time.Now()
	if opened := breaker.recordFailure(now); opened {
		m.metrics.RecordBreakerTransition(context.Background(), name, "open")
	}

	m.mu.Lock()
	stats.totalCalls++
	stats.failedCalls++
	if callErr != nil {
		stats.lastError = callErr.Error()
	}
	m.mu.Unlock()

	m.log.Warn("provider call failed", map[string]interface{}{
		"provider": name,
		"error":    callErr,
	})
}

// GetStatus returns detail for one provider (spec.md §4.2 get_status). An
// empty name is an invalid_request error; GetAllStatus returns the aggregate.
func (m *Manager) GetStatus(name string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		return Status{}, errs.New(errs.KindInvalidRequest, "", "", fmt.Errorf("GetStatus requires a provider name; use GetAllStatus for the aggregate"))
	}
	return m.statusLocked(name)
}

func (m *Manager) statusLocked(name string) (Status, error) {
	cfg, ok := m.providers[name]
	if !ok {
		return Status{}, fmt.Errorf("unknown provider: %s", name)
	}
	stats := m.stats[name]
	st := Status{
		Name:           name,
		Config:         cfg,
		CircuitBreaker: m.breakers[name].status(time.Now()),
	}
	if stats != nil {
		st.TotalCalls = stats.totalCalls
		st.SuccessfulCalls = stats.successfulCalls
		st.FailedCalls = stats.failedCalls
		st.LastError = stats.lastError
		if stats.totalCalls > 0 {
			st.SuccessRate = float64(stats.successfulCalls) / float64(stats.totalCalls)
		}
		if stats.successfulCalls > 0 {
			st.AvgLatencyMs = float64(stats.totalLatencyMs) / float64(stats.successfulCalls)
		}
	}
	return st, nil
}

// GetAllStatus returns status for every registered provider.
func (m *Manager) GetAllStatus() AllStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := AllStatus{Providers: make(map[string]Status, len(m.providers))}
	for name := range m.providers {
		st, _ := m.statusLocked(name)
		out.Providers[name] = st
		if !st.CircuitBreaker.IsOpen {
			out.AvailableProviders++
		}
	}
	out.TotalProviders = len(m.providers)
	return out
}
