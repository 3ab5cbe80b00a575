package completion

import (
	"strings"
	"sync"
)

// usageCounters accumulates token counts for one key (a model or an agent).
type usageCounters struct {
	Calls               int64
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	TotalTokens         int64
}

// usageTracker keeps the minimal per-model/per-agent token counters spec.md
// §4.5.1 step 7 and §6's completion:token_usage call for. This is call-count
// accounting for operator visibility, not the historical hours-windowed
// analytics a billing system would need.
type usageTracker struct {
	mu       sync.Mutex
	byModel  map[string]*usageCounters
	byAgent  map[string]*usageCounters
}

func newUsageTracker() *usageTracker {
	return &usageTracker{
		byModel: make(map[string]*usageCounters),
		byAgent: make(map[string]*usageCounters),
	}
}

// record extracts usage from a provider payload when it is Claude-family and
// carries a "usage" object, mirroring token_tracker.record_usage's field set
// (spec.md §4.5.1 step 7): input_tokens, output_tokens,
// cache_creation_input_tokens, cache_read_input_tokens.
func (t *usageTracker) record(providerName, model, agentID string, output map[string]interface{}) {
	if !strings.Contains(strings.ToLower(providerName), "claude") && !strings.HasPrefix(model, "claude-") {
		return
	}
	usage, ok := output["usage"].(map[string]interface{})
	if !ok {
		return
	}
	input := toInt64(usage["input_tokens"])
	outputT := toInt64(usage["output_tokens"])
	cacheCreation := toInt64(usage["cache_creation_input_tokens"])
	cacheRead := toInt64(usage["cache_read_input_tokens"])
	total := input + outputT + cacheCreation + cacheRead

	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(t.byModel, model, input, outputT, cacheCreation, cacheRead, total)
	if agentID != "" {
		t.add(t.byAgent, agentID, input, outputT, cacheCreation, cacheRead, total)
	}
}

func (t *usageTracker) add(m map[string]*usageCounters, key string, input, outputT, cacheCreation, cacheRead, total int64) {
	c, ok := m[key]
	if !ok {
		c = &usageCounters{}
		m[key] = c
	}
	c.Calls++
	c.InputTokens += input
	c.OutputTokens += outputT
	c.CacheCreationTokens += cacheCreation
	c.CacheReadTokens += cacheRead
	c.TotalTokens += total
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// ByModel returns a snapshot of accumulated usage for model, if any.
func (t *usageTracker) ByModel(model string) (usageCounters, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byModel[model]
	if !ok {
		return usageCounters{}, false
	}
	return *c, true
}

// ByAgent returns a snapshot of accumulated usage for agentID, if any.
func (t *usageTracker) ByAgent(agentID string) (usageCounters, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byAgent[agentID]
	if !ok {
		return usageCounters{}, false
	}
	return *c, true
}

// AllModels returns a snapshot of every model's usage counters.
func (t *usageTracker) AllModels() map[string]usageCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]usageCounters, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = *v
	}
	return out
}

// AllAgents returns a snapshot of every agent's usage counters.
func (t *usageTracker) AllAgents() map[string]usageCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]usageCounters, len(t.byAgent))
	for k, v := range t.byAgent {
		out[k] = *v
	}
	return out
}
