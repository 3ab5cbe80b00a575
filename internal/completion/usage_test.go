package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageTrackerRecordsClaudeUsageByModelAndAgent(t *testing.T) {
	tr := newUsageTracker()
	tr.record("claude-cli", "claude-opus-4", "agent-1", map[string]interface{}{
		"usage": map[string]interface{}{
			"input_tokens":  float64(10),
			"output_tokens": float64(5),
		},
	})

	model, ok := tr.ByModel("claude-opus-4")
	assert.True(t, ok)
	assert.EqualValues(t, 1, model.Calls)
	assert.EqualValues(t, 10, model.InputTokens)
	assert.EqualValues(t, 5, model.OutputTokens)
	assert.EqualValues(t, 15, model.TotalTokens)

	agent, ok := tr.ByAgent("agent-1")
	assert.True(t, ok)
	assert.EqualValues(t, 15, agent.TotalTokens)
}

func TestUsageTrackerRecordsCacheTokens(t *testing.T) {
	tr := newUsageTracker()
	tr.record("claude-cli", "claude-opus-4", "agent-1", map[string]interface{}{
		"usage": map[string]interface{}{
			"input_tokens":                float64(10),
			"output_tokens":               float64(5),
			"cache_creation_input_tokens": float64(100),
			"cache_read_input_tokens":     float64(50),
		},
	})

	model, ok := tr.ByModel("claude-opus-4")
	assert.True(t, ok)
	assert.EqualValues(t, 100, model.CacheCreationTokens)
	assert.EqualValues(t, 50, model.CacheReadTokens)
	assert.EqualValues(t, 165, model.TotalTokens)
}

func TestUsageTrackerIgnoresNonClaudeProviders(t *testing.T) {
	tr := newUsageTracker()
	tr.record("openai-api", "gpt-4", "agent-1", map[string]interface{}{
		"usage": map[string]interface{}{"input_tokens": float64(10)},
	})

	_, ok := tr.ByModel("gpt-4")
	assert.False(t, ok)
}

func TestUsageTrackerIgnoresPayloadsWithoutUsage(t *testing.T) {
	tr := newUsageTracker()
	tr.record("claude-cli", "claude-opus-4", "", map[string]interface{}{"text": "hi"})

	_, ok := tr.ByModel("claude-opus-4")
	assert.False(t, ok)
}

func TestUsageTrackerAccumulatesAcrossCalls(t *testing.T) {
	tr := newUsageTracker()
	payload := map[string]interface{}{"usage": map[string]interface{}{"input_tokens": float64(20)}}
	tr.record("claude-cli", "claude-opus-4", "agent-1", payload)
	tr.record("claude-cli", "claude-opus-4", "agent-1", payload)

	model, ok := tr.ByModel("claude-opus-4")
	assert.True(t, ok)
	assert.EqualValues(t, 2, model.Calls)
	assert.EqualValues(t, 40, model.InputTokens)
	assert.EqualValues(t, 40, model.TotalTokens)
}

func TestUsageTrackerAllModelsAndAllAgentsSnapshot(t *testing.T) {
	tr := newUsageTracker()
	tr.record("claude-cli", "claude-opus-4", "agent-1", map[string]interface{}{
		"usage": map[string]interface{}{"output_tokens": float64(5)},
	})

	all := tr.AllModels()
	assert.Contains(t, all, "claude-opus-4")
	allAgents := tr.AllAgents()
	assert.Contains(t, allAgents, "agent-1")
}
