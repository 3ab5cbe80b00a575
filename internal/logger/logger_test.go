package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionJSONIncludesComponentAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	p := New("info", "json", "completion/executor")
	p.output = &buf

	ctx := WithRequestID(context.Background(), "req-1")
	p.InfoWithContext(ctx, "accepted request", map[string]interface{}{"model": "gpt-4"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "completion/executor", entry["component"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "gpt-4", entry["model"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestProductionDebugSuppressedUnlessDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	p := New("info", "json", "c")
	p.output = &buf
	p.Debug("should not appear", nil)
	assert.Empty(t, buf.String())

	p2 := New("debug", "json", "c")
	p2.output = &buf
	p2.Debug("should appear", nil)
	assert.NotEmpty(t, buf.String())
}

func TestProductionTextFormatIncludesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	p := New("info", "text", "completion/queue")
	p.output = &buf

	p.Warn("queue backing up", map[string]interface{}{"depth": 5})
	line := buf.String()
	assert.True(t, strings.Contains(line, "[WARN]"))
	assert.True(t, strings.Contains(line, "completion/queue"))
	assert.True(t, strings.Contains(line, "depth=5"))
}

func TestWithComponentClonesIndependently(t *testing.T) {
	var buf bytes.Buffer
	p := New("info", "json", "original")
	p.output = &buf

	tagged := p.WithComponent("completion/session")
	tagged.Info("hello", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "completion/session", entry["component"])

	buf.Reset()
	p.Info("world", nil)
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "original", entry["component"], "cloning must not mutate the original logger")
}

func TestNoOpDiscardsEverything(t *testing.T) {
	var n NoOp
	assert.NotPanics(t, func() {
		n.Info("x", map[string]interface{}{"a": 1})
		n.ErrorWithContext(context.Background(), "y", nil)
		_ = n.WithComponent("z")
	})
}
