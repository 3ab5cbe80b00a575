package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaultsWhenEnvUnset(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, cfg.CompletionTimeoutDefault)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 5, cfg.CircuitBreakerFailureThreshold)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("KSI_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("KSI_COMPLETION_TIMEOUT_DEFAULT", "90s")
	t.Setenv("KSI_REDIS_URL", "redis://localhost:6379")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RetryMaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.CompletionTimeoutDefault)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
}

func TestOptionsWinOverEnv(t *testing.T) {
	t.Setenv("KSI_RETRY_MAX_ATTEMPTS", "7")

	cfg, err := New(WithRetryPolicy(1, time.Second, 10*time.Second, 3.0))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.RetryMaxAttempts)
	assert.Equal(t, 3.0, cfg.RetryBackoffMultiplier)
}

func TestValidateRejectsInvertedTimeoutBounds(t *testing.T) {
	cfg := Default()
	cfg.CompletionTimeoutMin = 2 * time.Minute
	cfg.CompletionTimeoutMax = time.Minute
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDefaultOutsideBounds(t *testing.T) {
	cfg := Default()
	cfg.CompletionTimeoutDefault = 2 * time.Second
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveRecoveryCapacity(t *testing.T) {
	cfg := Default()
	cfg.RecoveryCapacity = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("KSI_RETRY_INITIAL_DELAY", "not-a-duration")
	_, err := New()
	assert.Error(t, err)
}

func TestMergeYAMLFileOverlaysFields(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/ksid.yaml"
	require.NoError(t, os.WriteFile(path, []byte("retry_max_attempts: 9\nresponses_dir: /var/ksid/responses\n"), 0o644))
	t.Setenv("KSI_CONFIG_FILE", path)

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.RetryMaxAttempts)
	assert.Equal(t, "/var/ksid/responses", cfg.ResponsesDir)
}

func TestLoggerFallsBackToNoOpWithoutConstruction(t *testing.T) {
	cfg := Default()
	assert.NotNil(t, cfg.Logger())
}
