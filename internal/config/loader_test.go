package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the allowed config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "concierge")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  port: 9191
engine:
  step_timeout: 45s
  max_parallel_steps: 8
redis:
  addr: redis.internal:6379
  password: hunter2
llm:
  model: gpt-4o
telemetry:
  enabled: true
  sampling_rate: 0.5
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Engine.StepTimeout.Duration())
	assert.Equal(t, 8, cfg.Engine.MaxParallelSteps)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Redis.Password.Value())
	assert.Equal(t, "[REDACTED]", cfg.Redis.Password.String())
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.True(t, cfg.Telemetry.Enabled)
	require.NotNil(t, cfg.Telemetry.SamplingRate)
	assert.Equal(t, 0.5, *cfg.Telemetry.SamplingRate)
	assert.Nil(t, cfg.Telemetry.Insecure)

	// Untouched sections still get defaults.
	assert.Equal(t, ModeLocal, cfg.Engine.Mode)
	assert.Equal(t, 2, cfg.Engine.PlanningAttempts)
	assert.Equal(t, 30*time.Second, cfg.Engine.LeaseTTL.Duration())
	assert.Equal(t, "concierge-tickets", cfg.Temporal.TaskQueue)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Engine.StepTimeout.Duration())
	assert.Equal(t, 60*time.Minute, cfg.Maintenance.InactivityWindow.Duration())
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "engine:\n  max_parallel_steps: 2\n", 0600)

	t.Setenv("CONCIERGE_ENGINE_MAX_PARALLEL_STEPS", "6")
	t.Setenv("CONCIERGE_LLM_API_KEY", "sk-test")
	t.Setenv("CONCIERGE_ENGINE_MODE", "temporal")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Engine.MaxParallelSteps)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey.Value())
	assert.Equal(t, ModeTemporal, cfg.Engine.Mode)
}

func TestLoadWithFile_RejectsInvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "engine:\n  mode: turbo\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.mode")
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 9000\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	outside := filepath.Join(t.TempDir(), "config.yaml")

	_, err := LoadWithFile(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CONCIERGE_ENGINE_STEP_TIMEOUT", "engine.step_timeout"},
		{"CONCIERGE_REDIS_ADDR", "redis.addr"},
		{"CONCIERGE_NATS_SUBJECT_PREFIX", "nats.subject_prefix"},
		{"CONCIERGE_DEBUG", "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.in))
		})
	}
}
