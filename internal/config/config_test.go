package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 8082, cfg.Server.RPCPort)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 200*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 16, cfg.Worker.MaxSteps)
	assert.Equal(t, 30*time.Second, cfg.Tools.DefaultTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Approvals.Timeout)
	assert.Equal(t, "mock", cfg.LLM.Provider)
	assert.Equal(t, 256, cfg.Projection.CacheSize)
	assert.Empty(t, cfg.Policy.Path)
	assert.False(t, cfg.Telemetry.Tracing)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENTRUN_SERVER__HTTP_PORT", "9000")
	t.Setenv("AGENTRUN_WORKER__POLL_INTERVAL", "50ms")
	t.Setenv("AGENTRUN_DATABASE__DRIVER", "sqlite")
	t.Setenv("AGENTRUN_POLICY__PATH", "/etc/agentrun/policy.rego")

	cfg, err := LoadFrom("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 50*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/etc/agentrun/policy.rego", cfg.Policy.Path)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 7000
worker:
  max_steps: 4
  retry_backoff: 2s
llm:
  provider: openai
  base_url: http://localhost:11434
`), 0o600))
	t.Setenv("AGENTRUN_WORKER__MAX_STEPS", "6")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.HTTPPort)
	assert.Equal(t, 6, cfg.Worker.MaxSteps)
	assert.Equal(t, 2*time.Second, cfg.Worker.RetryBackoff)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("AGENTRUN_DATABASE__DRIVER", "postgres")
	_, err := LoadFrom("")
	assert.ErrorContains(t, err, "database.driver")

	_, err = LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
