package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/agentloop/internal/policy"
	"github.com/ocx/agentloop/internal/trust"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	pc, err := cfg.EnforcementSettings()
	require.NoError(t, err)
	assert.Equal(t, policy.DefaultConfig(), pc)

	lc, err := cfg.LoopSettings()
	require.NoError(t, err)
	assert.Equal(t, 10, lc.MaxIterations)
	assert.NotNil(t, lc.Counter)
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "agentloop.yaml", `
agent:
  id: research-bot
  system_prompt: "You are careful."
enforcement:
  enforcement_policy: development
  block_failed_verification: true
  allow_skipped_in_dev: true
  max_warnings_before_escalation: 2
loop:
  max_iterations: 4
  call_timeout: 5s
  context_budget: 2048
  retry:
    max_attempts: 2
    initial_interval: 100ms
    max_interval: 1s
breaker:
  failure_threshold: 2
  window: 30s
  cool_down: 5s
  max_cool_down: 1m
  backoff_multiplier: 3
journal:
  driver: sqlite
  dsn: /tmp/journal.db
  sinks:
    redis:
      addr: localhost:6379
      per_run: true
trust:
  mode: static
  statuses:
    search: {status: verified, result: "sha256:abc"}
    shell: {status: pending}
  fallback: {status: skipped, reason: unsigned}
logging:
  level: debug
  format: text
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "research-bot", cfg.Agent.ID)
	assert.Equal(t, 5*time.Second, cfg.Loop.CallTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Loop.Retry.InitialInterval)
	assert.Equal(t, time.Minute, cfg.Breaker.MaxCoolDown)
	assert.True(t, cfg.Journal.Sinks.Redis.PerRun)
	assert.Equal(t, "json", Default().Logging.Format)
	assert.Equal(t, "text", cfg.Logging.Format)

	pc, err := cfg.EnforcementSettings()
	require.NoError(t, err)
	assert.Equal(t, policy.Config{
		Policy:                      policy.Development,
		BlockFailedVerification:     true,
		AllowSkippedInDev:           true,
		MaxWarningsBeforeEscalation: 2,
	}, pc)

	bc := cfg.BreakerSettings()
	assert.Equal(t, uint32(2), bc.FailureThreshold)
	assert.Equal(t, 3.0, bc.BackoffMultiplier)

	statuses, err := cfg.StaticStatuses()
	require.NoError(t, err)
	assert.Equal(t, trust.Verified{Result: "sha256:abc"}, statuses["search"])
	assert.Equal(t, trust.Pending{}, statuses["shell"])
	require.NotNil(t, cfg.Trust.Fallback)
	assert.Equal(t, "skipped", cfg.Trust.Fallback.Status)
}

func TestLoadConfigEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Loop, cfg.Loop)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"AGENTLOOP_ENFORCEMENT_POLICY":         "permissive",
		"AGENTLOOP_BLOCK_PENDING_VERIFICATION": "true",
		"AGENTLOOP_MAX_ITERATIONS":             "7",
		"AGENTLOOP_CALL_TIMEOUT":               "45s",
		"AGENTLOOP_JOURNAL_DRIVER":             "postgres",
		"AGENTLOOP_JOURNAL_DSN":                "postgres://localhost/agentloop",
		"AGENTLOOP_LOG_LEVEL":                  "",
	}))
	require.NoError(t, err)
	assert.Equal(t, "permissive", cfg.Enforcement.Policy)
	assert.True(t, cfg.Enforcement.BlockPendingVerification)
	assert.Equal(t, 7, cfg.Loop.MaxIterations)
	assert.Equal(t, 45*time.Second, cfg.Loop.CallTimeout)
	assert.Equal(t, "postgres", cfg.Journal.Driver)
	assert.Equal(t, "info", cfg.Logging.Level, "empty values do not override")
	require.NoError(t, cfg.Validate())

	for _, bad := range []map[string]string{
		{"AGENTLOOP_MAX_ITERATIONS": "many"},
		{"AGENTLOOP_CALL_TIMEOUT": "soon"},
		{"AGENTLOOP_TRACING_ENABLED": "maybe"},
	} {
		err := Default().ApplyEnv(envMap(bad))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}
	require.NoError(t, Default().ApplyEnv(noEnv))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no agent id", func(c *Config) { c.Agent.ID = " " }},
		{"unset policy", func(c *Config) { c.Enforcement.Policy = "" }},
		{"unknown policy", func(c *Config) { c.Enforcement.Policy = "lenient" }},
		{"negative warnings", func(c *Config) { c.Enforcement.MaxWarningsBeforeEscalation = -1 }},
		{"zero iterations", func(c *Config) { c.Loop.MaxIterations = 0 }},
		{"unknown counter", func(c *Config) { c.Loop.TokenCounter = "words" }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"unknown driver", func(c *Config) { c.Journal.Driver = "mongo" }},
		{"sqlite without dsn", func(c *Config) { c.Journal.Driver = "sqlite" }},
		{"half pubsub", func(c *Config) { c.Journal.Sinks.PubSub.ProjectID = "p" }},
		{"http trust without url", func(c *Config) { c.Trust.Mode = "http" }},
		{"unknown trust mode", func(c *Config) { c.Trust.Mode = "tofu" }},
		{"bad status record", func(c *Config) {
			c.Trust.Statuses = map[string]trust.StatusRecord{"x": {Status: "trusted"}}
		}},
		{"bad fallback", func(c *Config) { c.Trust.Fallback = &trust.StatusRecord{} }},
		{"tracing protocol", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Protocol = "udp" }},
		{"sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestManagerMergesAgentOverrides(t *testing.T) {
	path := writeFile(t, "agents.yaml", `
agents:
  sandbox-bot:
    system_prompt: "Experiment freely."
    enforcement:
      enforcement_policy: development
      allow_skipped_in_dev: true
    loop:
      max_iterations: 25
`)
	m, err := NewManager(Default(), path)
	require.NoError(t, err)

	cfg, err := m.Get("sandbox-bot")
	require.NoError(t, err)
	assert.Equal(t, "sandbox-bot", cfg.Agent.ID)
	assert.Equal(t, "Experiment freely.", cfg.Agent.SystemPrompt)
	assert.Equal(t, "development", cfg.Enforcement.Policy)
	assert.True(t, cfg.Enforcement.AllowSkippedInDev)
	assert.True(t, cfg.Enforcement.BlockFailedVerification, "unset fields inherit the global value")
	assert.Equal(t, 25, cfg.Loop.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Loop.CallTimeout)

	other, err := m.Get("other")
	require.NoError(t, err)
	assert.Equal(t, "strict", other.Enforcement.Policy)
	assert.Equal(t, 10, other.Loop.MaxIterations)
}

func TestManagerRejectsInvalidOverride(t *testing.T) {
	path := writeFile(t, "agents.yaml", `
agents:
  broken:
    enforcement:
      enforcement_policy: whatever
`)
	_, err := NewManager(Default(), path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManagerMissingFile(t *testing.T) {
	m, err := NewManager(Default(), filepath.Join(t.TempDir(), "agents.yaml"))
	require.NoError(t, err)
	cfg, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.Agent.ID)

	m.Set("a", AgentOverride{Enforcement: &EnforcementConfig{Policy: "disabled"}})
	cfg, err = m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "disabled", cfg.Enforcement.Policy)
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	const key = "AGENTLOOP_TEST_DOTENV_VALUE"
	t.Cleanup(func() { os.Unsetenv(key) })
	path := writeFile(t, ".env", key+"=from-file\n")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv(key))
}
