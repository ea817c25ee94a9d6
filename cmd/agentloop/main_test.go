package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/agentloop/internal/config"
)

const testScript = `
steps:
  - content: "echoing"
    tool_calls:
      - {id: c1, name: echo, arguments: '{"text":"hi"}'}
  - final: "done"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testConfigFile(t *testing.T, dir string) string {
	t.Helper()
	return writeFile(t, dir, "agentloop.yaml", `
agent:
  id: demo
  system_prompt: "be brief"
trust:
  mode: static
  statuses:
    echo: {status: verified, result: ok}
journal:
  driver: sqlite
  dsn: `+filepath.Join(dir, "journal.db")+`
logging:
  level: error
  format: text
`)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRunThenInspectJournal(t *testing.T) {
	dir := t.TempDir()
	cfgPath := testConfigFile(t, dir)
	script := writeFile(t, dir, "script.yaml", testScript)

	out, err := execute(t, "--config", cfgPath, "run", "--script", script, "-m", "hello", "--run-id", "r1")
	require.NoError(t, err, out)

	var res struct {
		RunID      string `json:"run_id"`
		Status     string `json:"status"`
		Answer     string `json:"answer"`
		Iterations int    `json:"iterations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, "r1", res.RunID)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "done", res.Answer)
	assert.Equal(t, 2, res.Iterations)

	out, err = execute(t, "--config", cfgPath, "journal", "verify")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Journal is intact")

	out, err = execute(t, "--config", cfgPath, "journal", "show", "--run", "r1", "--type", "action_executed")
	require.NoError(t, err, out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"outcome":"executed"`)

	out, err = execute(t, "--config", cfgPath, "journal", "replay", "r1")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"status": "completed"`)
	assert.Contains(t, out, `"pending_calls": 0`)

	out, err = execute(t, "--config", cfgPath, "journal", "runs")
	require.NoError(t, err, out)
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "strict")

	_, err = execute(t, "--config", cfgPath, "journal", "replay", "nope")
	assert.Error(t, err)
}

func TestRunBlockedToolStillCompletes(t *testing.T) {
	dir := t.TempDir()
	cfgPath := testConfigFile(t, dir)
	script := writeFile(t, dir, "script.yaml", `
steps:
  - tool_calls:
      - {id: c1, name: clock}
  - final: "gave up"
`)

	out, err := execute(t, "--config", cfgPath, "run", "--script", script, "-m", "time?", "--run-id", "r2")
	require.NoError(t, err, out)

	out, err = execute(t, "--config", cfgPath, "journal", "show", "--run", "r2", "--type", "policy_decided")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"decision":"block"`)
}

func TestRunRequiresScriptAndMessage(t *testing.T) {
	_, err := execute(t, "run", "-m", "hi")
	assert.ErrorContains(t, err, "--script")

	_, err = execute(t, "run", "--script", "x.yaml")
	assert.ErrorContains(t, err, "--message")
}

func TestJournalCommandsNeedPersistentStore(t *testing.T) {
	_, err := execute(t, "journal", "verify")
	assert.ErrorContains(t, err, "memory")
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--config", testConfigFile(t, dir), "config", "check")
	require.NoError(t, err, out)
	assert.Contains(t, out, "is valid")

	bad := writeFile(t, dir, "bad.yaml", "enforcement:\n  enforcement_policy: lenient\n")
	_, err = execute(t, "--config", bad, "config", "check")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	agents := writeFile(t, dir, "agents.yaml", "agents:\n  wild:\n    loop:\n      max_iterations: -1\n")
	_, err = execute(t, "--agents", agents, "config", "check")
	assert.Error(t, err)
}

func TestConfigShowRedactsAndMerges(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "agentloop.yaml", `
journal:
  sinks:
    redis:
      addr: localhost:6379
      password: hunter2
`)
	agents := writeFile(t, dir, "agents.yaml", `
agents:
  relaxed:
    enforcement:
      enforcement_policy: permissive
`)
	out, err := execute(t, "--config", cfgPath, "--agents", agents, "config", "show", "--agent", "relaxed")
	require.NoError(t, err, out)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "enforcement_policy: permissive")
	assert.Contains(t, out, "id: relaxed")
	// untouched enforcement fields keep their global values
	assert.Contains(t, out, "block_failed_verification: true")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"k":"v"`)

	_, err = newLogger(config.LoggingConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}

func TestInvokeRunsThroughGate(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "agentloop.yaml", `
agent:
  id: ops
enforcement:
  enforcement_policy: permissive
  max_warnings_before_escalation: 3
trust:
  mode: static
  statuses:
    echo: {status: verified, result: ok}
    clock: {status: pending}
journal:
  driver: sqlite
  dsn: `+filepath.Join(dir, "journal.db")+`
logging:
  level: error
  format: text
`)

	out, err := execute(t, "--config", cfgPath, "invoke", "echo", "--args", `{"text":"hi"}`)
	require.NoError(t, err, out)
	var obs struct {
		ToolName string `json:"tool_name"`
		Result   string `json:"result"`
		IsError  bool   `json:"is_error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &obs), out)
	assert.Equal(t, "echo", obs.ToolName)
	assert.False(t, obs.IsError)
	assert.Contains(t, obs.Result, "hi")

	// A pending tool runs under permissive, and the warning is journaled.
	out, err = execute(t, "--config", cfgPath, "invoke", "clock", "--run-id", "ops-1")
	require.NoError(t, err, out)
	out, err = execute(t, "--config", cfgPath, "journal", "show", "--run", "ops-1", "--type", "policy_warning")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"tool":"clock"`)

	_, err = execute(t, "--config", cfgPath, "invoke", "unlisted")
	assert.ErrorContains(t, err, "blocked")

	_, err = execute(t, "--config", cfgPath, "invoke", "echo", "--args", "{nope")
	assert.ErrorContains(t, err, "--args")
}
