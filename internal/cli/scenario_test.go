package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessScenarios = "../harness/testdata/scenarios"

func runScenarioCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewScenarioCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestScenarioCommand_MissingArgs(t *testing.T) {
	_, err := runScenarioCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestScenarioCommand_MissingDir(t *testing.T) {
	_, err := runScenarioCommand(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestScenarioCommand_EmptyDir(t *testing.T) {
	out, err := runScenarioCommand(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestScenarioCommand_HarnessScenariosPass(t *testing.T) {
	out, err := runScenarioCommand(t, "json", harnessScenarios)
	require.NoError(t, err, out)

	var resp struct {
		Status string          `json:"status"`
		Data   ScenarioSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotZero(t, resp.Data.Total)
	assert.Equal(t, resp.Data.Total, resp.Data.Passed)
	assert.Zero(t, resp.Data.Failed)
}

func TestScenarioCommand_Filter(t *testing.T) {
	out, err := runScenarioCommand(t, "text", harnessScenarios, "--filter", "session_*")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ session_cap")
	assert.Contains(t, out, "✓ session_switch_flushes")
	assert.NotContains(t, out, "dwell_promotes_once")
	assert.Contains(t, out, "2 passed, 0 failed, 2 total")
}

func TestScenarioCommand_UpdateThenCompare(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	src, err := os.ReadFile(filepath.Join(harnessScenarios, "dwell_promotes_once.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dwell_promotes_once.yaml"), src, 0o644))

	out, err := runScenarioCommand(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "(golden updated)")

	written, err := os.ReadFile(filepath.Join(root, "golden", "dwell_promotes_once.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile("../harness/testdata/golden/dwell_promotes_once.golden")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	_, err = runScenarioCommand(t, "text", dir)
	require.NoError(t, err)
}

func TestScenarioCommand_GoldenMismatchFails(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "golden"), 0o755))

	src, err := os.ReadFile(filepath.Join(harnessScenarios, "scroll_cancels_dwell.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scroll_cancels_dwell.yaml"), src, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "golden", "scroll_cancels_dwell.golden"), []byte("stale\n"), 0o644))

	out, err := runScenarioCommand(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ scroll_cancels_dwell")
	assert.Contains(t, out, "does not match golden file")
}
