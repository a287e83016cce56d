package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "readsync", cmd.Use)
	assert.Contains(t, cmd.Long, "offline")
	assert.NotEmpty(t, cmd.Version)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"queue", "list"},
		{"queue", "dead"},
		{"queue", "drain"},
		{"tracking", "pending"},
		{"cache", "stats"},
		{"cache", "purge"},
		{"cache", "clear"},
		{"precache"},
		{"prefetch"},
		{"scenario"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	listenFlag := serveCmd.Flags().Lookup("listen")
	require.NotNil(t, listenFlag)
	assert.Equal(t, "", listenFlag.DefValue)
}

func TestTrackingPendingFlags(t *testing.T) {
	cmd := NewRootCommand()
	pendingCmd, _, err := cmd.Find([]string{"tracking", "pending"})
	require.NoError(t, err)

	allFlag := pendingCmd.Flags().Lookup("all")
	require.NotNil(t, allFlag)
	assert.Equal(t, "false", allFlag.DefValue)
}

func TestScenarioCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	scenarioCmd, _, err := cmd.Find([]string{"scenario"})
	require.NoError(t, err)

	updateFlag := scenarioCmd.Flags().Lookup("update")
	require.NotNil(t, updateFlag)
	assert.Equal(t, "false", updateFlag.DefValue)

	require.NotNil(t, scenarioCmd.Flags().Lookup("filter"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestExecute_InvalidFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute([]string{"--format", "xml", "queue", "list"}, &stdout, &stderr)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "Error [E002]")
	assert.Contains(t, stderr.String(), "invalid format")
	assert.Empty(t, stdout.String())
}

func TestExecute_JSONErrorsGoToStdout(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute([]string{"--format", "json", "prefetch", "surah"}, &stdout, &stderr)

	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout.String(), `"status":"error"`)
	assert.Contains(t, stdout.String(), `"code":"E001"`)
}
