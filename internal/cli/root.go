// Package cli implements the readsync command line.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/readsync/internal/ir"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the readsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "readsync",
		Short: "Offline-first sync and reading progress agent",
		Long: `readsync runs next to a reading app. It caches the app's requests,
queues mutations while offline and replays them when the API is reachable,
and turns what the reader actually looked at into activity reports.`,
		Version:       ir.AgentVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default is $HOME/.readsync.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewTrackingCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewPrecacheCommand(opts))
	cmd.AddCommand(NewPrefetchCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code.
// Errors are written in the selected format: JSON to stdout, text to stderr.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}

	format, _ := cmd.PersistentFlags().GetString("format")
	out := &OutputFormatter{Format: format, Writer: stderr}
	if format == "json" {
		out.Writer = stdout
	}
	code := GetExitCode(err)
	out.Error(fmt.Sprintf("E%03d", code), err.Error(), nil)
	return code
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
