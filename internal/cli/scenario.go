package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/readsync/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioSummary holds the overall result.
type ScenarioSummary struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <scenarios-dir>",
		Short: "Run tracking scenarios",
		Long: `Run viewport tracking scenarios on a simulated clock.

Each YAML file in the directory is a script of observations, scrolls and
clock advances. Its trace is compared with <scenarios-dir>/../golden/<name>.golden
when that file exists, and its assertions are checked.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  readsync scenario ./testdata/scenarios
  readsync scenario ./testdata/scenarios --filter "session_*"
  readsync scenario ./testdata/scenarios --update`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runScenarios(cmd *cobra.Command, opts *ScenarioOptions, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}

	files, err := findScenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	summary := ScenarioSummary{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, f := range files {
		res := runScenarioFile(f, opts.Update)
		summary.Scenarios = append(summary.Scenarios, res)
		if res.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := out.Success(summary, func(w io.Writer) {
		writeScenarioSummary(w, summary, opts.Update)
	}); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", summary.Failed))
	}
	return nil
}

// findScenarioFiles lists YAML files in dir whose base name matches filter.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenarioFile loads, runs and checks one scenario.
func runScenarioFile(path string, update bool) ScenarioResult {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return ScenarioResult{Name: name, Errors: []string{fmt.Sprintf("load: %v", err)}}
	}
	name = scenario.Name

	result, err := harness.Run(scenario)
	if err != nil {
		return ScenarioResult{Name: name, Errors: []string{fmt.Sprintf("run: %v", err)}}
	}

	golden := goldenFilePath(path, name)
	rendered := []byte(result.Render())
	if update {
		if err := os.MkdirAll(filepath.Dir(golden), 0755); err != nil {
			return ScenarioResult{Name: name, Errors: []string{fmt.Sprintf("golden: %v", err)}}
		}
		if err := os.WriteFile(golden, rendered, 0644); err != nil {
			return ScenarioResult{Name: name, Errors: []string{fmt.Sprintf("golden: %v", err)}}
		}
	} else {
		want, err := os.ReadFile(golden)
		switch {
		case os.IsNotExist(err):
			// Assertions only.
		case err != nil:
			return ScenarioResult{Name: name, Errors: []string{fmt.Sprintf("golden: %v", err)}}
		case !bytes.Equal(want, rendered):
			result.AddError("trace does not match golden file (run with --update to regenerate)")
		}
	}

	return ScenarioResult{Name: name, Pass: result.Pass, Errors: result.Errors}
}

// goldenFilePath returns <dir>/../golden/<name>.golden for a scenario file.
func goldenFilePath(scenarioFile, name string) string {
	return filepath.Join(filepath.Dir(filepath.Dir(scenarioFile)), "golden", name+".golden")
}

func writeScenarioSummary(w io.Writer, s ScenarioSummary, update bool) {
	if s.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	for _, r := range s.Scenarios {
		if r.Pass {
			suffix := ""
			if update {
				suffix = " (golden updated)"
			}
			fmt.Fprintf(w, "✓ %s%s\n", r.Name, suffix)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", r.Name)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", s.Passed, s.Failed, s.Total)
}
