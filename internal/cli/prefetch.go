package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/readsync/internal/prefetch"
)

// NewPrefetchCommand creates the prefetch command.
func NewPrefetchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prefetch <collection> <unit> | <collection> <group> <page>",
		Short: "Warm the cache ahead of the reader",
		Long: `Warm the lookahead URLs for a navigation target and wait for them.

Ranged collections take a unit number; paginated collections take a group
and a page number. Does nothing unless the agent is configured as the
installed app.

Example:
  readsync prefetch surah 2
  readsync prefetch hadith bukhari 14`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args)
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}

			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := a.router(cmd.Context())
			if err != nil {
				return err
			}
			planner, err := a.planner(router)
			if err != nil {
				return err
			}
			defer planner.Close()

			out := a.output(cmd, opts)
			if !planner.Enabled() {
				return out.Success(map[string]any{"enabled": false}, func(w io.Writer) {
					fmt.Fprintln(w, "Prefetch is disabled (installed is false).")
				})
			}

			report, err := planner.PlanSync(cmd.Context(), target)
			if errors.Is(err, prefetch.ErrUnknownCollection) {
				return WrapExitError(ExitCommandError, "prefetch", err)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "prefetch", err)
			}
			return out.Success(report, func(w io.Writer) {
				for _, o := range report.Outcomes {
					if o.Error != "" {
						fmt.Fprintf(w, "%s error: %s\n", o.URL, o.Error)
						continue
					}
					fmt.Fprintf(w, "%s %s\n", o.URL, o.Result)
				}
			})
		},
	}
}

func parseTarget(args []string) (prefetch.Target, error) {
	t := prefetch.Target{Collection: args[0]}
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return t, fmt.Errorf("unit must be a number: %q", args[1])
		}
		t.Unit = n
		return t, nil
	}
	page, err := strconv.Atoi(args[2])
	if err != nil {
		return t, fmt.Errorf("page must be a number: %q", args[2])
	}
	t.Group = args[1]
	t.Page = page
	return t, nil
}
