package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/readsync/internal/ir"
)

// NewTrackingCommand creates the tracking command group.
func NewTrackingCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracking",
		Short: "Inspect unreported reading progress",
	}
	cmd.AddCommand(newTrackingPendingCommand(opts))
	return cmd
}

func newTrackingPendingCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending tracking records",
		Long: `List the units that were read but not yet reported upstream.

Records are replayed the next time the agent starts. Use --all to list
records for every owner instead of the configured one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			owner := a.cfg.Owner
			if all {
				owner = ""
			}
			recs, err := a.store.ListPending(cmd.Context(), owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list pending records", err)
			}
			if recs == nil {
				recs = []ir.PendingTrackingRecord{}
			}
			return a.output(cmd, opts).Success(recs, func(w io.Writer) {
				if len(recs) == 0 {
					fmt.Fprintln(w, "No pending records.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "OWNER\tSESSION\tSAVED\tUNITS")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
						r.Owner, r.SessionID, r.Timestamp.Format(time.RFC3339), strings.Join(r.Units, ","))
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "list records for every owner")
	return cmd
}
