package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/readsync/internal/engine"
	"github.com/roach88/readsync/internal/ir"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the sync queue",
	}
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueDeadCommand(opts))
	cmd.AddCommand(newQueueDrainCommand(opts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.store.ListQueue(cmd.Context(), a.cfg.Owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list queue", err)
			}
			if items == nil {
				items = []ir.QueueItem{}
			}
			return a.output(cmd, opts).Success(items, func(w io.Writer) {
				if len(items) == 0 {
					fmt.Fprintln(w, "Queue is empty.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOPERATION\tCREATED\tATTEMPTS\tLAST ERROR")
				for _, it := range items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
						it.ID, it.OperationType, it.CreatedAt.Format(time.RFC3339), it.Attempts, it.LastError)
				}
				tw.Flush()
			})
		},
	}
}

func newQueueDeadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			dead, err := a.store.ListDeadLetters(cmd.Context(), a.cfg.Owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list dead letters", err)
			}
			if dead == nil {
				dead = []ir.DeadLetter{}
			}
			return a.output(cmd, opts).Success(dead, func(w io.Writer) {
				if len(dead) == 0 {
					fmt.Fprintln(w, "No dead letters.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOPERATION\tDEAD AT\tATTEMPTS\tREASON")
				for _, d := range dead {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
						d.ID, d.OperationType, d.DeadAt.Format(time.RFC3339), d.Attempts, d.Reason)
				}
				tw.Flush()
			})
		},
	}
}

func newQueueDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay the queue once against the API",
		Long: `Replay the owner's queue once against the configured API.

Items older than queue.retention are dead-lettered first. Failed items stay
queued until queue.max_attempts is reached. Exits with status 1 when any
item failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := a.client()
			if err != nil {
				return err
			}
			executor := engine.NewExecutor(a.store, client,
				engine.WithOwner(a.cfg.Owner),
				engine.WithRetention(a.cfg.Queue.Retention),
				engine.WithMaxAttempts(a.cfg.Queue.MaxAttempts),
				engine.WithLogger(a.logger),
				engine.WithMetrics(a.metrics),
			)
			report, err := executor.Drain(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "drain failed", err)
			}

			if err := a.output(cmd, opts).Success(report, func(w io.Writer) {
				writeDrainReport(w, report)
			}); err != nil {
				return err
			}
			if report.Failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) failed to replay", report.Failed))
			}
			return nil
		},
	}
}

func writeDrainReport(w io.Writer, r engine.DrainReport) {
	fmt.Fprintf(w, "Replayed: %d\n", r.Replayed)
	fmt.Fprintf(w, "Failed: %d\n", r.Failed)
	fmt.Fprintf(w, "Skipped: %d\n", r.Skipped)
	fmt.Fprintf(w, "Expired: %d\n", r.Expired)
	fmt.Fprintf(w, "Dead-lettered: %d\n", r.DeadLettered)
	fmt.Fprintf(w, "Remaining: %d\n", r.Remaining)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %v\n", e)
	}
}
