package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/readsync/internal/store"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the response cache",
	}
	cmd.AddCommand(newCacheStatsCommand(opts))
	cmd.AddCommand(newCachePurgeCommand(opts))
	cmd.AddCommand(newCacheClearCommand(opts))
	return cmd
}

func newCacheStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts and sizes per bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.CacheStats(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read cache stats", err)
			}
			if stats == nil {
				stats = []store.CacheStat{}
			}
			return a.output(cmd, opts).Success(stats, func(w io.Writer) {
				if len(stats) == 0 {
					fmt.Fprintln(w, "Cache is empty.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "BUCKET\tENTRIES\tBYTES")
				for _, s := range stats {
					fmt.Fprintf(tw, "%s\t%d\t%d\n", s.Bucket, s.Entries, s.Bytes)
				}
				tw.Flush()
			})
		},
	}
}

func newCachePurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete entries older than their rule's max age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := a.router(cmd.Context())
			if err != nil {
				return err
			}
			purged, err := router.PurgeExpired(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "purge failed", err)
			}
			return a.output(cmd, opts).Success(purged, func(w io.Writer) {
				buckets := make([]string, 0, len(purged))
				total := 0
				for b, n := range purged {
					buckets = append(buckets, b)
					total += n
				}
				sort.Strings(buckets)
				for _, b := range buckets {
					fmt.Fprintf(w, "%s: %d\n", b, purged[b])
				}
				fmt.Fprintf(w, "Purged %d entries.\n", total)
			})
		},
	}
}

func newCacheClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <bucket>",
		Short: "Delete every entry in a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.store.ClearBucket(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "clear failed", err)
			}
			data := map[string]any{"bucket": args[0], "deleted": n}
			return a.output(cmd, opts).Success(data, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted %d entries from %s.\n", n, args[0])
			})
		},
	}
}

// NewPrecacheCommand creates the precache command.
func NewPrecacheCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "precache",
		Short: "Refresh the app shell and warm its assets",
		Long: `Fetch the application shell from the app origin, store it, and warm
every same-origin asset it references. Exits with status 1 when any asset
failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := a.router(cmd.Context())
			if err != nil {
				return err
			}
			report, err := router.Precache(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "precache failed", err)
			}

			failed := 0
			for _, as := range report.Assets {
				if as.Error != "" {
					failed++
				}
			}
			if err := a.output(cmd, opts).Success(report, func(w io.Writer) {
				fmt.Fprintf(w, "Shell: %s\n", report.Shell)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, as := range report.Assets {
					result := string(as.Result)
					if as.Error != "" {
						result = "error: " + as.Error
					}
					fmt.Fprintf(tw, "  %s\t%s\t%s\n", as.URL, as.Bucket, result)
				}
				tw.Flush()
			}); err != nil {
				return err
			}
			if failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d asset(s) failed", failed))
			}
			return nil
		},
	}
}
