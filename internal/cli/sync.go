package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// NewSyncCommand sends every eligible item to the server in one pass and
// writes the classification back into the queue file.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile queued items with the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := opts.DeviceID
			if deviceID == "" {
				host, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("no --device given and hostname unavailable: %w", err)
				}
				deviceID = host
			}

			q, err := opts.queue()
			if err != nil {
				return err
			}
			items, err := q.MarkSyncing()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to sync")
				return nil
			}

			// terminal items go along so depends_on can resolve confirmed creates
			all := q.Items()

			ctx, cancel := contextWithTimeout(cmd, opts.Timeout)
			defer cancel()

			report, err := opts.client().Sync(ctx, deviceID, all)
			if err != nil {
				if ferr := q.MarkTransportFailure(err); ferr != nil {
					return fmt.Errorf("%v (and saving queue failed: %w)", err, ferr)
				}
				return fmt.Errorf("sync: %w", err)
			}
			if err := q.ApplyReport(report); err != nil {
				return err
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "confirmed=%d conflict=%d failed=%d\n",
				len(report.Confirmed), len(report.Conflict), len(report.Failed))
			return printItems(cmd.OutOrStdout(), report.Items())
		},
	}
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, d)
}
