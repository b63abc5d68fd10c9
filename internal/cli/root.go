// Package cli implements ledgerctl, the client side of the offline queue.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hackgods/appointment-ledger/internal/api"
	"github.com/hackgods/appointment-ledger/internal/offline"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server    string
	QueuePath string
	DeviceID  string
	Format    string // "json" | "text"
	Timeout   time.Duration
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Queue appointment changes offline and sync them later",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "api-server base URL")
	cmd.PersistentFlags().StringVar(&opts.QueuePath, "queue", "ledger-queue.json", "path of the local queue file")
	cmd.PersistentFlags().StringVar(&opts.DeviceID, "device", "", "device id sent with sync (defaults to the hostname)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "request timeout")

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewModeCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

func (o *RootOptions) client() *api.Client {
	return api.NewClient(o.Server, o.Timeout)
}

func (o *RootOptions) queue() (*offline.Queue, error) {
	q, err := offline.OpenQueue(o.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
