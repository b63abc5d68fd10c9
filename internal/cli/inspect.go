package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func NewModeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mode",
		Short: "Show the server's system mode and failing checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := contextWithTimeout(cmd, opts.Timeout)
			defer cancel()

			snap, err := opts.client().Mode(ctx)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), snap)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mode: %s\n", snap.Mode)
			for _, c := range snap.Failing() {
				fmt.Fprintf(out, "  %s: %s %s\n", c.Name, c.Status, c.Message)
			}
			return nil
		},
	}
}

func NewGetCommand(opts *RootOptions) *cobra.Command {
	var includeDeleted bool

	cmd := &cobra.Command{
		Use:   "get <appointment-id>",
		Short: "Show an appointment snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid appointment id: %w", err)
			}

			ctx, cancel := contextWithTimeout(cmd, opts.Timeout)
			defer cancel()

			a, err := opts.client().Appointment(ctx, id, includeDeleted)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), a)
			}
			printAppointment(cmd.OutOrStdout(), a)
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "show soft-deleted appointments")
	return cmd
}

func NewEventsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <appointment-id>",
		Short: "Show the event history of an appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid appointment id: %w", err)
			}

			ctx, cancel := contextWithTimeout(cmd, opts.Timeout)
			defer cancel()

			events, err := opts.client().Events(ctx, id)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), events)
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
}
