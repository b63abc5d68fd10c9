package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hackgods/appointment-ledger/internal/offline"
)

type enqueueOptions struct {
	*RootOptions
	LocalID         string
	Appointment     string
	DependsOn       string
	ExpectedVersion int
	StartsAt        string
	EndsAt          string
	Client          string
	Service         string
	Notes           string
	Reason          string
	TargetEvent     string
}

// NewEnqueueCommand records intents locally without contacting the server.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an appointment change for the next sync",
	}

	cmd.AddCommand(enqueueSubcommand(rootOpts, offline.ItemCreateHold, "create", "Queue a new appointment hold"))
	cmd.AddCommand(enqueueSubcommand(rootOpts, offline.ItemReschedule, "reschedule", "Queue a reschedule"))
	cmd.AddCommand(enqueueSubcommand(rootOpts, offline.ItemCancel, "cancel", "Queue a cancellation"))
	cmd.AddCommand(enqueueSubcommand(rootOpts, offline.ItemUndo, "undo", "Queue an undo of an event"))
	return cmd
}

func enqueueSubcommand(rootOpts *RootOptions, typ offline.ItemType, use, short string) *cobra.Command {
	opts := &enqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := opts.item(typ)
			if err != nil {
				return err
			}
			q, err := opts.queue()
			if err != nil {
				return err
			}
			item, err = q.Enqueue(item)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), item)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s\n", item.Type, item.LocalID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.LocalID, "local-id", "", "local id (generated when empty)")
	f.StringVar(&opts.Reason, "reason", "", "reason recorded on the event")

	switch typ {
	case offline.ItemCreateHold:
		f.StringVar(&opts.Client, "client", "", "client name")
		f.StringVar(&opts.Service, "service", "", "service booked")
		f.StringVar(&opts.Notes, "notes", "", "notes")
		f.StringVar(&opts.StartsAt, "starts-at", "", "start time (RFC3339)")
		f.StringVar(&opts.EndsAt, "ends-at", "", "end time (RFC3339)")
		_ = cmd.MarkFlagRequired("client")
		_ = cmd.MarkFlagRequired("service")
		_ = cmd.MarkFlagRequired("starts-at")
		_ = cmd.MarkFlagRequired("ends-at")
		return cmd
	case offline.ItemReschedule:
		f.StringVar(&opts.StartsAt, "starts-at", "", "new start time (RFC3339)")
		f.StringVar(&opts.EndsAt, "ends-at", "", "new end time (RFC3339)")
		_ = cmd.MarkFlagRequired("starts-at")
		_ = cmd.MarkFlagRequired("ends-at")
	case offline.ItemUndo:
		f.StringVar(&opts.TargetEvent, "event", "", "id of the event to undo")
		_ = cmd.MarkFlagRequired("event")
	}

	f.StringVar(&opts.Appointment, "appointment", "", "server appointment id")
	f.StringVar(&opts.DependsOn, "depends-on", "", "local id of a queued create this change applies to")
	f.IntVar(&opts.ExpectedVersion, "expected-version", 0, "version the change was made against")
	_ = cmd.MarkFlagRequired("expected-version")
	cmd.MarkFlagsMutuallyExclusive("appointment", "depends-on")
	cmd.MarkFlagsOneRequired("appointment", "depends-on")

	return cmd
}

func (o *enqueueOptions) item(typ offline.ItemType) (offline.QueueItem, error) {
	item := offline.QueueItem{
		LocalID:         o.LocalID,
		Type:            typ,
		DependsOn:       o.DependsOn,
		ExpectedVersion: o.ExpectedVersion,
		Payload: offline.Intent{
			Client:  o.Client,
			Service: o.Service,
			Notes:   o.Notes,
		},
	}
	if o.Reason != "" {
		reason := o.Reason
		item.Payload.Reason = &reason
	}

	if o.Appointment != "" {
		id, err := uuid.Parse(o.Appointment)
		if err != nil {
			return item, fmt.Errorf("invalid --appointment: %w", err)
		}
		item.AppointmentID = &id
	}
	if o.TargetEvent != "" {
		id, err := uuid.Parse(o.TargetEvent)
		if err != nil {
			return item, fmt.Errorf("invalid --event: %w", err)
		}
		item.Payload.TargetEventID = &id
	}
	if o.StartsAt != "" {
		t, err := time.Parse(time.RFC3339, o.StartsAt)
		if err != nil {
			return item, fmt.Errorf("invalid --starts-at: %w", err)
		}
		item.Payload.StartsAt = &t
	}
	if o.EndsAt != "" {
		t, err := time.Parse(time.RFC3339, o.EndsAt)
		if err != nil {
			return item, fmt.Errorf("invalid --ends-at: %w", err)
		}
		item.Payload.EndsAt = &t
	}
	return item, nil
}

// NewQueueCommand inspects and edits the local queue.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and resolve queued items",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued items in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.queue()
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), q.Items())
			}
			return printItems(cmd.OutOrStdout(), q.Items())
		},
	}

	discard := &cobra.Command{
		Use:   "discard <local-id>",
		Short: "Drop an item that will not be retried",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.queue()
			if err != nil {
				return err
			}
			if err := q.Discard(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
			return nil
		},
	}

	var version int
	reapply := &cobra.Command{
		Use:   "reapply <local-id>",
		Short: "Re-queue a conflicted item against the current server version",
		Long: `Re-queue a conflicted item. Without --version the current version is
fetched from the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.queue()
			if err != nil {
				return err
			}
			it, err := q.Get(args[0])
			if err != nil {
				return err
			}
			if it.Status != offline.StatusConflict {
				return offline.ErrNotInConflict
			}

			v := version
			if v == 0 {
				if it.AppointmentID == nil {
					return errors.New("item has no appointment id, pass --version")
				}
				ctx, cancel := contextWithTimeout(cmd, opts.Timeout)
				defer cancel()
				a, err := opts.client().Appointment(ctx, *it.AppointmentID, true)
				if err != nil {
					return err
				}
				v = a.Version
			}

			if err := q.Reapply(args[0], v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s at version %d\n", args[0], v)
			return nil
		},
	}
	reapply.Flags().IntVar(&version, "version", 0, "expected version to retry with")

	cmd.AddCommand(list, discard, reapply)
	return cmd
}
