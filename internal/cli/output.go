package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/offline"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printItems(w io.Writer, items []offline.QueueItem) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tTYPE\tSTATUS\tAPPOINTMENT\tVERSION\tRETRIES\tERROR")
	for _, it := range items {
		appt := "-"
		if it.AppointmentID != nil {
			appt = it.AppointmentID.String()
		} else if it.Appointment != nil {
			appt = it.Appointment.ID.String()
		} else if it.DependsOn != "" {
			appt = "after " + it.DependsOn
		}
		errCode := "-"
		if it.LastError != nil {
			errCode = it.LastError.Code
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			it.LocalID, it.Type, it.Status, appt, it.ExpectedVersion, it.RetryCount, errCode)
	}
	return tw.Flush()
}

func printAppointment(w io.Writer, a *appointment.Appointment) {
	fmt.Fprintf(w, "%s  v%d  %s\n", a.ID, a.Version, a.Status)
	fmt.Fprintf(w, "  client:  %s\n", a.Client)
	fmt.Fprintf(w, "  service: %s\n", a.Service)
	fmt.Fprintf(w, "  window:  %s - %s\n", a.StartsAt.Format(time.RFC3339), a.EndsAt.Format(time.RFC3339))
	if a.Notes != "" {
		fmt.Fprintf(w, "  notes:   %s\n", a.Notes)
	}
	if a.DeletedAt != nil {
		fmt.Fprintf(w, "  deleted: %s\n", a.DeletedAt.Format(time.RFC3339))
	}
}

func printEvents(w io.Writer, events []appointment.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tEVENT\tTYPE\tACTOR\tAT\tUNDONE BY")
	for _, ev := range events {
		by := "-"
		if ev.SupersededByEventID != nil {
			by = ev.SupersededByEventID.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			ev.Version, ev.ID, ev.EventType, ev.ActorType, ev.CreatedAt.Format(time.RFC3339), by)
	}
	return tw.Flush()
}
