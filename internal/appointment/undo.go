package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// UndoEvent appends a compensating event that reverses targetEventID. The
// target's superseded_by_event_id is set in the same transaction, and only
// once; later attempts return ErrAlreadyUndone.
func (s *Service) UndoEvent(ctx context.Context, key string, id, targetEventID uuid.UUID, expectedVersion int, reason *string) (*Result, error) {
	var target *Event

	return s.run(ctx, "appointment.Undo", mutation{
		op:              OpUndo,
		key:             key,
		appointmentID:   id,
		expectedVersion: expectedVersion,
		reason:          reason,
		request:         map[string]any{"target_event_id": targetEventID},
		allowDeleted:    true,
		precheck: func(ctx context.Context, tx Tx, cur *Appointment) error {
			if targetEventID == uuid.Nil {
				return validationError("invalid_target_event_id", "target event id is required")
			}
			ev, err := tx.GetEvent(ctx, targetEventID)
			if err != nil {
				if errors.Is(err, ErrEventNotFound) {
					return validationError("event_not_found", fmt.Sprintf("event %s not found", targetEventID))
				}
				return err
			}
			if ev.AppointmentID != cur.ID {
				return validationError("event_not_found",
					fmt.Sprintf("event %s does not belong to appointment %s", targetEventID, cur.ID))
			}
			if ev.SupersededByEventID != nil {
				return alreadyUndone(targetEventID, cur)
			}
			target = ev
			return nil
		},
		plan: func(ctx context.Context, tx Tx, cur *Appointment) (*change, error) {
			next, err := compensate(target, cur.Fields())
			if err != nil {
				return nil, err
			}
			if next.Equal(cur.Fields()) {
				return nil, validationError("nothing_to_compensate",
					"the appointment already matches the state before this event")
			}
			if next.Deleted && cur.Deleted() {
				return nil, validationError("appointment_deleted", "appointment is deleted")
			}
			undone := target.ID
			return &change{
				eventType:   EventUndoApplied,
				next:        next,
				compensates: target.EventType,
				undone:      &undone,
			}, nil
		},
	})
}

// compensate reverts the fields target changed, leaving fields that target
// did not touch at their current value. A created event has no before state;
// compensating it soft-deletes the appointment.
func compensate(target *Event, cur Fields) (Fields, error) {
	p, err := target.DecodePayload()
	if err != nil {
		return cur, fmt.Errorf("decode payload of event %s: %w", target.ID, err)
	}

	next := cur
	if p.Before == nil {
		next.Deleted = true
		return next, nil
	}

	before, after := *p.Before, p.After
	if !before.StartsAt.Equal(after.StartsAt) || !before.EndsAt.Equal(after.EndsAt) {
		next.StartsAt = before.StartsAt.UTC()
		next.EndsAt = before.EndsAt.UTC()
	}
	if before.Status != after.Status {
		next.Status = before.Status
	}
	if before.Notes != after.Notes {
		next.Notes = before.Notes
	}
	if before.Deleted != after.Deleted {
		next.Deleted = before.Deleted
	}
	return next, nil
}

func alreadyUndone(eventID uuid.UUID, cur *Appointment) *Error {
	e := newError(KindAlreadyUndone, string(KindAlreadyUndone),
		fmt.Sprintf("event %s has already been undone", eventID))
	if cur != nil {
		snap := *cur
		e.Current = &snap
	}
	return e
}
