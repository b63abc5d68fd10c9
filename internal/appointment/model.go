package appointment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusBooked    AppointmentStatus = "booked"
	StatusCancelled AppointmentStatus = "cancelled"
)

type EventType string

const (
	EventCreated      EventType = "created"
	EventRescheduled  EventType = "rescheduled"
	EventCancelled    EventType = "cancelled"
	EventUncancelled  EventType = "uncancelled"
	EventNotesUpdated EventType = "notes_updated"
	EventSoftDeleted  EventType = "soft_deleted"
	EventRestored     EventType = "restored"
	EventUndoApplied  EventType = "undo_applied"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventRescheduled, EventCancelled, EventUncancelled,
		EventNotesUpdated, EventSoftDeleted, EventRestored, EventUndoApplied:
		return true
	}
	return false
}

type ActorType string

const (
	ActorOwner  ActorType = "owner"
	ActorSystem ActorType = "system"
)

// Appointment is the snapshot row. Version starts at 1 and moves by exactly
// one per accepted mutation.
type Appointment struct {
	ID        uuid.UUID         `json:"id"`
	Client    string            `json:"client"`
	Service   string            `json:"service"`
	StartsAt  time.Time         `json:"starts_at"`
	EndsAt    time.Time         `json:"ends_at"`
	Status    AppointmentStatus `json:"status"`
	Notes     string            `json:"notes,omitempty"`
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
}

func (a *Appointment) Deleted() bool {
	return a.DeletedAt != nil
}

// Fields is the mutable part of a snapshot recorded in event payloads.
type Fields struct {
	StartsAt time.Time         `json:"starts_at"`
	EndsAt   time.Time         `json:"ends_at"`
	Status   AppointmentStatus `json:"status"`
	Notes    string            `json:"notes"`
	Deleted  bool              `json:"deleted"`
}

func (a *Appointment) Fields() Fields {
	return Fields{
		StartsAt: a.StartsAt,
		EndsAt:   a.EndsAt,
		Status:   a.Status,
		Notes:    a.Notes,
		Deleted:  a.Deleted(),
	}
}

// Equal compares field values, treating times by instant.
func (f Fields) Equal(o Fields) bool {
	return f.StartsAt.Equal(o.StartsAt) && f.EndsAt.Equal(o.EndsAt) &&
		f.Status == o.Status && f.Notes == o.Notes && f.Deleted == o.Deleted
}

// EventPayload carries enough state to replay or compensate an event.
// Before is nil for the created event.
type EventPayload struct {
	Before      *Fields   `json:"before,omitempty"`
	After       Fields    `json:"after"`
	Compensates EventType `json:"compensates,omitempty"`
}

type Event struct {
	ID                  uuid.UUID       `json:"id"`
	Seq                 int64           `json:"seq"`
	AppointmentID       uuid.UUID       `json:"appointment_id"`
	Version             int             `json:"version"`
	EventType           EventType       `json:"event_type"`
	ActorType           ActorType       `json:"actor_type"`
	Reason              *string         `json:"reason,omitempty"`
	Payload             json.RawMessage `json:"payload"`
	UndoneEventID       *uuid.UUID      `json:"undone_event_id,omitempty"`
	SupersededByEventID *uuid.UUID      `json:"superseded_by_event_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

func (e *Event) DecodePayload() (EventPayload, error) {
	var p EventPayload
	if len(e.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// Window is a half-open time range with Start strictly before End.
type Window struct {
	StartsAt time.Time `json:"starts_at" validate:"required"`
	EndsAt   time.Time `json:"ends_at" validate:"required"`
}

type CreateInput struct {
	Client   string    `json:"client" validate:"required,max=200"`
	Service  string    `json:"service" validate:"required,max=200"`
	StartsAt time.Time `json:"starts_at" validate:"required"`
	EndsAt   time.Time `json:"ends_at" validate:"required"`
	Notes    string    `json:"notes,omitempty" validate:"max=4000"`
}

// Result is what every mutation returns. Replayed is set when the result came
// from the idempotency ledger; Degraded when the write happened in degraded mode.
type Result struct {
	Appointment *Appointment
	Event       *Event
	Replayed    bool
	Degraded    bool
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a clock backed by time.Now in UTC.
func SystemClock() Clock { return systemClock{} }
