package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-ledger/internal/idempotency"
)

// Store contains all DB interactions needed by the engine. Snapshot rows and
// events are only written inside WithTx.
type Store interface {
	// WithTx runs fn in one atomic transaction. Any error returned by fn, or
	// by the commit, rolls back every write made through tx.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]Event, error)

	// Relay
	ListEventsAfter(ctx context.Context, seq int64, limit int) ([]Event, error)
	GetRelayCursor(ctx context.Context, name string) (int64, error)
	SaveRelayCursor(ctx context.Context, name string, seq int64) error

	// Maintenance and health
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
	VerifyEventLog(ctx context.Context) ([]uuid.UUID, error)
	Ping(ctx context.Context) error
}

// Tx is the write side of one transaction.
type Tx interface {
	idempotency.Backend

	// GetAppointment returns the row including soft-deleted ones.
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// InsertAppointment fails with ErrAppointmentExists if the id is taken.
	InsertAppointment(ctx context.Context, a *Appointment) error
	// UpdateAppointment writes a when the stored version equals
	// expectedVersion and reports whether a row was affected.
	UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int) (bool, error)

	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
	// InsertEvent assigns Seq and appends the row.
	InsertEvent(ctx context.Context, ev *Event) error
	// MarkSuperseded sets superseded_by_event_id only if it is still null and
	// reports whether it did.
	MarkSuperseded(ctx context.Context, eventID, byEventID uuid.UUID) (bool, error)
}
