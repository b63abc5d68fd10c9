// Package offline replays intents queued by intermittently connected clients
// against the mutation engine and reports every item's outcome.
package offline

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-ledger/internal/appointment"
)

type ItemType string

const (
	ItemCreateHold ItemType = "create_hold"
	ItemReschedule ItemType = "reschedule"
	ItemCancel     ItemType = "cancel"
	ItemUndo       ItemType = "undo"
)

type ItemStatus string

const (
	StatusQueued    ItemStatus = "queued"
	StatusSyncing   ItemStatus = "syncing"
	StatusConfirmed ItemStatus = "confirmed"
	StatusConflict  ItemStatus = "conflict"
	StatusFailed    ItemStatus = "failed"
)

// Terminal reports whether only the user can move the item on.
func (s ItemStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusConflict
}

func (s ItemStatus) eligible() bool {
	return s == StatusQueued || s == StatusFailed || s == StatusSyncing
}

// Intent is the full payload the client captured when it queued the item.
type Intent struct {
	Client        string     `json:"client,omitempty"`
	Service       string     `json:"service,omitempty"`
	StartsAt      *time.Time `json:"starts_at,omitempty"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
	TargetEventID *uuid.UUID `json:"target_event_id,omitempty"`
}

type ItemError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// QueueItem is one client-held intent. IdempotencyKey never changes across
// retries of the same item.
type QueueItem struct {
	LocalID         string                   `json:"local_id" validate:"required"`
	Type            ItemType                 `json:"type" validate:"required,oneof=create_hold reschedule cancel undo"`
	AppointmentID   *uuid.UUID               `json:"appointment_id,omitempty"`
	DependsOn       string                   `json:"depends_on,omitempty"`
	Payload         Intent                   `json:"payload"`
	ExpectedVersion int                      `json:"expected_version,omitempty" validate:"gte=0"`
	IdempotencyKey  string                   `json:"idempotency_key" validate:"required,max=255"`
	Status          ItemStatus               `json:"status" validate:"omitempty,oneof=queued syncing confirmed conflict failed"`
	RetryCount      int                      `json:"retry_count"`
	CreatedAt       time.Time                `json:"created_at" validate:"required"`
	Appointment     *appointment.Appointment `json:"appointment,omitempty"`
	LastError       *ItemError               `json:"last_error,omitempty"`
}

// Report splits a pass into three disjoint sets.
type Report struct {
	Confirmed []QueueItem `json:"confirmed"`
	Conflict  []QueueItem `json:"conflict"`
	Failed    []QueueItem `json:"failed"`
}

func (r *Report) add(item QueueItem) {
	switch item.Status {
	case StatusConfirmed:
		r.Confirmed = append(r.Confirmed, item)
	case StatusConflict:
		r.Conflict = append(r.Conflict, item)
	default:
		r.Failed = append(r.Failed, item)
	}
}

// Items returns every item of the report.
func (r Report) Items() []QueueItem {
	out := make([]QueueItem, 0, len(r.Confirmed)+len(r.Conflict)+len(r.Failed))
	out = append(out, r.Confirmed...)
	out = append(out, r.Conflict...)
	return append(out, r.Failed...)
}
