package api

import (
	"time"

	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/offline"
)

type CreateAppointmentRequest struct {
	Client   string    `json:"client"`
	Service  string    `json:"service"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	Notes    string    `json:"notes,omitempty"`
}

type RescheduleRequest struct {
	ExpectedVersion int       `json:"expected_version"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	Reason          *string   `json:"reason,omitempty"`
}

// VersionedRequest is the body of cancel, uncancel, delete, restore and undo.
type VersionedRequest struct {
	ExpectedVersion int     `json:"expected_version"`
	Reason          *string `json:"reason,omitempty"`
}

type UpdateNotesRequest struct {
	ExpectedVersion int     `json:"expected_version"`
	Notes           string  `json:"notes"`
	Reason          *string `json:"reason,omitempty"`
}

// MutationResponse has the same shape as the stored idempotent result.
// Replay and degraded mode are reported in headers so a replayed body is
// identical to the original.
type MutationResponse struct {
	Appointment *appointment.Appointment `json:"appointment"`
	Event       *appointment.Event       `json:"event"`
}

type EventsResponse struct {
	AppointmentID string              `json:"appointment_id"`
	Events        []appointment.Event `json:"events"`
}

type SyncRequest struct {
	Items []offline.QueueItem `json:"items"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}
