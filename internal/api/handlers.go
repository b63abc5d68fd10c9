package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/offline"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	headerSystemMode     = "X-System-Mode"
	headerDeviceID       = "X-Device-ID"
	headerActor          = "X-Actor-Type"
)

// Engine is the mutation engine as seen by the HTTP layer.
type Engine interface {
	CreateAppointment(ctx context.Context, key string, in appointment.CreateInput) (*appointment.Result, error)
	RescheduleAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, w appointment.Window, reason *string) (*appointment.Result, error)
	CancelAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, reason *string) (*appointment.Result, error)
	UncancelAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, reason *string) (*appointment.Result, error)
	UpdateNotes(ctx context.Context, key string, id uuid.UUID, expectedVersion int, notes string, reason *string) (*appointment.Result, error)
	DeleteAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, reason *string) (*appointment.Result, error)
	RestoreAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, reason *string) (*appointment.Result, error)
	UndoEvent(ctx context.Context, key string, id, targetEventID uuid.UUID, expectedVersion int, reason *string) (*appointment.Result, error)
	GetAppointment(ctx context.Context, id uuid.UUID, includeDeleted bool) (*appointment.Appointment, error)
	ListEvents(ctx context.Context, id uuid.UUID) ([]appointment.Event, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, deviceID string, items []offline.QueueItem) (offline.Report, error)
}

func createAppointmentHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decode(w, r, &req) {
			return
		}

		res, err := svc.CreateAppointment(r.Context(), idempotencyKey(r), appointment.CreateInput{
			Client:   req.Client,
			Service:  req.Service,
			StartsAt: req.StartsAt,
			EndsAt:   req.EndsAt,
			Notes:    req.Notes,
		})
		writeMutation(w, http.StatusCreated, res, err)
	}
}

func rescheduleHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decode(w, r, &req) {
			return
		}

		res, err := svc.RescheduleAppointment(r.Context(), idempotencyKey(r), id, req.ExpectedVersion,
			appointment.Window{StartsAt: req.StartsAt, EndsAt: req.EndsAt}, req.Reason)
		writeMutation(w, http.StatusOK, res, err)
	}
}

type versionedOp func(ctx context.Context, key string, id uuid.UUID, expectedVersion int, reason *string) (*appointment.Result, error)

// versionedHandler serves the mutations whose body is only expected_version
// and an optional reason.
func versionedHandler(op versionedOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		var req VersionedRequest
		if !decode(w, r, &req) {
			return
		}

		res, err := op(r.Context(), idempotencyKey(r), id, req.ExpectedVersion, req.Reason)
		writeMutation(w, http.StatusOK, res, err)
	}
}

func updateNotesHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		var req UpdateNotesRequest
		if !decode(w, r, &req) {
			return
		}

		res, err := svc.UpdateNotes(r.Context(), idempotencyKey(r), id, req.ExpectedVersion, req.Notes, req.Reason)
		writeMutation(w, http.StatusOK, res, err)
	}
}

func undoEventHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		eventID, ok := pathUUID(w, r, "eventID", "invalid_event_id")
		if !ok {
			return
		}
		var req VersionedRequest
		if !decode(w, r, &req) {
			return
		}

		res, err := svc.UndoEvent(r.Context(), idempotencyKey(r), id, eventID, req.ExpectedVersion, req.Reason)
		writeMutation(w, http.StatusOK, res, err)
	}
}

func getAppointmentHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}
		includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))

		appt, err := svc.GetAppointment(r.Context(), id, includeDeleted)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func listEventsHandler(svc Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id", "invalid_appointment_id")
		if !ok {
			return
		}

		events, err := svc.ListEvents(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}
		if events == nil {
			events = []appointment.Event{}
		}
		writeJSON(w, http.StatusOK, EventsResponse{AppointmentID: id.String(), Events: events})
	}
}

func syncHandler(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		if !decode(w, r, &req) {
			return
		}

		report, err := rec.Reconcile(r.Context(), r.Header.Get(headerDeviceID), req.Items)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, emptySets(report))
	}
}

func modeHandler(gate ModeReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, gate.Current())
	}
}

func writeMutation(w http.ResponseWriter, status int, res *appointment.Result, err error) {
	if err != nil {
		handleError(w, err)
		return
	}
	if res.Replayed {
		w.Header().Set(headerReplayed, "true")
	}
	if res.Degraded {
		w.Header().Set(headerSystemMode, "degraded")
		w.Header().Set("Warning", `199 - "system is degraded, the change was applied but later writes may fail"`)
	}
	writeJSON(w, status, MutationResponse{Appointment: res.Appointment, Event: res.Event})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error(), false)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, param+" must be a valid UUID", false)
		return uuid.Nil, false
	}
	return id, true
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
}

func emptySets(r offline.Report) offline.Report {
	if r.Confirmed == nil {
		r.Confirmed = []offline.QueueItem{}
	}
	if r.Conflict == nil {
		r.Conflict = []offline.QueueItem{}
	}
	if r.Failed == nil {
		r.Failed = []offline.QueueItem{}
	}
	return r
}
