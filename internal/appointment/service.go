package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-ledger/internal/idempotency"
	"github.com/hackgods/appointment-ledger/internal/metrics"
	"github.com/hackgods/appointment-ledger/internal/mode"
)

const (
	OpCreate     = "create"
	OpReschedule = "reschedule"
	OpCancel     = "cancel"
	OpUncancel   = "uncancel"
	OpNotes      = "update_notes"
	OpDelete     = "delete"
	OpRestore    = "restore"
	OpUndo       = "undo"
)

// createNamespace derives appointment ids from create idempotency keys, so a
// create retried after its ledger entry expired collides instead of
// duplicating the appointment.
var createNamespace = uuid.MustParse("6f1c3f9e-2b7a-4c59-9a0e-7d7e3c1b5a10")

// ModeReader exposes the last published system mode.
type ModeReader interface {
	Current() mode.Snapshot
}

// Service is the mutation engine. Every state change goes through mutate or
// create, which commit the snapshot update, the event and the idempotency
// record in one transaction.
type Service struct {
	store    Store
	ledger   *idempotency.Ledger
	gate     ModeReader
	clock    Clock
	logger   *zap.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

type Option func(*Service)

func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

func NewService(store Store, ledger *idempotency.Ledger, gate ModeReader, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		ledger:   ledger,
		gate:     gate,
		clock:    SystemClock(),
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   otel.Tracer("github.com/hackgods/appointment-ledger/appointment"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type actorKey struct{}

// WithActor records who initiates mutations made with ctx.
func WithActor(ctx context.Context, actor ActorType) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) ActorType {
	if a, ok := ctx.Value(actorKey{}).(ActorType); ok && a != "" {
		return a
	}
	return ActorOwner
}

// storedResult is the exact value kept in the ledger and replayed on retry.
type storedResult struct {
	Appointment *Appointment `json:"appointment"`
	Event       *Event       `json:"event"`
}

// change is what a planner decides a mutation does to the current fields.
type change struct {
	eventType   EventType
	next        Fields
	compensates EventType
	undone      *uuid.UUID
}

type mutation struct {
	op              string
	key             string
	appointmentID   uuid.UUID
	expectedVersion int
	reason          *string
	request         map[string]any
	allowDeleted    bool

	// validate checks the request shape before any transaction begins.
	validate func() error
	// precheck runs before the version comparison.
	precheck func(ctx context.Context, tx Tx, cur *Appointment) error
	plan     func(ctx context.Context, tx Tx, cur *Appointment) (*change, error)
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// CreateAppointment books a new appointment at version 1.
func (s *Service) CreateAppointment(ctx context.Context, key string, in CreateInput) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "appointment.Create")
	defer span.End()
	start := time.Now()

	res, err := s.create(ctx, key, in)
	s.finish(ctx, span, OpCreate, key, uuid.Nil, start, res, err)
	return res, err
}

func (s *Service) create(ctx context.Context, key string, in CreateInput) (*Result, error) {
	if err := s.checkKey(key); err != nil {
		return nil, err
	}
	in.Client = strings.TrimSpace(in.Client)
	in.Service = strings.TrimSpace(in.Service)
	in.StartsAt = in.StartsAt.UTC()
	in.EndsAt = in.EndsAt.UTC()
	if err := s.validate.Struct(in); err != nil {
		return nil, shapeError(err)
	}
	if err := checkWindow(in.StartsAt, in.EndsAt); err != nil {
		return nil, err
	}

	degraded, err := s.checkMode()
	if err != nil {
		return nil, err
	}

	opID := idempotency.OperationIdentity(OpCreate, "")
	fp, err := idempotency.Fingerprint(map[string]any{
		"op":        OpCreate,
		"client":    in.Client,
		"service":   in.Service,
		"starts_at": in.StartsAt,
		"ends_at":   in.EndsAt,
		"notes":     in.Notes,
	})
	if err != nil {
		return nil, transactionFailed(err)
	}

	id := uuid.NewSHA1(createNamespace, []byte(key))
	actor := actorFrom(ctx)

	var res *Result
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.now()

		replay, err := s.resolve(ctx, tx, key, opID, fp, now)
		if err != nil || replay != nil {
			res = replay
			return err
		}

		appt := &Appointment{
			ID:        id,
			Client:    in.Client,
			Service:   in.Service,
			StartsAt:  in.StartsAt,
			EndsAt:    in.EndsAt,
			Status:    StatusBooked,
			Notes:     in.Notes,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertAppointment(ctx, appt); err != nil {
			if errors.Is(err, ErrAppointmentExists) {
				return newError(KindVersionConflict, "appointment_exists",
					fmt.Sprintf("appointment %s was already created with this idempotency key", id))
			}
			return err
		}

		ev, err := newEvent(appt, EventCreated, actor, nil, EventPayload{After: appt.Fields()}, nil, now)
		if err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}

		res, err = s.record(ctx, tx, key, opID, fp, appt, ev, now)
		return err
	})
	if err != nil {
		return s.afterFailure(ctx, err, key, opID, fp, degraded)
	}

	res.Degraded = degraded
	return res, nil
}

// RescheduleAppointment moves the appointment to a new window.
func (s *Service) RescheduleAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, w Window, reason *string) (*Result, error) {
	w.StartsAt = w.StartsAt.UTC()
	w.EndsAt = w.EndsAt.UTC()

	return s.run(ctx, "appointment.Reschedule", mutation{
		op:              OpReschedule,
		key:             key,
		appointmentID:   id,
		expectedVersion: expectedVersion,
		reason:          reason,
		request: map[string]any{
			"starts_at": w.StartsAt,
			"ends_at":   w.EndsAt,
		},
		validate: func() error {
			if err := s.validate.Struct(w); err != nil {
				return shapeError(err)
			}
			return checkWindow(w.StartsAt, w.EndsAt)
		},
		plan: func(ctx context.Context, tx Tx, cur *Appointment) (*change, error) {
			next := cur.Fields()
			if next.Status == StatusCancelled {
				return nil, validationError("appointment_cancelled", "a cancelled appointment cannot be rescheduled")
			}
			if next.StartsAt.Equal(w.StartsAt) && next.EndsAt.Equal(w.EndsAt) {
				return nil, validationError("no_change", "appointment is already in that window")
			}
			next.StartsAt = w.StartsAt
			next.EndsAt = w.EndsAt
			return &change{eventType: EventRescheduled, next: next}, nil
		},
	})
}

// CancelAppointment moves a booked appointment to cancelled.
func (s *Service) CancelAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, reason *string) (*Result, error) {
	return s.run(ctx, "appointment.Cancel", mutation{
		op:              OpCancel,
		key:             key,
		appointmentID:   id,
		expectedVersion: expectedVersion,
		reason:          reason,
		plan:            statusPlan(StatusBooked, StatusCancelled, EventCancelled),
	})
}

// UncancelAppointment moves a cancelled appointment back to booked.
func (s *Service) UncancelAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, reason *string) (*Result, error) {
	return s.run(ctx, "appointment.Uncancel", mutation{
		op:              OpUncancel,
		key:             key,
		appointmentID:   id,
		expectedVersion: expectedVersion,
		reason:          reason,
		plan:            statusPlan(StatusCancelled, StatusBooked, EventUncancelled),
	})
}

// UpdateNotes replaces the free-text notes.
func (s *Service) UpdateNotes(ctx context.Context, key string, id uuid.UUID, expectedVersion int, notes string, reason *string) (*Result, error) {
	return s.run(ctx, "appointment.UpdateNotes", mutation{
		op:              OpNotes,
		key:             key,
		appointmentID:   id,
		expectedVersion: expectedVersion,
		reason:          reason,
		request:         map[string]any{"notes": notes},
		validate: func() error {
			if err := s.validate.Var(notes, "max=4000"); err != nil {
				return shapeError(err)
			}
			return nil
		},
		plan: func(ctx context.Context, tx Tx, cur *Appointment) (*change, error) {
			next := cur.Fields()
			if next.Notes == notes {
				return nil, validationError("no_change", "notes are unchanged")
			}
			next.Notes = notes
			return &change{eventType: EventNotesUpdated, next: next}, nil
		},
	})
}

// DeleteAppointment soft-deletes the row. It stays readable by id.
func (s *Service) DeleteAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, reason *string) (*Result, error) {
	return s.run(ctx, "appointment.Delete", mutation{
		op:              OpDelete,
		key:             key,
		appointmentID:   id,
		expectedVersion: expectedVersion,
		reason:          reason,
		plan: func(ctx context.Context, tx Tx, cur *Appointment) (*change, error) {
			next := cur.Fields()
			next.Deleted = true
			return &change{eventType: EventSoftDeleted, next: next}, nil
		},
	})
}

// RestoreAppointment clears a soft delete.
func (s *Service) RestoreAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, reason *string) (*Result, error) {
	return s.run(ctx, "appointment.Restore", mutation{
		op:              OpRestore,
		key:             key,
		appointmentID:   id,
		expectedVersion: expectedVersion,
		reason:          reason,
		allowDeleted:    true,
		plan: func(ctx context.Context, tx Tx, cur *Appointment) (*change, error) {
			if !cur.Deleted() {
				return nil, validationError("not_deleted", "appointment is not deleted")
			}
			next := cur.Fields()
			next.Deleted = false
			return &change{eventType: EventRestored, next: next}, nil
		},
	})
}

func statusPlan(from, to AppointmentStatus, evType EventType) func(ctx context.Context, tx Tx, cur *Appointment) (*change, error) {
	return func(ctx context.Context, tx Tx, cur *Appointment) (*change, error) {
		if cur.Status != from {
			return nil, validationError("invalid_status_transition",
				fmt.Sprintf("appointment is %s, expected %s", cur.Status, from))
		}
		next := cur.Fields()
		next.Status = to
		return &change{eventType: evType, next: next}, nil
	}
}

// GetAppointment reads the snapshot. Soft-deleted rows are hidden unless
// includeDeleted is set.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, includeDeleted bool) (*Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if appt.Deleted() && !includeDeleted {
		return nil, notFound(id)
	}
	return appt, nil
}

// ListEvents returns the full history in the order it was written. Deleted
// appointments keep their history readable.
func (s *Service) ListEvents(ctx context.Context, id uuid.UUID) ([]Event, error) {
	if _, err := s.store.GetAppointment(ctx, id); err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// SystemMode returns the gate's current snapshot.
func (s *Service) SystemMode() mode.Snapshot {
	return s.gate.Current()
}

func (s *Service) run(ctx context.Context, spanName string, m mutation) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("appointment.id", m.appointmentID.String()),
		attribute.Int("appointment.expected_version", m.expectedVersion),
	))
	defer span.End()
	start := time.Now()

	res, err := s.mutate(ctx, m)
	s.finish(ctx, span, m.op, m.key, m.appointmentID, start, res, err)
	return res, err
}

func (s *Service) mutate(ctx context.Context, m mutation) (*Result, error) {
	if err := s.checkKey(m.key); err != nil {
		return nil, err
	}
	if m.appointmentID == uuid.Nil {
		return nil, validationError("invalid_appointment_id", "appointment id is required")
	}
	if m.expectedVersion < 1 {
		return nil, validationError("invalid_expected_version", "expected_version must be >= 1")
	}
	if m.reason != nil {
		if err := s.validate.Var(*m.reason, "max=500"); err != nil {
			return nil, shapeError(err)
		}
	}
	if m.validate != nil {
		if err := m.validate(); err != nil {
			return nil, err
		}
	}

	degraded, err := s.checkMode()
	if err != nil {
		return nil, err
	}

	opID := idempotency.OperationIdentity(m.op, m.appointmentID.String())
	request := map[string]any{
		"op":               m.op,
		"appointment_id":   m.appointmentID,
		"expected_version": m.expectedVersion,
		"reason":           m.reason,
	}
	for k, v := range m.request {
		request[k] = v
	}
	fp, err := idempotency.Fingerprint(request)
	if err != nil {
		return nil, transactionFailed(err)
	}

	actor := actorFrom(ctx)

	var res *Result
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.now()

		replay, err := s.resolve(ctx, tx, m.key, opID, fp, now)
		if err != nil || replay != nil {
			res = replay
			return err
		}

		cur, err := tx.GetAppointment(ctx, m.appointmentID)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return notFound(m.appointmentID)
			}
			return err
		}

		if m.precheck != nil {
			if err := m.precheck(ctx, tx, cur); err != nil {
				return err
			}
		}

		if cur.Version != m.expectedVersion {
			return conflictError(cur.Version, m.expectedVersion)
		}
		if cur.Deleted() && !m.allowDeleted {
			return validationError("appointment_deleted", "appointment is deleted")
		}

		ch, err := m.plan(ctx, tx, cur)
		if err != nil {
			return err
		}
		if err := checkWindow(ch.next.StartsAt, ch.next.EndsAt); err != nil {
			return err
		}

		before := cur.Fields()
		next := applyFields(cur, ch.next, now)
		ok, err := tx.UpdateAppointment(ctx, next, m.expectedVersion)
		if err != nil {
			return err
		}
		if !ok {
			return conflictError(cur.Version, m.expectedVersion)
		}

		payload := EventPayload{Before: &before, After: next.Fields(), Compensates: ch.compensates}
		ev, err := newEvent(next, ch.eventType, actor, m.reason, payload, ch.undone, now)
		if err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}

		if ch.undone != nil {
			marked, err := tx.MarkSuperseded(ctx, *ch.undone, ev.ID)
			if err != nil {
				return err
			}
			if !marked {
				return alreadyUndone(*ch.undone, cur)
			}
		}

		res, err = s.record(ctx, tx, m.key, opID, fp, next, ev, now)
		return err
	})
	if err != nil {
		return s.afterFailure(ctx, err, m.key, opID, fp, degraded)
	}

	res.Degraded = degraded
	return res, nil
}

// applyFields returns the next snapshot: fields from f, version +1.
func applyFields(cur *Appointment, f Fields, now time.Time) *Appointment {
	next := *cur
	next.StartsAt = f.StartsAt
	next.EndsAt = f.EndsAt
	next.Status = f.Status
	next.Notes = f.Notes
	next.Version = cur.Version + 1
	next.UpdatedAt = now

	switch {
	case f.Deleted && cur.DeletedAt == nil:
		t := now
		next.DeletedAt = &t
	case !f.Deleted:
		next.DeletedAt = nil
	}
	return &next
}

func newEvent(appt *Appointment, evType EventType, actor ActorType, reason *string, payload EventPayload, undone *uuid.UUID, now time.Time) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{
		ID:            uuid.New(),
		AppointmentID: appt.ID,
		Version:       appt.Version,
		EventType:     evType,
		ActorType:     actor,
		Reason:        reason,
		Payload:       data,
		UndoneEventID: undone,
		CreatedAt:     now,
	}, nil
}

func (s *Service) resolve(ctx context.Context, tx Tx, key, opID, fp string, now time.Time) (*Result, error) {
	stored, err := s.ledger.Resolve(ctx, tx, key, opID, fp, now)
	if err != nil {
		if errors.Is(err, idempotency.ErrKeyReused) {
			return nil, newError(KindIdempotencyKeyReused, string(KindIdempotencyKeyReused),
				"idempotency key was already used with a different request")
		}
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	return decodeStored(stored)
}

func decodeStored(data []byte) (*Result, error) {
	var sr storedResult
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	return &Result{Appointment: sr.Appointment, Event: sr.Event, Replayed: true}, nil
}

func (s *Service) record(ctx context.Context, tx Tx, key, opID, fp string, appt *Appointment, ev *Event, now time.Time) (*Result, error) {
	data, err := json.Marshal(storedResult{Appointment: appt, Event: ev})
	if err != nil {
		return nil, fmt.Errorf("marshal stored result: %w", err)
	}
	if err := s.ledger.Store(ctx, tx, key, opID, fp, data, now); err != nil {
		return nil, err
	}
	// Return what a replay would return.
	res, err := decodeStored(data)
	if err != nil {
		return nil, err
	}
	res.Replayed = false
	return res, nil
}

// afterFailure classifies a rolled back transaction. When the failure comes
// from losing a race against a request that carried the same key, the
// winner's stored result is replayed instead.
func (s *Service) afterFailure(ctx context.Context, err error, key, opID, fp string, degraded bool) (*Result, error) {
	raced := errors.Is(err, idempotency.ErrConflict) || errors.Is(err, ErrVersionConflict)
	if raced {
		var res *Result
		readErr := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			var rerr error
			res, rerr = s.resolve(ctx, tx, key, opID, fp, s.now())
			return rerr
		})
		if readErr == nil && res != nil {
			res.Degraded = degraded
			return res, nil
		}
		if e, ok := AsError(readErr); ok {
			return nil, e
		}
	}

	if e, ok := AsError(err); ok {
		return nil, e
	}
	if errors.Is(err, idempotency.ErrConflict) {
		return nil, conflictError(0, 0)
	}
	return nil, transactionFailed(err)
}

func (s *Service) checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return validationError("idempotency_key_required", "an idempotency key is required")
	}
	if len(key) > 255 {
		return validationError("idempotency_key_too_long", "idempotency key must be at most 255 characters")
	}
	return nil
}

func (s *Service) checkMode() (degraded bool, err error) {
	snap := s.gate.Current()
	switch snap.Mode {
	case mode.Unsafe:
		names := make([]string, 0)
		for _, c := range snap.Failing() {
			names = append(names, c.Name)
		}
		return false, newError(KindSystemUnsafe, string(KindSystemUnsafe),
			"writes are blocked while the system is unsafe: "+strings.Join(names, ","))
	case mode.Degraded:
		return true, nil
	}
	return false, nil
}

func (s *Service) finish(ctx context.Context, span trace.Span, op, key string, id uuid.UUID, start time.Time, res *Result, err error) {
	metrics.MutationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("idempotency_key", key),
	}
	if res != nil && res.Appointment != nil {
		id = res.Appointment.ID
	}
	if id != uuid.Nil {
		fields = append(fields, zap.String("appointment_id", id.String()))
	}

	if err != nil {
		code := "error"
		if e, ok := AsError(err); ok {
			code = e.Code
		}
		metrics.MutationsTotal.WithLabelValues(op, code).Inc()
		span.SetStatus(codes.Error, code)
		span.RecordError(err)
		s.logger.Warn("mutation rejected", append(fields, zap.String("code", code), zap.Error(err))...)
		return
	}

	outcome := "committed"
	if res.Replayed {
		outcome = "replayed"
		metrics.IdempotencyReplays.WithLabelValues(op).Inc()
	}
	metrics.MutationsTotal.WithLabelValues(op, outcome).Inc()
	span.SetAttributes(
		attribute.String("mutation.outcome", outcome),
		attribute.Int("appointment.version", res.Appointment.Version),
	)
	span.SetStatus(codes.Ok, outcome)
	s.logger.Info("mutation "+outcome, append(fields,
		zap.Int("version", res.Appointment.Version),
		zap.Bool("degraded", res.Degraded),
	)...)
}

func checkWindow(startsAt, endsAt time.Time) error {
	if !endsAt.After(startsAt) {
		return validationError("invalid_window", "ends_at must be after starts_at")
	}
	return nil
}

func notFound(id uuid.UUID) *Error {
	return validationError("appointment_not_found", fmt.Sprintf("appointment %s not found", id))
}

func shapeError(err error) *Error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("field '%s' failed rule '%s'", fe.Field(), fe.Tag()))
		}
		return validationError("invalid_input", strings.Join(parts, "; "))
	}
	return validationError("invalid_input", err.Error())
}
