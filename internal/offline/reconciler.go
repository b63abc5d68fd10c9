package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/metrics"
)

var ErrReconcileInProgress = errors.New("a reconcile pass is already running for this device")

// Executor is the subset of the mutation engine a queued intent can invoke.
type Executor interface {
	CreateAppointment(ctx context.Context, key string, in appointment.CreateInput) (*appointment.Result, error)
	RescheduleAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, w appointment.Window, reason *string) (*appointment.Result, error)
	CancelAppointment(ctx context.Context, key string, id uuid.UUID, expectedVersion int, reason *string) (*appointment.Result, error)
	UndoEvent(ctx context.Context, key string, id, targetEventID uuid.UUID, expectedVersion int, reason *string) (*appointment.Result, error)
}

// Reconciler runs at most one pass per device at a time.
type Reconciler struct {
	exec     Executor
	locker   Locker
	logger   *zap.Logger
	validate *validator.Validate
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	running map[string]time.Time
}

func NewReconciler(exec Executor, locker Locker, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		exec:     exec,
		locker:   locker,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   otel.Tracer("github.com/hackgods/appointment-ledger/offline"),
		now:      time.Now,
		running:  make(map[string]time.Time),
	}
}

// OldestRunning reports the age of the longest running pass in this process.
func (r *Reconciler) OldestRunning() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest time.Time
	for _, started := range r.running {
		if oldest.IsZero() || started.Before(oldest) {
			oldest = started
		}
	}
	if oldest.IsZero() {
		return 0, false
	}
	return r.now().Sub(oldest), true
}

// Reconcile replays items in creation order and reports each item in exactly
// one of the confirmed, conflict and failed sets. Items already confirmed or
// in conflict are reported as they are.
func (r *Reconciler) Reconcile(ctx context.Context, deviceID string, items []QueueItem) (Report, error) {
	ctx, span := r.tracer.Start(ctx, "offline.Reconcile", trace.WithAttributes(
		attribute.String("device.id", deviceID),
		attribute.Int("queue.items", len(items)),
	))
	defer span.End()

	if err := r.check(deviceID, items); err != nil {
		metrics.ReconcilePassesTotal.WithLabelValues("invalid").Inc()
		return Report{}, err
	}

	var report Report
	err := r.locker.WithLock(ctx, deviceID, func(ctx context.Context) error {
		r.begin(deviceID)
		defer r.end(deviceID)

		report = r.pass(ctx, deviceID, items)
		return nil
	})
	if err != nil {
		if isLockHeld(err) {
			metrics.ReconcilePassesTotal.WithLabelValues("in_progress").Inc()
			r.logger.Warn("reconcile rejected, pass already running", zap.String("device_id", deviceID))
			return Report{}, ErrReconcileInProgress
		}
		metrics.ReconcilePassesTotal.WithLabelValues("error").Inc()
		return Report{}, fmt.Errorf("reconcile device %s: %w", deviceID, err)
	}

	metrics.ReconcilePassesTotal.WithLabelValues("completed").Inc()
	span.SetAttributes(
		attribute.Int("queue.confirmed", len(report.Confirmed)),
		attribute.Int("queue.conflict", len(report.Conflict)),
		attribute.Int("queue.failed", len(report.Failed)),
	)
	r.logger.Info("reconcile pass finished",
		zap.String("device_id", deviceID),
		zap.Int("confirmed", len(report.Confirmed)),
		zap.Int("conflict", len(report.Conflict)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (r *Reconciler) check(deviceID string, items []QueueItem) error {
	if strings.TrimSpace(deviceID) == "" {
		return appointment.NewError(appointment.KindValidation, "device_id_required", "a device id is required")
	}

	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		if err := r.validate.Struct(it); err != nil {
			return appointment.NewError(appointment.KindValidation, "invalid_queue_item",
				fmt.Sprintf("item %d: %v", i, err))
		}
		if _, dup := seen[it.LocalID]; dup {
			return appointment.NewError(appointment.KindValidation, "duplicate_local_id",
				fmt.Sprintf("local id %q appears more than once", it.LocalID))
		}
		seen[it.LocalID] = struct{}{}
	}
	return nil
}

func (r *Reconciler) begin(deviceID string) {
	r.mu.Lock()
	r.running[deviceID] = r.now()
	r.mu.Unlock()
}

func (r *Reconciler) end(deviceID string) {
	r.mu.Lock()
	delete(r.running, deviceID)
	r.mu.Unlock()
}

func (r *Reconciler) pass(ctx context.Context, deviceID string, items []QueueItem) Report {
	ordered := make([]QueueItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	// server ids of confirmed creates, by local id
	created := make(map[string]uuid.UUID)
	for _, it := range ordered {
		if it.Type == ItemCreateHold && it.Status == StatusConfirmed && it.Appointment != nil {
			created[it.LocalID] = it.Appointment.ID
		}
	}

	var report Report
	for _, it := range ordered {
		if it.Status == "" {
			it.Status = StatusQueued
		}
		if !it.Status.eligible() {
			report.add(it)
			continue
		}

		it.Status = StatusSyncing
		it = r.apply(ctx, it, created)
		if it.Status == StatusConfirmed && it.Type == ItemCreateHold && it.Appointment != nil {
			created[it.LocalID] = it.Appointment.ID
		}

		metrics.ReconcileItemsTotal.WithLabelValues(string(it.Status)).Inc()
		r.logger.Debug("queue item reconciled",
			zap.String("device_id", deviceID),
			zap.String("local_id", it.LocalID),
			zap.String("type", string(it.Type)),
			zap.String("status", string(it.Status)),
		)
		report.add(it)
	}
	return report
}

func (r *Reconciler) apply(ctx context.Context, it QueueItem, created map[string]uuid.UUID) QueueItem {
	if it.DependsOn != "" {
		id, ok := created[it.DependsOn]
		if !ok {
			return failed(it, &ItemError{
				Code:      "dependency_not_confirmed",
				Message:   fmt.Sprintf("item %s waits for %s to be confirmed", it.LocalID, it.DependsOn),
				Retryable: true,
			})
		}
		it.AppointmentID = &id
	}

	res, err := r.invoke(ctx, it)
	if err == nil {
		it.Status = StatusConfirmed
		it.Appointment = res.Appointment
		it.LastError = nil
		return it
	}

	e, ok := appointment.AsError(err)
	if !ok {
		return failed(it, &ItemError{Code: "transport_failed", Message: err.Error(), Retryable: true})
	}
	ie := &ItemError{Code: e.Code, Message: e.Message, Retryable: e.Retryable}

	switch {
	case errors.Is(err, appointment.ErrVersionConflict):
		it.Status = StatusConflict
		it.LastError = ie
		return it
	case errors.Is(err, appointment.ErrAlreadyUndone):
		// the desired end state already holds
		it.Status = StatusConfirmed
		it.Appointment = e.Current
		it.LastError = nil
		return it
	}
	return failed(it, ie)
}

func (r *Reconciler) invoke(ctx context.Context, it QueueItem) (*appointment.Result, error) {
	p := it.Payload

	if it.Type == ItemCreateHold {
		in := appointment.CreateInput{Client: p.Client, Service: p.Service, Notes: p.Notes}
		if p.StartsAt != nil {
			in.StartsAt = *p.StartsAt
		}
		if p.EndsAt != nil {
			in.EndsAt = *p.EndsAt
		}
		return r.exec.CreateAppointment(ctx, it.IdempotencyKey, in)
	}

	if it.AppointmentID == nil {
		return nil, appointment.NewError(appointment.KindValidation, "appointment_id_required",
			fmt.Sprintf("%s item needs an appointment id", it.Type))
	}
	id := *it.AppointmentID

	switch it.Type {
	case ItemReschedule:
		var w appointment.Window
		if p.StartsAt != nil {
			w.StartsAt = *p.StartsAt
		}
		if p.EndsAt != nil {
			w.EndsAt = *p.EndsAt
		}
		return r.exec.RescheduleAppointment(ctx, it.IdempotencyKey, id, it.ExpectedVersion, w, p.Reason)
	case ItemCancel:
		return r.exec.CancelAppointment(ctx, it.IdempotencyKey, id, it.ExpectedVersion, p.Reason)
	case ItemUndo:
		if p.TargetEventID == nil {
			return nil, appointment.NewError(appointment.KindValidation, "target_event_id_required",
				"undo item needs a target event id")
		}
		return r.exec.UndoEvent(ctx, it.IdempotencyKey, id, *p.TargetEventID, it.ExpectedVersion, p.Reason)
	}
	return nil, appointment.NewError(appointment.KindValidation, "unknown_item_type",
		fmt.Sprintf("unknown queue item type %q", it.Type))
}

func failed(it QueueItem, e *ItemError) QueueItem {
	it.Status = StatusFailed
	it.RetryCount++
	it.LastError = e
	return it
}
