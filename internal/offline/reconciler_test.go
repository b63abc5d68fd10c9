package offline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/idempotency"
	"github.com/hackgods/appointment-ledger/internal/mode"
)

func newEngine(t *testing.T) *appointment.Service {
	t.Helper()
	return appointment.NewService(appointment.NewMemoryStore(), idempotency.NewLedger(time.Hour),
		mode.NewGate(), zap.NewNop())
}

func hour(h int) *time.Time {
	t := time.Date(2026, 4, 1, h, 0, 0, 0, time.UTC)
	return &t
}

func book(t *testing.T, svc *appointment.Service, key string) *appointment.Appointment {
	t.Helper()
	res, err := svc.CreateAppointment(context.Background(), key, appointment.CreateInput{
		Client: "Grace", Service: "checkup", StartsAt: *hour(9), EndsAt: *hour(10),
	})
	require.NoError(t, err)
	return res.Appointment
}

func queued(localID string, typ ItemType, created time.Time) QueueItem {
	return QueueItem{
		LocalID:        localID,
		Type:           typ,
		IdempotencyKey: "key-" + localID,
		Status:         StatusQueued,
		CreatedAt:      created,
	}
}

func TestReconcileScenario(t *testing.T) {
	svc := newEngine(t)
	ctx := context.Background()

	a := book(t, svc, "a")
	b := book(t, svc, "b")
	// someone else moved A while the client was offline
	_, err := svc.RescheduleAppointment(ctx, "other", a.ID, 1, appointment.Window{StartsAt: *hour(14), EndsAt: *hour(15)}, nil)
	require.NoError(t, err)

	base := time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)

	hold := queued("1", ItemCreateHold, base)
	hold.Payload = Intent{Client: "Linus", Service: "cut", StartsAt: hour(11), EndsAt: hour(12)}

	move := queued("2", ItemReschedule, base.Add(time.Minute))
	move.AppointmentID = &a.ID
	move.ExpectedVersion = 1
	move.Payload = Intent{StartsAt: hour(16), EndsAt: hour(17)}

	cancel := queued("3", ItemCancel, base.Add(2*time.Minute))
	cancel.AppointmentID = &b.ID
	cancel.ExpectedVersion = 1

	r := NewReconciler(svc, NewLocalLocker(time.Minute), zap.NewNop())
	// submitted out of order; FIFO is by created_at
	report, err := r.Reconcile(ctx, "device-1", []QueueItem{cancel, move, hold})
	require.NoError(t, err)

	require.Len(t, report.Confirmed, 2)
	require.Len(t, report.Conflict, 1)
	assert.Empty(t, report.Failed)

	assert.Equal(t, "1", report.Confirmed[0].LocalID)
	assert.Equal(t, "3", report.Confirmed[1].LocalID)
	assert.Equal(t, appointment.StatusCancelled, report.Confirmed[1].Appointment.Status)
	assert.Equal(t, 2, report.Confirmed[1].Appointment.Version)

	conflict := report.Conflict[0]
	assert.Equal(t, "2", conflict.LocalID)
	require.NotNil(t, conflict.LastError)
	assert.Equal(t, "version_conflict", conflict.LastError.Code)
	assert.Equal(t, 0, conflict.RetryCount)

	cur, err := svc.GetAppointment(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)
	assert.True(t, cur.StartsAt.Equal(*hour(14)))

	// a second pass leaves terminal items alone and replays nothing
	again, err := r.Reconcile(ctx, "device-1", report.Items())
	require.NoError(t, err)
	assert.Len(t, again.Confirmed, 2)
	assert.Len(t, again.Conflict, 1)
	events, err := svc.ListEvents(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestReconcileRetryIsIdempotent(t *testing.T) {
	svc := newEngine(t)
	ctx := context.Background()
	a := book(t, svc, "a")

	cancel := queued("c", ItemCancel, time.Now())
	cancel.AppointmentID = &a.ID
	cancel.ExpectedVersion = 1
	// the client lost the response of an earlier pass
	cancel.Status = StatusSyncing

	r := NewReconciler(svc, NewLocalLocker(0), zap.NewNop())
	first, err := r.Reconcile(ctx, "d", []QueueItem{cancel})
	require.NoError(t, err)
	require.Len(t, first.Confirmed, 1)

	second, err := r.Reconcile(ctx, "d", []QueueItem{cancel})
	require.NoError(t, err)
	require.Len(t, second.Confirmed, 1)
	assert.Equal(t, first.Confirmed[0].Appointment.Version, second.Confirmed[0].Appointment.Version)

	events, err := svc.ListEvents(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestReconcileFailureDoesNotBlockLaterItems(t *testing.T) {
	svc := newEngine(t)
	ctx := context.Background()
	a := book(t, svc, "a")
	base := time.Now()

	bad := queued("bad", ItemReschedule, base)
	bad.AppointmentID = &a.ID
	bad.ExpectedVersion = 1
	bad.RetryCount = 2
	bad.Status = StatusFailed
	bad.Payload = Intent{StartsAt: hour(12), EndsAt: hour(11)}

	good := queued("good", ItemCancel, base.Add(time.Second))
	good.AppointmentID = &a.ID
	good.ExpectedVersion = 1

	r := NewReconciler(svc, NewLocalLocker(0), zap.NewNop())
	report, err := r.Reconcile(ctx, "d", []QueueItem{bad, good})
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, 3, report.Failed[0].RetryCount)
	assert.Equal(t, "invalid_window", report.Failed[0].LastError.Code)
	require.Len(t, report.Confirmed, 1)
	assert.Equal(t, "good", report.Confirmed[0].LocalID)
}

func TestReconcileDependsOn(t *testing.T) {
	svc := newEngine(t)
	ctx := context.Background()
	base := time.Now()

	hold := queued("hold", ItemCreateHold, base)
	hold.Payload = Intent{Client: "Ken", Service: "fitting", StartsAt: hour(9), EndsAt: hour(10)}

	move := queued("move", ItemReschedule, base.Add(time.Second))
	move.DependsOn = "hold"
	move.ExpectedVersion = 1
	move.Payload = Intent{StartsAt: hour(10), EndsAt: hour(11)}

	orphan := queued("orphan", ItemCancel, base.Add(2*time.Second))
	orphan.DependsOn = "missing"
	orphan.ExpectedVersion = 1

	r := NewReconciler(svc, NewLocalLocker(0), zap.NewNop())
	report, err := r.Reconcile(ctx, "d", []QueueItem{hold, move, orphan})
	require.NoError(t, err)

	require.Len(t, report.Confirmed, 2)
	assert.Equal(t, report.Confirmed[0].Appointment.ID, report.Confirmed[1].Appointment.ID)
	assert.Equal(t, 2, report.Confirmed[1].Appointment.Version)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "dependency_not_confirmed", report.Failed[0].LastError.Code)
}

func TestReconcileUndoAlreadyUndoneIsConfirmed(t *testing.T) {
	svc := newEngine(t)
	ctx := context.Background()
	a := book(t, svc, "a")

	c, err := svc.CancelAppointment(ctx, "cancel", a.ID, 1, nil)
	require.NoError(t, err)
	_, err = svc.UndoEvent(ctx, "undo-online", a.ID, c.Event.ID, 2, nil)
	require.NoError(t, err)

	undo := queued("u", ItemUndo, time.Now())
	undo.AppointmentID = &a.ID
	undo.ExpectedVersion = 2
	undo.Payload = Intent{TargetEventID: &c.Event.ID}

	r := NewReconciler(svc, NewLocalLocker(0), zap.NewNop())
	report, err := r.Reconcile(ctx, "d", []QueueItem{undo})
	require.NoError(t, err)
	require.Len(t, report.Confirmed, 1)
	assert.Nil(t, report.Confirmed[0].LastError)
	require.NotNil(t, report.Confirmed[0].Appointment)
	assert.Equal(t, 3, report.Confirmed[0].Appointment.Version)
	assert.Equal(t, appointment.StatusBooked, report.Confirmed[0].Appointment.Status)
}

func TestReconcileRejectsInvalidItems(t *testing.T) {
	r := NewReconciler(newEngine(t), NewLocalLocker(0), zap.NewNop())

	_, err := r.Reconcile(context.Background(), "", nil)
	assert.ErrorIs(t, err, appointment.ErrValidation)

	it := queued("x", ItemType("teleport"), time.Now())
	_, err = r.Reconcile(context.Background(), "d", []QueueItem{it})
	assert.ErrorIs(t, err, appointment.ErrValidation)

	dup := queued("x", ItemCancel, time.Now())
	_, err = r.Reconcile(context.Background(), "d", []QueueItem{dup, dup})
	assert.ErrorIs(t, err, appointment.ErrValidation)
}

type blockingExecutor struct {
	appointment.Service
	entered chan struct{}
	release chan struct{}
}

func (b *blockingExecutor) CreateAppointment(ctx context.Context, key string, in appointment.CreateInput) (*appointment.Result, error) {
	b.entered <- struct{}{}
	<-b.release
	return &appointment.Result{Appointment: &appointment.Appointment{ID: uuid.New(), Version: 1}}, nil
}

func TestReconcileSingleFlightPerDevice(t *testing.T) {
	exec := &blockingExecutor{entered: make(chan struct{}, 2), release: make(chan struct{})}
	r := NewReconciler(exec, NewLocalLocker(0), zap.NewNop())

	hold := queued("h", ItemCreateHold, time.Now())
	hold.Payload = Intent{Client: "a", Service: "b", StartsAt: hour(9), EndsAt: hour(10)}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		report, err := r.Reconcile(context.Background(), "device", []QueueItem{hold})
		assert.NoError(t, err)
		assert.Len(t, report.Confirmed, 1)
	}()
	<-exec.entered

	_, running := r.OldestRunning()
	assert.True(t, running)

	_, err := r.Reconcile(context.Background(), "device", []QueueItem{hold})
	assert.ErrorIs(t, err, ErrReconcileInProgress)

	// other devices are independent
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.Reconcile(context.Background(), "other", []QueueItem{hold})
		assert.NoError(t, err)
	}()
	<-exec.entered

	close(exec.release)
	wg.Wait()

	_, running = r.OldestRunning()
	assert.False(t, running)
}
