package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-ledger/internal/idempotency"
	"github.com/hackgods/appointment-ledger/internal/mode"
)

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc   *Service
	store *MemoryStore
	gate  *mode.Gate
	clock *stepClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	gate := mode.NewGate()
	clock := &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), step: time.Second}
	svc := NewService(store, idempotency.NewLedger(time.Hour), gate, zap.NewNop(), WithClock(clock))
	return &fixture{svc: svc, store: store, gate: gate, clock: clock}
}

func at(hour int) time.Time {
	return time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC)
}

func (f *fixture) create(t *testing.T, key string) *Appointment {
	t.Helper()
	res, err := f.svc.CreateAppointment(context.Background(), key, CreateInput{
		Client:   "Ada Lovelace",
		Service:  "consultation",
		StartsAt: at(10),
		EndsAt:   at(11),
	})
	require.NoError(t, err)
	return res.Appointment
}

func requireKind(t *testing.T, err error, target *Error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, target), "expected %s, got %v", target.Kind, err)
}

func TestScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, "K1")
	assert.Equal(t, 1, a.Version)
	events, err := f.svc.ListEvents(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventCreated, events[0].EventType)

	res, err := f.svc.RescheduleAppointment(ctx, "K2", a.ID, 1, Window{StartsAt: at(11), EndsAt: at(12)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Appointment.Version)
	assert.Equal(t, EventRescheduled, res.Event.EventType)
	assert.False(t, res.Replayed)

	retry, err := f.svc.RescheduleAppointment(ctx, "K2", a.ID, 1, Window{StartsAt: at(11), EndsAt: at(12)}, nil)
	require.NoError(t, err)
	assert.True(t, retry.Replayed)
	assert.Equal(t, res.Appointment, retry.Appointment)
	assert.Equal(t, res.Event.ID, retry.Event.ID)
	assert.Equal(t, 2, f.store.EventCount(a.ID))

	_, err = f.svc.CancelAppointment(ctx, "K3", a.ID, 1, nil)
	requireKind(t, err, ErrVersionConflict)
	cur, err := f.svc.GetAppointment(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)

	cancelled, err := f.svc.CancelAppointment(ctx, "K4", a.ID, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, cancelled.Appointment.Version)
	assert.Equal(t, StatusCancelled, cancelled.Appointment.Status)

	undo, err := f.svc.UndoEvent(ctx, "K5", a.ID, cancelled.Event.ID, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, undo.Appointment.Version)
	assert.Equal(t, StatusBooked, undo.Appointment.Status)
	assert.Equal(t, EventUndoApplied, undo.Event.EventType)
	require.NotNil(t, undo.Event.UndoneEventID)
	assert.Equal(t, cancelled.Event.ID, *undo.Event.UndoneEventID)

	payload, err := undo.Event.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, EventCancelled, payload.Compensates)

	events, err = f.svc.ListEvents(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.NotNil(t, events[2].SupersededByEventID)
	assert.Equal(t, undo.Event.ID, *events[2].SupersededByEventID)

	_, err = f.svc.UndoEvent(ctx, "K6", a.ID, cancelled.Event.ID, 3, nil)
	requireKind(t, err, ErrAlreadyUndone)
	e, ok := AsError(err)
	require.True(t, ok)
	require.NotNil(t, e.Current)
	assert.Equal(t, 4, e.Current.Version)
	_, err = f.svc.UndoEvent(ctx, "K7", a.ID, cancelled.Event.ID, 4, nil)
	requireKind(t, err, ErrAlreadyUndone)

	cur, err = f.svc.GetAppointment(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 4, cur.Version)
	assert.Equal(t, 4, f.store.EventCount(a.ID))

	broken, err := f.store.VerifyEventLog(ctx)
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestConcurrentReschedulesOneWinner(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "create")

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.RescheduleAppointment(context.Background(), fmt.Sprintf("r-%d", i), a.ID, 1,
				Window{StartsAt: at(12 + i%4), EndsAt: at(13 + i%4)}, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	cur, err := f.svc.GetAppointment(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)
	assert.Equal(t, 2, f.store.EventCount(a.ID))
}

func TestConcurrentSameKeyReplays(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "create")

	const n = 8
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.CancelAppointment(context.Background(), "same", a.ID, 1, nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	replayed := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, 2, r.Appointment.Version)
		if r.Replayed {
			replayed++
		}
	}
	assert.Equal(t, n-1, replayed)
	assert.Equal(t, 2, f.store.EventCount(a.ID))
}

func TestKeyReusedWithDifferentPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "create")

	_, err := f.svc.RescheduleAppointment(ctx, "k", a.ID, 1, Window{StartsAt: at(12), EndsAt: at(13)}, nil)
	require.NoError(t, err)

	_, err = f.svc.RescheduleAppointment(ctx, "k", a.ID, 1, Window{StartsAt: at(14), EndsAt: at(15)}, nil)
	requireKind(t, err, ErrIdempotencyKeyReused)
	assert.False(t, Retryable(err))
	assert.Equal(t, 2, f.store.EventCount(a.ID))
}

func TestCreateReplayAfterLedgerExpiryDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "create")

	f.clock.Advance(2 * time.Hour)
	purged, err := f.store.PurgeExpiredIdempotency(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = f.svc.CreateAppointment(ctx, "create", CreateInput{
		Client: "Ada Lovelace", Service: "consultation", StartsAt: at(10), EndsAt: at(11),
	})
	requireKind(t, err, ErrVersionConflict)
	assert.Equal(t, 1, f.store.EventCount(a.ID))
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
		in   CreateInput
		code string
	}{
		{
			name: "missing key",
			in:   CreateInput{Client: "a", Service: "b", StartsAt: at(10), EndsAt: at(11)},
			code: "idempotency_key_required",
		},
		{
			name: "missing client",
			key:  "k1",
			in:   CreateInput{Service: "b", StartsAt: at(10), EndsAt: at(11)},
			code: "invalid_input",
		},
		{
			name: "inverted window",
			key:  "k2",
			in:   CreateInput{Client: "a", Service: "b", StartsAt: at(11), EndsAt: at(10)},
			code: "invalid_window",
		},
		{
			name: "empty window",
			key:  "k3",
			in:   CreateInput{Client: "a", Service: "b", StartsAt: at(10), EndsAt: at(10)},
			code: "invalid_window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateAppointment(ctx, tt.key, tt.in)
			requireKind(t, err, ErrValidation)
			e, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, e.Code)
		})
	}

	a := f.create(t, "ok")
	_, err := f.svc.RescheduleAppointment(ctx, "bad", a.ID, 0, Window{StartsAt: at(12), EndsAt: at(13)}, nil)
	requireKind(t, err, ErrValidation)
	_, err = f.svc.CancelAppointment(ctx, "missing", uuid.New(), 1, nil)
	requireKind(t, err, ErrValidation)
	_, err = f.svc.UncancelAppointment(ctx, "uncancel", a.ID, 1, nil)
	requireKind(t, err, ErrValidation)
	assert.Equal(t, 1, f.store.EventCount(a.ID))
}

func TestValidationPrecedesVersionAndMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "create")
	_, err := f.svc.CancelAppointment(ctx, "cancel", a.ID, 1, nil)
	require.NoError(t, err)

	// every request below carries the stale version 1
	tests := []struct {
		name string
		call func() error
		code string
	}{
		{
			name: "inverted window",
			call: func() error {
				_, err := f.svc.RescheduleAppointment(ctx, "r1", a.ID, 1, Window{StartsAt: at(13), EndsAt: at(12)}, nil)
				return err
			},
			code: "invalid_window",
		},
		{
			name: "zero window",
			call: func() error {
				_, err := f.svc.RescheduleAppointment(ctx, "r2", a.ID, 1, Window{}, nil)
				return err
			},
			code: "invalid_input",
		},
		{
			name: "notes too long",
			call: func() error {
				_, err := f.svc.UpdateNotes(ctx, "n1", a.ID, 1, strings.Repeat("x", 4001), nil)
				return err
			},
			code: "invalid_input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			requireKind(t, err, ErrValidation)
			e, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, e.Code)
		})
	}

	f.gate.Publish([]mode.Check{{Name: "postgres", Status: mode.CheckFailed}}, time.Now())
	_, err = f.svc.RescheduleAppointment(ctx, "r3", a.ID, 2, Window{StartsAt: at(13), EndsAt: at(12)}, nil)
	requireKind(t, err, ErrValidation)

	assert.Equal(t, 2, f.store.EventCount(a.ID))
}

func TestModeGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "create")

	f.gate.Publish([]mode.Check{{Name: "postgres", Status: mode.CheckFailed}}, time.Now())
	_, err := f.svc.CancelAppointment(ctx, "c1", a.ID, 1, nil)
	requireKind(t, err, ErrSystemUnsafe)
	assert.True(t, Retryable(err))
	_, err = f.svc.CreateAppointment(ctx, "c2", CreateInput{Client: "a", Service: "b", StartsAt: at(10), EndsAt: at(11)})
	requireKind(t, err, ErrSystemUnsafe)

	// reads stay available
	_, err = f.svc.GetAppointment(ctx, a.ID, false)
	require.NoError(t, err)
	_, err = f.svc.ListEvents(ctx, a.ID)
	require.NoError(t, err)

	f.gate.Publish([]mode.Check{{Name: "redis", Status: mode.CheckDegraded}}, time.Now())
	res, err := f.svc.CancelAppointment(ctx, "c1", a.ID, 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	f.gate.Publish(nil, time.Now())
	res, err = f.svc.UncancelAppointment(ctx, "u1", a.ID, 2, nil)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
}

func TestFailedCommitHasNoEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "create")

	f.store.FailCommit = func() error { return errors.New("connection reset") }
	_, err := f.svc.RescheduleAppointment(ctx, "r", a.ID, 1, Window{StartsAt: at(12), EndsAt: at(13)}, nil)
	requireKind(t, err, ErrTransactionFailed)
	assert.True(t, Retryable(err))

	cur, err := f.svc.GetAppointment(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version)
	assert.True(t, cur.StartsAt.Equal(at(10)))
	assert.Equal(t, 1, f.store.EventCount(a.ID))

	f.store.FailCommit = nil
	res, err := f.svc.RescheduleAppointment(ctx, "r", a.ID, 1, Window{StartsAt: at(12), EndsAt: at(13)}, nil)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, res.Appointment.Version)
}

func TestUndoOfUndo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "create")

	moved, err := f.svc.RescheduleAppointment(ctx, "r", a.ID, 1, Window{StartsAt: at(13), EndsAt: at(14)}, nil)
	require.NoError(t, err)
	afterMove := moved.Appointment.Fields()

	undo, err := f.svc.UndoEvent(ctx, "u1", a.ID, moved.Event.ID, 2, nil)
	require.NoError(t, err)
	assert.True(t, undo.Appointment.StartsAt.Equal(at(10)))

	redo, err := f.svc.UndoEvent(ctx, "u2", a.ID, undo.Event.ID, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, redo.Appointment.Version)
	assert.True(t, redo.Appointment.Fields().Equal(afterMove))
	assert.Equal(t, moved.Appointment.Version+2, redo.Appointment.Version)

	payload, err := redo.Event.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, EventUndoApplied, payload.Compensates)
}

func TestUndoLeavesUnrelatedFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "create")

	moved, err := f.svc.RescheduleAppointment(ctx, "r", a.ID, 1, Window{StartsAt: at(13), EndsAt: at(14)}, nil)
	require.NoError(t, err)
	_, err = f.svc.UpdateNotes(ctx, "n", a.ID, 2, "bring forms", nil)
	require.NoError(t, err)

	res, err := f.svc.UndoEvent(ctx, "u", a.ID, moved.Event.ID, 3, nil)
	require.NoError(t, err)
	assert.True(t, res.Appointment.StartsAt.Equal(at(10)))
	assert.Equal(t, "bring forms", res.Appointment.Notes)
}

func TestUndoCreatedSoftDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "create")

	events, err := f.svc.ListEvents(ctx, a.ID)
	require.NoError(t, err)

	res, err := f.svc.UndoEvent(ctx, "u", a.ID, events[0].ID, 1, nil)
	require.NoError(t, err)
	assert.NotNil(t, res.Appointment.DeletedAt)

	_, err = f.svc.GetAppointment(ctx, a.ID, false)
	requireKind(t, err, ErrValidation)
	got, err := f.svc.GetAppointment(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	_, err = f.svc.CancelAppointment(ctx, "c", a.ID, 2, nil)
	requireKind(t, err, ErrValidation)

	restored, err := f.svc.RestoreAppointment(ctx, "restore", a.ID, 2, nil)
	require.NoError(t, err)
	assert.Nil(t, restored.Appointment.DeletedAt)
	assert.Equal(t, 3, restored.Appointment.Version)
}

func TestDeleteAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "create")

	del, err := f.svc.DeleteAppointment(ctx, "d", a.ID, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, EventSoftDeleted, del.Event.EventType)

	_, err = f.svc.RestoreAppointment(ctx, "r0", a.ID, 1, nil)
	requireKind(t, err, ErrVersionConflict)

	res, err := f.svc.RestoreAppointment(ctx, "r1", a.ID, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, EventRestored, res.Event.EventType)

	_, err = f.svc.RestoreAppointment(ctx, "r2", a.ID, 3, nil)
	requireKind(t, err, ErrValidation)

	events, err := f.svc.ListEvents(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Version)
	}
}

func TestActorFromContext(t *testing.T) {
	f := newFixture(t)
	ctx := WithActor(context.Background(), ActorSystem)

	res, err := f.svc.CreateAppointment(ctx, "sys", CreateInput{Client: "a", Service: "b", StartsAt: at(10), EndsAt: at(11)})
	require.NoError(t, err)
	assert.Equal(t, ActorSystem, res.Event.ActorType)

	res, err = f.svc.CancelAppointment(context.Background(), "own", res.Appointment.ID, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, ActorOwner, res.Event.ActorType)
}

func TestCompensate(t *testing.T) {
	before := Fields{StartsAt: at(10), EndsAt: at(11), Status: StatusBooked, Notes: "x"}
	after := before
	after.Status = StatusCancelled

	ev, err := newEvent(&Appointment{ID: uuid.New(), Version: 2}, EventCancelled, ActorOwner, nil,
		EventPayload{Before: &before, After: after}, nil, at(9))
	require.NoError(t, err)

	cur := after
	cur.Notes = "changed later"
	next, err := compensate(ev, cur)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, next.Status)
	assert.Equal(t, "changed later", next.Notes)
}
