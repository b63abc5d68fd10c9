package appointment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-ledger/internal/idempotency"
)

// MemoryStore is a Store kept in process memory. Transactions are serialized
// by a single mutex and staged until commit, so a failed transaction leaves no
// trace. It backs tests and the local development mode.
type MemoryStore struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]Appointment
	events       map[uuid.UUID]Event
	order        []uuid.UUID // event ids by seq
	ledger       map[ledgerKey]idempotency.Record
	cursors      map[string]int64
	seq          int64

	// FailCommit, when set, is consulted before a transaction commits. A
	// non-nil return aborts the commit.
	FailCommit func() error
}

type ledgerKey struct {
	key       string
	operation string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appointments: make(map[uuid.UUID]Appointment),
		events:       make(map[uuid.UUID]Event),
		ledger:       make(map[ledgerKey]idempotency.Record),
		cursors:      make(map[string]int64),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:        s,
		appointments: make(map[uuid.UUID]Appointment),
		events:       make(map[uuid.UUID]Event),
		ledger:       make(map[ledgerKey]idempotency.Record),
		seq:          s.seq,
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if s.FailCommit != nil {
		if err := s.FailCommit(); err != nil {
			return err
		}
	}

	for id, a := range tx.appointments {
		s.appointments[id] = a
	}
	for _, id := range tx.newEvents {
		s.order = append(s.order, id)
	}
	for id, e := range tx.events {
		s.events[id] = e
	}
	for k, r := range tx.ledger {
		s.ledger[k] = r
	}
	s.seq = tx.seq
	return nil
}

func (s *MemoryStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Event
	for _, id := range s.order {
		e := s.events[id]
		if e.AppointmentID == appointmentID {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result, nil
}

func (s *MemoryStore) ListEventsAfter(ctx context.Context, seq int64, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Event
	for _, id := range s.order {
		e := s.events[id]
		if e.Seq <= seq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) GetRelayCursor(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[name], nil
}

func (s *MemoryStore) SaveRelayCursor(ctx context.Context, name string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursors[name] {
		s.cursors[name] = seq
	}
	return nil
}

func (s *MemoryStore) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, r := range s.ledger {
		if r.Expired(now) {
			delete(s.ledger, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) VerifyEventLog(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[uuid.UUID]int)
	latest := make(map[uuid.UUID]int)
	for _, e := range s.events {
		counts[e.AppointmentID]++
		if e.Version > latest[e.AppointmentID] {
			latest[e.AppointmentID] = e.Version
		}
	}

	var broken []uuid.UUID
	for id, a := range s.appointments {
		if counts[id] != a.Version || latest[id] != a.Version {
			broken = append(broken, id)
		}
	}
	sort.Slice(broken, func(i, j int) bool { return broken[i].String() < broken[j].String() })
	return broken, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// EventCount returns the number of stored events for an appointment.
func (s *MemoryStore) EventCount(appointmentID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.events {
		if e.AppointmentID == appointmentID {
			n++
		}
	}
	return n
}

type memTx struct {
	store        *MemoryStore
	appointments map[uuid.UUID]Appointment
	events       map[uuid.UUID]Event
	newEvents    []uuid.UUID
	ledger       map[ledgerKey]idempotency.Record
	seq          int64
}

func (t *memTx) lookupAppointment(id uuid.UUID) (Appointment, bool) {
	if a, ok := t.appointments[id]; ok {
		return a, true
	}
	a, ok := t.store.appointments[id]
	return a, ok
}

func (t *memTx) lookupEvent(id uuid.UUID) (Event, bool) {
	if e, ok := t.events[id]; ok {
		return e, true
	}
	e, ok := t.store.events[id]
	return e, ok
}

func (t *memTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.lookupAppointment(id)
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (t *memTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	if _, ok := t.lookupAppointment(a.ID); ok {
		return ErrAppointmentExists
	}
	t.appointments[a.ID] = *a
	return nil
}

func (t *memTx) UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int) (bool, error) {
	cur, ok := t.lookupAppointment(a.ID)
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	t.appointments[a.ID] = *a
	return true, nil
}

func (t *memTx) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, ok := t.lookupEvent(id)
	if !ok {
		return nil, ErrEventNotFound
	}
	return &e, nil
}

func (t *memTx) InsertEvent(ctx context.Context, ev *Event) error {
	if _, ok := t.lookupEvent(ev.ID); ok {
		return errors.New("insert event: duplicate id")
	}
	if _, ok := t.lookupAppointment(ev.AppointmentID); !ok {
		return errors.New("insert event: appointment does not exist")
	}
	for _, e := range t.store.events {
		if e.AppointmentID == ev.AppointmentID && (e.Version == ev.Version ||
			(e.CreatedAt.Equal(ev.CreatedAt) && e.EventType == ev.EventType)) {
			return errors.New("insert event: duplicate audit row")
		}
	}
	t.seq++
	ev.Seq = t.seq
	t.events[ev.ID] = *ev
	t.newEvents = append(t.newEvents, ev.ID)
	return nil
}

func (t *memTx) MarkSuperseded(ctx context.Context, eventID, byEventID uuid.UUID) (bool, error) {
	e, ok := t.lookupEvent(eventID)
	if !ok || e.SupersededByEventID != nil {
		return false, nil
	}
	by := byEventID
	e.SupersededByEventID = &by
	t.events[eventID] = e
	return true, nil
}

func (t *memTx) GetIdempotency(ctx context.Context, key, operation string) (*idempotency.Record, error) {
	k := ledgerKey{key: key, operation: operation}
	if r, ok := t.ledger[k]; ok {
		return &r, nil
	}
	if r, ok := t.store.ledger[k]; ok {
		return &r, nil
	}
	return nil, nil
}

func (t *memTx) PutIdempotency(ctx context.Context, rec idempotency.Record) error {
	k := ledgerKey{key: rec.Key, operation: rec.OperationIdentity}
	existing, ok := t.ledger[k]
	if !ok {
		existing, ok = t.store.ledger[k]
	}
	if ok && !existing.Expired(rec.CreatedAt) {
		return idempotency.ErrConflict
	}
	t.ledger[k] = rec
	return nil
}
