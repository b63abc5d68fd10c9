package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/appointment-ledger/internal/idempotency"
)

const pgUniqueViolation = "23505"

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Helpers

const appointmentColumns = `id, client, service, starts_at, ends_at, status, notes, version, created_at, updated_at, deleted_at`

const eventColumns = `id, seq, appointment_id, version, event_type, actor_type, reason, payload,
	undone_event_id, superseded_by_event_id, created_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var deletedAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.Client,
		&a.Service,
		&a.StartsAt,
		&a.EndsAt,
		&a.Status,
		&a.Notes,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.StartsAt = a.StartsAt.UTC()
	a.EndsAt = a.EndsAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if deletedAt != nil {
		t := deletedAt.UTC()
		a.DeletedAt = &t
	}
	return &a, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event

	err := row.Scan(
		&e.ID,
		&e.Seq,
		&e.AppointmentID,
		&e.Version,
		&e.EventType,
		&e.ActorType,
		&e.Reason,
		&e.Payload,
		&e.UndoneEventID,
		&e.SupersededByEventID,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}

	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()

	var result []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func getAppointment(ctx context.Context, q querier, id uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// Store methods

func (s *PgStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(ctx, &pgTxStore{tx: pgTx}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, s.pool, id)
}

func (s *PgStore) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM appointment_events
		WHERE appointment_id = $1
		ORDER BY version ASC
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

func (s *PgStore) ListEventsAfter(ctx context.Context, seq int64, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM appointment_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events after %d: %w", seq, err)
	}
	return collectEvents(rows)
}

func (s *PgStore) GetRelayCursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM relay_cursors WHERE name = $1`, name).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get relay cursor: %w", err)
	}
	return seq, nil
}

func (s *PgStore) SaveRelayCursor(ctx context.Context, name string, seq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_cursors (name, seq, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET seq = EXCLUDED.seq, updated_at = now()
		WHERE relay_cursors.seq < EXCLUDED.seq
	`, name, seq)
	if err != nil {
		return fmt.Errorf("save relay cursor: %w", err)
	}
	return nil
}

func (s *PgStore) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// VerifyEventLog returns appointments whose event count or latest event
// version disagrees with the snapshot version.
func (s *PgStore) VerifyEventLog(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id
		FROM appointments a
		LEFT JOIN (
			SELECT appointment_id, count(*) AS n, max(version) AS v
			FROM appointment_events
			GROUP BY appointment_id
		) e ON e.appointment_id = a.id
		WHERE COALESCE(e.n, 0) <> a.version
		   OR COALESCE(e.v, 0) <> a.version
		LIMIT 100
	`)
	if err != nil {
		return nil, fmt.Errorf("verify event log: %w", err)
	}
	defer rows.Close()

	var broken []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		broken = append(broken, id)
	}
	return broken, rows.Err()
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Transaction methods

type pgTxStore struct {
	tx pgx.Tx
}

func (t *pgTxStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (t *pgTxStore) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.Client, a.Service, a.StartsAt, a.EndsAt, a.Status, a.Notes, a.Version,
		a.CreatedAt, a.UpdatedAt, a.DeletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAppointmentExists
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (t *pgTxStore) UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET starts_at = $2,
		    ends_at = $3,
		    status = $4,
		    notes = $5,
		    version = $6,
		    updated_at = $7,
		    deleted_at = $8
		WHERE id = $1
		  AND version = $9
	`, a.ID, a.StartsAt, a.EndsAt, a.Status, a.Notes, a.Version, a.UpdatedAt, a.DeletedAt, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update appointment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTxStore) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM appointment_events
		WHERE id = $1
	`, id)
	return scanEvent(row)
}

// eventSeqLock serializes seq allocation so seqs become visible in commit order.
const eventSeqLock int64 = 0x61707074

func (t *pgTxStore) InsertEvent(ctx context.Context, ev *Event) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, eventSeqLock); err != nil {
		return fmt.Errorf("lock event seq: %w", err)
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO appointment_events
			(id, appointment_id, version, event_type, actor_type, reason, payload, undone_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`, ev.ID, ev.AppointmentID, ev.Version, ev.EventType, ev.ActorType, ev.Reason,
		[]byte(ev.Payload), ev.UndoneEventID, ev.CreatedAt).Scan(&ev.Seq)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *pgTxStore) MarkSuperseded(ctx context.Context, eventID, byEventID uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointment_events
		SET superseded_by_event_id = $2
		WHERE id = $1
		  AND superseded_by_event_id IS NULL
	`, eventID, byEventID)
	if err != nil {
		return false, fmt.Errorf("mark event superseded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTxStore) GetIdempotency(ctx context.Context, key, operation string) (*idempotency.Record, error) {
	var rec idempotency.Record
	err := t.tx.QueryRow(ctx, `
		SELECT key, operation_identity, payload_fingerprint, stored_result, created_at, expires_at
		FROM idempotency_records
		WHERE key = $1 AND operation_identity = $2
	`, key, operation).Scan(
		&rec.Key,
		&rec.OperationIdentity,
		&rec.PayloadFingerprint,
		&rec.StoredResult,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *pgTxStore) PutIdempotency(ctx context.Context, rec idempotency.Record) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO idempotency_records
			(key, operation_identity, payload_fingerprint, stored_result, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key, operation_identity) DO UPDATE
		SET payload_fingerprint = EXCLUDED.payload_fingerprint,
		    stored_result = EXCLUDED.stored_result,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at
	`, rec.Key, rec.OperationIdentity, rec.PayloadFingerprint, rec.StoredResult, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrConflict
	}
	return nil
}
