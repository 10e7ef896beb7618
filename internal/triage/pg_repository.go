package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// enqueueLockNamespace scopes the advisory lock taken per priority band while
// a queue entry is inserted, so created_at order matches commit order.
const enqueueLockNamespace int32 = 0x7472

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

// Helpers

const encounterColumns = `id, patient_id, registered_at, triaged_at, called_at, severity, note`

const queueColumns = `encounter_id, status, priority, created_at`

func scanEncounter(row pgx.Row) (*Encounter, error) {
	var e Encounter

	err := row.Scan(
		&e.ID,
		&e.PatientID,
		&e.RegisteredAt,
		&e.TriagedAt,
		&e.CalledAt,
		&e.Severity,
		&e.Note,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEncounterNotFound
		}
		return nil, err
	}

	return &e, nil
}

func scanQueueEntry(row pgx.Row) (*QueueEntry, error) {
	var q QueueEntry

	err := row.Scan(
		&q.EncounterID,
		&q.Status,
		&q.Priority,
		&q.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueEntryNotFound
		}
		return nil, err
	}

	return &q, nil
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func insertEvent(ctx context.Context, tx pgx.Tx, eventType string, encounterID uuid.UUID, payload map[string]any) error {
	var data []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		data = b
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO queue_events (event_type, encounter_id, payload, created_at)
		VALUES ($1, $2, $3, now())
	`, eventType, encounterID, data)
	if err != nil {
		return fmt.Errorf("insert queue event: %w", err)
	}
	return nil
}

func enqueueTx(ctx context.Context, tx pgx.Tx, encounterID uuid.UUID, severity Severity) (*QueueEntry, error) {
	priority := severity.Priority()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock($1::int4, $2::int4)`, enqueueLockNamespace, int32(priority),
	); err != nil {
		return nil, fmt.Errorf("lock priority band: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO queue_entries (encounter_id, status, priority, created_at)
		VALUES ($1, 'WAITING', $2, clock_timestamp())
		RETURNING `+queueColumns, encounterID, priority)

	entry, err := scanQueueEntry(row)
	if err != nil {
		switch pgErrorCode(err) {
		case pgUniqueViolation:
			return nil, ErrDuplicateQueueEntry
		case pgForeignKeyViolation:
			return nil, ErrEncounterNotFound
		}
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}

	return entry, nil
}

// Interface methods

func (r *PgRepository) CreateEncounter(ctx context.Context, in NewEncounter) (*Encounter, *QueueEntry, error) {
	var (
		enc   *Encounter
		entry *QueueEntry
	)

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO encounters (id, patient_id, registered_at, severity, note)
			VALUES ($1, $2, now(), $3, $4)
			RETURNING `+encounterColumns, uuid.New(), in.PatientID, string(in.Severity), in.Note)

		e, err := scanEncounter(row)
		if err != nil {
			if pgErrorCode(err) == pgForeignKeyViolation {
				return ErrPatientNotFound
			}
			return fmt.Errorf("insert encounter: %w", err)
		}

		q, err := enqueueTx(ctx, tx, e.ID, e.Severity)
		if err != nil {
			return err
		}

		if err := insertEvent(ctx, tx, EventRegistered, e.ID, map[string]any{
			"patient_id": in.PatientID.String(),
			"severity":   e.Severity,
			"priority":   q.Priority,
		}); err != nil {
			return err
		}

		enc, entry = e, q
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return enc, entry, nil
}

func (r *PgRepository) Enqueue(ctx context.Context, encounterID uuid.UUID, severity Severity) (*QueueEntry, error) {
	var entry *QueueEntry

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		q, err := enqueueTx(ctx, tx, encounterID, severity)
		if err != nil {
			return err
		}

		if err := insertEvent(ctx, tx, EventEnqueued, encounterID, map[string]any{
			"severity": severity,
			"priority": q.Priority,
		}); err != nil {
			return err
		}

		entry = q
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (r *PgRepository) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+encounterColumns+`
		FROM encounters
		WHERE id = $1
	`, id)
	return scanEncounter(row)
}

func (r *PgRepository) GetQueueEntry(ctx context.Context, encounterID uuid.UUID) (*QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queue_entries
		WHERE encounter_id = $1
	`, encounterID)
	return scanQueueEntry(row)
}

func (r *PgRepository) Retriage(ctx context.Context, id uuid.UUID, severity Severity, at time.Time) (*Encounter, *QueueEntry, error) {
	var (
		enc   *Encounter
		entry *QueueEntry
	)

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE encounters
			SET severity = $2,
			    triaged_at = $3
			WHERE id = $1
			RETURNING `+encounterColumns, id, string(severity), at)

		e, err := scanEncounter(row)
		if err != nil {
			if errors.Is(err, ErrEncounterNotFound) {
				return err
			}
			return fmt.Errorf("update severity: %w", err)
		}

		row = tx.QueryRow(ctx, `
			UPDATE queue_entries
			SET priority = $2
			WHERE encounter_id = $1
			RETURNING `+queueColumns, id, severity.Priority())

		q, err := scanQueueEntry(row)
		if err != nil && !errors.Is(err, ErrQueueEntryNotFound) {
			return fmt.Errorf("update priority: %w", err)
		}

		if err := insertEvent(ctx, tx, EventRetriaged, id, map[string]any{
			"severity": severity,
			"priority": severity.Priority(),
		}); err != nil {
			return err
		}

		enc, entry = e, q
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return enc, entry, nil
}

func (r *PgRepository) Call(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	called := false

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = 'CALLED'
			WHERE encounter_id = $1
			  AND status = 'WAITING'
		`, id)
		if err != nil {
			return fmt.Errorf("call queue entry: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return encounterMustExist(ctx, tx, id)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE encounters
			SET called_at = $2
			WHERE id = $1
		`, id, at); err != nil {
			return fmt.Errorf("set called_at: %w", err)
		}

		if err := insertEvent(ctx, tx, EventCalled, id, nil); err != nil {
			return err
		}

		called = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return called, nil
}

func (r *PgRepository) Close(ctx context.Context, id uuid.UUID, status QueueStatus) (bool, error) {
	closed := false

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = $2
			WHERE encounter_id = $1
			  AND status IN ('WAITING', 'CALLED')
		`, id, string(status))
		if err != nil {
			return fmt.Errorf("close queue entry: %w", err)
		}

		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM queue_entries WHERE encounter_id = $1)`, id,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check queue entry: %w", err)
			}
			if !exists {
				if err := encounterMustExist(ctx, tx, id); err != nil {
					return err
				}
				return ErrQueueEntryNotFound
			}
			return nil
		}

		if err := insertEvent(ctx, tx, EventClosed, id, map[string]any{"status": status}); err != nil {
			return err
		}

		closed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return closed, nil
}

func encounterMustExist(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM encounters WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check encounter: %w", err)
	}
	if !exists {
		return ErrEncounterNotFound
	}
	return nil
}

func (r *PgRepository) ListWaiting(ctx context.Context, limit int) ([]WaitingEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT q.encounter_id, q.status, q.priority, q.created_at,
		       e.id, e.patient_id, e.registered_at, e.triaged_at, e.called_at, e.severity, e.note,
		       p.first_name || ' ' || p.last_name
		FROM queue_entries q
		JOIN encounters e ON e.id = q.encounter_id
		JOIN patients p ON p.id = e.patient_id
		WHERE q.status = 'WAITING'
		ORDER BY q.priority, q.created_at, q.encounter_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WaitingEntry
	for rows.Next() {
		var w WaitingEntry
		if err := rows.Scan(
			&w.Entry.EncounterID,
			&w.Entry.Status,
			&w.Entry.Priority,
			&w.Entry.CreatedAt,
			&w.Encounter.ID,
			&w.Encounter.PatientID,
			&w.Encounter.RegisteredAt,
			&w.Encounter.TriagedAt,
			&w.Encounter.CalledAt,
			&w.Encounter.Severity,
			&w.Encounter.Note,
			&w.PatientName,
		); err != nil {
			return nil, err
		}
		result = append(result, w)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CountByStatus(ctx context.Context) (Counts, error) {
	var c Counts

	err := r.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'WAITING'),
			count(*) FILTER (WHERE status = 'CALLED'),
			count(*) FILTER (WHERE status = 'WAITING' AND priority = 1),
			count(*) FILTER (WHERE status = 'WAITING' AND priority = 2),
			count(*) FILTER (WHERE status = 'WAITING' AND priority = 3)
		FROM queue_entries
	`).Scan(&c.Waiting, &c.Called, &c.Red, &c.Yellow, &c.Green)
	if err != nil {
		return Counts{}, fmt.Errorf("count queue entries: %w", err)
	}

	return c, nil
}
