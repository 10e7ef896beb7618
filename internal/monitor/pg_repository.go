package monitor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/triage-telemetry/internal/telemetry"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

var readOnlySnapshot = pgx.TxOptions{
	IsoLevel:   pgx.RepeatableRead,
	AccessMode: pgx.ReadOnly,
}

// States runs the three grouped lookups inside one read-only repeatable-read
// transaction so a response never mixes two points in time.
func (r *PgRepository) States(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]EncounterState, error) {
	out := make(map[uuid.UUID]EncounterState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	err := pgx.BeginTxFunc(ctx, r.pool, readOnlySnapshot, func(tx pgx.Tx) error {
		if err := loadSnapshots(ctx, tx, ids, out); err != nil {
			return err
		}
		if err := loadLastSamples(ctx, tx, ids, out); err != nil {
			return err
		}
		return loadLastFixes(ctx, tx, ids, out)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func loadSnapshots(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, out map[uuid.UUID]EncounterState) error {
	rows, err := tx.Query(ctx, `
		SELECT encounter_id, heart_rate, o2sat, body_temp, resp_rate, systolic, diastolic
		FROM latest_snapshots
		WHERE encounter_id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id uuid.UUID
			v  telemetry.Vitals
		)
		if err := rows.Scan(&id, &v.HeartRate, &v.O2Sat, &v.BodyTemp, &v.RespRate, &v.Systolic, &v.Diastolic); err != nil {
			return err
		}
		st := out[id]
		st.Snapshot = v
		out[id] = st
	}

	return rows.Err()
}

func loadLastSamples(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, out map[uuid.UUID]EncounterState) error {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT ON (encounter_id)
		       encounter_id, id, device_id, captured_at,
		       heart_rate, o2sat, body_temp, resp_rate, systolic, diastolic
		FROM samples
		WHERE encounter_id = ANY($1)
		ORDER BY encounter_id, captured_at DESC, id DESC
	`, ids)
	if err != nil {
		return fmt.Errorf("query last samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id uuid.UUID
			ls LastSample
		)
		if err := rows.Scan(
			&id, &ls.SampleID, &ls.DeviceID, &ls.CapturedAt,
			&ls.Vitals.HeartRate, &ls.Vitals.O2Sat, &ls.Vitals.BodyTemp,
			&ls.Vitals.RespRate, &ls.Vitals.Systolic, &ls.Vitals.Diastolic,
		); err != nil {
			return err
		}
		st := out[id]
		st.LastSample = &ls
		out[id] = st
	}

	return rows.Err()
}

func loadLastFixes(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, out map[uuid.UUID]EncounterState) error {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT ON (encounter_id)
		       encounter_id, lat, lng, captured_at
		FROM samples
		WHERE encounter_id = ANY($1)
		  AND lat IS NOT NULL
		  AND lng IS NOT NULL
		ORDER BY encounter_id, captured_at DESC, id DESC
	`, ids)
	if err != nil {
		return fmt.Errorf("query last positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  uuid.UUID
			fix PositionFix
		)
		if err := rows.Scan(&id, &fix.Position.Lat, &fix.Position.Lng, &fix.ObservedAt); err != nil {
			return err
		}
		st := out[id]
		st.LastFix = &fix
		out[id] = st
	}

	return rows.Err()
}

func (r *PgRepository) History(ctx context.Context, encounterID uuid.UUID, limit int) ([]telemetry.Sample, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, encounter_id, device_id, captured_at, received_at,
		       heart_rate, o2sat, body_temp, resp_rate, systolic, diastolic,
		       lat, lng
		FROM samples
		WHERE encounter_id = $1
		ORDER BY captured_at DESC, id DESC
		LIMIT $2
	`, encounterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.Sample
	for rows.Next() {
		var (
			s        telemetry.Sample
			lat, lng *float64
		)
		if err := rows.Scan(
			&s.ID, &s.EncounterID, &s.DeviceID, &s.CapturedAt, &s.ReceivedAt,
			&s.Vitals.HeartRate, &s.Vitals.O2Sat, &s.Vitals.BodyTemp,
			&s.Vitals.RespRate, &s.Vitals.Systolic, &s.Vitals.Diastolic,
			&lat, &lng,
		); err != nil {
			return nil, err
		}
		if lat != nil && lng != nil {
			s.Position = &telemetry.Position{Lat: *lat, Lng: *lng}
		}
		result = append(result, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// SparkRows keeps a row when it is among the newest n non-null heart rates or
// the newest n non-null saturations of its encounter. count(col) over the
// newest-first window counts only non-null values.
func (r *PgRepository) SparkRows(ctx context.Context, ids []uuid.UUID, n int) ([]SparkRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT encounter_id, heart_rate, o2sat
		FROM (
			SELECT encounter_id, id, captured_at, heart_rate, o2sat,
			       count(heart_rate) OVER w AS hr_n,
			       count(o2sat) OVER w AS o2_n
			FROM samples
			WHERE encounter_id = ANY($1)
			  AND (heart_rate IS NOT NULL OR o2sat IS NOT NULL)
			WINDOW w AS (
				PARTITION BY encounter_id
				ORDER BY captured_at DESC, id DESC
				ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW
			)
		) ranked
		WHERE (heart_rate IS NOT NULL AND hr_n <= $2)
		   OR (o2sat IS NOT NULL AND o2_n <= $2)
		ORDER BY encounter_id, captured_at DESC, id DESC
	`, ids, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SparkRow
	for rows.Next() {
		var sr SparkRow
		if err := rows.Scan(&sr.EncounterID, &sr.HeartRate, &sr.O2Sat); err != nil {
			return nil, err
		}
		result = append(result, sr)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Positioned lists active encounters that have reported a position, most
// recently located first.
func (r *PgRepository) Positioned(ctx context.Context, limit int) ([]MapEntry, error) {
	rows, err := r.pool.Query(ctx, `
		WITH fixes AS (
			SELECT DISTINCT ON (encounter_id)
			       encounter_id, lat, lng, captured_at
			FROM samples
			WHERE lat IS NOT NULL AND lng IS NOT NULL
			ORDER BY encounter_id, captured_at DESC, id DESC
		),
		last_seen AS (
			SELECT encounter_id, max(captured_at) AS captured_at
			FROM samples
			GROUP BY encounter_id
		)
		SELECT e.id, p.first_name || ' ' || p.last_name, e.severity,
		       f.lat, f.lng, f.captured_at, ls.captured_at
		FROM fixes f
		JOIN encounters e ON e.id = f.encounter_id
		JOIN patients p ON p.id = e.patient_id
		JOIN queue_entries q ON q.encounter_id = e.id
		LEFT JOIN last_seen ls ON ls.encounter_id = e.id
		WHERE q.status IN ('WAITING', 'CALLED')
		ORDER BY f.captured_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []MapEntry
	for rows.Next() {
		var m MapEntry
		if err := rows.Scan(
			&m.EncounterID, &m.PatientName, &m.Severity,
			&m.Position.Lat, &m.Position.Lng, &m.ObservedAt, &m.LastSampleAt,
		); err != nil {
			return nil, err
		}
		result = append(result, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
