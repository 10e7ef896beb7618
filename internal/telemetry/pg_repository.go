package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

const snapshotColumns = `encounter_id,
	heart_rate, heart_rate_at, heart_rate_seq,
	o2sat, o2sat_at, o2sat_seq,
	body_temp, body_temp_at, body_temp_seq,
	resp_rate, resp_rate_at, resp_rate_seq,
	systolic, systolic_at, systolic_seq,
	diastolic, diastolic_at, diastolic_seq,
	updated_at`

// nullableVersion carries the two version columns of a snapshot field.
type nullableVersion struct {
	At  *time.Time
	Seq *int64
}

func (n nullableVersion) version() Version {
	var v Version
	if n.At != nil {
		v.At = *n.At
	}
	if n.Seq != nil {
		v.Seq = *n.Seq
	}
	return v
}

func versionArgs(v Version, present bool) (*time.Time, *int64) {
	if !present {
		return nil, nil
	}
	at, seq := v.At, v.Seq
	return &at, &seq
}

func scanSnapshot(row pgx.Row) (*Snapshot, error) {
	var (
		s                        Snapshot
		hr, o2, bt, rr, sys, dia nullableVersion
	)

	err := row.Scan(
		&s.EncounterID,
		&s.HeartRate.Value, &hr.At, &hr.Seq,
		&s.O2Sat.Value, &o2.At, &o2.Seq,
		&s.BodyTemp.Value, &bt.At, &bt.Seq,
		&s.RespRate.Value, &rr.At, &rr.Seq,
		&s.Systolic.Value, &sys.At, &sys.Seq,
		&s.Diastolic.Value, &dia.At, &dia.Seq,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.HeartRate.Version = hr.version()
	s.O2Sat.Version = o2.version()
	s.BodyTemp.Version = bt.version()
	s.RespRate.Version = rr.version()
	s.Systolic.Version = sys.version()
	s.Diastolic.Version = dia.version()

	return &s, nil
}

func (r *PgRepository) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device

	err := r.pool.QueryRow(ctx, `
		SELECT id, api_key, is_active, last_seen
		FROM devices
		WHERE id = $1
	`, id).Scan(&d.ID, &d.APIKey, &d.Active, &d.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	return &d, nil
}

func (r *PgRepository) Ingest(ctx context.Context, rec IngestRecord) (*Sample, error) {
	s := rec.Sample

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM encounters WHERE id = $1)`, s.EncounterID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check encounter: %w", err)
		}
		if !exists {
			return ErrEncounterNotFound
		}

		var lat, lng *float64
		if s.Position != nil {
			lat, lng = &s.Position.Lat, &s.Position.Lng
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO samples (
				encounter_id, device_id, captured_at, received_at,
				heart_rate, o2sat, body_temp, resp_rate, systolic, diastolic,
				lat, lng
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id
		`,
			s.EncounterID, s.DeviceID, s.CapturedAt, s.ReceivedAt,
			s.Vitals.HeartRate, s.Vitals.O2Sat, s.Vitals.BodyTemp,
			s.Vitals.RespRate, s.Vitals.Systolic, s.Vitals.Diastolic,
			lat, lng,
		).Scan(&s.ID); err != nil {
			return fmt.Errorf("append sample: %w", err)
		}

		if rec.TouchDevice && s.DeviceID != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE devices
				SET last_seen = $2
				WHERE id = $1
			`, *s.DeviceID, s.ReceivedAt); err != nil {
				return fmt.Errorf("touch device: %w", err)
			}
		}

		if s.Vitals.Empty() {
			return nil
		}

		return mergeSnapshotTx(ctx, tx, s)
	})
	if err != nil {
		return nil, err
	}

	return &s, nil
}

// mergeSnapshotTx holds the snapshot row lock for the rest of the transaction,
// which serializes concurrent merges for one encounter and nothing else.
func mergeSnapshotTx(ctx context.Context, tx pgx.Tx, s Sample) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO latest_snapshots (encounter_id)
		VALUES ($1)
		ON CONFLICT (encounter_id) DO NOTHING
	`, s.EncounterID); err != nil {
		return fmt.Errorf("init snapshot: %w", err)
	}

	current, err := scanSnapshot(tx.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM latest_snapshots
		WHERE encounter_id = $1
		FOR UPDATE
	`, s.EncounterID))
	if err != nil {
		return fmt.Errorf("lock snapshot: %w", err)
	}

	merged, changed := current.Merge(s.Vitals, s.Version())
	if !changed {
		return nil
	}

	hrAt, hrSeq := versionArgs(merged.HeartRate.Version, merged.HeartRate.Value != nil)
	o2At, o2Seq := versionArgs(merged.O2Sat.Version, merged.O2Sat.Value != nil)
	btAt, btSeq := versionArgs(merged.BodyTemp.Version, merged.BodyTemp.Value != nil)
	rrAt, rrSeq := versionArgs(merged.RespRate.Version, merged.RespRate.Value != nil)
	sysAt, sysSeq := versionArgs(merged.Systolic.Version, merged.Systolic.Value != nil)
	diaAt, diaSeq := versionArgs(merged.Diastolic.Version, merged.Diastolic.Value != nil)

	if _, err := tx.Exec(ctx, `
		UPDATE latest_snapshots
		SET heart_rate = $2, heart_rate_at = $3, heart_rate_seq = $4,
		    o2sat = $5, o2sat_at = $6, o2sat_seq = $7,
		    body_temp = $8, body_temp_at = $9, body_temp_seq = $10,
		    resp_rate = $11, resp_rate_at = $12, resp_rate_seq = $13,
		    systolic = $14, systolic_at = $15, systolic_seq = $16,
		    diastolic = $17, diastolic_at = $18, diastolic_seq = $19,
		    updated_at = now()
		WHERE encounter_id = $1
	`,
		s.EncounterID,
		merged.HeartRate.Value, hrAt, hrSeq,
		merged.O2Sat.Value, o2At, o2Seq,
		merged.BodyTemp.Value, btAt, btSeq,
		merged.RespRate.Value, rrAt, rrSeq,
		merged.Systolic.Value, sysAt, sysSeq,
		merged.Diastolic.Value, diaAt, diaSeq,
	); err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}

	return nil
}

func (r *PgRepository) LatestDevice(ctx context.Context, encounterID uuid.UUID) (*string, error) {
	var deviceID *string

	err := r.pool.QueryRow(ctx, `
		SELECT device_id
		FROM samples
		WHERE encounter_id = $1
		ORDER BY captured_at DESC, id DESC
		LIMIT 1
	`, encounterID).Scan(&deviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return deviceID, nil
}

func (r *PgRepository) GetSnapshot(ctx context.Context, encounterID uuid.UUID) (*Snapshot, error) {
	s, err := scanSnapshot(r.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM latest_snapshots
		WHERE encounter_id = $1
	`, encounterID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Snapshot{EncounterID: encounterID}, nil
		}
		return nil, err
	}
	return s, nil
}
