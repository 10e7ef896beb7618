package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/triage-telemetry/internal/config"
	"github.com/hackgods/triage-telemetry/internal/db"
	"github.com/hackgods/triage-telemetry/internal/logger"
	"github.com/hackgods/triage-telemetry/internal/triage"
)

var severities = []triage.Severity{
	triage.SeverityRed,
	triage.SeverityYellow, triage.SeverityYellow,
	triage.SeverityGreen, triage.SeverityGreen, triage.SeverityGreen,
}

var complaints = []string{
	"chest pain on exertion",
	"fall from height, suspected fracture",
	"shortness of breath",
	"laceration to forearm",
	"high fever and confusion",
	"abdominal pain",
	"minor burn",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, "console", "triage-seed")
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	patients := getInt("SEED_PATIENTS", 200)
	devices := getInt("SEED_DEVICES", 20)
	encounters := getInt("SEED_ENCOUNTERS", 40)

	patientIDs, err := seedPatients(ctx, pool, patients, log)
	if err != nil {
		log.Fatal("seed patients", zap.Error(err))
	}
	if err := seedDevices(ctx, pool, devices, log); err != nil {
		log.Fatal("seed devices", zap.Error(err))
	}
	if err := seedEncounters(ctx, triage.NewPgRepository(pool), patientIDs, encounters, log); err != nil {
		log.Fatal("seed encounters", zap.Error(err))
	}

	log.Info("seed complete")
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int, log *zap.Logger) ([]uuid.UUID, error) {
	log.Info("seeding patients", zap.Int("count", count))

	const batchSize = 500
	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, first_name, last_name, created_at)
				VALUES ($1, $2, $3, now())
			`, id, gofakeit.FirstName(), gofakeit.LastName())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Debug("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}

	return ids, nil
}

// seedDevices prints the generated credentials so the simulator and manual
// curl sessions can use them.
func seedDevices(ctx context.Context, pool *pgxpool.Pool, count int, log *zap.Logger) error {
	log.Info("seeding devices", zap.Int("count", count))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("wearable-%03d", i)
		key := gofakeit.Password(true, true, true, false, false, 32)

		_, err := tx.Exec(ctx, `
			INSERT INTO devices (id, api_key, is_active)
			VALUES ($1, $2, true)
			ON CONFLICT (id) DO UPDATE SET api_key = EXCLUDED.api_key, is_active = true
		`, id, key)
		if err != nil {
			return err
		}

		fmt.Printf("%s %s\n", id, key)
	}

	return tx.Commit(ctx)
}

// seedEncounters goes through the registration boundary so every encounter
// gets its WAITING entry and event in the same transaction.
func seedEncounters(ctx context.Context, repo triage.Repository, patients []uuid.UUID, count int, log *zap.Logger) error {
	if len(patients) == 0 {
		return nil
	}
	log.Info("seeding encounters", zap.Int("count", count))

	for i := 0; i < count; i++ {
		note := gofakeit.RandomString(complaints)
		_, _, err := repo.CreateEncounter(ctx, triage.NewEncounter{
			PatientID: patients[gofakeit.Number(0, len(patients)-1)],
			Severity:  severities[gofakeit.Number(0, len(severities)-1)],
			Note:      &note,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
