package monitor

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hackgods/triage-telemetry/internal/telemetry"
	"github.com/hackgods/triage-telemetry/internal/triage"
)

var (
	ErrEncounterNotFound = errors.New("encounter not found")
	ErrTooManyEncounters = errors.New("too many encounter ids")
)

// Repository is the read side over the measurement log and snapshots.
// Batch methods take the whole id set so each concern costs one query.
type Repository interface {
	States(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]EncounterState, error)
	History(ctx context.Context, encounterID uuid.UUID, limit int) ([]telemetry.Sample, error)
	// SparkRows returns rows newest first per encounter, trimmed to those that
	// can still contribute to an n-point series.
	SparkRows(ctx context.Context, ids []uuid.UUID, n int) ([]SparkRow, error)
	Positioned(ctx context.Context, limit int) ([]MapEntry, error)
}

// QueueReader is the slice of the triage service the read path needs.
type QueueReader interface {
	ListWaiting(ctx context.Context, limit int) ([]triage.WaitingEntry, error)
	GetEncounter(ctx context.Context, id uuid.UUID) (*triage.Encounter, error)
}
