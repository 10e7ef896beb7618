package telemetry

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrEncounterNotFound = errors.New("encounter not found")
	ErrDeviceNotFound    = errors.New("device not found")
)

// DeviceStore is the read side used by the authenticator.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
}

// Repository contains all DB interactions of the write path.
type Repository interface {
	DeviceStore

	// Ingest appends the sample, refreshes device last_seen when requested and
	// merges present vitals into the snapshot, all in one transaction.
	Ingest(ctx context.Context, rec IngestRecord) (*Sample, error)

	// LatestDevice returns the device of the newest sample of an encounter, nil if none.
	LatestDevice(ctx context.Context, encounterID uuid.UUID) (*string, error)

	GetSnapshot(ctx context.Context, encounterID uuid.UUID) (*Snapshot, error)
}
