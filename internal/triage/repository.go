package triage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrEncounterNotFound   = errors.New("encounter not found")
	ErrQueueEntryNotFound  = errors.New("queue entry not found")
	ErrDuplicateQueueEntry = errors.New("encounter already has a queue entry")
)

// Repository contains all DB interactions needed by the queue service.
// Every mutating method commits its state change and its event log row together.
type Repository interface {
	// Registration boundary: encounter and WAITING entry in one transaction
	CreateEncounter(ctx context.Context, in NewEncounter) (*Encounter, *QueueEntry, error)
	Enqueue(ctx context.Context, encounterID uuid.UUID, severity Severity) (*QueueEntry, error)

	GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error)
	GetQueueEntry(ctx context.Context, encounterID uuid.UUID) (*QueueEntry, error)

	// Retriage updates severity, triage time and priority atomically.
	// The returned entry is nil when the encounter was never enqueued.
	Retriage(ctx context.Context, id uuid.UUID, severity Severity, at time.Time) (*Encounter, *QueueEntry, error)

	// Call reports false when the entry was not WAITING.
	Call(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// Close reports false when the entry was already closed.
	Close(ctx context.Context, id uuid.UUID, status QueueStatus) (bool, error)

	ListWaiting(ctx context.Context, limit int) ([]WaitingEntry, error)
	CountByStatus(ctx context.Context) (Counts, error)
}
