package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/hackgods/triage-telemetry/internal/redis"
)

var (
	ErrEncounterBusy = errors.New("encounter is being updated by another operator, please retry")
	ErrInvalidStatus = errors.New("close status must be DONE or CANCELLED")
)

type Service struct {
	repo   Repository
	locker redisclient.Locker
	log    *zap.Logger
	now    func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, log *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		log:    log,
		now:    time.Now,
	}
}

// Register creates an encounter for an already-validated patient and puts it
// in the queue as WAITING, in one transaction. An empty label means the
// classifier produced nothing and the encounter is queued as GREEN.
func (s *Service) Register(ctx context.Context, patientID uuid.UUID, severity string, note *string) (*Encounter, *QueueEntry, error) {
	sev := SeverityGreen
	if severity != "" {
		parsed, err := ParseSeverity(severity)
		if err != nil {
			return nil, nil, err
		}
		sev = parsed
	}

	enc, entry, err := s.repo.CreateEncounter(ctx, NewEncounter{
		PatientID: patientID,
		Severity:  sev,
		Note:      note,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateQueueEntry) {
			s.log.Error("registration produced a duplicate queue entry",
				zap.String("patient_id", patientID.String()),
				zap.Error(err),
			)
			return nil, nil, err
		}
		if errors.Is(err, ErrPatientNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("create encounter: %w", err)
	}

	s.log.Info("encounter registered",
		zap.String("encounter_id", enc.ID.String()),
		zap.String("severity", string(enc.Severity)),
		zap.Int("priority", entry.Priority),
	)

	return enc, entry, nil
}

// Enqueue creates the single WAITING entry for an existing encounter.
// A second call for the same encounter is a caller bug and is logged as such.
func (s *Service) Enqueue(ctx context.Context, encounterID uuid.UUID, severity Severity) (*QueueEntry, error) {
	if !severity.Valid() {
		return nil, ErrInvalidSeverity
	}

	entry, err := s.repo.Enqueue(ctx, encounterID, severity)
	if err != nil {
		if errors.Is(err, ErrDuplicateQueueEntry) {
			s.log.Error("duplicate enqueue for encounter",
				zap.String("encounter_id", encounterID.String()),
				zap.Error(err),
			)
			return nil, err
		}
		if errors.Is(err, ErrEncounterNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	return entry, nil
}

// Retriage changes the severity of an encounter and the priority of its queue
// entry together.
func (s *Service) Retriage(ctx context.Context, encounterID uuid.UUID, severity string) (*Encounter, *QueueEntry, error) {
	sev, err := ParseSeverity(severity)
	if err != nil {
		return nil, nil, err
	}

	var (
		enc   *Encounter
		entry *QueueEntry
	)

	err = s.withLock(ctx, encounterID, func(lockCtx context.Context) error {
		e, q, err := s.repo.Retriage(lockCtx, encounterID, sev, s.now())
		if err != nil {
			return err
		}
		enc, entry = e, q
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	fields := []zap.Field{
		zap.String("encounter_id", encounterID.String()),
		zap.String("severity", string(sev)),
	}
	if entry != nil {
		fields = append(fields, zap.Int("priority", entry.Priority))
	}
	s.log.Info("encounter retriaged", fields...)

	return enc, entry, nil
}

// Call moves a WAITING entry to CALLED. Calling an entry that is not waiting
// is a no-op so repeated operator clicks are harmless; the bool reports
// whether this call made the transition.
func (s *Service) Call(ctx context.Context, encounterID uuid.UUID) (bool, error) {
	var called bool

	err := s.withLock(ctx, encounterID, func(lockCtx context.Context) error {
		ok, err := s.repo.Call(lockCtx, encounterID, s.now())
		if err != nil {
			return err
		}
		called = ok
		return nil
	})
	if err != nil {
		return false, err
	}

	if called {
		s.log.Info("encounter called", zap.String("encounter_id", encounterID.String()))
	} else {
		s.log.Debug("call ignored, entry not waiting", zap.String("encounter_id", encounterID.String()))
	}

	return called, nil
}

// Close finishes an encounter with DONE or CANCELLED.
func (s *Service) Close(ctx context.Context, encounterID uuid.UUID, status QueueStatus) (bool, error) {
	if !status.Closed() {
		return false, ErrInvalidStatus
	}

	var closed bool

	err := s.withLock(ctx, encounterID, func(lockCtx context.Context) error {
		ok, err := s.repo.Close(lockCtx, encounterID, status)
		if err != nil {
			return err
		}
		closed = ok
		return nil
	})
	if err != nil {
		return false, err
	}

	if closed {
		s.log.Info("encounter closed",
			zap.String("encounter_id", encounterID.String()),
			zap.String("status", string(status)),
		)
	}

	return closed, nil
}

// ListWaiting returns WAITING entries, most urgent first, then first come first served.
func (s *Service) ListWaiting(ctx context.Context, limit int) ([]WaitingEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	entries, err := s.repo.ListWaiting(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	return entries, nil
}

func (s *Service) Counts(ctx context.Context) (Counts, error) {
	c, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("count queue: %w", err)
	}
	return c, nil
}

func (s *Service) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.repo.GetEncounter(ctx, id)
}

func (s *Service) withLock(ctx context.Context, encounterID uuid.UUID, fn func(ctx context.Context) error) error {
	err := s.locker.WithEncounterLock(ctx, encounterID, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrEncounterBusy
	}
	return err
}
