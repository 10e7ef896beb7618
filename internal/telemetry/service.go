package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/hackgods/triage-telemetry/internal/redis"
)

var ErrInvalidPosition = errors.New("position must have lat in [-90, 90] and lng in [-180, 180]")

type Service struct {
	repo      Repository
	auth      *Authenticator
	publisher redisclient.Publisher
	log       *zap.Logger
	now       func() time.Time
}

// NewService wires the ingestion pipeline. publisher may be nil, in which case
// committed samples are not fanned out.
func NewService(repo Repository, publisher redisclient.Publisher, log *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		auth:      NewAuthenticator(repo),
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

func (s *Service) Authenticate(ctx context.Context, deviceID, apiKey string) (*Device, error) {
	return s.auth.Authenticate(ctx, deviceID, apiKey)
}

// Receive authenticates the device and ingests its sample.
func (s *Service) Receive(ctx context.Context, deviceID, apiKey string, in SampleInput) (*Sample, error) {
	dev, err := s.Authenticate(ctx, deviceID, apiKey)
	if err != nil {
		return nil, err
	}
	return s.Ingest(ctx, dev, in)
}

// Ingest runs the write path for a sample from an authenticated device.
// Any authenticated device may post to any encounter.
func (s *Service) Ingest(ctx context.Context, dev *Device, in SampleInput) (*Sample, error) {
	receivedAt := s.now().UTC()

	capturedAt, ok := ParseCaptureTime(in.Timestamp, receivedAt)
	if !ok && in.Timestamp != "" {
		s.log.Warn("unparsable capture timestamp, using receipt time",
			zap.String("device_id", dev.ID),
			zap.String("timestamp", in.Timestamp),
		)
	}
	// capture time never runs ahead of receipt
	if capturedAt.After(receivedAt) {
		s.log.Warn("capture timestamp ahead of receipt, clamping",
			zap.String("device_id", dev.ID),
			zap.Time("captured_at", capturedAt),
			zap.Time("received_at", receivedAt),
		)
		capturedAt = receivedAt
	}

	if len(in.Ignored) > 0 {
		s.log.Warn("ignoring unreadable payload fields",
			zap.String("device_id", dev.ID),
			zap.Strings("fields", in.Ignored),
		)
	}

	pos := in.Position
	if pos != nil && !pos.Valid() {
		s.log.Warn("dropping out-of-range position",
			zap.String("device_id", dev.ID),
			zap.Float64("lat", pos.Lat),
			zap.Float64("lng", pos.Lng),
		)
		pos = nil
	}

	deviceID := dev.ID
	sample := Sample{
		EncounterID: in.EncounterID,
		DeviceID:    &deviceID,
		CapturedAt:  capturedAt,
		ReceivedAt:  receivedAt,
		Vitals:      in.Vitals,
		Position:    pos,
	}

	return s.commit(ctx, IngestRecord{Sample: sample, TouchDevice: true})
}

// UpdatePosition records an operator-entered position fix. It is a sample with
// no vitals, attributed to the device of the newest sample when there is one.
func (s *Service) UpdatePosition(ctx context.Context, encounterID uuid.UUID, pos Position) (*Sample, error) {
	if !pos.Valid() {
		return nil, ErrInvalidPosition
	}

	deviceID, err := s.repo.LatestDevice(ctx, encounterID)
	if err != nil {
		return nil, fmt.Errorf("resolve latest device: %w", err)
	}

	now := s.now().UTC()
	sample := Sample{
		EncounterID: encounterID,
		DeviceID:    deviceID,
		CapturedAt:  now,
		ReceivedAt:  now,
		Position:    &pos,
	}

	return s.commit(ctx, IngestRecord{Sample: sample})
}

func (s *Service) Snapshot(ctx context.Context, encounterID uuid.UUID) (*Snapshot, error) {
	return s.repo.GetSnapshot(ctx, encounterID)
}

func (s *Service) commit(ctx context.Context, rec IngestRecord) (*Sample, error) {
	saved, err := s.repo.Ingest(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrEncounterNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("ingest sample: %w", err)
	}

	fields := []zap.Field{
		zap.Int64("sample_id", saved.ID),
		zap.String("encounter_id", saved.EncounterID.String()),
		zap.Time("captured_at", saved.CapturedAt),
		zap.Bool("has_vitals", !saved.Vitals.Empty()),
		zap.Bool("has_position", saved.Position != nil),
	}
	if saved.DeviceID != nil {
		fields = append(fields, zap.String("device_id", *saved.DeviceID))
	}
	s.log.Debug("sample ingested", fields...)

	s.publish(ctx, saved)

	return saved, nil
}

func (s *Service) publish(ctx context.Context, saved *Sample) {
	if s.publisher == nil {
		return
	}

	ev := SampleEvent{
		SampleID:    saved.ID,
		EncounterID: saved.EncounterID.String(),
		DeviceID:    saved.DeviceID,
		CapturedAt:  saved.CapturedAt,
		ReceivedAt:  saved.ReceivedAt,
		Vitals:      saved.Vitals,
		Position:    saved.Position,
	}

	if _, err := s.publisher.PublishJSON(ctx, ev); err != nil {
		s.log.Warn("failed to publish sample to telemetry stream",
			zap.Int64("sample_id", saved.ID),
			zap.Error(err),
		)
	}
}
