package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/triage-telemetry/internal/triage"
)

const (
	maxSparklinePoints = 200
	maxHistoryLimit    = 500
	mapLimit           = 200
)

type Options struct {
	Window          time.Duration
	SummaryLimit    int
	SparklinePoints int
	HistoryLimit    int
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 60 * time.Second
	}
	if o.SummaryLimit <= 0 {
		o.SummaryLimit = 200
	}
	if o.SparklinePoints <= 0 {
		o.SparklinePoints = 20
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	return o
}

// Service answers monitoring queries. Every response is computed fresh
// against a single reference time; nothing about online state is stored.
type Service struct {
	repo  Repository
	queue QueueReader
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

func NewService(repo Repository, queue QueueReader, opts Options, log *zap.Logger) *Service {
	return &Service{
		repo:  repo,
		queue: queue,
		opts:  opts.withDefaults(),
		log:   log,
		now:   time.Now,
	}
}

func (s *Service) Window() time.Duration {
	return s.opts.Window
}

// Summary returns the waiting list in queue order with the merged vitals,
// newest position fix, newest sample and online state of every encounter.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	ref := s.now().UTC()

	waiting, err := s.queue.ListWaiting(ctx, s.opts.SummaryLimit)
	if err != nil {
		return nil, err
	}

	states, err := s.repo.States(ctx, encounterIDs(waiting))
	if err != nil {
		return nil, fmt.Errorf("load encounter states: %w", err)
	}

	items := make([]SummaryItem, 0, len(waiting))
	for _, w := range waiting {
		st := states[w.Encounter.ID]

		item := SummaryItem{
			EncounterID:  w.Encounter.ID,
			PatientName:  w.PatientName,
			Severity:     w.Encounter.Severity,
			Priority:     w.Entry.Priority,
			RegisteredAt: w.Encounter.RegisteredAt,
			Vitals:       st.Snapshot,
		}

		if st.LastSample != nil {
			at := st.LastSample.CapturedAt
			item.DeviceID = st.LastSample.DeviceID
			item.LastSampleAt = &at
		}
		item.Online = IsOnline(item.LastSampleAt, ref, s.opts.Window)

		if st.LastFix != nil {
			lat, lng, at := st.LastFix.Position.Lat, st.LastFix.Position.Lng, st.LastFix.ObservedAt
			item.GPS = GPS{Lat: &lat, Lng: &lng, UpdatedAt: &at}
		}

		items = append(items, item)
	}

	s.log.Debug("summary built", zap.Int("items", len(items)), zap.Time("reference", ref))

	return &Summary{Items: items, ServerTime: ref}, nil
}

// Latest is the compact per-row view. It reports the raw values of the newest
// sample, so a field the device did not send in that sample is null here even
// when the snapshot holds an older value.
func (s *Service) Latest(ctx context.Context) ([]LatestRow, error) {
	ref := s.now().UTC()

	waiting, err := s.queue.ListWaiting(ctx, s.opts.SummaryLimit)
	if err != nil {
		return nil, err
	}

	states, err := s.repo.States(ctx, encounterIDs(waiting))
	if err != nil {
		return nil, fmt.Errorf("load encounter states: %w", err)
	}

	rows := make([]LatestRow, 0, len(waiting))
	for _, w := range waiting {
		row := LatestRow{
			EncounterID:  w.Encounter.ID,
			PatientName:  w.PatientName,
			Severity:     w.Encounter.Severity,
			RegisteredAt: w.Encounter.RegisteredAt,
		}

		if ls := states[w.Encounter.ID].LastSample; ls != nil {
			at := ls.CapturedAt
			row.DeviceID = ls.DeviceID
			row.Vitals = ls.Vitals
			row.Online = IsOnline(&at, ref, s.opts.Window)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// History returns the newest samples of an encounter, newest first.
func (s *Service) History(ctx context.Context, encounterID uuid.UUID, limit int) ([]HistoryEntry, error) {
	if _, err := s.queue.GetEncounter(ctx, encounterID); err != nil {
		if errors.Is(err, triage.ErrEncounterNotFound) {
			return nil, ErrEncounterNotFound
		}
		return nil, err
	}

	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	samples, err := s.repo.History(ctx, encounterID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	out := make([]HistoryEntry, 0, len(samples))
	for _, sm := range samples {
		out = append(out, HistoryEntry{
			SampleID:   sm.ID,
			DeviceID:   sm.DeviceID,
			CapturedAt: sm.CapturedAt,
			ReceivedAt: sm.ReceivedAt,
			Vitals:     sm.Vitals,
			Position:   sm.Position,
		})
	}

	return out, nil
}

// Sparklines returns up to points heart-rate and saturation values per
// encounter, oldest first. Unknown ids yield empty series. At most
// SummaryLimit distinct ids are accepted per call.
func (s *Service) Sparklines(ctx context.Context, ids []uuid.UUID, points int) (map[uuid.UUID]Series, error) {
	if points <= 0 {
		points = s.opts.SparklinePoints
	}
	if points > maxSparklinePoints {
		points = maxSparklinePoints
	}

	ids = dedupe(ids)
	if len(ids) == 0 {
		return map[uuid.UUID]Series{}, nil
	}
	if len(ids) > s.opts.SummaryLimit {
		return nil, fmt.Errorf("%w: got %d, at most %d", ErrTooManyEncounters, len(ids), s.opts.SummaryLimit)
	}

	rows, err := s.repo.SparkRows(ctx, ids, points)
	if err != nil {
		return nil, fmt.Errorf("load sparkline rows: %w", err)
	}

	return CollectSeries(ids, rows, points), nil
}

// Map lists active encounters with a known position.
func (s *Service) Map(ctx context.Context) ([]MapEntry, error) {
	ref := s.now().UTC()

	entries, err := s.repo.Positioned(ctx, mapLimit)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	for i := range entries {
		entries[i].Online = IsOnline(entries[i].LastSampleAt, ref, s.opts.Window)
	}

	return entries, nil
}

func encounterIDs(waiting []triage.WaitingEntry) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(waiting))
	for _, w := range waiting {
		ids = append(ids, w.Encounter.ID)
	}
	return ids
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
