// Package memstore keeps the whole triage and telemetry model in process
// memory. It backs the service and handler tests.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/triage-telemetry/internal/monitor"
	"github.com/hackgods/triage-telemetry/internal/telemetry"
	"github.com/hackgods/triage-telemetry/internal/triage"
)

type patient struct {
	firstName string
	lastName  string
}

func (p patient) displayName() string {
	return p.firstName + " " + p.lastName
}

type queueRow struct {
	entry triage.QueueEntry
	seq   int64
}

// Store implements triage.Repository, telemetry.Repository and
// monitor.Repository. Every method holds the store mutex for its whole body,
// which stands in for the database transaction.
type Store struct {
	mu sync.RWMutex

	now func() time.Time
	seq int64

	patients   map[uuid.UUID]patient
	encounters map[uuid.UUID]triage.Encounter
	queue      map[uuid.UUID]queueRow
	events     []triage.EventLog

	devices   map[string]telemetry.Device
	samples   []telemetry.Sample
	snapshots map[uuid.UUID]telemetry.Snapshot
}

var (
	_ triage.Repository    = (*Store)(nil)
	_ telemetry.Repository = (*Store)(nil)
	_ monitor.Repository   = (*Store)(nil)
)

func New() *Store {
	return &Store{
		now:        time.Now,
		patients:   map[uuid.UUID]patient{},
		encounters: map[uuid.UUID]triage.Encounter{},
		queue:      map[uuid.UUID]queueRow{},
		devices:    map[string]telemetry.Device{},
		snapshots:  map[uuid.UUID]telemetry.Snapshot{},
	}
}

// SetClock replaces the time source used for registration and queue times.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddPatient stores the display fields of a patient owned by the intake system.
func (s *Store) AddPatient(firstName, lastName string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.patients[id] = patient{firstName: firstName, lastName: lastName}
	return id
}

// AddEncounter stores an encounter without a queue entry.
func (s *Store) AddEncounter(patientID uuid.UUID, severity triage.Severity) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.encounters[id] = triage.Encounter{
		ID:           id,
		PatientID:    patientID,
		RegisteredAt: s.now().UTC(),
		Severity:     severity,
	}
	return id
}

func (s *Store) AddDevice(d telemetry.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

// Samples returns a copy of the measurement log in insertion order.
func (s *Store) Samples() []telemetry.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]telemetry.Sample(nil), s.samples...)
}

func (s *Store) Events() []triage.EventLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]triage.EventLog(nil), s.events...)
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *Store) appendEvent(eventType string, encounterID uuid.UUID, payload map[string]any) {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	s.events = append(s.events, triage.EventLog{
		ID:          int64(len(s.events) + 1),
		EventType:   eventType,
		EncounterID: encounterID,
		Payload:     data,
		CreatedAt:   s.now().UTC(),
	})
}

// Triage queue

func (s *Store) enqueueLocked(encounterID uuid.UUID, severity triage.Severity) (*triage.QueueEntry, error) {
	if _, ok := s.encounters[encounterID]; !ok {
		return nil, triage.ErrEncounterNotFound
	}
	if _, ok := s.queue[encounterID]; ok {
		return nil, triage.ErrDuplicateQueueEntry
	}

	entry := triage.QueueEntry{
		EncounterID: encounterID,
		Status:      triage.StatusWaiting,
		Priority:    severity.Priority(),
		CreatedAt:   s.now().UTC(),
	}
	s.queue[encounterID] = queueRow{entry: entry, seq: s.nextSeq()}
	return &entry, nil
}

func (s *Store) CreateEncounter(_ context.Context, in triage.NewEncounter) (*triage.Encounter, *triage.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.patients[in.PatientID]; !ok {
		return nil, nil, triage.ErrPatientNotFound
	}

	enc := triage.Encounter{
		ID:           uuid.New(),
		PatientID:    in.PatientID,
		RegisteredAt: s.now().UTC(),
		Severity:     in.Severity,
		Note:         in.Note,
	}
	s.encounters[enc.ID] = enc

	entry, err := s.enqueueLocked(enc.ID, enc.Severity)
	if err != nil {
		delete(s.encounters, enc.ID)
		return nil, nil, err
	}

	s.appendEvent(triage.EventRegistered, enc.ID, map[string]any{
		"patient_id": in.PatientID.String(),
		"severity":   enc.Severity,
		"priority":   entry.Priority,
	})

	return &enc, entry, nil
}

func (s *Store) Enqueue(_ context.Context, encounterID uuid.UUID, severity triage.Severity) (*triage.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.enqueueLocked(encounterID, severity)
	if err != nil {
		return nil, err
	}

	s.appendEvent(triage.EventEnqueued, encounterID, map[string]any{
		"severity": severity,
		"priority": entry.Priority,
	})

	return entry, nil
}

func (s *Store) GetEncounter(_ context.Context, id uuid.UUID) (*triage.Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enc, ok := s.encounters[id]
	if !ok {
		return nil, triage.ErrEncounterNotFound
	}
	return &enc, nil
}

func (s *Store) GetQueueEntry(_ context.Context, encounterID uuid.UUID) (*triage.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.queue[encounterID]
	if !ok {
		return nil, triage.ErrQueueEntryNotFound
	}
	entry := row.entry
	return &entry, nil
}

func (s *Store) Retriage(_ context.Context, id uuid.UUID, severity triage.Severity, at time.Time) (*triage.Encounter, *triage.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, ok := s.encounters[id]
	if !ok {
		return nil, nil, triage.ErrEncounterNotFound
	}

	triagedAt := at
	enc.Severity = severity
	enc.TriagedAt = &triagedAt
	s.encounters[id] = enc

	var entry *triage.QueueEntry
	if row, ok := s.queue[id]; ok {
		row.entry.Priority = severity.Priority()
		s.queue[id] = row
		e := row.entry
		entry = &e
	}

	s.appendEvent(triage.EventRetriaged, id, map[string]any{
		"severity": severity,
		"priority": severity.Priority(),
	})

	return &enc, entry, nil
}

func (s *Store) Call(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, ok := s.encounters[id]
	if !ok {
		return false, triage.ErrEncounterNotFound
	}

	row, ok := s.queue[id]
	if !ok || row.entry.Status != triage.StatusWaiting {
		return false, nil
	}

	row.entry.Status = triage.StatusCalled
	s.queue[id] = row

	calledAt := at
	enc.CalledAt = &calledAt
	s.encounters[id] = enc

	s.appendEvent(triage.EventCalled, id, nil)
	return true, nil
}

func (s *Store) Close(_ context.Context, id uuid.UUID, status triage.QueueStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.queue[id]
	if !ok {
		if _, exists := s.encounters[id]; !exists {
			return false, triage.ErrEncounterNotFound
		}
		return false, triage.ErrQueueEntryNotFound
	}
	if row.entry.Status.Closed() {
		return false, nil
	}

	row.entry.Status = status
	s.queue[id] = row

	s.appendEvent(triage.EventClosed, id, map[string]any{"status": status})
	return true, nil
}

func (s *Store) ListWaiting(_ context.Context, limit int) ([]triage.WaitingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]queueRow, 0, len(s.queue))
	for _, row := range s.queue {
		if row.entry.Status == triage.StatusWaiting {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].entry, rows[j].entry
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return rows[i].seq < rows[j].seq
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]triage.WaitingEntry, 0, len(rows))
	for _, row := range rows {
		enc := s.encounters[row.entry.EncounterID]
		out = append(out, triage.WaitingEntry{
			Entry:       row.entry,
			Encounter:   enc,
			PatientName: s.patients[enc.PatientID].displayName(),
		})
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context) (triage.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c triage.Counts
	for _, row := range s.queue {
		switch row.entry.Status {
		case triage.StatusCalled:
			c.Called++
		case triage.StatusWaiting:
			c.Waiting++
			switch row.entry.Priority {
			case 1:
				c.Red++
			case 2:
				c.Yellow++
			default:
				c.Green++
			}
		}
	}
	return c, nil
}

// Telemetry write path

func (s *Store) GetDevice(_ context.Context, id string) (*telemetry.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, telemetry.ErrDeviceNotFound
	}
	return &d, nil
}

func (s *Store) Ingest(_ context.Context, rec telemetry.IngestRecord) (*telemetry.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm := rec.Sample
	if _, ok := s.encounters[sm.EncounterID]; !ok {
		return nil, telemetry.ErrEncounterNotFound
	}

	sm.ID = int64(len(s.samples) + 1)
	s.samples = append(s.samples, sm)

	if rec.TouchDevice && sm.DeviceID != nil {
		if d, ok := s.devices[*sm.DeviceID]; ok {
			seen := sm.ReceivedAt
			d.LastSeen = &seen
			s.devices[d.ID] = d
		}
	}

	if !sm.Vitals.Empty() {
		snap, ok := s.snapshots[sm.EncounterID]
		if !ok {
			snap = telemetry.Snapshot{EncounterID: sm.EncounterID}
		}
		if merged, changed := snap.Merge(sm.Vitals, sm.Version()); changed {
			merged.UpdatedAt = s.now().UTC()
			s.snapshots[sm.EncounterID] = merged
		}
	}

	return &sm, nil
}

func (s *Store) LatestDevice(_ context.Context, encounterID uuid.UUID) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	newest := s.newestLocked(encounterID, func(telemetry.Sample) bool { return true })
	if newest == nil {
		return nil, nil
	}
	return newest.DeviceID, nil
}

func (s *Store) GetSnapshot(_ context.Context, encounterID uuid.UUID) (*telemetry.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[encounterID]
	if !ok {
		return &telemetry.Snapshot{EncounterID: encounterID}, nil
	}
	return &snap, nil
}

// Monitor read path

func newer(a, b telemetry.Sample) bool {
	return a.Version().After(b.Version())
}

func (s *Store) newestLocked(encounterID uuid.UUID, match func(telemetry.Sample) bool) *telemetry.Sample {
	var best *telemetry.Sample
	for i := range s.samples {
		sm := s.samples[i]
		if sm.EncounterID != encounterID || !match(sm) {
			continue
		}
		if best == nil || newer(sm, *best) {
			best = &sm
		}
	}
	return best
}

// newestFirstLocked returns the samples of one encounter, newest first.
func (s *Store) newestFirstLocked(encounterID uuid.UUID) []telemetry.Sample {
	var out []telemetry.Sample
	for _, sm := range s.samples {
		if sm.EncounterID == encounterID {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	return out
}

func (s *Store) States(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]monitor.EncounterState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]monitor.EncounterState, len(ids))
	for _, id := range ids {
		var st monitor.EncounterState

		if snap, ok := s.snapshots[id]; ok {
			st.Snapshot = snap.Vitals()
		}
		if ls := s.newestLocked(id, func(telemetry.Sample) bool { return true }); ls != nil {
			st.LastSample = &monitor.LastSample{
				SampleID:   ls.ID,
				DeviceID:   ls.DeviceID,
				CapturedAt: ls.CapturedAt,
				Vitals:     ls.Vitals,
			}
		}
		if fix := s.newestLocked(id, func(sm telemetry.Sample) bool { return sm.Position != nil }); fix != nil {
			st.LastFix = &monitor.PositionFix{Position: *fix.Position, ObservedAt: fix.CapturedAt}
		}

		out[id] = st
	}
	return out, nil
}

func (s *Store) History(_ context.Context, encounterID uuid.UUID, limit int) ([]telemetry.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.newestFirstLocked(encounterID)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SparkRows(_ context.Context, ids []uuid.UUID, n int) ([]monitor.SparkRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []monitor.SparkRow
	for _, id := range ids {
		var hrN, o2N int
		for _, sm := range s.newestFirstLocked(id) {
			hr, o2 := sm.Vitals.HeartRate, sm.Vitals.O2Sat
			if hr == nil && o2 == nil {
				continue
			}
			if hr != nil {
				hrN++
			}
			if o2 != nil {
				o2N++
			}
			if (hr != nil && hrN <= n) || (o2 != nil && o2N <= n) {
				out = append(out, monitor.SparkRow{EncounterID: id, HeartRate: hr, O2Sat: o2})
			}
		}
	}
	return out, nil
}

func (s *Store) Positioned(_ context.Context, limit int) ([]monitor.MapEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []monitor.MapEntry
	for id, row := range s.queue {
		if row.entry.Status != triage.StatusWaiting && row.entry.Status != triage.StatusCalled {
			continue
		}
		fix := s.newestLocked(id, func(sm telemetry.Sample) bool { return sm.Position != nil })
		if fix == nil {
			continue
		}
		last := s.newestLocked(id, func(telemetry.Sample) bool { return true })
		lastAt := last.CapturedAt

		enc := s.encounters[id]
		out = append(out, monitor.MapEntry{
			EncounterID:  id,
			PatientName:  s.patients[enc.PatientID].displayName(),
			Severity:     enc.Severity,
			Position:     *fix.Position,
			ObservedAt:   fix.CapturedAt,
			LastSampleAt: &lastAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
