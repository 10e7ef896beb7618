package telemetry

import (
	"time"

	"github.com/google/uuid"
)

type Device struct {
	ID       string
	APIKey   string
	Active   bool
	LastSeen *time.Time
}

// Vitals holds the optional vital-sign fields of one sample. Nil means the
// device did not report the field.
type Vitals struct {
	HeartRate *int     `json:"heart_rate"`
	O2Sat     *int     `json:"o2sat"`
	BodyTemp  *float64 `json:"body_temp"`
	RespRate  *int     `json:"resp_rate"`
	Systolic  *int     `json:"systolic"`
	Diastolic *int     `json:"diastolic"`
}

func (v Vitals) Empty() bool {
	return v.HeartRate == nil && v.O2Sat == nil && v.BodyTemp == nil &&
		v.RespRate == nil && v.Systolic == nil && v.Diastolic == nil
}

type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Position) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Sample is one immutable row of the measurement log. ID is the insertion
// sequence and breaks ties between samples captured at the same instant.
type Sample struct {
	ID          int64
	EncounterID uuid.UUID
	DeviceID    *string
	CapturedAt  time.Time
	ReceivedAt  time.Time
	Vitals      Vitals
	Position    *Position
}

// Version orders writes to a snapshot field.
type Version struct {
	At  time.Time
	Seq int64
}

func (v Version) IsZero() bool {
	return v.At.IsZero() && v.Seq == 0
}

// After reports whether v is a newer write than o.
func (v Version) After(o Version) bool {
	if v.At.Equal(o.At) {
		return v.Seq > o.Seq
	}
	return v.At.After(o.At)
}

func (s Sample) Version() Version {
	return Version{At: s.CapturedAt, Seq: s.ID}
}

// Reading is the latest value of one vital and the write that produced it.
type Reading[T int | float64] struct {
	Value   *T
	Version Version
}

func (r Reading[T]) merge(v *T, ver Version) (Reading[T], bool) {
	if v == nil {
		return r, false
	}
	if r.Value != nil && !ver.After(r.Version) {
		return r, false
	}
	val := *v
	return Reading[T]{Value: &val, Version: ver}, true
}

// Snapshot is the per-encounter projection of the newest value of each vital.
// Fields are versioned independently, so a sample that carries only heart rate
// never clears oxygen saturation, and a late-arriving older sample never
// overwrites a newer value.
type Snapshot struct {
	EncounterID uuid.UUID
	HeartRate   Reading[int]
	O2Sat       Reading[int]
	BodyTemp    Reading[float64]
	RespRate    Reading[int]
	Systolic    Reading[int]
	Diastolic   Reading[int]
	UpdatedAt   time.Time
}

// Merge applies every present field of v that is newer than the stored one.
func (s Snapshot) Merge(v Vitals, ver Version) (Snapshot, bool) {
	var changed, c bool

	s.HeartRate, c = s.HeartRate.merge(v.HeartRate, ver)
	changed = changed || c
	s.O2Sat, c = s.O2Sat.merge(v.O2Sat, ver)
	changed = changed || c
	s.BodyTemp, c = s.BodyTemp.merge(v.BodyTemp, ver)
	changed = changed || c
	s.RespRate, c = s.RespRate.merge(v.RespRate, ver)
	changed = changed || c
	s.Systolic, c = s.Systolic.merge(v.Systolic, ver)
	changed = changed || c
	s.Diastolic, c = s.Diastolic.merge(v.Diastolic, ver)
	changed = changed || c

	return s, changed
}

func (s Snapshot) Vitals() Vitals {
	return Vitals{
		HeartRate: s.HeartRate.Value,
		O2Sat:     s.O2Sat.Value,
		BodyTemp:  s.BodyTemp.Value,
		RespRate:  s.RespRate.Value,
		Systolic:  s.Systolic.Value,
		Diastolic: s.Diastolic.Value,
	}
}

// SampleInput is what a device (or an operator) submits. Ignored names the
// payload fields that were present but could not be read.
type SampleInput struct {
	EncounterID uuid.UUID
	Timestamp   string
	Vitals      Vitals
	Position    *Position
	Ignored     []string
}

// IngestRecord is one unit of work for the repository. TouchDevice is set
// only when the sample came from an authenticated device.
type IngestRecord struct {
	Sample      Sample
	TouchDevice bool
}

// SampleEvent is the record fanned out to the telemetry stream after commit.
type SampleEvent struct {
	SampleID    int64     `json:"sample_id"`
	EncounterID string    `json:"encounter_id"`
	DeviceID    *string   `json:"device_id"`
	CapturedAt  time.Time `json:"captured_at"`
	ReceivedAt  time.Time `json:"received_at"`
	Vitals      Vitals    `json:"vitals"`
	Position    *Position `json:"position"`
}
