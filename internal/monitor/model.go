package monitor

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/triage-telemetry/internal/telemetry"
	"github.com/hackgods/triage-telemetry/internal/triage"
)

// LastSample is the newest measurement-log row of an encounter, of any kind.
type LastSample struct {
	SampleID   int64
	DeviceID   *string
	CapturedAt time.Time
	Vitals     telemetry.Vitals
}

// PositionFix is the newest log row of an encounter that carried a position.
type PositionFix struct {
	Position   telemetry.Position
	ObservedAt time.Time
}

// EncounterState is everything the read path needs about one encounter,
// read from one consistent view of the database.
type EncounterState struct {
	Snapshot   telemetry.Vitals
	LastSample *LastSample
	LastFix    *PositionFix
}

type SparkRow struct {
	EncounterID uuid.UUID
	HeartRate   *int
	O2Sat       *int
}

// GPS is the position block of a summary item; all fields are null when no
// position was ever reported.
type GPS struct {
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	UpdatedAt *time.Time `json:"updated_at"`
}

type SummaryItem struct {
	EncounterID  uuid.UUID        `json:"encounter_id"`
	PatientName  string           `json:"patient_name"`
	Severity     triage.Severity  `json:"severity"`
	Priority     int              `json:"priority"`
	RegisteredAt time.Time        `json:"registered_at"`
	Online       bool             `json:"online"`
	DeviceID     *string          `json:"device_id"`
	LastSampleAt *time.Time       `json:"last_sample_at"`
	Vitals       telemetry.Vitals `json:"vitals"`
	GPS          GPS              `json:"gps"`
}

type Summary struct {
	Items      []SummaryItem `json:"items"`
	ServerTime time.Time     `json:"server_time"`
}

// LatestRow is the compact per-row monitor view: raw values of the newest
// sample rather than the merged snapshot.
type LatestRow struct {
	EncounterID  uuid.UUID        `json:"encounter_id"`
	PatientName  string           `json:"name"`
	Severity     triage.Severity  `json:"severity"`
	DeviceID     *string          `json:"device_id"`
	Online       bool             `json:"online"`
	Vitals       telemetry.Vitals `json:"vitals"`
	RegisteredAt time.Time        `json:"registered_at"`
}

type HistoryEntry struct {
	SampleID   int64               `json:"sample_id"`
	DeviceID   *string             `json:"device_id"`
	CapturedAt time.Time           `json:"captured_at"`
	ReceivedAt time.Time           `json:"received_at"`
	Vitals     telemetry.Vitals    `json:"vitals"`
	Position   *telemetry.Position `json:"position"`
}

// Series is the chronological sparkline data of one encounter.
type Series struct {
	HeartRate []int `json:"heart_rate"`
	O2Sat     []int `json:"o2sat"`
}

type MapEntry struct {
	EncounterID  uuid.UUID          `json:"encounter_id"`
	PatientName  string             `json:"patient_name"`
	Severity     triage.Severity    `json:"severity"`
	Position     telemetry.Position `json:"position"`
	ObservedAt   time.Time          `json:"observed_at"`
	LastSampleAt *time.Time         `json:"last_sample_at"`
	Online       bool               `json:"online"`
}
