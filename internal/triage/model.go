package triage

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the urgency label assigned at triage. RED is the most urgent.
type Severity string

const (
	SeverityRed    Severity = "RED"
	SeverityYellow Severity = "YELLOW"
	SeverityGreen  Severity = "GREEN"
)

var ErrInvalidSeverity = errors.New("invalid severity")

// ParseSeverity accepts the three known labels, case-insensitively.
func ParseSeverity(raw string) (Severity, error) {
	switch Severity(strings.ToUpper(strings.TrimSpace(raw))) {
	case SeverityRed:
		return SeverityRed, nil
	case SeverityYellow:
		return SeverityYellow, nil
	case SeverityGreen:
		return SeverityGreen, nil
	}
	return "", ErrInvalidSeverity
}

func (s Severity) Valid() bool {
	return s == SeverityRed || s == SeverityYellow || s == SeverityGreen
}

// Priority maps a severity onto the queue ordering key, lower sorts first.
// Unknown labels sort with GREEN.
func (s Severity) Priority() int {
	switch s {
	case SeverityRed:
		return 1
	case SeverityYellow:
		return 2
	default:
		return 3
	}
}

type QueueStatus string

const (
	StatusWaiting   QueueStatus = "WAITING"
	StatusCalled    QueueStatus = "CALLED"
	StatusDone      QueueStatus = "DONE"
	StatusCancelled QueueStatus = "CANCELLED"
)

// Closed reports whether the status is terminal.
func (s QueueStatus) Closed() bool {
	return s == StatusDone || s == StatusCancelled
}

type Encounter struct {
	ID           uuid.UUID
	PatientID    uuid.UUID
	RegisteredAt time.Time
	TriagedAt    *time.Time
	CalledAt     *time.Time
	Severity     Severity
	Note         *string
}

type QueueEntry struct {
	EncounterID uuid.UUID
	Status      QueueStatus
	Priority    int
	CreatedAt   time.Time
}

// WaitingEntry is one row of the ordered waiting list.
type WaitingEntry struct {
	Entry       QueueEntry
	Encounter   Encounter
	PatientName string
}

type NewEncounter struct {
	PatientID uuid.UUID
	Severity  Severity
	Note      *string
}

// Counts backs the dashboard tiles.
type Counts struct {
	Waiting int `json:"waiting_total"`
	Called  int `json:"called_total"`
	Red     int `json:"red_total"`
	Yellow  int `json:"yellow_total"`
	Green   int `json:"green_total"`
}

const (
	EventRegistered = "ENCOUNTER_REGISTERED"
	EventEnqueued   = "ENCOUNTER_ENQUEUED"
	EventRetriaged  = "ENCOUNTER_RETRIAGED"
	EventCalled     = "ENCOUNTER_CALLED"
	EventClosed     = "ENCOUNTER_CLOSED"
)

type EventLog struct {
	ID          int64
	EventType   string
	EncounterID uuid.UUID
	Payload     []byte
	CreatedAt   time.Time
}
