package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/triage-telemetry/internal/monitor"
	"github.com/hackgods/triage-telemetry/internal/triage"
)

type RegisterEncounterRequest struct {
	PatientID string  `json:"patient_id"`
	Severity  string  `json:"severity"`
	Note      *string `json:"note,omitempty"`
}

type RetriageRequest struct {
	Severity string `json:"severity"`
}

type CloseRequest struct {
	Status string `json:"status"`
}

type LocationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type EncounterResponse struct {
	ID           uuid.UUID  `json:"id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	Severity     string     `json:"severity"`
	Priority     *int       `json:"priority,omitempty"`
	Status       string     `json:"status,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	TriagedAt    *time.Time `json:"triaged_at,omitempty"`
	CalledAt     *time.Time `json:"called_at,omitempty"`
	Note         *string    `json:"note,omitempty"`
}

func newEncounterResponse(enc *triage.Encounter, entry *triage.QueueEntry) EncounterResponse {
	resp := EncounterResponse{
		ID:           enc.ID,
		PatientID:    enc.PatientID,
		Severity:     string(enc.Severity),
		RegisteredAt: enc.RegisteredAt,
		TriagedAt:    enc.TriagedAt,
		CalledAt:     enc.CalledAt,
		Note:         enc.Note,
	}
	if entry != nil {
		p := entry.Priority
		resp.Priority = &p
		resp.Status = string(entry.Status)
	}
	return resp
}

type CallResponse struct {
	EncounterID uuid.UUID `json:"encounter_id"`
	Called      bool      `json:"called"`
}

type CloseResponse struct {
	EncounterID uuid.UUID `json:"encounter_id"`
	Status      string    `json:"status"`
	Closed      bool      `json:"closed"`
}

type QueueItemResponse struct {
	EncounterID  uuid.UUID `json:"encounter_id"`
	PatientID    uuid.UUID `json:"patient_id"`
	PatientName  string    `json:"patient_name"`
	Severity     string    `json:"severity"`
	Priority     int       `json:"priority"`
	QueuedAt     time.Time `json:"queued_at"`
	RegisteredAt time.Time `json:"registered_at"`
	Note         *string   `json:"note,omitempty"`
}

type QueueResponse struct {
	Items []QueueItemResponse `json:"items"`
	Count int                 `json:"count"`
}

type SampleCreatedResponse struct {
	SampleID int64 `json:"sample_id"`
}

type LatestResponse struct {
	Items []monitor.LatestRow `json:"items"`
}

type HistoryResponse struct {
	EncounterID uuid.UUID              `json:"encounter_id"`
	Items       []monitor.HistoryEntry `json:"items"`
}

type SparklinesResponse struct {
	Series map[uuid.UUID]monitor.Series `json:"series"`
}

type MapResponse struct {
	Items []monitor.MapEntry `json:"items"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
