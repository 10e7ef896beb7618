package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/hackgods/triage-telemetry/internal/telemetry"
	"github.com/hackgods/triage-telemetry/internal/triage"
)

func registerEncounterHandler(svc *triage.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterEncounterRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		enc, entry, err := svc.Register(r.Context(), patientID, req.Severity, req.Note)
		if err != nil {
			handleTriageError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, newEncounterResponse(enc, entry))
	}
}

func retriageHandler(svc *triage.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := encounterIDParam(w, r)
		if !ok {
			return
		}

		var req RetriageRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		enc, entry, err := svc.Retriage(r.Context(), id, req.Severity)
		if err != nil {
			handleTriageError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, newEncounterResponse(enc, entry))
	}
}

func callHandler(svc *triage.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := encounterIDParam(w, r)
		if !ok {
			return
		}

		called, err := svc.Call(r.Context(), id)
		if err != nil {
			handleTriageError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, CallResponse{EncounterID: id, Called: called})
	}
}

func closeHandler(svc *triage.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := encounterIDParam(w, r)
		if !ok {
			return
		}

		var req CloseRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		status := triage.QueueStatus(req.Status)
		closed, err := svc.Close(r.Context(), id, status)
		if err != nil {
			handleTriageError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, CloseResponse{EncounterID: id, Status: string(status), Closed: closed})
	}
}

// locationHandler records an operator-entered position. It shares the
// measurement log with device ingress but never touches the snapshot.
func locationHandler(svc *telemetry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := encounterIDParam(w, r)
		if !ok {
			return
		}

		var req LocationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Lat == nil || req.Lng == nil {
			writeError(w, http.StatusBadRequest, "invalid_position", "lat and lng are required")
			return
		}

		sample, err := svc.UpdatePosition(r.Context(), id, telemetry.Position{Lat: *req.Lat, Lng: *req.Lng})
		if err != nil {
			handleTelemetryError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, SampleCreatedResponse{SampleID: sample.ID})
	}
}

func listQueueHandler(svc *triage.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := positiveIntParam(w, r, "limit")
		if !ok {
			return
		}

		entries, err := svc.ListWaiting(r.Context(), limit)
		if err != nil {
			handleTriageError(w, err)
			return
		}

		items := make([]QueueItemResponse, 0, len(entries))
		for _, e := range entries {
			items = append(items, QueueItemResponse{
				EncounterID:  e.Encounter.ID,
				PatientID:    e.Encounter.PatientID,
				PatientName:  e.PatientName,
				Severity:     string(e.Encounter.Severity),
				Priority:     e.Entry.Priority,
				QueuedAt:     e.Entry.CreatedAt,
				RegisteredAt: e.Encounter.RegisteredAt,
				Note:         e.Encounter.Note,
			})
		}

		writeJSON(w, http.StatusOK, QueueResponse{Items: items, Count: len(items)})
	}
}

func dashboardHandler(svc *triage.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := svc.Counts(r.Context())
		if err != nil {
			handleTriageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

func handleTriageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, triage.ErrInvalidSeverity):
		writeError(w, http.StatusBadRequest, "invalid_severity", "severity must be RED, YELLOW or GREEN")
	case errors.Is(err, triage.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, triage.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, triage.ErrEncounterNotFound):
		writeError(w, http.StatusNotFound, "encounter_not_found", err.Error())
	case errors.Is(err, triage.ErrQueueEntryNotFound):
		writeError(w, http.StatusNotFound, "queue_entry_not_found", err.Error())
	case errors.Is(err, triage.ErrDuplicateQueueEntry):
		writeError(w, http.StatusConflict, "duplicate_queue_entry", err.Error())
	case errors.Is(err, triage.ErrEncounterBusy):
		writeError(w, http.StatusConflict, "encounter_busy", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
