package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/hackgods/triage-telemetry/internal/telemetry"
)

const (
	headerDeviceID = "X-Device-ID"
	headerAPIKey   = "X-API-Key"
)

// ingestTelemetryHandler is the device ingress. Credentials are checked before
// the body is read, so a rejected device never costs a parse.
func ingestTelemetryHandler(svc *telemetry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get(headerDeviceID)
		apiKey := r.Header.Get(headerAPIKey)
		if deviceID == "" || apiKey == "" {
			writeError(w, http.StatusUnauthorized, "missing_credentials", "X-Device-ID and X-API-Key headers are required")
			return
		}

		dev, err := svc.Authenticate(r.Context(), deviceID, apiKey)
		if err != nil {
			handleTelemetryError(w, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
			return
		}

		payload, err := telemetry.DecodePayload(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		in, err := payload.Input()
		if err != nil {
			handleTelemetryError(w, err)
			return
		}

		sample, err := svc.Ingest(r.Context(), dev, in)
		if err != nil {
			handleTelemetryError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, SampleCreatedResponse{SampleID: sample.ID})
	}
}

func handleTelemetryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, telemetry.ErrUnknownDevice):
		writeError(w, http.StatusForbidden, "unknown_device", err.Error())
	case errors.Is(err, telemetry.ErrInvalidCredential):
		writeError(w, http.StatusForbidden, "invalid_credential", err.Error())
	case errors.Is(err, telemetry.ErrDeviceInactive):
		writeError(w, http.StatusForbidden, "device_inactive", err.Error())
	case errors.Is(err, telemetry.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
	case errors.Is(err, telemetry.ErrInvalidPosition):
		writeError(w, http.StatusBadRequest, "invalid_position", err.Error())
	case errors.Is(err, telemetry.ErrEncounterNotFound):
		writeError(w, http.StatusNotFound, "encounter_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
