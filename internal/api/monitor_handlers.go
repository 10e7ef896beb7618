package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hackgods/triage-telemetry/internal/monitor"
)

func summaryHandler(svc *monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.Summary(r.Context())
		if err != nil {
			handleMonitorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func latestHandler(svc *monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := svc.Latest(r.Context())
		if err != nil {
			handleMonitorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, LatestResponse{Items: rows})
	}
}

func historyHandler(svc *monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := encounterIDParam(w, r)
		if !ok {
			return
		}

		limit, ok := positiveIntParam(w, r, "limit")
		if !ok {
			return
		}

		items, err := svc.History(r.Context(), id, limit)
		if err != nil {
			handleMonitorError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, HistoryResponse{EncounterID: id, Items: items})
	}
}

func sparklinesHandler(svc *monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := parseEncounterIDs(r.URL.Query()["encounter_ids"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_encounter_ids", err.Error())
			return
		}

		points, ok := positiveIntParam(w, r, "points")
		if !ok {
			return
		}

		series, err := svc.Sparklines(r.Context(), ids, points)
		if err != nil {
			handleMonitorError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, SparklinesResponse{Series: series})
	}
}

func mapHandler(svc *monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.Map(r.Context())
		if err != nil {
			handleMonitorError(w, err)
			return
		}
		if entries == nil {
			entries = []monitor.MapEntry{}
		}
		writeJSON(w, http.StatusOK, MapResponse{Items: entries})
	}
}

// parseEncounterIDs accepts both ?encounter_ids=a,b and repeated parameters.
func parseEncounterIDs(values []string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := uuid.Parse(part)
			if err != nil {
				return nil, errors.New("encounter_ids must be a comma separated list of UUIDs")
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// positiveIntParam returns 0 when the parameter is absent.
func positiveIntParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a positive integer")
		return 0, false
	}
	return n, true
}

func handleMonitorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrEncounterNotFound):
		writeError(w, http.StatusNotFound, "encounter_not_found", err.Error())
	case errors.Is(err, monitor.ErrTooManyEncounters):
		writeError(w, http.StatusBadRequest, "too_many_encounter_ids", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
