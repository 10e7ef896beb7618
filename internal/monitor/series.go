package monitor

import (
	"slices"

	"github.com/google/uuid"
)

// CollectSeries builds the sparkline series for ids from rows ordered newest
// first within each encounter. Heart rate and saturation are collected
// independently, up to n values each, and returned oldest first. Every
// requested id gets an entry, with empty lists when it has no data.
func CollectSeries(ids []uuid.UUID, rows []SparkRow, n int) map[uuid.UUID]Series {
	out := make(map[uuid.UUID]Series, len(ids))
	for _, id := range ids {
		out[id] = Series{HeartRate: []int{}, O2Sat: []int{}}
	}

	for _, r := range rows {
		s, ok := out[r.EncounterID]
		if !ok {
			continue
		}
		if len(s.HeartRate) >= n && len(s.O2Sat) >= n {
			continue
		}
		if r.HeartRate != nil && len(s.HeartRate) < n {
			s.HeartRate = append(s.HeartRate, *r.HeartRate)
		}
		if r.O2Sat != nil && len(s.O2Sat) < n {
			s.O2Sat = append(s.O2Sat, *r.O2Sat)
		}
		out[r.EncounterID] = s
	}

	for id, s := range out {
		slices.Reverse(s.HeartRate)
		slices.Reverse(s.O2Sat)
		out[id] = s
	}

	return out
}
