package telemetry

import "time"

// SetClock replaces the time source of s.
func SetClock(s *Service, now func() time.Time) {
	s.now = now
}
