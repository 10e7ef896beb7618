package monitor

import "time"

// IsOnline reports whether the newest sample was captured within window of
// ref. The boundary is inclusive: a sample exactly window old is online.
// No sample means offline.
func IsOnline(last *time.Time, ref time.Time, window time.Duration) bool {
	if last == nil {
		return false
	}
	return !last.Before(ref.Add(-window))
}
