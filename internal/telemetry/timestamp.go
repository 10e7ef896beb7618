package telemetry

import (
	"strconv"
	"strings"
	"time"
)

var captureLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseCaptureTime resolves the device-asserted capture time. It accepts
// RFC 3339 (zone-less values are read as UTC) and unix epoch seconds or
// milliseconds. Anything else yields fallback and ok=false: a bad timestamp
// never rejects a sample.
func ParseCaptureTime(raw string, fallback time.Time) (t time.Time, ok bool) {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" || raw == "null" {
		return fallback, false
	}

	for _, layout := range captureLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), true
		}
	}

	if n, err := strconv.ParseFloat(raw, 64); err == nil && n > 0 {
		// 1e12 seconds is year 33658, so anything larger is milliseconds
		if n >= 1e12 {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), true
	}

	return fallback, false
}
