package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var ErrMalformedPayload = errors.New("malformed telemetry payload")

// Payload is the wire body shared by the HTTP and MQTT ingress. APIKey is only
// read on MQTT, where there are no headers. Vitals and Position stay raw so a
// single bad field never costs the rest of the sample.
type Payload struct {
	EncounterID string          `json:"encounter_id"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
	Vitals      json.RawMessage `json:"vitals,omitempty"`
	Position    json.RawMessage `json:"position,omitempty"`
	APIKey      string          `json:"api_key,omitempty"`
}

func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return p, nil
}

// Input validates the structural fields. Only a missing or invalid encounter
// id rejects the payload. Vitals and position fields that are not numbers are
// left out and named in SampleInput.Ignored.
func (p Payload) Input() (SampleInput, error) {
	if p.EncounterID == "" {
		return SampleInput{}, fmt.Errorf("%w: encounter_id is required", ErrMalformedPayload)
	}
	id, err := uuid.Parse(p.EncounterID)
	if err != nil {
		return SampleInput{}, fmt.Errorf("%w: encounter_id is not a valid uuid", ErrMalformedPayload)
	}

	in := SampleInput{
		EncounterID: id,
		Timestamp:   string(p.Timestamp),
	}
	in.Vitals, in.Ignored = decodeVitals(p.Vitals)

	pos, ok := decodePosition(p.Position)
	if !ok {
		in.Ignored = append(in.Ignored, "position")
	}
	in.Position = pos

	return in, nil
}

func decodeVitals(raw json.RawMessage) (Vitals, []string) {
	var v Vitals
	if isNull(raw) {
		return v, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return v, []string{"vitals"}
	}

	var ignored []string
	intField := func(name string, dst **int) {
		f, present, ok := numberField(fields[name])
		switch {
		case !present:
		case !ok || math.Abs(f) > math.MaxInt32:
			ignored = append(ignored, name)
		default:
			n := int(math.Round(f))
			*dst = &n
		}
	}

	intField("heart_rate", &v.HeartRate)
	intField("o2sat", &v.O2Sat)
	intField("resp_rate", &v.RespRate)
	intField("systolic", &v.Systolic)
	intField("diastolic", &v.Diastolic)

	if f, present, ok := numberField(fields["body_temp"]); present {
		if ok {
			v.BodyTemp = &f
		} else {
			ignored = append(ignored, "body_temp")
		}
	}

	return v, ignored
}

// decodePosition returns nil, true for an absent position. A position is only
// kept when both coordinates are numbers.
func decodePosition(raw json.RawMessage) (*Position, bool) {
	if isNull(raw) {
		return nil, true
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}

	lat, latPresent, latOK := numberField(fields["lat"])
	lng, lngPresent, lngOK := numberField(fields["lng"])
	if !latPresent || !lngPresent || !latOK || !lngOK {
		return nil, false
	}

	return &Position{Lat: lat, Lng: lng}, true
}

// numberField reads a JSON number or a quoted number. present is false for an
// absent or null field.
func numberField(raw json.RawMessage) (v float64, present, ok bool) {
	if isNull(raw) {
		return 0, false, true
	}

	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, true, false
		}
		s = strings.TrimSpace(str)
		if s == "" {
			return 0, false, true
		}
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, true, false
	}
	return f, true, true
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
