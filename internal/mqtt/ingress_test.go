package mqtt

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/triage-telemetry/internal/telemetry"
)

type recordingReceiver struct {
	deviceID string
	apiKey   string
	in       telemetry.SampleInput
	err      error
}

func (r *recordingReceiver) Receive(_ context.Context, deviceID, apiKey string, in telemetry.SampleInput) (*telemetry.Sample, error) {
	r.deviceID, r.apiKey, r.in = deviceID, apiKey, in
	if r.err != nil {
		return nil, r.err
	}
	return &telemetry.Sample{ID: 7, EncounterID: in.EncounterID}, nil
}

func TestDeviceIDFromTopic(t *testing.T) {
	id, err := DeviceIDFromTopic(TelemetryTopic("wrist-9"))
	require.NoError(t, err)
	assert.Equal(t, "wrist-9", id)

	for _, bad := range []string{"triage/devices//telemetry", "triage/devices/x", "other/devices/x/telemetry/extra", "triage/patients/x/telemetry"} {
		_, err := DeviceIDFromTopic(bad)
		assert.ErrorIs(t, err, ErrBadTopic, bad)
	}
}

func TestIngressHandle(t *testing.T) {
	rec := &recordingReceiver{}
	ing := NewIngress(rec, zap.NewNop())
	enc := uuid.New()

	err := ing.Handle(TelemetryTopic("wrist-1"), []byte(`{
		"api_key": "k1",
		"encounter_id": "`+enc.String()+`",
		"vitals": {"heart_rate": 88}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "wrist-1", rec.deviceID)
	assert.Equal(t, "k1", rec.apiKey)
	assert.Equal(t, enc, rec.in.EncounterID)
	assert.Equal(t, 88, *rec.in.Vitals.HeartRate)
}

func TestIngressHandle_Failures(t *testing.T) {
	rec := &recordingReceiver{err: telemetry.ErrInvalidCredential}
	ing := NewIngress(rec, zap.NewNop())

	err := ing.Handle(TelemetryTopic("wrist-1"), []byte(`{"api_key":"x","encounter_id":"`+uuid.NewString()+`"}`))
	assert.ErrorIs(t, err, telemetry.ErrInvalidCredential)

	err = ing.Handle(TelemetryTopic("wrist-1"), []byte(`not json`))
	assert.ErrorIs(t, err, telemetry.ErrMalformedPayload)

	err = ing.Handle(TelemetryTopic("wrist-1"), []byte(`{"api_key":"x"}`))
	assert.ErrorIs(t, err, telemetry.ErrMalformedPayload)

	err = ing.Handle("triage/devices", []byte(`{}`))
	assert.ErrorIs(t, err, ErrBadTopic)
}
