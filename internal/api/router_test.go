package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/hackgods/triage-telemetry/internal/memstore"
	"github.com/hackgods/triage-telemetry/internal/monitor"
	redisclient "github.com/hackgods/triage-telemetry/internal/redis"
	"github.com/hackgods/triage-telemetry/internal/telemetry"
	"github.com/hackgods/triage-telemetry/internal/triage"
)

type testEnv struct {
	store   *memstore.Store
	handler http.Handler
}

func newTestEnv(t *testing.T, deps ...Dependency) *testEnv {
	t.Helper()

	ctrl := gomock.NewController(t)
	locker := redisclient.NewMockLocker(ctrl)
	locker.EXPECT().
		WithEncounterLock(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
			return fn(ctx)
		}).
		AnyTimes()

	log := zap.NewNop()
	store := memstore.New()
	store.AddDevice(telemetry.Device{ID: "wrist-1", APIKey: "k1", Active: true})
	store.AddDevice(telemetry.Device{ID: "retired", APIKey: "k2", Active: false})

	queue := triage.NewService(store, locker, log)
	tel := telemetry.NewService(store, nil, log)
	mon := monitor.NewService(store, queue, monitor.Options{Window: time.Minute}, log)

	return &testEnv{
		store: store,
		handler: NewRouter(RouterConfig{
			Triage:       queue,
			Telemetry:    tel,
			Monitor:      mon,
			Dependencies: deps,
			PushInterval: 50 * time.Millisecond,
			Logger:       log,
			Env:          "test",
			Version:      "dev",
		}),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) register(t *testing.T, severity string) uuid.UUID {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/encounters", map[string]any{
		"patient_id": e.store.AddPatient("Pat", severity).String(),
		"severity":   severity,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp EncounterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

var device = map[string]string{headerDeviceID: "wrist-1", headerAPIKey: "k1"}

func TestRegisterAndQueue(t *testing.T) {
	env := newTestEnv(t)

	green := env.register(t, "GREEN")
	red := env.register(t, "RED")

	rec := env.do(t, http.MethodGet, "/queue", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var queue QueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	require.Equal(t, 2, queue.Count)
	assert.Equal(t, red, queue.Items[0].EncounterID)
	assert.Equal(t, 1, queue.Items[0].Priority)
	assert.Equal(t, green, queue.Items[1].EncounterID)

	rec = env.do(t, http.MethodGet, "/queue?limit=1", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	assert.Equal(t, 1, queue.Count)

	rec = env.do(t, http.MethodGet, "/queue?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_Errors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/encounters", `{"patient_id":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_body", decodeError(t, rec).Error)

	rec = env.do(t, http.MethodPost, "/encounters", map[string]any{"patient_id": "nope", "severity": "RED"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_patient_id", decodeError(t, rec).Error)

	rec = env.do(t, http.MethodPost, "/encounters", map[string]any{"patient_id": env.store.AddPatient("A", "B"), "severity": "BLUE"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_severity", decodeError(t, rec).Error)

	rec = env.do(t, http.MethodPost, "/encounters", map[string]any{"patient_id": uuid.New(), "severity": "RED"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "patient_not_found", decodeError(t, rec).Error)
}

func TestRetriageCallClose(t *testing.T) {
	env := newTestEnv(t)
	id := env.register(t, "RED")
	base := "/encounters/" + id.String()

	rec := env.do(t, http.MethodPost, base+"/triage", map[string]string{"severity": "green"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var enc EncounterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enc))
	assert.Equal(t, "GREEN", enc.Severity)
	require.NotNil(t, enc.Priority)
	assert.Equal(t, 3, *enc.Priority)
	assert.NotNil(t, enc.TriagedAt)

	rec = env.do(t, http.MethodPost, base+"/triage", map[string]string{"severity": "PINK"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var call CallResponse
	rec = env.do(t, http.MethodPost, base+"/call", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &call))
	assert.True(t, call.Called)

	rec = env.do(t, http.MethodPost, base+"/call", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &call))
	assert.False(t, call.Called)

	rec = env.do(t, http.MethodPost, base+"/close", map[string]string{"status": "WAITING"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var closed CloseResponse
	rec = env.do(t, http.MethodPost, base+"/close", map[string]string{"status": "DONE"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closed))
	assert.True(t, closed.Closed)

	rec = env.do(t, http.MethodGet, "/dashboard", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"waiting_total":0,"called_total":0,"red_total":0,"yellow_total":0,"green_total":0}`, rec.Body.String())
}

func TestEncounterRoutes_BadIDs(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/encounters/xyz/call", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_encounter_id", decodeError(t, rec).Error)

	rec = env.do(t, http.MethodPost, "/encounters/"+uuid.NewString()+"/call", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTelemetryIngress_StatusMapping(t *testing.T) {
	env := newTestEnv(t)
	enc := env.register(t, "RED")
	valid := map[string]any{"encounter_id": enc, "vitals": map[string]int{"heart_rate": 90}}

	tests := []struct {
		name    string
		headers map[string]string
		body    any
		status  int
		code    string
	}{
		{"missing headers", nil, valid, http.StatusUnauthorized, "missing_credentials"},
		{"missing key", map[string]string{headerDeviceID: "wrist-1"}, valid, http.StatusUnauthorized, "missing_credentials"},
		{"unknown device", map[string]string{headerDeviceID: "ghost", headerAPIKey: "k1"}, valid, http.StatusForbidden, "unknown_device"},
		{"invalid credential", map[string]string{headerDeviceID: "wrist-1", headerAPIKey: "bad"}, valid, http.StatusForbidden, "invalid_credential"},
		{"inactive", map[string]string{headerDeviceID: "retired", headerAPIKey: "k2"}, valid, http.StatusForbidden, "device_inactive"},
		{"bad json", device, `{"encounter_id"`, http.StatusBadRequest, "invalid_request_body"},
		{"missing encounter", device, map[string]any{"vitals": map[string]int{"o2sat": 97}}, http.StatusBadRequest, "invalid_payload"},
		{"bad uuid", device, map[string]any{"encounter_id": "123"}, http.StatusBadRequest, "invalid_payload"},
		{"unknown encounter", device, map[string]any{"encounter_id": uuid.New()}, http.StatusNotFound, "encounter_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/iot/telemetry", tt.body, tt.headers)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}

	assert.Empty(t, env.store.Samples())
	dev, err := env.store.GetDevice(context.Background(), "wrist-1")
	require.NoError(t, err)
	assert.Nil(t, dev.LastSeen)
}

func TestTelemetryIngress_AcceptsAndSummarizes(t *testing.T) {
	env := newTestEnv(t)
	enc := env.register(t, "RED")

	rec := env.do(t, http.MethodPost, "/api/iot/telemetry", map[string]any{
		"encounter_id": enc,
		"timestamp":    "garbage",
		"vitals":       map[string]int{"heart_rate": 90, "o2sat": 97},
	}, device)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"sample_id":1}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/monitor/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []struct {
			EncounterID uuid.UUID      `json:"encounter_id"`
			Online      bool           `json:"online"`
			DeviceID    *string        `json:"device_id"`
			Vitals      map[string]any `json:"vitals"`
			GPS         map[string]any `json:"gps"`
		} `json:"items"`
		ServerTime time.Time `json:"server_time"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)

	item := body.Items[0]
	assert.Equal(t, enc, item.EncounterID)
	assert.True(t, item.Online)
	assert.Equal(t, "wrist-1", *item.DeviceID)
	assert.Equal(t, 90.0, item.Vitals["heart_rate"])
	assert.Equal(t, 97.0, item.Vitals["o2sat"])
	assert.Contains(t, item.Vitals, "body_temp")
	assert.Nil(t, item.Vitals["body_temp"])
	assert.Nil(t, item.GPS["lat"])
	assert.False(t, body.ServerTime.IsZero())
}

func TestLocationAndMap(t *testing.T) {
	env := newTestEnv(t)
	enc := env.register(t, "YELLOW")
	path := "/encounters/" + enc.String() + "/location"

	rec := env.do(t, http.MethodPost, path, map[string]float64{"lat": 12.5}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path, map[string]float64{"lat": 100, "lng": 0}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_position", decodeError(t, rec).Error)

	rec = env.do(t, http.MethodPost, path, map[string]float64{"lat": 12.5, "lng": -8.25}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/monitor/map", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var m MapResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.Len(t, m.Items, 1)
	assert.Equal(t, enc, m.Items[0].EncounterID)
	assert.Equal(t, telemetry.Position{Lat: 12.5, Lng: -8.25}, m.Items[0].Position)

	snap, err := env.store.GetSnapshot(context.Background(), enc)
	require.NoError(t, err)
	assert.True(t, snap.Vitals().Empty())
}

func TestHistoryAndSparklines(t *testing.T) {
	env := newTestEnv(t)
	enc := env.register(t, "RED")

	for _, hr := range []int{70, 71, 72} {
		rec := env.do(t, http.MethodPost, "/api/iot/telemetry", map[string]any{
			"encounter_id": enc,
			"vitals":       map[string]int{"heart_rate": hr},
		}, device)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/monitor/encounters/"+enc.String()+"/history?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Len(t, hist.Items, 2)

	rec = env.do(t, http.MethodGet, "/monitor/encounters/"+uuid.NewString()+"/history", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	other := uuid.New()
	rec = env.do(t, http.MethodGet, "/monitor/sparklines?encounter_ids="+enc.String()+","+other.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var spark SparklinesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spark))
	assert.Len(t, spark.Series[enc].HeartRate, 3)
	assert.Empty(t, spark.Series[enc].O2Sat)
	assert.Equal(t, monitor.Series{HeartRate: []int{}, O2Sat: []int{}}, spark.Series[other])

	rec = env.do(t, http.MethodGet, "/monitor/sparklines?encounter_ids=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/monitor/sparklines?encounter_ids="+enc.String()+"&points=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestView(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "GREEN")

	rec := env.do(t, http.MethodGet, "/monitor/latest", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var latest LatestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	require.Len(t, latest.Items, 1)
	assert.False(t, latest.Items[0].Online)
}

func TestHealth(t *testing.T) {
	up := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("down") }

	env := newTestEnv(t, Dependency{Name: "postgres", Critical: true, Ping: up}, Dependency{Name: "redis", Ping: down})

	rec := env.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/health/ready", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, map[string]string{"postgres": "ok", "redis": "down"}, ready.Dependencies)

	env = newTestEnv(t, Dependency{Name: "postgres", Critical: true, Ping: down})
	rec = env.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitorStream(t *testing.T) {
	env := newTestEnv(t)
	enc := env.register(t, "RED")

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/monitor/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	for i := 0; i < 2; i++ {
		var summary monitor.Summary
		require.NoError(t, conn.ReadJSON(&summary))
		require.Len(t, summary.Items, 1)
		assert.Equal(t, enc, summary.Items[0].EncounterID)
	}
}

func TestTelemetryIngress_DegradesOnUnreadableFields(t *testing.T) {
	env := newTestEnv(t)
	enc := env.register(t, "RED")

	rec := env.do(t, http.MethodPost, "/api/iot/telemetry", `{
		"encounter_id": "`+enc.String()+`",
		"vitals": {"heart_rate": 72.5, "o2sat": 97, "resp_rate": "n/a"},
		"position": {"lat": 16.44}
	}`, device)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	samples := env.store.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, 73, *samples[0].Vitals.HeartRate)
	assert.Equal(t, 97, *samples[0].Vitals.O2Sat)
	assert.Nil(t, samples[0].Vitals.RespRate)
	assert.Nil(t, samples[0].Position)

	rec = env.do(t, http.MethodGet, "/monitor/map", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestSparklines_TooManyIDs(t *testing.T) {
	env := newTestEnv(t)

	ids := make([]string, 0, 201)
	for i := 0; i < 201; i++ {
		ids = append(ids, uuid.NewString())
	}

	rec := env.do(t, http.MethodGet, "/monitor/sparklines?encounter_ids="+strings.Join(ids, ","), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "too_many_encounter_ids", decodeError(t, rec).Error)
}
