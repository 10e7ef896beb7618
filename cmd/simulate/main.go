package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/triage-telemetry/internal/config"
	"github.com/hackgods/triage-telemetry/internal/db"
	"github.com/hackgods/triage-telemetry/internal/logger"
	"github.com/hackgods/triage-telemetry/internal/mqtt"
	"github.com/hackgods/triage-telemetry/internal/telemetry"
)

type SimConfig struct {
	APIBaseURL     string
	Duration       time.Duration
	Workers        int
	Transport      string // http or mqtt
	TelemetryRatio float64
	ReadRatio      float64
	OperatorRatio  float64
	PositionRatio  float64
	LateRatio      float64
	PostgresDSN    string
	MQTTBroker     string
}

type deviceCred struct {
	ID  string
	Key string
}

type DataPool struct {
	Encounters []uuid.UUID
	Devices    []deviceCred
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	n := len(latencies)
	return sum / time.Duration(n), latencies[n*50/100], latencies[min(n*95/100, n-1)], latencies[n-1]
}

type Metrics struct {
	Telemetry OperationMetrics
	Summary   OperationMetrics
	Sparkline OperationMetrics
	Call      OperationMetrics
	Retriage  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	mqtt    *mqtt.Client
	log     *zap.Logger
	metrics Metrics
}

func main() {
	log, err := logger.New(getEnv("LOG_LEVEL", "info"), "console", "triage-simulate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg := loadConfig(log)
	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.String("transport", cfg.Transport),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}
	log.Info("data loaded", zap.Int("encounters", len(dataPool.Encounters)), zap.Int("devices", len(dataPool.Devices)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	if cfg.Transport == "mqtt" {
		client, err := mqtt.NewClient(mqtt.Options{
			Broker:   cfg.MQTTBroker,
			ClientID: "triage-simulate-" + uuid.NewString()[:8],
		}, log)
		if err != nil {
			log.Fatal("connect mqtt", zap.Error(err))
		}
		defer client.Disconnect()
		sim.mqtt = client
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig(log *zap.Logger) SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load base config", zap.Error(err))
	}

	cfg := SimConfig{
		APIBaseURL:     getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:       getDuration("SIM_DURATION", 30*time.Second),
		Workers:        getInt("SIM_WORKERS", 10),
		Transport:      getEnv("SIM_TRANSPORT", "http"),
		TelemetryRatio: getFloat("SIM_TELEMETRY_RATIO", 0.8),
		ReadRatio:      getFloat("SIM_READ_RATIO", 0.15),
		OperatorRatio:  getFloat("SIM_OPERATOR_RATIO", 0.05),
		PositionRatio:  getFloat("SIM_POSITION_RATIO", 0.2),
		LateRatio:      getFloat("SIM_LATE_RATIO", 0.05),
		PostgresDSN:    baseCfg.PostgresDSN,
		MQTTBroker:     baseCfg.MQTTBroker,
	}

	total := cfg.TelemetryRatio + cfg.ReadRatio + cfg.OperatorRatio
	if total > 0 {
		cfg.TelemetryRatio /= total
		cfg.ReadRatio /= total
		cfg.OperatorRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Transport != "http" && cfg.Transport != "mqtt" {
		return fmt.Errorf("SIM_TRANSPORT must be http or mqtt")
	}
	if cfg.Transport == "mqtt" && cfg.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required for the mqtt transport")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT encounter_id FROM queue_entries
		WHERE status IN ('WAITING', 'CALLED')
	`)
	if err != nil {
		return nil, fmt.Errorf("load encounters: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Encounters = append(dataPool.Encounters, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT id, api_key FROM devices WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d deviceCred
		if err := rows.Scan(&d.ID, &d.Key); err != nil {
			return nil, err
		}
		dataPool.Devices = append(dataPool.Devices, d)
	}

	if len(dataPool.Encounters) == 0 {
		return nil, fmt.Errorf("no active encounters, run cmd/seed first")
	}
	if len(dataPool.Devices) == 0 {
		return nil, fmt.Errorf("no active devices, run cmd/seed first")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.TelemetryRatio:
			s.doTelemetry(ctx, rng)
		case r < s.config.TelemetryRatio+s.config.ReadRatio:
			if rng.Intn(2) == 0 {
				s.doSummary(ctx)
			} else {
				s.doSparklines(ctx, rng)
			}
		default:
			if rng.Intn(2) == 0 {
				s.doCall(ctx, rng)
			} else {
				s.doRetriage(ctx, rng)
			}
		}
	}
}

// deviceMessage is the body a wearable sends.
type deviceMessage struct {
	EncounterID string              `json:"encounter_id"`
	Timestamp   string              `json:"timestamp"`
	Vitals      telemetry.Vitals    `json:"vitals"`
	Position    *telemetry.Position `json:"position,omitempty"`
	APIKey      string              `json:"api_key,omitempty"`
}

// samplePayload builds a plausible sample. Some samples carry only part of
// the vitals and some are stamped in the past to exercise late delivery.
func (s *Simulator) samplePayload(rng *rand.Rand, encounterID uuid.UUID) deviceMessage {
	at := time.Now().UTC()
	if rng.Float64() < s.config.LateRatio {
		at = at.Add(-time.Duration(rng.Intn(120)) * time.Second)
	}

	hr := gofakeit.Number(55, 140)
	o2 := gofakeit.Number(86, 100)
	v := telemetry.Vitals{HeartRate: &hr}
	if rng.Intn(3) > 0 {
		v.O2Sat = &o2
	}
	if rng.Intn(5) == 0 {
		temp := gofakeit.Float64Range(35.5, 40.5)
		rr := gofakeit.Number(10, 32)
		sys := gofakeit.Number(85, 180)
		dia := gofakeit.Number(50, 110)
		v.BodyTemp, v.RespRate, v.Systolic, v.Diastolic = &temp, &rr, &sys, &dia
	}

	p := deviceMessage{
		EncounterID: encounterID.String(),
		Timestamp:   at.Format(time.RFC3339Nano),
		Vitals:      v,
	}
	if rng.Float64() < s.config.PositionRatio {
		p.Position = &telemetry.Position{
			Lat: gofakeit.Float64Range(-33.6, -33.3),
			Lng: gofakeit.Float64Range(-70.8, -70.5),
		}
	}
	return p
}

func (s *Simulator) doTelemetry(ctx context.Context, rng *rand.Rand) {
	dev := s.pool.Devices[rng.Intn(len(s.pool.Devices))]
	encounterID := s.pool.Encounters[rng.Intn(len(s.pool.Encounters))]
	payload := s.samplePayload(rng, encounterID)

	start := time.Now()

	if s.mqtt != nil {
		payload.APIKey = dev.Key
		body, _ := json.Marshal(payload)
		err := s.mqtt.Publish(mqtt.TelemetryTopic(dev.ID), 1, body)
		s.metrics.Telemetry.Record(time.Since(start), err == nil, false)
		return
	}

	body, _ := json.Marshal(payload)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/api/iot/telemetry", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", dev.ID)
	req.Header.Set("X-API-Key", dev.Key)

	status, err := s.send(req)
	s.metrics.Telemetry.Record(time.Since(start), err == nil && status == http.StatusCreated, false)
}

func (s *Simulator) doSummary(ctx context.Context) {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+"/monitor/summary", nil)

	status, err := s.send(req)
	s.metrics.Summary.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doSparklines(ctx context.Context, rng *rand.Rand) {
	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		ids = append(ids, s.pool.Encounters[rng.Intn(len(s.pool.Encounters))].String())
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		s.config.APIBaseURL+"/monitor/sparklines?encounter_ids="+strings.Join(ids, ","), nil)

	status, err := s.send(req)
	s.metrics.Sparkline.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doCall(ctx context.Context, rng *rand.Rand) {
	id := s.pool.Encounters[rng.Intn(len(s.pool.Encounters))]

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/encounters/%s/call", s.config.APIBaseURL, id), nil)

	status, err := s.send(req)
	s.metrics.Call.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doRetriage(ctx context.Context, rng *rand.Rand) {
	id := s.pool.Encounters[rng.Intn(len(s.pool.Encounters))]
	body, _ := json.Marshal(map[string]string{
		"severity": gofakeit.RandomString([]string{"RED", "YELLOW", "GREEN"}),
	})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/encounters/%s/triage", s.config.APIBaseURL, id), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	status, err := s.send(req)
	s.metrics.Retriage.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) send(req *http.Request) (int, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Transport: %s\n", s.config.Transport)
	fmt.Println()

	printOperationReport("Telemetry", &s.metrics.Telemetry)
	printOperationReport("Monitor summary", &s.metrics.Summary)
	printOperationReport("Sparklines", &s.metrics.Sparkline)
	printOperationReport("Call", &s.metrics.Call)
	printOperationReport("Retriage", &s.metrics.Retriage)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Busy (409): %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
