package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hackgods/triage-telemetry/internal/monitor"
	"github.com/hackgods/triage-telemetry/internal/telemetry"
	"github.com/hackgods/triage-telemetry/internal/triage"
)

type RouterConfig struct {
	Triage       *triage.Service
	Telemetry    *telemetry.Service
	Monitor      *monitor.Service
	Dependencies []Dependency
	PushInterval time.Duration
	Logger       *zap.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Triage queue
	r.Post("/encounters", registerEncounterHandler(cfg.Triage))
	r.Route("/encounters/{id}", func(r chi.Router) {
		r.Post("/triage", retriageHandler(cfg.Triage))
		r.Post("/call", callHandler(cfg.Triage))
		r.Post("/close", closeHandler(cfg.Triage))
		r.Post("/location", locationHandler(cfg.Telemetry))
	})
	r.Get("/queue", listQueueHandler(cfg.Triage))
	r.Get("/dashboard", dashboardHandler(cfg.Triage))

	// Device ingress
	r.Post("/api/iot/telemetry", ingestTelemetryHandler(cfg.Telemetry))

	// Monitoring
	r.Route("/monitor", func(r chi.Router) {
		r.Get("/summary", summaryHandler(cfg.Monitor))
		r.Get("/latest", latestHandler(cfg.Monitor))
		r.Get("/encounters/{id}/history", historyHandler(cfg.Monitor))
		r.Get("/sparklines", sparklinesHandler(cfg.Monitor))
		r.Get("/map", mapHandler(cfg.Monitor))
		r.Method(http.MethodGet, "/ws", NewMonitorStream(cfg.Monitor, cfg.PushInterval, cfg.Logger))
	})

	return r
}
