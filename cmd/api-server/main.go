package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/triage-telemetry/internal/api"
	"github.com/hackgods/triage-telemetry/internal/config"
	"github.com/hackgods/triage-telemetry/internal/db"
	"github.com/hackgods/triage-telemetry/internal/logger"
	"github.com/hackgods/triage-telemetry/internal/monitor"
	"github.com/hackgods/triage-telemetry/internal/mqtt"
	redisclient "github.com/hackgods/triage-telemetry/internal/redis"
	"github.com/hackgods/triage-telemetry/internal/telemetry"
	"github.com/hackgods/triage-telemetry/internal/triage"
)

const (
	version         = "dev"
	streamMaxLen    = 100_000
	serviceName     = "triage-api"
	startupTimeout  = 10 * time.Second
	readHeaderLimit = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.Duration("online_window", cfg.OnlineWindow),
		zap.Duration("lock_ttl", cfg.LockTTL),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres and apply the schema
	pgCtx, cancelPg := context.WithTimeout(rootCtx, startupTimeout)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	if err != nil {
		cancelPg()
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()

	applied, err := db.Migrate(pgCtx, pgPool)
	cancelPg()
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("connected to Postgres", zap.Strings("migrations_applied", applied))

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

	locker := redisclient.NewRedisEncounterLocker(rdb, cfg.LockTTL)
	publisher := redisclient.NewStreamPublisher(rdb, cfg.TelemetryStream, streamMaxLen)

	triageSvc := triage.NewService(triage.NewPgRepository(pgPool), locker, log.Named("triage"))
	telemetrySvc := telemetry.NewService(telemetry.NewPgRepository(pgPool), publisher, log.Named("telemetry"))
	monitorSvc := monitor.NewService(monitor.NewPgRepository(pgPool), triageSvc, monitor.Options{
		Window:          cfg.OnlineWindow,
		SummaryLimit:    cfg.SummaryLimit,
		SparklinePoints: cfg.SparklinePoints,
		HistoryLimit:    cfg.HistoryLimit,
	}, log.Named("monitor"))

	if cfg.MQTTBroker != "" {
		client, err := mqtt.NewClient(mqtt.Options{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, log.Named("mqtt"))
		if err != nil {
			return err
		}
		defer client.Disconnect()

		ingress := mqtt.NewIngress(telemetrySvc, log.Named("mqtt"))
		if err := client.Subscribe(cfg.MQTTTopic, 1, ingress.Handle); err != nil {
			return err
		}
	}

	router := api.NewRouter(api.RouterConfig{
		Triage:    triageSvc,
		Telemetry: telemetrySvc,
		Monitor:   monitorSvc,
		Dependencies: []api.Dependency{
			{Name: "postgres", Critical: true, Ping: pgPool.Ping},
			{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
		PushInterval: cfg.MonitorPushInterval,
		Logger:       log.Named("http"),
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: readHeaderLimit,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-rootCtx.Done():
	}

	log.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	log.Info("api-server stopped")
	return nil
}
