package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/dispatch"
	httpapi "github.com/example/roadside-dispatch/internal/http"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/push"
	"github.com/example/roadside-dispatch/internal/signaling"
	"github.com/example/roadside-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("config load failed", "error", err)
		os.Exit(1)
	}
	timings, err := config.LoadTimings()
	if err != nil {
		logging.NewLogger(cfg.LogLevel).Error("timings load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.RequestStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	} else {
		logger.Warn("no PG_DSN set, using in-memory request store")
		store = storage.NewMemoryStore()
	}

	var signals signaling.Store
	if cfg.RedisAddr != "" {
		rs := signaling.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		defer rs.Close()
		signals = rs
	} else {
		logger.Warn("no REDIS_ADDR set, using in-memory signaling store")
		signals = signaling.NewMemoryStore()
	}

	var gateway payments.Gateway = payments.NopGateway{}
	if cfg.StripeKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeKey)
	}

	var producer *ingest.HeartbeatProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewHeartbeatProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	directory := dispatch.NewMemoryDirectory()
	hub := push.NewHub(logging.Component(logger, "push"))

	svc := &dispatch.Service{
		Store:          store,
		Signals:        signals,
		Masters:        directory,
		Payments:       gateway,
		Nudge:          hub,
		Logger:         logging.Component(logger, "dispatch"),
		RadiusKm:       cfg.FanOutRadiusKm,
		TopN:           cfg.FanOutTopN,
		PresenceMaxAge: timings.PresenceMaxAge,
	}

	api := httpapi.NewServer(svc, signals, directory, hub, producer, logging.Component(logger, "http"))

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch backend listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("dispatch backend stopped")
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_requests.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
