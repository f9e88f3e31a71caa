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

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory ride store")
		store = storage.NewMemoryStore()
	}

	var reg registry.Registry
	if cfg.RedisAddr != "" {
		rr := registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rr.Close()
		reg = rr
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory driver registry")
		reg = registry.NewIndex()
	}

	var oracle eta.Oracle
	if cfg.OSRMEndpoint != "" {
		oracle = &eta.Cached{Oracle: eta.NewOSRMClient(cfg.OSRMEndpoint), Cache: eta.NewCache(cfg.ETACacheTTL)}
	} else {
		logger.Warn("OSRM_ENDPOINT not set, using great-circle distance estimates")
		oracle = eta.Static{SpeedKmh: cfg.StaticSpeedKmh}
	}

	var publisher notify.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = notify.NewKafkaPublisher(cfg.KafkaBrokers)
	} else {
		logger.Warn("KAFKA_BROKERS not set, events will only be logged")
		publisher = &notify.LogPublisher{Logger: logger}
	}
	defer publisher.Close()

	wsReg := push.NewWSRegistry(logging.ForComponent(logger, "push"))
	pusher := &push.Fanout{WS: wsReg}
	if cfg.FCMEndpoint != "" {
		pusher.HTTP = push.NewFCMPusher(cfg.FCMEndpoint, cfg.FCMKey)
	}

	coord := dispatch.NewCoordinator(store, reg, oracle, cfg.Fares, publisher, pusher,
		logging.ForComponent(logger, "dispatch"), dispatch.Options{
			OfferTTL:       cfg.OfferTTL,
			CandidateLimit: cfg.CandidateLimit,
			RadiusKm:       cfg.RadiusKm,
			Currency:       cfg.Currency,
		})
	defer coord.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go coord.RunSweeper(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, wsReg, logger, cfg.JWTSecret),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
