package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/storage"
)

const migrationFile = "001_create_ride_requests.sql"

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
	}

	store, ready, closeStore, err := openStore(ctx, cfg, rc, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var locator geo.Locator
	if rc != nil {
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		rg.Limit = cfg.Dispatch.GeoLimit
		locator = rg
		if ready == nil {
			ready = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		}
	} else {
		locator = geo.NewIndex()
	}

	ws := dispatch.NewWSRegistry(logging.Component(logger, "ws"))
	tokens := dispatch.NewTokenRegistry()
	chain := dispatch.Fallback{ws}
	if cfg.FCMEndpoint != "" {
		chain = append(chain, dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey, tokens))
	}
	if cfg.WebhookEndpoint != "" {
		chain = append(chain, dispatch.NewWebhookNotifier(cfg.WebhookEndpoint))
	}
	if len(chain) == 1 && len(cfg.KafkaBrokers) == 0 {
		chain = append(chain, &dispatch.LogNotifier{Logger: logging.Component(logger, "offers")})
	}
	var notifier matcher.Notifier = chain
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaOfferTopic)
		defer producer.Close()
		notifier = dispatch.Broadcast{chain, producer}
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	matcherLogger := logging.Component(logger, "matcher")
	svc := matcher.NewService(&matcher.Loop{
		Store:    store,
		Geo:      locator,
		Notifier: notifier,
		ETA:      estimator,
		Config:   loopConfig(cfg.Dispatch),
		Logger:   matcherLogger,
	}, matcherLogger)
	go svc.RunScheduler(ctx, cfg.Dispatch.SchedulerTick)

	deps := httpapi.Deps{
		Dispatcher: svc,
		Geo:        locator,
		WS:         ws,
		Tokens:     tokens,
		Ready:      ready,
		Logger:     logging.Component(logger, "http"),
	}
	if producer != nil {
		deps.Locations = producer
	}
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend, "redis_geo", rc != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(srv.Shutdown(shutdownCtx), svc.Shutdown(shutdownCtx))
}

func openStore(ctx context.Context, cfg config.ServerConfig, rc *redis.Client, logger *slog.Logger) (storage.RequestStore, func(context.Context) error, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN, logging.Component(logger, "store"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.RunMigrations {
			script, err := os.ReadFile(filepath.Join(cfg.MigrationsDir, migrationFile))
			if err != nil {
				_ = ps.Close()
				return nil, nil, nil, fmt.Errorf("read migration: %w", err)
			}
			if err := ps.Migrate(ctx, string(script)); err != nil {
				_ = ps.Close()
				return nil, nil, nil, fmt.Errorf("apply migration: %w", err)
			}
			logger.Info("migration applied", "file", migrationFile)
		}
		return ps, ps.Ping, func() { _ = ps.Close() }, nil
	case "redis":
		ping := func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		return storage.NewRedisStore(rc, logging.Component(logger, "store")), ping, func() {}, nil
	default:
		return storage.NewMemoryStore(), nil, func() {}, nil
	}
}

func loopConfig(d config.DispatchConfig) matcher.Config {
	expand := matcher.GeometricExpander(d.RadiusGrowth, 250)
	if len(d.RadiusSteps) > 0 {
		expand = matcher.StepExpander(d.RadiusSteps)
	}
	return matcher.Config{
		InitialRadiusMeters: d.InitialRadiusMeters,
		MaxRadiusMeters:     d.MaxRadiusMeters,
		Expand:              expand,
		OfferTimeout:        d.OfferTimeout,
		GeoRetries:          d.GeoRetries,
		GeoBackoff:          d.GeoBackoff,
		MaxOffers:           d.MaxOffers,
	}
}
