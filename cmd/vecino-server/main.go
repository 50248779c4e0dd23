package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vecino-dev/vecino/pkg/access"
	"github.com/vecino-dev/vecino/pkg/api"
	"github.com/vecino-dev/vecino/pkg/auth"
	"github.com/vecino-dev/vecino/pkg/communities"
	"github.com/vecino-dev/vecino/pkg/config"
	"github.com/vecino-dev/vecino/pkg/observability"
	"github.com/vecino-dev/vecino/pkg/storage/postgres"
	"github.com/vecino-dev/vecino/pkg/subscriptions"
)

func main() {
	migrate := flag.Bool("migrate", false, "Run database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := postgres.Connect(postgres.ConnectionConfig{
		URL:      cfg.Storage.PostgresURL,
		MaxConns: cfg.Storage.PostgresMaxConns,
		MinConns: cfg.Storage.PostgresMinConns,
		Timeout:  cfg.Storage.PostgresTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if *migrate {
		if err := postgres.RunMigrations(context.Background(), db); err != nil {
			log.Fatalf("Migrations failed: %v", err)
		}
		logger.Info("migrations applied")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
		postgres.StartPoolMetrics(ctx, db, metrics, 0)
	}

	var throttle auth.LoginThrottle
	redisClient, err := postgres.ConnectRedis(cfg.Storage.RedisURL, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
	if err != nil {
		// the throttle degrades to in-process state rather than blocking boot
		logger.WithError(err).Warn("redis unavailable, using in-memory login throttle")
		memThrottle := auth.NewMemoryThrottle(&auth.ThrottleConfig{
			MaxFailures: cfg.Auth.LockoutMaxFailures,
			Window:      cfg.Auth.LockoutWindow,
		})
		memThrottle.StartCleanup(ctx)
		throttle = memThrottle
	} else {
		defer redisClient.Close()
		throttle = auth.NewRedisThrottle(redisClient, &auth.ThrottleConfig{
			MaxFailures: cfg.Auth.LockoutMaxFailures,
			Window:      cfg.Auth.LockoutWindow,
		}, "vecino:throttle")
	}

	users := auth.NewPostgresStore(db)
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	communitySvc := communities.NewPostgresService(db)
	engine := subscriptions.NewEngine(db, cfg.EngineSettings(), logger, metrics)

	gate, err := access.NewGate(engine, communitySvc, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to create access gate: %v", err)
	}

	server := api.NewServer(api.Deps{
		Users:       users,
		Tokens:      tokens,
		Throttle:    throttle,
		Communities: communitySvc,
		Engine:      engine,
		Gate:        gate,
		TrialDays:   cfg.Engine.TrialDays,
		Logger:      logger,
		Metrics:     metrics,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}
	healthServer.Shutdown(shutdownCtx)
	logger.Info("server stopped")
}
