package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vecino-dev/vecino/pkg/subscriptions"
)

var (
	dbURL    = flag.String("db-url", getEnv("VECINO_POSTGRES_URL", "postgres://localhost/vecino?sslmode=disable"), "PostgreSQL connection URL")
	schedule = flag.String("schedule", getEnv("VECINO_SWEEP_SCHEDULE", "0 3 * * *"), "Cron schedule for the retention sweep (default: 03:00 UTC)")
	runOnce  = flag.Bool("run-once", false, "Run the sweep once and exit")
	dryRun   = flag.Bool("dry-run", false, "Report what would be purged without deleting anything")
	logLevel = flag.String("log-level", getEnv("VECINO_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.SetLevel(level)

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	sweeper := subscriptions.NewSweeper(db, logger, nil)

	if *runOnce {
		result, err := sweeper.Run(context.Background(), *dryRun)
		if err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		if result.Failed > 0 {
			os.Exit(1)
		}
		return
	}

	c := cron.New()

	_, err = c.AddFunc(*schedule, func() {
		if _, err := sweeper.Run(context.Background(), *dryRun); err != nil {
			logger.WithError(err).Error("scheduled sweep failed")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule sweep: %v", err)
	}

	c.Start()
	logger.WithField("schedule", *schedule).Info("Vecino retention sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	logger.Info("Sweeper stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
