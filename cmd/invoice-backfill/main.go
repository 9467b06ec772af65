package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/backfill"
	"github.com/officeeats/billing-engine/internal/billing"
	"github.com/officeeats/billing-engine/internal/store"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report what would be invoiced without writing anything")
	batchSize := flag.Int("batch", 50, "orders per batch")
	delay := flag.Duration("delay", 100*time.Millisecond, "pause between batches")
	flag.Parse()

	// A missing .env is fine outside local development.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	recordStore, err := buildStore(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize record store")
	}

	engine := billing.NewEngine(recordStore, logger)

	backfiller := backfill.NewBackfiller(recordStore, engine, logger)
	backfiller.SetConfig(backfill.Config{
		BatchSize:    *batchSize,
		DelayBetween: *delay,
		DryRun:       *dryRun,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("Interrupt received, stopping after current batch")
		cancel()
	}()

	result, err := backfiller.Run(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Backfill failed")
	}

	logger.WithFields(logrus.Fields{
		"total_orders":     result.TotalOrders,
		"delivered_orders": result.DeliveredOrders,
		"invoices_created": result.InvoicesCreated,
		"skipped":          result.SkippedOrders,
		"failed":           result.FailedOrders,
		"duration":         result.ProcessingTime,
		"dry_run":          result.DryRun,
	}).Info("Backfill finished")

	if result.FailedOrders > 0 {
		os.Exit(1)
	}
}

func buildStore(logger *logrus.Logger) (store.RecordStore, error) {
	backend := getEnv("STORE_BACKEND", "http")

	switch backend {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", "postgres"),
			getEnv("DB_NAME", "billing"),
		)
		return store.NewPostgres(dsn, logger)
	case "http":
		baseURL := getEnv("STORE_URL", "http://localhost:3001")
		logger.WithField("url", baseURL).Info("Using remote record store")
		return store.NewHTTPStore(baseURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
