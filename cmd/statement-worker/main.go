package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/billing"
	"github.com/officeeats/billing-engine/internal/events"
	"github.com/officeeats/billing-engine/internal/money"
	"github.com/officeeats/billing-engine/internal/store"
)

// errTransient marks failures worth a retry before the DLQ.
var errTransient = errors.New("transient statement failure")

// statementHandler keeps monthly statements current: every delivered-order
// event triggers a recompute of the affected user's month.
type statementHandler struct {
	engine *billing.Engine
	logger *logrus.Logger
}

func (h *statementHandler) HandleOrderDelivered(event events.OrderDeliveredEvent) error {
	monthKey := money.MonthKey(event.DeliveredAt)

	statement, err := h.engine.EnsureMonthlyStatement(event.UserID, monthKey, billing.StatementOptions{
		Overwrite: true,
	})
	if err != nil {
		return fmt.Errorf("failed to update statement for user %s month %s: %w", event.UserID, monthKey, err)
	}
	if statement == nil {
		// The order hasn't landed in the store yet; retry picks it up.
		return fmt.Errorf("no delivered orders found for user %s month %s: %w", event.UserID, monthKey, errTransient)
	}

	h.logger.WithFields(logrus.Fields{
		"order_id":         event.OrderID,
		"user_id":          event.UserID,
		"month":            monthKey,
		"statement_number": statement.StatementNumber,
		"order_count":      statement.OrderCount,
		"total":            statement.Total,
	}).Info("Monthly statement updated")

	return nil
}

// IsRetryable treats store lookups that can never succeed as permanent;
// everything else is assumed transient (store restarts, network blips).
func (h *statementHandler) IsRetryable(err error) bool {
	return !errors.Is(err, store.ErrNotFound)
}

func main() {
	// A missing .env is fine outside local development.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	brokers := getEnv("KAFKA_BROKERS", "localhost:9092")
	groupID := getEnv("KAFKA_GROUP_ID", "statement-worker")

	recordStore, err := buildStore(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize record store")
	}

	engine := billing.NewEngine(recordStore, logger)
	handler := &statementHandler{engine: engine, logger: logger}

	consumer, err := events.NewKafkaConsumerWithRetry(brokers, groupID, handler, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"brokers":  brokers,
		"group_id": groupID,
	}).Info("Statement worker starting")

	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Consumer stopped with error")
	}

	logger.Info("Statement worker stopped")
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
