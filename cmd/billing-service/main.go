package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/api"
	"github.com/officeeats/billing-engine/internal/billing"
	"github.com/officeeats/billing-engine/internal/events"
	"github.com/officeeats/billing-engine/internal/lifecycle"
	"github.com/officeeats/billing-engine/internal/store"
	"github.com/officeeats/billing-engine/internal/ws"
)

func main() {
	// A missing .env is fine outside local development.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	port := getEnv("PORT", "8080")

	recordStore, err := buildStore(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize record store")
	}

	engine := billing.NewEngine(recordStore, logger)
	machine := lifecycle.NewMachine(recordStore, engine, logger)

	if getEnv("LIFECYCLE_ALLOW_RESET", "false") == "true" {
		machine.AllowReset(true)
		logger.Warn("Order reset diagnostics enabled - do not run this in production")
	}

	brokers := getEnv("KAFKA_BROKERS", "")
	var producer *events.KafkaProducer
	if brokers != "" {
		producer, err = events.NewKafkaProducer(brokers, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Kafka")
		}
		defer producer.Close()
		engine.SetProducer(producer)
		machine.SetProducer(producer)
		logger.WithField("brokers", brokers).Info("Kafka producer configured")
	} else {
		logger.Info("KAFKA_BROKERS not set - running without event publishing")
	}

	wsHub := ws.NewHub(logger)
	go wsHub.Run()
	machine.SetBroadcaster(wsHub)

	handler := api.NewHandler(recordStore, engine, machine, logger)
	handler.SetWebSocketHub(wsHub)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(logger))

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", port).Info("Starting billing service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server gracefully stopped")
}

// buildStore selects the record store backend. "postgres" and "http" are
// the deployed options; "memory" keeps everything in-process for demos.
func buildStore(logger *logrus.Logger) (store.RecordStore, error) {
	backend := getEnv("STORE_BACKEND", "memory")

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
	case "memory":
		logger.Warn("Using in-memory record store - data is lost on restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			}).Info("Request received")

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}

func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The canteen UI runs on its own origin in development
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
