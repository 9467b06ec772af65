// store-mock serves the record-store collection protocol from memory. It
// stands in for the real document store in demos and integration tests:
// POST creates, PATCH merges with If-Match version checks, GET filters on
// field equality.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/store"
)

type mockServer struct {
	store  *store.Memory
	logger *logrus.Logger
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	port := getEnv("PORT", "3001")

	srv := &mockServer{
		store:  store.NewMemory(),
		logger: logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", srv.healthCheck).Methods("GET")
	router.HandleFunc("/{entity}", srv.createRecord).Methods("POST")
	router.HandleFunc("/{entity}", srv.listRecords).Methods("GET")
	router.HandleFunc("/{entity}/{id}", srv.getRecord).Methods("GET")
	router.HandleFunc("/{entity}/{id}", srv.patchRecord).Methods("PATCH")

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("port", port).Info("Starting mock record store")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down mock record store...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
}

func (s *mockServer) healthCheck(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  "store-mock",
		"entities": s.store.Entities(),
	})
}

func (s *mockServer) createRecord(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]

	record := map[string]interface{}{}
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	id, err := s.store.Create(entity, &record)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create record")
		s.respondWithError(w, http.StatusInternalServerError, "Failed to create record")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"entity": entity,
		"id":     id,
	}).Info("Record created")

	s.respondWithJSON(w, http.StatusCreated, record)
}

func (s *mockServer) getRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var record map[string]interface{}
	if err := s.store.Get(vars["entity"], vars["id"], &record); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Record not found")
			return
		}
		s.respondWithError(w, http.StatusInternalServerError, "Failed to read record")
		return
	}

	s.respondWithJSON(w, http.StatusOK, record)
}

// patchRecord merges the request body into the stored record. An If-Match
// header carrying the expected version makes the write conditional; without
// it the current version is used, making the write unconditional.
func (s *mockServer) patchRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entity, id := vars["entity"], vars["id"]

	patch := map[string]interface{}{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	expectedVersion, err := s.expectedVersion(r, entity, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Record not found")
			return
		}
		s.respondWithError(w, http.StatusBadRequest, "Invalid If-Match header")
		return
	}

	if err := s.store.Update(entity, id, &patch, expectedVersion); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.respondWithError(w, http.StatusNotFound, "Record not found")
		case errors.Is(err, store.ErrVersionConflict):
			s.respondWithError(w, http.StatusPreconditionFailed, "Version conflict")
		default:
			s.logger.WithError(err).Error("Failed to update record")
			s.respondWithError(w, http.StatusInternalServerError, "Failed to update record")
		}
		return
	}

	s.respondWithJSON(w, http.StatusOK, patch)
}

func (s *mockServer) listRecords(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]

	filter := store.Filter{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			filter[key] = values[0]
		}
	}

	var records []map[string]interface{}
	if err := s.store.List(entity, filter, &records); err != nil {
		s.logger.WithError(err).Error("Failed to list records")
		s.respondWithError(w, http.StatusInternalServerError, "Failed to list records")
		return
	}
	if records == nil {
		records = []map[string]interface{}{}
	}

	s.respondWithJSON(w, http.StatusOK, records)
}

func (s *mockServer) expectedVersion(r *http.Request, entity, id string) (int64, error) {
	if header := r.Header.Get("If-Match"); header != "" {
		return strconv.ParseInt(header, 10, 64)
	}

	var current map[string]interface{}
	if err := s.store.Get(entity, id, &current); err != nil {
		return 0, err
	}
	if v, ok := current["version"].(float64); ok {
		return int64(v), nil
	}
	return 0, nil
}

func (s *mockServer) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (s *mockServer) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
