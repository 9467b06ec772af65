// Package api exposes the billing engine over HTTP. Routes follow the
// record-store naming: orders, invoices, statements, restaurant settings.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/billing"
	"github.com/officeeats/billing-engine/internal/lifecycle"
	"github.com/officeeats/billing-engine/internal/reconcile"
	"github.com/officeeats/billing-engine/internal/store"
	"github.com/officeeats/billing-engine/internal/subsidy"
	"github.com/officeeats/billing-engine/pkg/models"
)

type WebSocketHub interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

type Handler struct {
	store   store.RecordStore
	engine  *billing.Engine
	machine *lifecycle.Machine
	logger  *logrus.Logger
	wsHub   WebSocketHub
}

func NewHandler(st store.RecordStore, engine *billing.Engine, machine *lifecycle.Machine, logger *logrus.Logger) *Handler {
	return &Handler{
		store:   st,
		engine:  engine,
		machine: machine,
		logger:  logger,
	}
}

func (h *Handler) SetWebSocketHub(hub WebSocketHub) {
	h.wsHub = hub
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	router.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/orders", h.ListOrders).Methods("GET")
	router.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	router.HandleFunc("/orders/{id}/advance", h.AdvanceOrder).Methods("POST")
	router.HandleFunc("/orders/{id}/reject", h.RejectOrder).Methods("POST")
	router.HandleFunc("/orders/{id}/cancel", h.CancelOrder).Methods("POST")
	router.HandleFunc("/orders/{id}/reset", h.ResetOrder).Methods("POST")
	router.HandleFunc("/orders/{id}/invoice", h.EnsureInvoice).Methods("POST")

	router.HandleFunc("/invoices", h.ListInvoices).Methods("GET")
	router.HandleFunc("/invoices/{id}", h.GetInvoice).Methods("GET")

	router.HandleFunc("/statements", h.ListStatements).Methods("GET")
	router.HandleFunc("/statements/{userId}/{month}", h.EnsureStatement).Methods("POST")
	router.HandleFunc("/statements/{userId}/{month}", h.GetStatement).Methods("GET")
	router.HandleFunc("/statements/{userId}/{month}/reconciliation", h.ReconcileStatement).Methods("GET")

	router.HandleFunc("/restaurants/{id}/settings", h.UpsertRestaurantSettings).Methods("PUT")
	router.HandleFunc("/restaurants/{id}/settings", h.GetRestaurantSettings).Methods("GET")

	if h.wsHub != nil {
		router.HandleFunc("/ws", h.wsHub.HandleWebSocket)
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "billing-engine",
	})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var input lifecycle.OrderInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.logger.WithError(err).Error("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.machine.Submit(input)
	if err != nil {
		if errors.Is(err, lifecycle.ErrConsentRequired) {
			h.respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.WithError(err).Error("Failed to create order")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, order)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{}
	if userID := r.URL.Query().Get("userId"); userID != "" {
		filter["userId"] = userID
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter["status"] = status
	}

	var orders []models.Order
	if err := h.store.List(store.EntityOrders, filter, &orders); err != nil {
		h.logger.WithError(err).Error("Failed to list orders")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to list orders")
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}

	h.respondWithJSON(w, http.StatusOK, orders)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	var order models.Order
	if err := h.store.Get(store.EntityOrders, mux.Vars(r)["id"], &order); err != nil {
		h.respondStoreError(w, err, "order")
		return
	}
	h.respondWithJSON(w, http.StatusOK, &order)
}

func (h *Handler) AdvanceOrder(w http.ResponseWriter, r *http.Request) {
	h.respondTransition(w, r, h.machine.Advance)
}

func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	h.respondTransition(w, r, h.machine.Reject)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.respondTransition(w, r, h.machine.Cancel)
}

func (h *Handler) ResetOrder(w http.ResponseWriter, r *http.Request) {
	h.respondTransition(w, r, h.machine.Reset)
}

func (h *Handler) respondTransition(w http.ResponseWriter, r *http.Request, op func(string) (*models.Order, error)) {
	order, err := op(mux.Vars(r)["id"])
	if err != nil {
		if order != nil {
			// The transition landed but a follow-up step failed. The caller
			// gets the order back with a warning rather than a bare 500.
			h.logger.WithError(err).WithField("order_id", order.ID).Error("Transition follow-up failed")
			h.respondWithJSON(w, http.StatusOK, order)
			return
		}
		h.respondStoreError(w, err, "order")
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

// EnsureInvoice derives the invoice for a delivered order on demand. Orders
// that have not been delivered yield 409; repeated calls return the same
// invoice.
func (h *Handler) EnsureInvoice(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var order models.Order
	if err := h.store.Get(store.EntityOrders, orderID, &order); err != nil {
		h.respondStoreError(w, err, "order")
		return
	}

	invoice, err := h.engine.EnsureInvoice(&order)
	if err != nil {
		h.logger.WithError(err).WithField("order_id", orderID).Error("Failed to derive invoice")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to derive invoice")
		return
	}
	if invoice == nil {
		h.respondWithError(w, http.StatusConflict, "Order has not been delivered")
		return
	}

	h.respondWithJSON(w, http.StatusOK, invoice)
}

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{}
	if orderID := r.URL.Query().Get("orderId"); orderID != "" {
		filter["orderId"] = orderID
	}
	if userID := r.URL.Query().Get("userId"); userID != "" {
		filter["userId"] = userID
	}

	var invoices []models.Invoice
	if err := h.store.List(store.EntityInvoices, filter, &invoices); err != nil {
		h.logger.WithError(err).Error("Failed to list invoices")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to list invoices")
		return
	}
	if invoices == nil {
		invoices = []models.Invoice{}
	}

	h.respondWithJSON(w, http.StatusOK, invoices)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	var invoice models.Invoice
	if err := h.store.Get(store.EntityInvoices, mux.Vars(r)["id"], &invoice); err != nil {
		h.respondStoreError(w, err, "invoice")
		return
	}
	h.respondWithJSON(w, http.StatusOK, &invoice)
}

func (h *Handler) ListStatements(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{}
	if userID := r.URL.Query().Get("userId"); userID != "" {
		filter["userId"] = userID
	}

	var statements []models.MonthlyStatement
	if err := h.store.List(store.EntityStatements, filter, &statements); err != nil {
		h.logger.WithError(err).Error("Failed to list statements")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to list statements")
		return
	}
	if statements == nil {
		statements = []models.MonthlyStatement{}
	}

	h.respondWithJSON(w, http.StatusOK, statements)
}

// EnsureStatement aggregates a user's delivered orders for the month.
// ?force=true produces an empty statement when nothing was delivered;
// ?overwrite=true recomputes an existing statement in place.
func (h *Handler) EnsureStatement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	opts := billing.StatementOptions{
		Force:     r.URL.Query().Get("force") == "true",
		Overwrite: r.URL.Query().Get("overwrite") == "true",
	}

	statement, err := h.engine.EnsureMonthlyStatement(vars["userId"], vars["month"], opts)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": vars["userId"],
			"month":   vars["month"],
		}).Error("Failed to build monthly statement")
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if statement == nil {
		h.respondWithError(w, http.StatusNotFound, "No delivered orders in period")
		return
	}

	h.respondWithJSON(w, http.StatusOK, statement)
}

func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	statement, err := h.findStatement(vars["userId"], vars["month"])
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up statement")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to look up statement")
		return
	}
	if statement == nil {
		h.respondWithError(w, http.StatusNotFound, "Statement not found")
		return
	}
	h.respondWithJSON(w, http.StatusOK, statement)
}

// ReconcileStatement reports where the stored statement and the issued
// invoices disagree for a user's month.
func (h *Handler) ReconcileStatement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	statement, err := h.findStatement(vars["userId"], vars["month"])
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up statement")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to look up statement")
		return
	}
	if statement == nil {
		h.respondWithError(w, http.StatusNotFound, "Statement not found")
		return
	}

	var invoices []models.Invoice
	if err := h.store.List(store.EntityInvoices, store.Filter{"userId": vars["userId"]}, &invoices); err != nil {
		h.logger.WithError(err).Error("Failed to list invoices for reconciliation")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to list invoices")
		return
	}

	report := reconcile.Compare(statement, invoices)

	h.logger.WithFields(logrus.Fields{
		"user_id":    vars["userId"],
		"month":      vars["month"],
		"in_sync":    report.InSync,
		"mismatches": len(report.Mismatches),
		"missing":    len(report.MissingInvoices),
	}).Info("Statement reconciliation completed")

	h.respondWithJSON(w, http.StatusOK, report)
}

type settingsInput struct {
	IsEnabled      bool     `json:"isEnabled"`
	SubsidyPercent float64  `json:"subsidyPercent"`
	SubsidyAmount  *float64 `json:"subsidyAmount,omitempty"`
}

// UpsertRestaurantSettings writes the per-restaurant billing configuration.
// The legacy subsidyAmount field is accepted and folded into subsidyPercent;
// the stored percent is always clamped to [0, 100].
func (h *Handler) UpsertRestaurantSettings(w http.ResponseWriter, r *http.Request) {
	restaurantID := mux.Vars(r)["id"]

	var input settingsInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.logger.WithError(err).Error("Failed to decode settings request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	setting := models.RestaurantSetting{
		RestaurantID:        restaurantID,
		IsEnabled:           input.IsEnabled,
		SubsidyPercent:      input.SubsidyPercent,
		LegacySubsidyAmount: input.SubsidyAmount,
	}
	subsidy.Normalize(&setting)
	setting.SubsidyPercent = subsidy.Clamp(setting.SubsidyPercent)

	var existing []models.RestaurantSetting
	if err := h.store.List(store.EntitySettings, store.Filter{"restaurantId": restaurantID}, &existing); err != nil {
		h.logger.WithError(err).Error("Failed to look up restaurant settings")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to look up settings")
		return
	}

	if len(existing) > 0 {
		setting.ID = existing[0].ID
		if err := h.store.Update(store.EntitySettings, setting.ID, &setting, existing[0].Version); err != nil {
			h.respondStoreError(w, err, "settings")
			return
		}
	} else {
		if _, err := h.store.Create(store.EntitySettings, &setting); err != nil {
			h.logger.WithError(err).Error("Failed to create restaurant settings")
			h.respondWithError(w, http.StatusInternalServerError, "Failed to create settings")
			return
		}
	}

	h.logger.WithFields(logrus.Fields{
		"restaurant_id":   restaurantID,
		"subsidy_percent": setting.SubsidyPercent,
		"is_enabled":      setting.IsEnabled,
	}).Info("Restaurant settings updated")

	h.respondWithJSON(w, http.StatusOK, &setting)
}

func (h *Handler) GetRestaurantSettings(w http.ResponseWriter, r *http.Request) {
	restaurantID := mux.Vars(r)["id"]

	var settings []models.RestaurantSetting
	if err := h.store.List(store.EntitySettings, store.Filter{"restaurantId": restaurantID}, &settings); err != nil {
		h.logger.WithError(err).Error("Failed to look up restaurant settings")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to look up settings")
		return
	}
	if len(settings) == 0 {
		h.respondWithError(w, http.StatusNotFound, "Settings not found")
		return
	}

	setting := settings[0]
	subsidy.Normalize(&setting)
	h.respondWithJSON(w, http.StatusOK, &setting)
}

func (h *Handler) findStatement(userID, month string) (*models.MonthlyStatement, error) {
	var statements []models.MonthlyStatement
	err := h.store.List(store.EntityStatements, store.Filter{"userId": userID, "month": month}, &statements)
	if err != nil {
		return nil, err
	}
	if len(statements) == 0 {
		return nil, nil
	}
	return &statements[0], nil
}

func (h *Handler) respondStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrVersionConflict):
		h.respondWithError(w, http.StatusConflict, "Record was modified concurrently, retry")
	default:
		h.logger.WithError(err).Error("Store operation failed")
		h.respondWithError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
