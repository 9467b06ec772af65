// Package lifecycle drives an order through its delivery state machine and
// gates the invoice derivation on the terminal DELIVERED state. Every
// transition validates against the status read fresh from the store, not a
// cached one, and appends to the immutable status history trail.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/money"
	"github.com/officeeats/billing-engine/internal/store"
	"github.com/officeeats/billing-engine/pkg/models"
)

// mainSequence is the forward path every successful order walks.
var mainSequence = []string{
	models.StatusConfirmed,
	models.StatusSentToKitchen,
	models.StatusAcceptedByKitchen,
	models.StatusAssignedToDriver,
	models.StatusOutForDelivery,
	models.StatusDelivered,
}

// ErrConsentRequired is returned by Submit when the terms-of-service or
// privacy consent is missing.
var ErrConsentRequired = errors.New("terms of service and privacy consent are required")

// InvoiceEnsurer derives the invoice once an order reaches DELIVERED.
type InvoiceEnsurer interface {
	EnsureInvoice(order *models.Order) (*models.Invoice, error)
}

// StatusPublisher emits order events to the message bus. Both methods are
// best-effort from the machine's point of view.
type StatusPublisher interface {
	PublishStatusChanged(order *models.Order, from string, actor string) error
	PublishOrderDelivered(order *models.Order) error
}

// Broadcaster pushes live updates to connected UI clients.
type Broadcaster interface {
	Broadcast(messageType string, data interface{}, source string)
}

type Machine struct {
	store    store.RecordStore
	billing  InvoiceEnsurer
	logger   *logrus.Logger
	producer StatusPublisher
	hub      Broadcaster

	// allowReset gates the diagnostic Reset operation. It is never enabled
	// in production deployments.
	allowReset bool
}

func NewMachine(st store.RecordStore, billing InvoiceEnsurer, logger *logrus.Logger) *Machine {
	return &Machine{
		store:   st,
		billing: billing,
		logger:  logger,
	}
}

func (m *Machine) SetProducer(producer StatusPublisher) { m.producer = producer }
func (m *Machine) SetBroadcaster(hub Broadcaster)       { m.hub = hub }
func (m *Machine) AllowReset(allow bool)                { m.allowReset = allow }

// OrderInput is a checkout submission.
type OrderInput struct {
	UserID          string             `json:"userId"`
	RestaurantID    string             `json:"restaurantId"`
	RestaurantName  string             `json:"restaurantName,omitempty"`
	TimeSlotID      string             `json:"timeSlotId,omitempty"`
	Items           []models.OrderItem `json:"items"`
	AcceptedTos     bool               `json:"acceptedTos"`
	AcceptedPrivacy bool               `json:"acceptedPrivacy"`
}

// Submit creates a new order in CONFIRMED with a seeded one-entry history.
// Both consent flags must be set; acceptedAt is stamped with the creation
// time. The stored subtotal is the pre-subsidy item sum.
func (m *Machine) Submit(input OrderInput) (*models.Order, error) {
	if !input.AcceptedTos || !input.AcceptedPrivacy {
		return nil, ErrConsentRequired
	}

	now := time.Now().UTC()
	subtotal := 0.0
	for _, item := range input.Items {
		subtotal += item.UnitPrice * float64(item.Qty)
	}

	order := &models.Order{
		UserID:          input.UserID,
		RestaurantID:    input.RestaurantID,
		RestaurantName:  input.RestaurantName,
		TimeSlotID:      input.TimeSlotID,
		Status:          models.StatusConfirmed,
		CreatedAt:       now,
		Subtotal:        money.Round2(subtotal),
		Items:           input.Items,
		AcceptedTos:     true,
		AcceptedPrivacy: true,
		AcceptedAt:      &now,
		StatusHistory: []models.StatusEntry{
			{At: now, Actor: models.ActorEmployee, Event: models.StatusConfirmed},
		},
	}

	if _, err := m.store.Create(store.EntityOrders, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"order_id":      order.ID,
		"user_id":       order.UserID,
		"restaurant_id": order.RestaurantID,
		"subtotal":      order.Subtotal,
	}).Info("Order submitted")

	m.broadcast("order_created", order)
	return order, nil
}

// Advance moves an order one step along the main sequence. Terminal orders
// and orders without a defined successor are left untouched; duplicate UI
// triggers are absorbed as no-ops rather than surfaced as errors. Reaching
// DELIVERED stamps deliveredAt and derives the invoice; an invoice failure
// is returned alongside the already-transitioned order.
func (m *Machine) Advance(orderID string) (*models.Order, error) {
	order, err := m.load(orderID)
	if err != nil {
		return nil, err
	}

	next := successor(order.Status)
	if next == "" {
		m.logNoop(order, "advance")
		return order, nil
	}

	if err := m.transition(order, next, models.ActorSystem); err != nil {
		return nil, err
	}

	if next == models.StatusDelivered {
		if m.producer != nil {
			if err := m.producer.PublishOrderDelivered(order); err != nil {
				m.logger.WithError(err).Error("Failed to publish order delivered event")
			}
		}
		if m.billing != nil {
			if _, err := m.billing.EnsureInvoice(order); err != nil {
				return order, fmt.Errorf("order delivered but invoice derivation failed: %w", err)
			}
		}
	}

	return order, nil
}

// Reject moves an order from SENT_TO_KITCHEN to the terminal
// REJECTED_BY_KITCHEN. From any other state it is a no-op. No automatic
// follow-up to CANCELLED happens here; that mapping belongs to the caller
// if the product ever wants it.
func (m *Machine) Reject(orderID string) (*models.Order, error) {
	order, err := m.load(orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.StatusSentToKitchen {
		m.logNoop(order, "reject")
		return order, nil
	}
	if err := m.transition(order, models.StatusRejectedByKitchen, models.ActorKitchen); err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel moves an order from CONFIRMED to the terminal CANCELLED. From any
// other state it is a no-op.
func (m *Machine) Cancel(orderID string) (*models.Order, error) {
	order, err := m.load(orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.StatusConfirmed {
		m.logNoop(order, "cancel")
		return order, nil
	}
	if err := m.transition(order, models.StatusCancelled, models.ActorEmployee); err != nil {
		return nil, err
	}
	return order, nil
}

// Reset force-sets an order back to CONFIRMED and clears its history. This
// is a demo/diagnostics operation only; unless explicitly enabled it does
// nothing and logs a warning.
func (m *Machine) Reset(orderID string) (*models.Order, error) {
	order, err := m.load(orderID)
	if err != nil {
		return nil, err
	}

	if !m.allowReset {
		m.logger.WithField("order_id", orderID).Warn("Reset requested but diagnostics mode is disabled")
		return order, nil
	}

	order.Status = models.StatusConfirmed
	order.StatusHistory = []models.StatusEntry{}
	if err := m.store.Update(store.EntityOrders, order.ID, order, order.Version); err != nil {
		return nil, fmt.Errorf("failed to reset order %s: %w", orderID, err)
	}

	m.logger.WithField("order_id", orderID).Info("Order reset to CONFIRMED (diagnostics)")
	m.broadcast("order_reset", order)
	return order, nil
}

func (m *Machine) load(orderID string) (*models.Order, error) {
	var order models.Order
	if err := m.store.Get(store.EntityOrders, orderID, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// transition applies the status change as a single conditional write: the
// update only lands if nobody else has written the order since it was read.
func (m *Machine) transition(order *models.Order, next, actor string) error {
	from := order.Status
	now := time.Now().UTC()

	order.Status = next
	order.StatusHistory = append(order.StatusHistory, models.StatusEntry{
		At:    now,
		Actor: actor,
		Event: next,
	})
	if next == models.StatusDelivered && order.DeliveredAt == nil {
		order.DeliveredAt = &now
	}

	if err := m.store.Update(store.EntityOrders, order.ID, order, order.Version); err != nil {
		return fmt.Errorf("failed to transition order %s to %s: %w", order.ID, next, err)
	}

	m.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"from":     from,
		"to":       next,
		"actor":    actor,
	}).Info("Order status changed")

	if m.producer != nil {
		if err := m.producer.PublishStatusChanged(order, from, actor); err != nil {
			m.logger.WithError(err).Error("Failed to publish status changed event")
			// Don't fail the transition, just log the error
		}
	}
	m.broadcast("order_status_changed", order)
	return nil
}

func (m *Machine) logNoop(order *models.Order, operation string) {
	m.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"status":   order.Status,
		"op":       operation,
	}).Debug("Transition not permitted from current status, ignoring")
}

func (m *Machine) broadcast(messageType string, order *models.Order) {
	if m.hub != nil {
		m.hub.Broadcast(messageType, order, "billing-engine")
	}
}

// successor returns the next state in the main sequence, or "" when the
// current state is terminal or has no defined forward edge.
func successor(status string) string {
	for i, s := range mainSequence {
		if s == status {
			if i == len(mainSequence)-1 {
				return ""
			}
			return mainSequence[i+1]
		}
	}
	return ""
}
