// Package billing derives invoices from delivered orders and aggregates
// delivered orders into monthly statements. Both derivations are pure
// recomputation over the record store: the engine keeps no state of its
// own between calls.
package billing

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/circuitbreaker"
	"github.com/officeeats/billing-engine/internal/money"
	"github.com/officeeats/billing-engine/internal/store"
	"github.com/officeeats/billing-engine/internal/subsidy"
	"github.com/officeeats/billing-engine/pkg/models"
)

const (
	// Currency is the only currency the engine bills in.
	Currency = "EUR"

	// TaxRate is the flat rate applied to the post-subsidy subtotal.
	TaxRate = 0.07

	invoiceDueDays = 14
)

// InvoicePublisher receives a notification after an invoice record has been
// persisted. Publishing is best-effort: a publish failure never fails the
// derivation.
type InvoicePublisher interface {
	PublishInvoiceCreated(invoice *models.Invoice) error
}

type Engine struct {
	store    store.RecordStore
	logger   *logrus.Logger
	producer InvoicePublisher
	breaker  *circuitbreaker.CircuitBreaker
	locks    *keyedMutex
}

func NewEngine(st store.RecordStore, logger *logrus.Logger) *Engine {
	return &Engine{
		store:  st,
		logger: logger,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:        "restaurant-lookup",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			MaxRequests: 1,
		}, logger),
		locks: newKeyedMutex(),
	}
}

// SetProducer attaches an optional event publisher.
func (e *Engine) SetProducer(producer InvoicePublisher) {
	e.producer = producer
}

// EnsureInvoice returns the invoice for a delivered order, deriving and
// persisting it on first call. Orders that have not reached DELIVERED yield
// (nil, nil) with no side effect. Re-invocation returns the existing
// invoice unchanged, even if the order's items have since changed, so at
// most one invoice ever exists per order. Store failures propagate to the
// caller, which owns the retry policy.
func (e *Engine) EnsureInvoice(order *models.Order) (*models.Invoice, error) {
	if order == nil || order.Status != models.StatusDelivered {
		return nil, nil
	}

	key := "invoice:" + order.ID
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	var existing []models.Invoice
	if err := e.store.List(store.EntityInvoices, store.Filter{"orderId": order.ID}, &existing); err != nil {
		return nil, fmt.Errorf("failed to look up invoice for order %s: %w", order.ID, err)
	}
	if len(existing) > 0 {
		return &existing[0], nil
	}

	settings, err := e.loadSettings()
	if err != nil {
		return nil, err
	}

	lines := make([]models.InvoiceLine, 0, len(order.Items))
	rawSubtotal := 0.0
	for _, item := range order.Items {
		lineTotal := money.Round2(item.UnitPrice * float64(item.Qty))
		lines = append(lines, models.InvoiceLine{
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Qty:       item.Qty,
			LineTotal: lineTotal,
		})
		rawSubtotal += lineTotal
	}
	rawSubtotal = money.Round2(rawSubtotal)

	subsidyPercent := subsidy.PercentFor(settings, order.RestaurantID)
	subsidyAmount := money.Round2(math.Min(rawSubtotal*subsidyPercent/100, rawSubtotal))
	subtotal := money.Round2(rawSubtotal - subsidyAmount)
	taxAmount := money.Round2(subtotal * TaxRate)
	total := money.Round2(subtotal + taxAmount)

	now := time.Now().UTC()
	invoice := &models.Invoice{
		InvoiceNumber:  buildInvoiceNumber(order.ID, now),
		UserID:         order.UserID,
		OrderID:        order.ID,
		RestaurantID:   order.RestaurantID,
		CreatedAt:      now,
		DueDate:        now.AddDate(0, 0, invoiceDueDays),
		Currency:       Currency,
		RawSubtotal:    rawSubtotal,
		SubsidyPercent: subsidyPercent,
		SubsidyAmount:  subsidyAmount,
		Subtotal:       subtotal,
		TaxRate:        TaxRate,
		TaxAmount:      taxAmount,
		Total:          total,
		Lines:          lines,
	}

	if _, err := e.store.Create(store.EntityInvoices, invoice); err != nil {
		return nil, fmt.Errorf("failed to create invoice for order %s: %w", order.ID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"invoice_number": invoice.InvoiceNumber,
		"order_id":       order.ID,
		"user_id":        order.UserID,
		"total":          invoice.Total,
	}).Info("Invoice derived for delivered order")

	if e.producer != nil {
		if err := e.producer.PublishInvoiceCreated(invoice); err != nil {
			e.logger.WithError(err).Error("Failed to publish invoice created event")
			// Don't fail the derivation, just log the error
		}
	}

	return invoice, nil
}

// buildInvoiceNumber derives the human-readable number from the current
// year and the last six alphanumeric characters of the order id, uppercased
// and left-padded with zeros.
func buildInvoiceNumber(orderID string, now time.Time) string {
	normalized := alnumOnly(orderID)
	if len(normalized) > 6 {
		normalized = normalized[len(normalized)-6:]
	}
	normalized = strings.ToUpper(normalized)
	for len(normalized) < 6 {
		normalized = "0" + normalized
	}
	return fmt.Sprintf("OE-%d-%s", now.Year(), normalized)
}

func alnumOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (e *Engine) loadSettings() ([]models.RestaurantSetting, error) {
	var settings []models.RestaurantSetting
	if err := e.store.List(store.EntitySettings, nil, &settings); err != nil {
		return nil, fmt.Errorf("failed to load restaurant settings: %w", err)
	}
	for i := range settings {
		subsidy.Normalize(&settings[i])
	}
	return settings, nil
}
