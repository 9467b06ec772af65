// Package backfill derives invoices for historical delivered orders that
// predate the billing engine. Safe to rerun: the derivation is idempotent
// per order, so orders that already carry an invoice are skipped.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/store"
	"github.com/officeeats/billing-engine/pkg/models"
)

// InvoiceEnsurer derives and persists the invoice for a delivered order.
type InvoiceEnsurer interface {
	EnsureInvoice(order *models.Order) (*models.Invoice, error)
}

type Config struct {
	BatchSize    int           `json:"batch_size"`
	DelayBetween time.Duration `json:"delay_between"`
	DryRun       bool          `json:"dry_run"`
}

type Result struct {
	TotalOrders     int            `json:"total_orders"`
	DeliveredOrders int            `json:"delivered_orders"`
	InvoicesCreated int            `json:"invoices_created"`
	SkippedOrders   int            `json:"skipped_orders"`
	FailedOrders    int            `json:"failed_orders"`
	ErrorDetails    []BackfillError `json:"error_details"`
	ProcessingTime  time.Duration  `json:"processing_time"`
	DryRun          bool           `json:"dry_run"`
	Timestamp       time.Time      `json:"timestamp"`
}

type BackfillError struct {
	OrderID   string    `json:"order_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type Backfiller struct {
	store  store.RecordStore
	engine InvoiceEnsurer
	logger *logrus.Logger
	config Config
}

func NewBackfiller(st store.RecordStore, engine InvoiceEnsurer, logger *logrus.Logger) *Backfiller {
	return &Backfiller{
		store:  st,
		engine: engine,
		logger: logger,
		config: Config{
			BatchSize:    50,
			DelayBetween: 100 * time.Millisecond,
			DryRun:       false,
		},
	}
}

func (b *Backfiller) SetConfig(config Config) {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	b.config = config
	b.logger.WithFields(logrus.Fields{
		"batch_size": config.BatchSize,
		"delay":      config.DelayBetween,
		"dry_run":    config.DryRun,
	}).Info("Backfill configuration updated")
}

// Run walks every stored order and derives invoices for delivered orders
// that don't have one yet.
func (b *Backfiller) Run(ctx context.Context) (*Result, error) {
	startTime := time.Now()

	b.logger.Info("Starting invoice backfill")

	result := &Result{
		ErrorDetails: []BackfillError{},
		DryRun:       b.config.DryRun,
		Timestamp:    time.Now().UTC(),
	}

	var orders []models.Order
	if err := b.store.List(store.EntityOrders, nil, &orders); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	result.TotalOrders = len(orders)

	var existing []models.Invoice
	if err := b.store.List(store.EntityInvoices, nil, &existing); err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	invoiced := make(map[string]bool, len(existing))
	for _, invoice := range existing {
		invoiced[invoice.OrderID] = true
	}

	b.logger.WithFields(logrus.Fields{
		"order_count":   len(orders),
		"invoice_count": len(existing),
	}).Info("Retrieved orders and existing invoices")

	for _, batch := range b.createBatches(orders) {
		select {
		case <-ctx.Done():
			result.ProcessingTime = time.Since(startTime)
			return result, ctx.Err()
		default:
		}

		b.processBatch(batch, invoiced, result)
		time.Sleep(b.config.DelayBetween)
	}

	result.ProcessingTime = time.Since(startTime)

	b.logger.WithFields(logrus.Fields{
		"delivered": result.DeliveredOrders,
		"created":   result.InvoicesCreated,
		"skipped":   result.SkippedOrders,
		"failed":    result.FailedOrders,
		"duration":  result.ProcessingTime,
	}).Info("Invoice backfill completed")

	return result, nil
}

func (b *Backfiller) processBatch(orders []models.Order, invoiced map[string]bool, result *Result) {
	for i := range orders {
		order := &orders[i]
		if order.Status != models.StatusDelivered {
			continue
		}
		result.DeliveredOrders++

		if invoiced[order.ID] {
			result.SkippedOrders++
			b.logger.WithField("order_id", order.ID).Debug("Order already invoiced, skipping")
			continue
		}

		if b.config.DryRun {
			result.InvoicesCreated++
			b.logger.WithField("order_id", order.ID).Info("DRY RUN: would derive invoice")
			continue
		}

		invoice, err := b.engine.EnsureInvoice(order)
		if err != nil {
			result.FailedOrders++
			result.ErrorDetails = append(result.ErrorDetails, BackfillError{
				OrderID:   order.ID,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
			b.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to derive invoice")
			continue
		}

		result.InvoicesCreated++
		invoiced[order.ID] = true
		b.logger.WithFields(logrus.Fields{
			"order_id":       order.ID,
			"invoice_number": invoice.InvoiceNumber,
		}).Debug("Invoice derived")
	}
}

func (b *Backfiller) createBatches(orders []models.Order) [][]models.Order {
	var batches [][]models.Order
	for i := 0; i < len(orders); i += b.config.BatchSize {
		end := i + b.config.BatchSize
		if end > len(orders) {
			end = len(orders)
		}
		batches = append(batches, orders[i:end])
	}
	return batches
}
