package billing

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/officeeats/billing-engine/internal/money"
	"github.com/officeeats/billing-engine/internal/store"
	"github.com/officeeats/billing-engine/internal/subsidy"
	"github.com/officeeats/billing-engine/pkg/models"
)

type StatementOptions struct {
	// Force creates a statement even when no delivered order falls in the
	// period. Without it, an empty month yields nil.
	Force bool

	// Overwrite recomputes an existing populated statement in place.
	// Without it, an existing populated statement is returned unchanged.
	Overwrite bool
}

// EnsureMonthlyStatement aggregates the user's delivered orders for the
// given "YYYY-MM" month into a statement record, creating or updating the
// record under (userId, month).
//
// Recomputation always reflects the current restaurant settings, not the
// settings at original generation time, so an Overwrite run may change
// historical totals. That is policy, not a bug: a statement is a live view
// until explicitly archived, and no archival mechanism exists here.
func (e *Engine) EnsureMonthlyStatement(userID, monthKey string, opts StatementOptions) (*models.MonthlyStatement, error) {
	periodStart, periodEnd, err := money.PeriodRange(monthKey)
	if err != nil {
		return nil, err
	}

	key := "statement:" + userID + ":" + monthKey
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	existing, err := e.findStatement(userID, monthKey)
	if err != nil {
		return nil, err
	}

	var history []models.Order
	if err := e.store.List(store.EntityOrders, store.Filter{"userId": userID}, &history); err != nil {
		return nil, fmt.Errorf("failed to load orders for user %s: %w", userID, err)
	}

	delivered := selectDelivered(history, periodStart, periodEnd)

	if len(delivered) == 0 && !opts.Force {
		return nil, nil
	}
	if existing != nil && len(existing.Orders) > 0 && !opts.Overwrite {
		return existing, nil
	}

	settings, err := e.loadSettings()
	if err != nil {
		return nil, err
	}
	names := e.fetchRestaurantNames(delivered)

	summaries := make([]models.StatementOrder, 0, len(delivered))
	statementSubtotal := 0.0
	for _, order := range delivered {
		itemsSubtotal := 0.0
		for _, item := range order.Items {
			itemsSubtotal += item.UnitPrice * float64(item.Qty)
		}
		baseSubtotal := money.Round2(itemsSubtotal)
		if baseSubtotal == 0 {
			// Orders recorded without line items carry their subtotal
			// directly.
			baseSubtotal = money.Round2(order.Subtotal)
		}

		subsidyPercent := subsidy.PercentFor(settings, order.RestaurantID)
		subsidyAmount := money.Round2(math.Min(baseSubtotal*subsidyPercent/100, baseSubtotal))
		subtotal := money.Round2(baseSubtotal - subsidyAmount)
		taxAmount := money.Round2(subtotal * TaxRate)
		total := money.Round2(subtotal + taxAmount)

		summaries = append(summaries, models.StatementOrder{
			OrderID:        order.ID,
			RestaurantName: resolveName(names, order),
			DeliveredAt:    effectiveDeliveryTime(order),
			Subtotal:       subtotal,
			TaxAmount:      taxAmount,
			Total:          total,
		})
		statementSubtotal += subtotal
	}

	statementSubtotal = money.Round2(statementSubtotal)
	taxAmount := money.Round2(statementSubtotal * TaxRate)
	total := money.Round2(statementSubtotal + taxAmount)

	statement := &models.MonthlyStatement{
		StatementNumber: buildStatementNumber(monthKey, userID),
		UserID:          userID,
		Month:           monthKey,
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
		CreatedAt:       time.Now().UTC(),
		Currency:        Currency,
		Subtotal:        statementSubtotal,
		TaxRate:         TaxRate,
		TaxAmount:       taxAmount,
		Total:           total,
		OrderCount:      len(summaries),
		Orders:          summaries,
	}

	if existing != nil {
		statement.ID = existing.ID
		if err := e.store.Update(store.EntityStatements, existing.ID, statement, existing.Version); err != nil {
			return nil, fmt.Errorf("failed to update statement %s: %w", existing.ID, err)
		}
	} else {
		if _, err := e.store.Create(store.EntityStatements, statement); err != nil {
			return nil, fmt.Errorf("failed to create statement for %s/%s: %w", userID, monthKey, err)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"statement_number": statement.StatementNumber,
		"user_id":          userID,
		"month":            monthKey,
		"order_count":      statement.OrderCount,
		"total":            statement.Total,
	}).Info("Monthly statement aggregated")

	return statement, nil
}

func (e *Engine) findStatement(userID, monthKey string) (*models.MonthlyStatement, error) {
	var statements []models.MonthlyStatement
	filter := store.Filter{"userId": userID, "month": monthKey}
	if err := e.store.List(store.EntityStatements, filter, &statements); err != nil {
		return nil, fmt.Errorf("failed to look up statement for %s/%s: %w", userID, monthKey, err)
	}
	if len(statements) == 0 {
		return nil, nil
	}
	return &statements[0], nil
}

// selectDelivered keeps orders that reached DELIVERED and whose delivery
// time (falling back to creation time) lies inside the inclusive period.
func selectDelivered(orders []models.Order, start, end time.Time) []models.Order {
	var selected []models.Order
	for _, order := range orders {
		if order.Status != models.StatusDelivered {
			continue
		}
		at := effectiveDeliveryTime(order)
		if at.IsZero() {
			continue
		}
		if at.Before(start) || at.After(end) {
			continue
		}
		selected = append(selected, order)
	}
	return selected
}

func effectiveDeliveryTime(order models.Order) time.Time {
	if order.DeliveredAt != nil && !order.DeliveredAt.IsZero() {
		return *order.DeliveredAt
	}
	return order.CreatedAt
}

// fetchRestaurantNames resolves the display names for the restaurants of
// the selected orders. The lookups are independent reads issued in
// parallel; each is best-effort behind the circuit breaker, and a failed
// lookup simply leaves the id out of the map so the caller falls back to
// the name cached on the order.
func (e *Engine) fetchRestaurantNames(orders []models.Order) map[string]string {
	seen := make(map[string]bool)
	var ids []string
	for _, order := range orders {
		if !seen[order.RestaurantID] {
			seen[order.RestaurantID] = true
			ids = append(ids, order.RestaurantID)
		}
	}

	names := make(map[string]string, len(ids))
	var mu sync.Mutex
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			var restaurant models.Restaurant
			err := e.breaker.Execute(func() error {
				return e.store.Get(store.EntityRestaurants, id, &restaurant)
			})
			if err != nil {
				e.logger.WithError(err).WithField("restaurant_id", id).Warn("Restaurant lookup failed, using fallback name")
				return nil
			}
			mu.Lock()
			names[id] = restaurant.Name
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return names
}

func resolveName(names map[string]string, order models.Order) string {
	if name, ok := names[order.RestaurantID]; ok && name != "" {
		return name
	}
	if order.RestaurantName != "" {
		return order.RestaurantName
	}
	return "#" + order.RestaurantID
}

// buildStatementNumber derives "MS-<month>-<last 4 alnum of userId>",
// left-padded with zeros.
func buildStatementNumber(monthKey, userID string) string {
	normalized := alnumOnly(userID)
	if len(normalized) > 4 {
		normalized = normalized[len(normalized)-4:]
	}
	for len(normalized) < 4 {
		normalized = "0" + normalized
	}
	return fmt.Sprintf("MS-%s-%s", monthKey, normalized)
}
