package billing

import (
	"testing"
	"time"

	"github.com/officeeats/billing-engine/internal/money"
	"github.com/officeeats/billing-engine/internal/store"
	"github.com/officeeats/billing-engine/pkg/models"
)

func seedDeliveredAt(t *testing.T, mem *store.Memory, userID, restaurantID string, deliveredAt time.Time, items []models.OrderItem) *models.Order {
	t.Helper()
	order := &models.Order{
		UserID:       userID,
		RestaurantID: restaurantID,
		Status:       models.StatusDelivered,
		CreatedAt:    deliveredAt.Add(-2 * time.Hour),
		DeliveredAt:  &deliveredAt,
		Items:        items,
	}
	if _, err := mem.Create(store.EntityOrders, order); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	return order
}

func TestStatementPeriodSelection(t *testing.T) {
	engine, mem := testEngine()

	// Last instant of January that a kitchen can realistically stamp, and
	// just past midnight on February 1st.
	inPeriod := time.Date(2024, time.January, 31, 23, 59, 59, 0, time.UTC)
	outOfPeriod := time.Date(2024, time.February, 1, 0, 0, 0, 1000000, time.UTC)

	included := seedDeliveredAt(t, mem, "u1", "r1", inPeriod, []models.OrderItem{{Name: "Bowl", UnitPrice: 10, Qty: 1}})
	seedDeliveredAt(t, mem, "u1", "r1", outOfPeriod, []models.OrderItem{{Name: "Bowl", UnitPrice: 10, Qty: 1}})

	statement, err := engine.EnsureMonthlyStatement("u1", "2024-01", StatementOptions{})
	if err != nil {
		t.Fatalf("EnsureMonthlyStatement returned error: %v", err)
	}
	if statement == nil {
		t.Fatal("EnsureMonthlyStatement returned nil")
	}
	if statement.OrderCount != 1 {
		t.Fatalf("orderCount = %d, want 1", statement.OrderCount)
	}
	if statement.Orders[0].OrderID != included.ID {
		t.Errorf("selected order = %q, want %q", statement.Orders[0].OrderID, included.ID)
	}
}

func TestStatementDeliveredAtFallsBackToCreatedAt(t *testing.T) {
	engine, mem := testEngine()

	order := &models.Order{
		UserID:       "u1",
		RestaurantID: "r1",
		Status:       models.StatusDelivered,
		CreatedAt:    time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC),
		Items:        []models.OrderItem{{Name: "Bowl", UnitPrice: 7, Qty: 1}},
	}
	if _, err := mem.Create(store.EntityOrders, order); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}

	statement, err := engine.EnsureMonthlyStatement("u1", "2024-03", StatementOptions{})
	if err != nil {
		t.Fatalf("EnsureMonthlyStatement returned error: %v", err)
	}
	if statement == nil || statement.OrderCount != 1 {
		t.Fatalf("statement = %+v, want one order selected via createdAt", statement)
	}
}

func TestStatementEmptyPeriod(t *testing.T) {
	engine, mem := testEngine()

	statement, err := engine.EnsureMonthlyStatement("u1", "2024-05", StatementOptions{})
	if err != nil {
		t.Fatalf("EnsureMonthlyStatement returned error: %v", err)
	}
	if statement != nil {
		t.Fatalf("statement = %+v, want nil for empty period", statement)
	}
	if mem.Len(store.EntityStatements) != 0 {
		t.Errorf("statement collection has %d records, want 0", mem.Len(store.EntityStatements))
	}

	forced, err := engine.EnsureMonthlyStatement("u1", "2024-05", StatementOptions{Force: true})
	if err != nil {
		t.Fatalf("forced EnsureMonthlyStatement returned error: %v", err)
	}
	if forced == nil {
		t.Fatal("forced EnsureMonthlyStatement returned nil")
	}
	if forced.OrderCount != 0 || forced.Total != 0 {
		t.Errorf("forced statement = %+v, want empty aggregate", forced)
	}
}

func TestStatementOverwriteSemantics(t *testing.T) {
	engine, mem := testEngine()
	seedSetting(t, mem, "r1", 0)

	deliveredAt := time.Date(2024, time.April, 10, 12, 0, 0, 0, time.UTC)
	seedDeliveredAt(t, mem, "u1", "r1", deliveredAt, []models.OrderItem{{Name: "Bowl", UnitPrice: 10, Qty: 1}})

	first, err := engine.EnsureMonthlyStatement("u1", "2024-04", StatementOptions{})
	if err != nil {
		t.Fatalf("first EnsureMonthlyStatement returned error: %v", err)
	}
	if first.Subtotal != 10 {
		t.Fatalf("first subtotal = %v, want 10", first.Subtotal)
	}

	// The subsidy changes after the statement was generated.
	var settings []models.RestaurantSetting
	if err := mem.List(store.EntitySettings, nil, &settings); err != nil {
		t.Fatalf("failed to list settings: %v", err)
	}
	settings[0].SubsidyPercent = 50
	if err := mem.Update(store.EntitySettings, settings[0].ID, &settings[0], settings[0].Version); err != nil {
		t.Fatalf("failed to update setting: %v", err)
	}

	// Without overwrite the populated statement is returned unchanged.
	second, err := engine.EnsureMonthlyStatement("u1", "2024-04", StatementOptions{})
	if err != nil {
		t.Fatalf("second EnsureMonthlyStatement returned error: %v", err)
	}
	if second.ID != first.ID || second.Subtotal != 10 {
		t.Errorf("non-overwrite call changed the statement: %+v", second)
	}

	// With overwrite the aggregate is recomputed from current settings.
	third, err := engine.EnsureMonthlyStatement("u1", "2024-04", StatementOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("overwrite EnsureMonthlyStatement returned error: %v", err)
	}
	if third.ID != first.ID {
		t.Errorf("overwrite created a new record: %q vs %q", third.ID, first.ID)
	}
	if third.Subtotal != 5 {
		t.Errorf("overwritten subtotal = %v, want 5 (50%% subsidy applied)", third.Subtotal)
	}
	if mem.Len(store.EntityStatements) != 1 {
		t.Errorf("statement collection has %d records, want 1", mem.Len(store.EntityStatements))
	}
}

func TestStatementRestaurantNameFallbacks(t *testing.T) {
	engine, mem := testEngine()

	restaurant := &models.Restaurant{Name: "Trattoria Luna"}
	if _, err := mem.Create(store.EntityRestaurants, restaurant); err != nil {
		t.Fatalf("failed to seed restaurant: %v", err)
	}

	deliveredAt := time.Date(2024, time.June, 5, 12, 0, 0, 0, time.UTC)
	seedDeliveredAt(t, mem, "u1", restaurant.ID, deliveredAt, []models.OrderItem{{Name: "Pasta", UnitPrice: 9, Qty: 1}})

	cached := seedDeliveredAt(t, mem, "u1", "gone-1", deliveredAt, []models.OrderItem{{Name: "Wrap", UnitPrice: 6, Qty: 1}})
	cached.RestaurantName = "Cached Kitchen"
	if err := mem.Update(store.EntityOrders, cached.ID, cached, cached.Version); err != nil {
		t.Fatalf("failed to update order: %v", err)
	}

	seedDeliveredAt(t, mem, "u1", "gone-2", deliveredAt, []models.OrderItem{{Name: "Curry", UnitPrice: 8, Qty: 1}})

	statement, err := engine.EnsureMonthlyStatement("u1", "2024-06", StatementOptions{})
	if err != nil {
		t.Fatalf("EnsureMonthlyStatement returned error: %v", err)
	}
	if statement.OrderCount != 3 {
		t.Fatalf("orderCount = %d, want 3", statement.OrderCount)
	}

	names := make(map[string]string)
	for _, summary := range statement.Orders {
		names[summary.OrderID] = summary.RestaurantName
	}
	if got := names[statement.Orders[0].OrderID]; got != "Trattoria Luna" {
		t.Errorf("live lookup name = %q, want Trattoria Luna", got)
	}
	if got := names[cached.ID]; got != "Cached Kitchen" {
		t.Errorf("cached name = %q, want Cached Kitchen", got)
	}
	if got := names[statement.Orders[2].OrderID]; got != "#gone-2" {
		t.Errorf("placeholder name = %q, want #gone-2", got)
	}
}

func TestStatementFallsBackToStoredSubtotal(t *testing.T) {
	engine, mem := testEngine()

	deliveredAt := time.Date(2024, time.July, 2, 12, 0, 0, 0, time.UTC)
	order := &models.Order{
		UserID:       "u1",
		RestaurantID: "r1",
		Status:       models.StatusDelivered,
		CreatedAt:    deliveredAt.Add(-time.Hour),
		DeliveredAt:  &deliveredAt,
		Subtotal:     13.37,
	}
	if _, err := mem.Create(store.EntityOrders, order); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}

	statement, err := engine.EnsureMonthlyStatement("u1", "2024-07", StatementOptions{})
	if err != nil {
		t.Fatalf("EnsureMonthlyStatement returned error: %v", err)
	}
	if statement.Orders[0].Subtotal != 13.37 {
		t.Errorf("order subtotal = %v, want stored 13.37", statement.Orders[0].Subtotal)
	}
}

func TestStatementNumberAndTotals(t *testing.T) {
	engine, mem := testEngine()
	seedSetting(t, mem, "r1", 20)

	deliveredAt := time.Date(2024, time.February, 15, 12, 0, 0, 0, time.UTC)
	seedDeliveredAt(t, mem, "user-12345678", "r1", deliveredAt, []models.OrderItem{
		{Name: "Bowl", UnitPrice: 10.00, Qty: 2},
		{Name: "Soda", UnitPrice: 5.50, Qty: 1},
	})

	statement, err := engine.EnsureMonthlyStatement("user-12345678", "2024-02", StatementOptions{})
	if err != nil {
		t.Fatalf("EnsureMonthlyStatement returned error: %v", err)
	}

	if statement.StatementNumber != "MS-2024-02-5678" {
		t.Errorf("statementNumber = %q, want MS-2024-02-5678", statement.StatementNumber)
	}
	if statement.Subtotal != 20.40 {
		t.Errorf("subtotal = %v, want 20.40", statement.Subtotal)
	}
	if statement.TaxAmount != 1.43 {
		t.Errorf("taxAmount = %v, want 1.43", statement.TaxAmount)
	}
	if statement.Total != 21.83 {
		t.Errorf("total = %v, want 21.83", statement.Total)
	}
	if got := money.Round2(statement.Subtotal + statement.TaxAmount); got != statement.Total {
		t.Errorf("subtotal + taxAmount = %v, want total %v", got, statement.Total)
	}

	// Leap-year February runs through the 29th.
	wantEnd := time.Date(2024, time.February, 29, 23, 59, 59, 999000000, time.UTC)
	if !statement.PeriodEnd.Equal(wantEnd) {
		t.Errorf("periodEnd = %v, want %v", statement.PeriodEnd, wantEnd)
	}
}

func TestStatementInvalidMonthKey(t *testing.T) {
	engine, _ := testEngine()
	if _, err := engine.EnsureMonthlyStatement("u1", "2024/02", StatementOptions{}); err == nil {
		t.Error("expected error for malformed month key")
	}
}
