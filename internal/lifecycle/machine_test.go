package lifecycle

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/billing"
	"github.com/officeeats/billing-engine/internal/store"
	"github.com/officeeats/billing-engine/pkg/models"
)

func testMachine() (*Machine, *store.Memory) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	mem := store.NewMemory()
	engine := billing.NewEngine(mem, logger)
	return NewMachine(mem, engine, logger), mem
}

func submitOrder(t *testing.T, m *Machine) *models.Order {
	t.Helper()
	order, err := m.Submit(OrderInput{
		UserID:          "u1",
		RestaurantID:    "r1",
		Items:           []models.OrderItem{{Name: "Bowl", UnitPrice: 10.00, Qty: 2}},
		AcceptedTos:     true,
		AcceptedPrivacy: true,
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	return order
}

func TestSubmitSeedsOrder(t *testing.T) {
	m, _ := testMachine()
	order := submitOrder(t, m)

	if order.Status != models.StatusConfirmed {
		t.Errorf("status = %q, want CONFIRMED", order.Status)
	}
	if len(order.StatusHistory) != 1 {
		t.Fatalf("history length = %d, want 1", len(order.StatusHistory))
	}
	if order.StatusHistory[0].Event != models.StatusConfirmed || order.StatusHistory[0].Actor != models.ActorEmployee {
		t.Errorf("seed entry = %+v, want CONFIRMED by employee", order.StatusHistory[0])
	}
	if order.Subtotal != 20.00 {
		t.Errorf("subtotal = %v, want 20.00", order.Subtotal)
	}
	if order.AcceptedAt == nil {
		t.Error("acceptedAt not stamped")
	}
}

func TestSubmitRequiresConsent(t *testing.T) {
	m, mem := testMachine()

	_, err := m.Submit(OrderInput{
		UserID:       "u1",
		RestaurantID: "r1",
		AcceptedTos:  true,
	})
	if !errors.Is(err, ErrConsentRequired) {
		t.Errorf("Submit without privacy consent = %v, want ErrConsentRequired", err)
	}
	if mem.Len(store.EntityOrders) != 0 {
		t.Errorf("order collection has %d records, want 0", mem.Len(store.EntityOrders))
	}
}

func TestAdvanceWalksMainSequence(t *testing.T) {
	m, mem := testMachine()
	order := submitOrder(t, m)

	want := []string{
		models.StatusSentToKitchen,
		models.StatusAcceptedByKitchen,
		models.StatusAssignedToDriver,
		models.StatusOutForDelivery,
		models.StatusDelivered,
	}

	for i, expected := range want {
		updated, err := m.Advance(order.ID)
		if err != nil {
			t.Fatalf("Advance #%d returned error: %v", i+1, err)
		}
		if updated.Status != expected {
			t.Fatalf("Advance #%d: status = %q, want %q", i+1, updated.Status, expected)
		}
		if expected != models.StatusDelivered && updated.DeliveredAt != nil {
			t.Errorf("deliveredAt set before DELIVERED (at %q)", expected)
		}
	}

	var final models.Order
	if err := mem.Get(store.EntityOrders, order.ID, &final); err != nil {
		t.Fatalf("failed to reload order: %v", err)
	}
	if len(final.StatusHistory) != 6 {
		t.Errorf("history length = %d, want 6 (seed + 5 transitions)", len(final.StatusHistory))
	}
	if final.DeliveredAt == nil {
		t.Error("deliveredAt not set on delivery")
	}
	if last := final.StatusHistory[len(final.StatusHistory)-1]; last.Event != final.Status {
		t.Errorf("last history event = %q, want current status %q", last.Event, final.Status)
	}

	// Delivery derives the invoice.
	var invoices []models.Invoice
	if err := mem.List(store.EntityInvoices, store.Filter{"orderId": order.ID}, &invoices); err != nil {
		t.Fatalf("failed to list invoices: %v", err)
	}
	if len(invoices) != 1 {
		t.Fatalf("invoice count = %d, want 1", len(invoices))
	}
}

func TestAdvanceTerminalLockout(t *testing.T) {
	m, mem := testMachine()
	order := submitOrder(t, m)

	for i := 0; i < 5; i++ {
		if _, err := m.Advance(order.ID); err != nil {
			t.Fatalf("Advance returned error: %v", err)
		}
	}

	var delivered models.Order
	if err := mem.Get(store.EntityOrders, order.ID, &delivered); err != nil {
		t.Fatalf("failed to reload order: %v", err)
	}

	for name, op := range map[string]func(string) (*models.Order, error){
		"Advance": m.Advance,
		"Reject":  m.Reject,
		"Cancel":  m.Cancel,
	} {
		after, err := op(order.ID)
		if err != nil {
			t.Fatalf("%s on delivered order returned error: %v", name, err)
		}
		if after.Status != models.StatusDelivered {
			t.Errorf("%s changed status of delivered order to %q", name, after.Status)
		}
		if len(after.StatusHistory) != len(delivered.StatusHistory) {
			t.Errorf("%s appended history on delivered order", name)
		}
	}
}

func TestCancelOnlyFromConfirmed(t *testing.T) {
	m, _ := testMachine()

	order := submitOrder(t, m)
	cancelled, err := m.Cancel(order.ID)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status = %q, want CANCELLED", cancelled.Status)
	}

	// Terminal: nothing moves a cancelled order.
	after, err := m.Advance(order.ID)
	if err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}
	if after.Status != models.StatusCancelled {
		t.Errorf("Advance moved a cancelled order to %q", after.Status)
	}

	// Past CONFIRMED, cancel is a no-op.
	other := submitOrder(t, m)
	if _, err := m.Advance(other.ID); err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}
	unchanged, err := m.Cancel(other.ID)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if unchanged.Status != models.StatusSentToKitchen {
		t.Errorf("Cancel changed status to %q, want SENT_TO_KITCHEN no-op", unchanged.Status)
	}
}

func TestRejectOnlyFromSentToKitchen(t *testing.T) {
	m, _ := testMachine()

	order := submitOrder(t, m)

	// From CONFIRMED, reject is a no-op.
	unchanged, err := m.Reject(order.ID)
	if err != nil {
		t.Fatalf("Reject returned error: %v", err)
	}
	if unchanged.Status != models.StatusConfirmed {
		t.Errorf("Reject changed status to %q from CONFIRMED", unchanged.Status)
	}

	if _, err := m.Advance(order.ID); err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}
	rejected, err := m.Reject(order.ID)
	if err != nil {
		t.Fatalf("Reject returned error: %v", err)
	}
	if rejected.Status != models.StatusRejectedByKitchen {
		t.Fatalf("status = %q, want REJECTED_BY_KITCHEN", rejected.Status)
	}
	if last := rejected.StatusHistory[len(rejected.StatusHistory)-1]; last.Actor != models.ActorKitchen {
		t.Errorf("rejection actor = %q, want kitchen", last.Actor)
	}

	// Rejection is terminal here: no automatic move to CANCELLED.
	after, err := m.Advance(order.ID)
	if err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}
	if after.Status != models.StatusRejectedByKitchen {
		t.Errorf("Advance moved a rejected order to %q", after.Status)
	}
}

func TestResetGatedByDiagnosticsFlag(t *testing.T) {
	m, _ := testMachine()
	order := submitOrder(t, m)
	if _, err := m.Advance(order.ID); err != nil {
		t.Fatalf("Advance returned error: %v", err)
	}

	// Disabled by default: no-op.
	after, err := m.Reset(order.ID)
	if err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if after.Status != models.StatusSentToKitchen || len(after.StatusHistory) != 2 {
		t.Errorf("disabled Reset mutated order: %+v", after)
	}

	m.AllowReset(true)
	reset, err := m.Reset(order.ID)
	if err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if reset.Status != models.StatusConfirmed {
		t.Errorf("status after reset = %q, want CONFIRMED", reset.Status)
	}
	if len(reset.StatusHistory) != 0 {
		t.Errorf("history length after reset = %d, want 0", len(reset.StatusHistory))
	}
}
