package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/billing"
	"github.com/officeeats/billing-engine/internal/lifecycle"
	"github.com/officeeats/billing-engine/internal/store"
	"github.com/officeeats/billing-engine/pkg/models"
)

func testServer(t *testing.T) (*httptest.Server, *store.Memory, *lifecycle.Machine) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := store.NewMemory()
	engine := billing.NewEngine(st, logger)
	machine := lifecycle.NewMachine(st, engine, logger)

	handler := NewHandler(st, engine, machine, logger)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, st, machine
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func submitOrder(t *testing.T, server *httptest.Server) models.Order {
	t.Helper()
	input := lifecycle.OrderInput{
		UserID:          "emp-42",
		RestaurantID:    "rest-1",
		RestaurantName:  "Pasta Place",
		Items:           []models.OrderItem{{MenuItemID: "m1", Name: "Carbonara", UnitPrice: 11.50, Qty: 2}},
		AcceptedTos:     true,
		AcceptedPrivacy: true,
	}
	var order models.Order
	if code := doJSON(t, "POST", server.URL+"/orders", input, &order); code != http.StatusCreated {
		t.Fatalf("create order: status %d", code)
	}
	return order
}

func TestHealthCheck(t *testing.T) {
	server, _, _ := testServer(t)

	var body map[string]string
	if code := doJSON(t, "GET", server.URL+"/health", nil, &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestCreateOrder(t *testing.T) {
	server, st, _ := testServer(t)

	order := submitOrder(t, server)
	if order.ID == "" || order.Status != models.StatusConfirmed {
		t.Errorf("order = %+v, want CONFIRMED with id", order)
	}
	if order.Subtotal != 23.00 {
		t.Errorf("subtotal = %v, want 23.00", order.Subtotal)
	}
	if st.Len(store.EntityOrders) != 1 {
		t.Errorf("order count = %d, want 1", st.Len(store.EntityOrders))
	}
}

func TestCreateOrderRequiresConsent(t *testing.T) {
	server, st, _ := testServer(t)

	input := lifecycle.OrderInput{
		UserID:       "emp-42",
		RestaurantID: "rest-1",
		Items:        []models.OrderItem{{Name: "Salad", UnitPrice: 6.00, Qty: 1}},
		AcceptedTos:  true,
	}
	if code := doJSON(t, "POST", server.URL+"/orders", input, nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
	if st.Len(store.EntityOrders) != 0 {
		t.Error("order persisted despite missing consent")
	}
}

func TestGetOrderNotFound(t *testing.T) {
	server, _, _ := testServer(t)
	if code := doJSON(t, "GET", server.URL+"/orders/nope", nil, nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestAdvanceToDeliveredDerivesInvoice(t *testing.T) {
	server, _, _ := testServer(t)

	order := submitOrder(t, server)

	var current models.Order
	for i := 0; i < 5; i++ {
		if code := doJSON(t, "POST", server.URL+"/orders/"+order.ID+"/advance", nil, &current); code != http.StatusOK {
			t.Fatalf("advance %d: status %d", i, code)
		}
	}
	if current.Status != models.StatusDelivered {
		t.Fatalf("status = %q, want DELIVERED", current.Status)
	}

	var invoices []models.Invoice
	if code := doJSON(t, "GET", server.URL+"/invoices?orderId="+order.ID, nil, &invoices); code != http.StatusOK {
		t.Fatalf("list invoices: status %d", code)
	}
	if len(invoices) != 1 {
		t.Fatalf("invoice count = %d, want 1", len(invoices))
	}
	if invoices[0].Total != 24.61 { // 23.00 + 7% tax
		t.Errorf("total = %v, want 24.61", invoices[0].Total)
	}
}

func TestEnsureInvoiceRejectsUndelivered(t *testing.T) {
	server, _, _ := testServer(t)

	order := submitOrder(t, server)
	if code := doJSON(t, "POST", server.URL+"/orders/"+order.ID+"/invoice", nil, nil); code != http.StatusConflict {
		t.Errorf("status = %d, want 409", code)
	}
}

func TestStatementLifecycle(t *testing.T) {
	server, st, _ := testServer(t)

	deliveredAt := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	order := &models.Order{
		UserID:       "emp-42",
		RestaurantID: "rest-1",
		Status:       models.StatusDelivered,
		CreatedAt:    deliveredAt,
		DeliveredAt:  &deliveredAt,
		Subtotal:     23.00,
		Items:        []models.OrderItem{{Name: "Carbonara", UnitPrice: 11.50, Qty: 2}},
	}
	if _, err := st.Create(store.EntityOrders, order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	if code := doJSON(t, "GET", server.URL+"/statements/emp-42/2024-03", nil, nil); code != http.StatusNotFound {
		t.Fatalf("GET before POST: status %d, want 404", code)
	}

	var statement models.MonthlyStatement
	if code := doJSON(t, "POST", server.URL+"/statements/emp-42/2024-03", nil, &statement); code != http.StatusOK {
		t.Fatalf("POST statement: status %d", code)
	}
	if statement.OrderCount != 1 || statement.Month != "2024-03" {
		t.Errorf("statement = %+v, want one order for 2024-03", statement)
	}

	var fetched models.MonthlyStatement
	if code := doJSON(t, "GET", server.URL+"/statements/emp-42/2024-03", nil, &fetched); code != http.StatusOK {
		t.Fatalf("GET after POST: status %d", code)
	}
	if fetched.ID != statement.ID {
		t.Errorf("fetched id = %q, want %q", fetched.ID, statement.ID)
	}

	if code := doJSON(t, "POST", server.URL+"/statements/emp-42/2024-04", nil, nil); code != http.StatusNotFound {
		t.Errorf("empty month: status %d, want 404", code)
	}
}

func TestStatementRejectsBadMonth(t *testing.T) {
	server, _, _ := testServer(t)
	if code := doJSON(t, "POST", server.URL+"/statements/emp-42/2024-13", nil, nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestUpsertRestaurantSettings(t *testing.T) {
	server, _, _ := testServer(t)

	var saved models.RestaurantSetting
	body := map[string]interface{}{"isEnabled": true, "subsidyPercent": 150.0}
	if code := doJSON(t, "PUT", server.URL+"/restaurants/rest-1/settings", body, &saved); code != http.StatusOK {
		t.Fatalf("PUT settings: status %d", code)
	}
	if saved.SubsidyPercent != 100 {
		t.Errorf("subsidyPercent = %v, want clamped 100", saved.SubsidyPercent)
	}

	// Legacy field on an update replaces the stored percent.
	body = map[string]interface{}{"isEnabled": true, "subsidyAmount": 35.0}
	if code := doJSON(t, "PUT", server.URL+"/restaurants/rest-1/settings", body, &saved); code != http.StatusOK {
		t.Fatalf("PUT legacy settings: status %d", code)
	}
	if saved.SubsidyPercent != 35 {
		t.Errorf("subsidyPercent = %v, want 35 from legacy field", saved.SubsidyPercent)
	}
	if saved.LegacySubsidyAmount != nil {
		t.Error("legacy field survived normalization")
	}

	var fetched models.RestaurantSetting
	if code := doJSON(t, "GET", server.URL+"/restaurants/rest-1/settings", nil, &fetched); code != http.StatusOK {
		t.Fatalf("GET settings: status %d", code)
	}
	if fetched.SubsidyPercent != 35 {
		t.Errorf("fetched subsidyPercent = %v, want 35", fetched.SubsidyPercent)
	}
}

func TestReconciliationReport(t *testing.T) {
	server, st, _ := testServer(t)

	deliveredAt := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	order := &models.Order{
		UserID:       "emp-42",
		RestaurantID: "rest-1",
		Status:       models.StatusDelivered,
		CreatedAt:    deliveredAt,
		DeliveredAt:  &deliveredAt,
		Subtotal:     23.00,
		Items:        []models.OrderItem{{Name: "Carbonara", UnitPrice: 11.50, Qty: 2}},
	}
	orderID, err := st.Create(store.EntityOrders, order)
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}

	if code := doJSON(t, "POST", server.URL+"/statements/emp-42/2024-03", nil, nil); code != http.StatusOK {
		t.Fatalf("POST statement: status %d", code)
	}

	var report map[string]interface{}
	url := server.URL + "/statements/emp-42/2024-03/reconciliation"
	if code := doJSON(t, "GET", url, nil, &report); code != http.StatusOK {
		t.Fatalf("GET reconciliation: status %d", code)
	}
	if report["inSync"] != false {
		t.Errorf("inSync = %v, want false with no invoice for %s", report["inSync"], orderID)
	}

	if code := doJSON(t, "POST", fmt.Sprintf("%s/orders/%s/invoice", server.URL, orderID), nil, nil); code != http.StatusOK {
		t.Fatalf("derive invoice: status %d", code)
	}
	if code := doJSON(t, "GET", url, nil, &report); code != http.StatusOK {
		t.Fatalf("GET reconciliation: status %d", code)
	}
	if report["inSync"] != true {
		t.Errorf("inSync = %v, want true after invoice derivation", report["inSync"])
	}
}
