package models

import (
	"time"
)

// Order statuses. The main delivery sequence runs CONFIRMED through
// DELIVERED; REJECTED_BY_KITCHEN and CANCELLED are terminal side branches.
const (
	StatusConfirmed         = "CONFIRMED"
	StatusSentToKitchen     = "SENT_TO_KITCHEN"
	StatusAcceptedByKitchen = "ACCEPTED_BY_KITCHEN"
	StatusAssignedToDriver  = "ASSIGNED_TO_DRIVER"
	StatusOutForDelivery    = "OUT_FOR_DELIVERY"
	StatusDelivered         = "DELIVERED"
	StatusRejectedByKitchen = "REJECTED_BY_KITCHEN"
	StatusCancelled         = "CANCELLED"
)

// Actors recorded in the status history trail.
const (
	ActorEmployee = "employee"
	ActorKitchen  = "kitchen"
	ActorSystem   = "system"
	ActorManager  = "manager"
)

type Order struct {
	ID              string        `json:"id,omitempty"`
	UserID          string        `json:"userId"`
	RestaurantID    string        `json:"restaurantId"`
	RestaurantName  string        `json:"restaurantName,omitempty"`
	TimeSlotID      string        `json:"timeSlotId,omitempty"`
	Status          string        `json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	DeliveredAt     *time.Time    `json:"deliveredAt,omitempty"`
	Subtotal        float64       `json:"subtotal"`
	Items           []OrderItem   `json:"items"`
	StatusHistory   []StatusEntry `json:"statusHistory"`
	AcceptedTos     bool          `json:"acceptedTos"`
	AcceptedPrivacy bool          `json:"acceptedPrivacy"`
	AcceptedAt      *time.Time    `json:"acceptedAt,omitempty"`
	Version         int64         `json:"version,omitempty"`
}

type OrderItem struct {
	MenuItemID string  `json:"menuItemId"`
	Name       string  `json:"name"`
	UnitPrice  float64 `json:"price"`
	Qty        int     `json:"qty"`
}

// StatusEntry is one link in the append-only status trail. The most recent
// entry's Event always equals the order's Status.
type StatusEntry struct {
	At    time.Time `json:"at"`
	Actor string    `json:"by"`
	Event string    `json:"event"`
}

// Terminal reports whether no further transition is permitted out of status.
func Terminal(status string) bool {
	switch status {
	case StatusDelivered, StatusCancelled, StatusRejectedByKitchen:
		return true
	}
	return false
}

type Invoice struct {
	ID             string        `json:"id,omitempty"`
	InvoiceNumber  string        `json:"invoiceNumber"`
	UserID         string        `json:"userId"`
	OrderID        string        `json:"orderId"`
	RestaurantID   string        `json:"restaurantId"`
	CreatedAt      time.Time     `json:"createdAt"`
	DueDate        time.Time     `json:"dueDate"`
	Currency       string        `json:"currency"`
	RawSubtotal    float64       `json:"rawSubtotal"`
	SubsidyPercent float64       `json:"subsidyPercent"`
	SubsidyAmount  float64       `json:"subsidyAmount"`
	Subtotal       float64       `json:"subtotal"`
	TaxRate        float64       `json:"taxRate"`
	TaxAmount      float64       `json:"taxAmount"`
	Total          float64       `json:"total"`
	Lines          []InvoiceLine `json:"lines"`
	Version        int64         `json:"version,omitempty"`
}

type InvoiceLine struct {
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unitPrice"`
	Qty       int     `json:"qty"`
	LineTotal float64 `json:"lineTotal"`
}

type MonthlyStatement struct {
	ID              string           `json:"id,omitempty"`
	StatementNumber string           `json:"statementNumber"`
	UserID          string           `json:"userId"`
	Month           string           `json:"month"`
	PeriodStart     time.Time        `json:"periodStart"`
	PeriodEnd       time.Time        `json:"periodEnd"`
	CreatedAt       time.Time        `json:"createdAt"`
	Currency        string           `json:"currency"`
	Subtotal        float64          `json:"subtotal"`
	TaxRate         float64          `json:"taxRate"`
	TaxAmount       float64          `json:"taxAmount"`
	Total           float64          `json:"total"`
	OrderCount      int              `json:"orderCount"`
	Orders          []StatementOrder `json:"orders"`
	Version         int64            `json:"version,omitempty"`
}

type StatementOrder struct {
	OrderID        string    `json:"orderId"`
	RestaurantName string    `json:"restaurantName"`
	DeliveredAt    time.Time `json:"deliveredAt"`
	Subtotal       float64   `json:"subtotal"`
	TaxAmount      float64   `json:"taxAmount"`
	Total          float64   `json:"total"`
}

// RestaurantSetting carries the per-restaurant billing configuration.
// LegacySubsidyAmount is the historical name of the percent field still
// present on old records; it is folded into SubsidyPercent at the store
// boundary and never read by the core directly.
type RestaurantSetting struct {
	ID                  string   `json:"id,omitempty"`
	RestaurantID        string   `json:"restaurantId"`
	IsEnabled           bool     `json:"isEnabled"`
	SubsidyPercent      float64  `json:"subsidyPercent"`
	LegacySubsidyAmount *float64 `json:"subsidyAmount,omitempty"`
	Version             int64    `json:"version,omitempty"`
}

type Restaurant struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Version int64  `json:"version,omitempty"`
}
