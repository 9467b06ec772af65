// Package reconcile compares a monthly statement against the invoices
// issued for the same orders. Statements are recomputed from current
// restaurant settings, so they can legitimately drift from invoices issued
// under earlier settings; the report makes that drift visible instead of
// leaving finance to diff PDFs by hand.
package reconcile

import (
	"math"
	"strings"
	"time"

	"github.com/officeeats/billing-engine/pkg/models"
)

// centTolerance absorbs float noise; anything under half a cent is equal.
const centTolerance = 0.005

type Report struct {
	UserID          string     `json:"userId"`
	Month           string     `json:"month"`
	GeneratedAt     time.Time  `json:"generatedAt"`
	OrdersChecked   int        `json:"ordersChecked"`
	OrdersMatched   int        `json:"ordersMatched"`
	MissingInvoices []string   `json:"missingInvoices"`
	Mismatches      []Mismatch `json:"mismatches"`
	InSync          bool       `json:"inSync"`
}

type Mismatch struct {
	OrderID        string  `json:"orderId"`
	InvoiceNumber  string  `json:"invoiceNumber"`
	StatementTotal float64 `json:"statementTotal"`
	InvoiceTotal   float64 `json:"invoiceTotal"`
	Differences    string  `json:"differences"`
}

// Compare checks every order summarized on the statement against the
// invoice issued for it.
func Compare(statement *models.MonthlyStatement, invoices []models.Invoice) *Report {
	report := &Report{
		UserID:          statement.UserID,
		Month:           statement.Month,
		GeneratedAt:     time.Now().UTC(),
		MissingInvoices: []string{},
		Mismatches:      []Mismatch{},
	}

	byOrder := make(map[string]*models.Invoice, len(invoices))
	for i := range invoices {
		byOrder[invoices[i].OrderID] = &invoices[i]
	}

	for _, summary := range statement.Orders {
		report.OrdersChecked++

		invoice, ok := byOrder[summary.OrderID]
		if !ok {
			report.MissingInvoices = append(report.MissingInvoices, summary.OrderID)
			continue
		}

		var differences []string
		if !equalCents(summary.Subtotal, invoice.Subtotal) {
			differences = append(differences, "subtotal")
		}
		if !equalCents(summary.TaxAmount, invoice.TaxAmount) {
			differences = append(differences, "taxAmount")
		}
		if !equalCents(summary.Total, invoice.Total) {
			differences = append(differences, "total")
		}

		if len(differences) == 0 {
			report.OrdersMatched++
			continue
		}

		report.Mismatches = append(report.Mismatches, Mismatch{
			OrderID:        summary.OrderID,
			InvoiceNumber:  invoice.InvoiceNumber,
			StatementTotal: summary.Total,
			InvoiceTotal:   invoice.Total,
			Differences:    strings.Join(differences, ", "),
		})
	}

	report.InSync = len(report.MissingInvoices) == 0 && len(report.Mismatches) == 0
	return report
}

func equalCents(a, b float64) bool {
	return math.Abs(a-b) < centTolerance
}
