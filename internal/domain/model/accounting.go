package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Contact is a tenant-scoped Xero contact. Invoices reference it by
// ContactID only.
type Contact struct {
	TenantID   string
	ContactID  string
	Name       string
	Email      string
	Status     string
	IsCustomer bool
	IsSupplier bool
	UpdatedAt  time.Time // Remote UpdatedDateUTC; drives the watermark.
}

// Invoice is a tenant-scoped Xero invoice keyed by its remote InvoiceID.
// Monetary fields are fixed-point and never rounded.
type Invoice struct {
	TenantID        string
	InvoiceID       string
	InvoiceNumber   string
	Reference       string
	Type            string
	Status          string
	LineAmountTypes string
	ContactID       string
	ContactName     string
	CurrencyCode    string
	IssueDate       *time.Time
	DueDate         *time.Time
	SubTotal        decimal.Decimal
	TotalTax        decimal.Decimal
	Total           decimal.Decimal
	AmountDue       decimal.Decimal
	AmountPaid      decimal.Decimal
	AmountCredited  decimal.Decimal
	UpdatedAt       time.Time
	LineItems       []LineItem
}

// LineItem is owned by exactly one Invoice and keyed by
// (InvoiceID, LineItemID).
type LineItem struct {
	TenantID    string
	InvoiceID   string
	LineItemID  string
	Description string
	AccountCode string
	TaxType     string
	ItemCode    string
	Quantity    decimal.Decimal
	UnitAmount  decimal.Decimal
	TaxAmount   decimal.Decimal
	LineAmount  decimal.Decimal
	Tracking    json.RawMessage
}

// LineItemKey joins an invoice id and line item id into the composite key
// used for existence lookups.
func LineItemKey(invoiceID, lineItemID string) string {
	return invoiceID + "/" + lineItemID
}

// Key returns the line item's composite key.
func (l LineItem) Key() string {
	return LineItemKey(l.InvoiceID, l.LineItemID)
}
