package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// RemoteContact is the Xero wire shape of a contact.
type RemoteContact struct {
	ContactID      string `json:"ContactID"`
	Name           string `json:"Name"`
	EmailAddress   string `json:"EmailAddress"`
	ContactStatus  string `json:"ContactStatus"`
	IsCustomer     bool   `json:"IsCustomer"`
	IsSupplier     bool   `json:"IsSupplier"`
	UpdatedDateUTC string `json:"UpdatedDateUTC"`
}

// RemoteInvoice is the Xero wire shape of an invoice, including its
// embedded line items.
type RemoteInvoice struct {
	InvoiceID       string `json:"InvoiceID"`
	InvoiceNumber   string `json:"InvoiceNumber"`
	Reference       string `json:"Reference"`
	Type            string `json:"Type"`
	Status          string `json:"Status"`
	LineAmountTypes string `json:"LineAmountTypes"`
	Contact         struct {
		ContactID string `json:"ContactID"`
		Name      string `json:"Name"`
	} `json:"Contact"`
	Date           string           `json:"Date"`
	DueDate        string           `json:"DueDate"`
	CurrencyCode   string           `json:"CurrencyCode"`
	SubTotal       decimal.Decimal  `json:"SubTotal"`
	TotalTax       decimal.Decimal  `json:"TotalTax"`
	Total          decimal.Decimal  `json:"Total"`
	AmountDue      decimal.Decimal  `json:"AmountDue"`
	AmountPaid     decimal.Decimal  `json:"AmountPaid"`
	AmountCredited decimal.Decimal  `json:"AmountCredited"`
	UpdatedDateUTC string           `json:"UpdatedDateUTC"`
	LineItems      []RemoteLineItem `json:"LineItems"`
}

// RemoteLineItem is the Xero wire shape of an invoice line.
type RemoteLineItem struct {
	LineItemID  string          `json:"LineItemID"`
	Description string          `json:"Description"`
	Quantity    decimal.Decimal `json:"Quantity"`
	UnitAmount  decimal.Decimal `json:"UnitAmount"`
	TaxAmount   decimal.Decimal `json:"TaxAmount"`
	LineAmount  decimal.Decimal `json:"LineAmount"`
	AccountCode string          `json:"AccountCode"`
	TaxType     string          `json:"TaxType"`
	ItemCode    string          `json:"ItemCode"`
	Tracking    json.RawMessage `json:"Tracking"`
}

// msDatePattern matches the Microsoft JSON date form Xero emits,
// e.g. "/Date(1704067200000+0000)/".
var msDatePattern = regexp.MustCompile(`^/Date\((-?\d+)([+-]\d{4})?\)/$`)

// ParseRemoteTime parses a Xero timestamp. Both the "/Date(ms+zzzz)/" form
// and ISO-8601 forms are accepted. The millisecond value is already UTC; the
// offset suffix is informational and ignored.
func ParseRemoteTime(s string) (time.Time, error) {
	if m := msDatePattern.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse epoch millis %q: %w", s, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized remote time format: %q", s)
}
