package model

import "encoding/json"

// EntityType names a synchronized record kind.
type EntityType string

const (
	EntityContacts  EntityType = "contacts"
	EntityInvoices  EntityType = "invoices"
	EntityLineItems EntityType = "invoice_line_items"
)

// FetchOrder lists the entity types read from the source, in dependency
// order. Line items have no endpoint of their own: they arrive embedded in
// invoice pages and are committed right after their parent invoices.
var FetchOrder = []EntityType{EntityContacts, EntityInvoices}

// Page is one cursor step of a remote listing. Records stay raw so a
// malformed record can be isolated without losing the rest of the page.
// An empty NextPageToken means the listing is exhausted.
type Page struct {
	Records       []json.RawMessage
	NextPageToken string
}

// HasNext reports whether another page should be requested.
func (p Page) HasNext() bool {
	return p.NextPageToken != ""
}

// Batch is the reconciled write set for one fetched page. It is applied
// atomically. Planned holds the reconciler's create/update classification.
type Batch struct {
	TenantID  string
	Contacts  []Contact
	Invoices  []Invoice
	LineItems []LineItem
	Planned   WriteResult
	Errors    []RecordError
}

// Empty reports whether the batch carries no rows to write.
func (b Batch) Empty() bool {
	return len(b.Contacts) == 0 && len(b.Invoices) == 0 && len(b.LineItems) == 0
}
