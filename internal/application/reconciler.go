package application

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

// PayloadFragmentLimit caps the raw payload kept for an invalid record.
const PayloadFragmentLimit = 512

// Reconciler turns raw remote records into a write batch. Invalid records are
// reported in Batch.Errors and never abort the rest of the page.
type Reconciler struct {
	store driven.TargetStore
}

// NewReconciler creates a Reconciler that classifies records against store.
func NewReconciler(store driven.TargetStore) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile decodes and validates one page of records for entity and
// classifies each valid record as a create or an update by its remote id.
// Invoices carry their line items, which are classified alongside them.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID string, entity model.EntityType, records []json.RawMessage) (model.Batch, error) {
	batch := model.Batch{TenantID: tenantID}

	switch entity {
	case model.EntityContacts:
		for _, raw := range records {
			c, err := decodeContact(tenantID, raw)
			if err != nil {
				batch.Errors = append(batch.Errors, recordError(entity, "ContactID", raw, err))
				continue
			}
			batch.Contacts = append(batch.Contacts, c)
		}
		batch.Planned.Contacts.Processed = len(records)
	case model.EntityInvoices:
		for _, raw := range records {
			inv, err := decodeInvoice(tenantID, raw)
			if err != nil {
				batch.Errors = append(batch.Errors, recordError(entity, "InvoiceID", raw, err))
				continue
			}
			batch.Invoices = append(batch.Invoices, inv)
			batch.LineItems = append(batch.LineItems, inv.LineItems...)
		}
		batch.Planned.Invoices.Processed = len(records)
		batch.Planned.LineItems.Processed = len(batch.LineItems)
	default:
		return model.Batch{}, errors.Newf("entity %s cannot be reconciled from a remote page", entity)
	}

	if err := r.classify(ctx, &batch); err != nil {
		return model.Batch{}, err
	}
	return batch, nil
}

// classify fills the created/updated split of batch.Planned.
func (r *Reconciler) classify(ctx context.Context, batch *model.Batch) error {
	var err error

	contactIDs := lo.Map(batch.Contacts, func(c model.Contact, _ int) string { return c.ContactID })
	if batch.Planned.Contacts, err = r.split(ctx, batch.TenantID, model.EntityContacts, contactIDs, batch.Planned.Contacts); err != nil {
		return err
	}

	invoiceIDs := lo.Map(batch.Invoices, func(inv model.Invoice, _ int) string { return inv.InvoiceID })
	if batch.Planned.Invoices, err = r.split(ctx, batch.TenantID, model.EntityInvoices, invoiceIDs, batch.Planned.Invoices); err != nil {
		return err
	}

	lineKeys := lo.Map(batch.LineItems, func(li model.LineItem, _ int) string { return li.Key() })
	if batch.Planned.LineItems, err = r.split(ctx, batch.TenantID, model.EntityLineItems, lineKeys, batch.Planned.LineItems); err != nil {
		return err
	}

	return nil
}

// split counts ids as created or updated. An id repeated within the page is
// created once and updated afterwards, matching the order rows are written.
func (r *Reconciler) split(ctx context.Context, tenantID string, entity model.EntityType, ids []string, tally model.Tally) (model.Tally, error) {
	if len(ids) == 0 {
		return tally, nil
	}

	existing, err := r.store.ExistingIDs(ctx, tenantID, entity, lo.Uniq(ids))
	if err != nil {
		return tally, errors.Wrapf(err, "look up existing %s", entity)
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if existing[id] || seen[id] {
			tally.Updated++
		} else {
			tally.Created++
		}
		seen[id] = true
	}
	return tally, nil
}

func decodeContact(tenantID string, raw json.RawMessage) (model.Contact, error) {
	var rc model.RemoteContact
	if err := decodeRecord(raw, &rc); err != nil {
		return model.Contact{}, err
	}
	if rc.ContactID == "" {
		return model.Contact{}, errors.Mark(errors.New("missing ContactID"), driven.ErrRecordInvalid)
	}

	updated, err := requiredTime("UpdatedDateUTC", rc.UpdatedDateUTC)
	if err != nil {
		return model.Contact{}, err
	}

	return model.Contact{
		TenantID:   tenantID,
		ContactID:  rc.ContactID,
		Name:       rc.Name,
		Email:      rc.EmailAddress,
		Status:     rc.ContactStatus,
		IsCustomer: rc.IsCustomer,
		IsSupplier: rc.IsSupplier,
		UpdatedAt:  updated,
	}, nil
}

func decodeInvoice(tenantID string, raw json.RawMessage) (model.Invoice, error) {
	var ri model.RemoteInvoice
	if err := decodeRecord(raw, &ri); err != nil {
		return model.Invoice{}, err
	}
	if ri.InvoiceID == "" {
		return model.Invoice{}, errors.Mark(errors.New("missing InvoiceID"), driven.ErrRecordInvalid)
	}

	updated, err := requiredTime("UpdatedDateUTC", ri.UpdatedDateUTC)
	if err != nil {
		return model.Invoice{}, err
	}
	issued, err := optionalTime("Date", ri.Date)
	if err != nil {
		return model.Invoice{}, err
	}
	due, err := optionalTime("DueDate", ri.DueDate)
	if err != nil {
		return model.Invoice{}, err
	}

	inv := model.Invoice{
		TenantID:        tenantID,
		InvoiceID:       ri.InvoiceID,
		InvoiceNumber:   ri.InvoiceNumber,
		Reference:       ri.Reference,
		Type:            ri.Type,
		Status:          ri.Status,
		LineAmountTypes: ri.LineAmountTypes,
		ContactID:       ri.Contact.ContactID,
		ContactName:     ri.Contact.Name,
		CurrencyCode:    ri.CurrencyCode,
		IssueDate:       issued,
		DueDate:         due,
		SubTotal:        ri.SubTotal,
		TotalTax:        ri.TotalTax,
		Total:           ri.Total,
		AmountDue:       ri.AmountDue,
		AmountPaid:      ri.AmountPaid,
		AmountCredited:  ri.AmountCredited,
		UpdatedAt:       updated,
	}

	// A line without an id cannot be keyed, so the whole invoice is rejected
	// rather than committed with a partial set of lines.
	for i, rl := range ri.LineItems {
		if rl.LineItemID == "" {
			return model.Invoice{}, errors.Mark(errors.Newf("line item %d: missing LineItemID", i), driven.ErrRecordInvalid)
		}
		var tracking json.RawMessage
		if len(rl.Tracking) > 0 && !bytes.Equal(rl.Tracking, []byte("null")) {
			tracking = rl.Tracking
		}
		inv.LineItems = append(inv.LineItems, model.LineItem{
			TenantID:    tenantID,
			InvoiceID:   ri.InvoiceID,
			LineItemID:  rl.LineItemID,
			Description: rl.Description,
			AccountCode: rl.AccountCode,
			TaxType:     rl.TaxType,
			ItemCode:    rl.ItemCode,
			Quantity:    rl.Quantity,
			UnitAmount:  rl.UnitAmount,
			TaxAmount:   rl.TaxAmount,
			LineAmount:  rl.LineAmount,
			Tracking:    tracking,
		})
	}

	return inv, nil
}

func decodeRecord(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode record"), driven.ErrRecordInvalid)
	}
	return nil
}

func requiredTime(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.Mark(errors.Newf("missing %s", field), driven.ErrRecordInvalid)
	}
	t, err := model.ParseRemoteTime(value)
	if err != nil {
		return time.Time{}, errors.Mark(errors.Wrapf(err, "field %s", field), driven.ErrRecordInvalid)
	}
	return t, nil
}

func optionalTime(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := requiredTime(field, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// recordError describes a rejected record. The remote id is recovered
// leniently so the error log can point at the offending record even when the
// payload does not decode into the wire type.
func recordError(entity model.EntityType, idField string, raw json.RawMessage, err error) model.RecordError {
	var loose map[string]any
	var remoteID string
	if json.Unmarshal(raw, &loose) == nil {
		if id, ok := loose[idField].(string); ok {
			remoteID = id
		}
	}

	return model.RecordError{
		Entity:   entity,
		RemoteID: remoteID,
		Message:  err.Error(),
		Payload:  model.PayloadFragment(raw, PayloadFragmentLimit),
	}
}
