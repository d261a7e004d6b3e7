package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TargetStore = (*TargetRepo)(nil)

// inChunkSize bounds the number of bind variables per IN list.
const inChunkSize = 400

// TargetRepo stores synchronized contacts, invoices and line items.
type TargetRepo struct {
	db  *DB
	now func() time.Time
}

// NewTargetRepo creates a TargetRepo.
func NewTargetRepo(db *DB) *TargetRepo {
	return &TargetRepo{db: db, now: time.Now}
}

type contactRow struct {
	TenantID      string `db:"tenant_id"`
	ContactID     string `db:"contact_id"`
	Name          string `db:"name"`
	Email         string `db:"email"`
	Status        string `db:"status"`
	IsCustomer    bool   `db:"is_customer"`
	IsSupplier    bool   `db:"is_supplier"`
	XeroUpdatedAt dbTime `db:"xero_updated_at"`
	SyncedAt      dbTime `db:"synced_at"`
}

type invoiceRow struct {
	InvoiceID       string          `db:"invoice_id"`
	TenantID        string          `db:"tenant_id"`
	InvoiceNumber   string          `db:"invoice_number"`
	Reference       string          `db:"reference"`
	Type            string          `db:"type"`
	Status          string          `db:"status"`
	LineAmountTypes string          `db:"line_amount_types"`
	ContactID       string          `db:"contact_id"`
	ContactName     string          `db:"contact_name"`
	CurrencyCode    string          `db:"currency_code"`
	IssueDate       dbTime          `db:"issue_date"`
	DueDate         dbTime          `db:"due_date"`
	SubTotal        decimal.Decimal `db:"sub_total"`
	TotalTax        decimal.Decimal `db:"total_tax"`
	Total           decimal.Decimal `db:"total"`
	AmountDue       decimal.Decimal `db:"amount_due"`
	AmountPaid      decimal.Decimal `db:"amount_paid"`
	AmountCredited  decimal.Decimal `db:"amount_credited"`
	XeroUpdatedAt   dbTime          `db:"xero_updated_at"`
	SyncedAt        dbTime          `db:"synced_at"`
}

type lineItemRow struct {
	InvoiceID   string          `db:"invoice_id"`
	LineItemID  string          `db:"line_item_id"`
	TenantID    string          `db:"tenant_id"`
	Description string          `db:"description"`
	AccountCode string          `db:"account_code"`
	TaxType     string          `db:"tax_type"`
	ItemCode    string          `db:"item_code"`
	Quantity    decimal.Decimal `db:"quantity"`
	UnitAmount  decimal.Decimal `db:"unit_amount"`
	TaxAmount   decimal.Decimal `db:"tax_amount"`
	LineAmount  decimal.Decimal `db:"line_amount"`
	Tracking    sql.NullString  `db:"tracking"`
	SyncedAt    dbTime          `db:"synced_at"`
}

const upsertContactQuery = `INSERT INTO contacts
	(tenant_id, contact_id, name, email, status, is_customer, is_supplier, xero_updated_at, synced_at)
	VALUES (:tenant_id, :contact_id, :name, :email, :status, :is_customer, :is_supplier, :xero_updated_at, :synced_at)
	ON CONFLICT (tenant_id, contact_id) DO UPDATE SET
		name = excluded.name,
		email = excluded.email,
		status = excluded.status,
		is_customer = excluded.is_customer,
		is_supplier = excluded.is_supplier,
		xero_updated_at = excluded.xero_updated_at,
		synced_at = excluded.synced_at`

const upsertInvoiceQuery = `INSERT INTO invoices
	(invoice_id, tenant_id, invoice_number, reference, type, status, line_amount_types,
	 contact_id, contact_name, currency_code, issue_date, due_date,
	 sub_total, total_tax, total, amount_due, amount_paid, amount_credited,
	 xero_updated_at, synced_at)
	VALUES (:invoice_id, :tenant_id, :invoice_number, :reference, :type, :status, :line_amount_types,
	 :contact_id, :contact_name, :currency_code, :issue_date, :due_date,
	 :sub_total, :total_tax, :total, :amount_due, :amount_paid, :amount_credited,
	 :xero_updated_at, :synced_at)
	ON CONFLICT (invoice_id) DO UPDATE SET
		tenant_id = excluded.tenant_id,
		invoice_number = excluded.invoice_number,
		reference = excluded.reference,
		type = excluded.type,
		status = excluded.status,
		line_amount_types = excluded.line_amount_types,
		contact_id = excluded.contact_id,
		contact_name = excluded.contact_name,
		currency_code = excluded.currency_code,
		issue_date = excluded.issue_date,
		due_date = excluded.due_date,
		sub_total = excluded.sub_total,
		total_tax = excluded.total_tax,
		total = excluded.total,
		amount_due = excluded.amount_due,
		amount_paid = excluded.amount_paid,
		amount_credited = excluded.amount_credited,
		xero_updated_at = excluded.xero_updated_at,
		synced_at = excluded.synced_at`

const upsertLineItemQuery = `INSERT INTO invoice_line_items
	(invoice_id, line_item_id, tenant_id, description, account_code, tax_type, item_code,
	 quantity, unit_amount, tax_amount, line_amount, tracking, synced_at)
	VALUES (:invoice_id, :line_item_id, :tenant_id, :description, :account_code, :tax_type, :item_code,
	 :quantity, :unit_amount, :tax_amount, :line_amount, :tracking, :synced_at)
	ON CONFLICT (invoice_id, line_item_id) DO UPDATE SET
		tenant_id = excluded.tenant_id,
		description = excluded.description,
		account_code = excluded.account_code,
		tax_type = excluded.tax_type,
		item_code = excluded.item_code,
		quantity = excluded.quantity,
		unit_amount = excluded.unit_amount,
		tax_amount = excluded.tax_amount,
		line_amount = excluded.line_amount,
		tracking = excluded.tracking,
		synced_at = excluded.synced_at`

// ExistingIDs returns which of ids are already stored for the tenant.
func (r *TargetRepo) ExistingIDs(ctx context.Context, tenantID string, entity model.EntityType, ids []string) (map[string]bool, error) {
	existing, err := existingIDs(ctx, r.db.Reader, tenantID, entity, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup existing %s: %w", entity, err)
	}
	return existing, nil
}

// Apply writes the batch in one transaction. Invoices are written before
// their line items so the foreign key holds. Created and updated counts are
// derived from an existence check inside the same transaction.
func (r *TargetRepo) Apply(ctx context.Context, batch model.Batch) (model.WriteResult, error) {
	var result model.WriteResult
	if batch.Empty() {
		return result, nil
	}

	tx, err := r.db.Writer.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	syncedAt := newDBTime(r.now())

	contactKeys := lo.Map(batch.Contacts, func(c model.Contact, _ int) string { return c.ContactID })
	result.Contacts, err = upsertRows(ctx, tx, batch.TenantID, model.EntityContacts, contactKeys, upsertContactQuery,
		lo.Map(batch.Contacts, func(c model.Contact, _ int) any { return toContactRow(c, syncedAt) }))
	if err != nil {
		return model.WriteResult{}, err
	}

	invoiceKeys := lo.Map(batch.Invoices, func(inv model.Invoice, _ int) string { return inv.InvoiceID })
	result.Invoices, err = upsertRows(ctx, tx, batch.TenantID, model.EntityInvoices, invoiceKeys, upsertInvoiceQuery,
		lo.Map(batch.Invoices, func(inv model.Invoice, _ int) any { return toInvoiceRow(inv, syncedAt) }))
	if err != nil {
		return model.WriteResult{}, err
	}

	lineKeys := lo.Map(batch.LineItems, func(li model.LineItem, _ int) string { return li.Key() })
	result.LineItems, err = upsertRows(ctx, tx, batch.TenantID, model.EntityLineItems, lineKeys, upsertLineItemQuery,
		lo.Map(batch.LineItems, func(li model.LineItem, _ int) any { return toLineItemRow(li, syncedAt) }))
	if err != nil {
		return model.WriteResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.WriteResult{}, fmt.Errorf("commit batch: %w", err)
	}

	return result, nil
}

// upsertRows writes rows keyed by keys, counting a row as created when its
// key was absent before the write.
func upsertRows(ctx context.Context, tx *sqlx.Tx, tenantID string, entity model.EntityType, keys []string, query string, rows []any) (model.Tally, error) {
	var tally model.Tally
	if len(rows) == 0 {
		return tally, nil
	}

	existing, err := existingIDs(ctx, tx, tenantID, entity, keys)
	if err != nil {
		return tally, fmt.Errorf("lookup existing %s: %w", entity, err)
	}

	for i, row := range rows {
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return tally, fmt.Errorf("upsert %s %s: %w", entity, keys[i], err)
		}

		tally.Processed++
		if existing[keys[i]] {
			tally.Updated++
		} else {
			tally.Created++
			existing[keys[i]] = true
		}
	}

	return tally, nil
}

// existingIDs looks up stored natural keys in chunks.
func existingIDs(ctx context.Context, q sqlx.ExtContext, tenantID string, entity model.EntityType, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	if entity == model.EntityLineItems {
		return existingLineItemKeys(ctx, q, tenantID, ids)
	}

	var query string
	switch entity {
	case model.EntityContacts:
		query = `SELECT contact_id FROM contacts WHERE tenant_id = ? AND contact_id IN (?)`
	case model.EntityInvoices:
		query = `SELECT invoice_id FROM invoices WHERE tenant_id = ? AND invoice_id IN (?)`
	default:
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}

	for _, chunk := range lo.Chunk(lo.Uniq(ids), inChunkSize) {
		found, err := selectStrings(ctx, q, query, tenantID, chunk)
		if err != nil {
			return nil, err
		}
		for _, id := range found {
			existing[id] = true
		}
	}

	return existing, nil
}

// existingLineItemKeys resolves "invoiceID/lineItemID" keys by loading the
// stored lines of each referenced invoice.
func existingLineItemKeys(ctx context.Context, q sqlx.ExtContext, tenantID string, keys []string) (map[string]bool, error) {
	wanted := lo.SliceToMap(keys, func(k string) (string, bool) { return k, true })
	invoiceIDs := lo.Uniq(lo.Map(keys, func(k string, _ int) string {
		invoiceID, _, _ := strings.Cut(k, "/")
		return invoiceID
	}))

	existing := make(map[string]bool, len(keys))
	const query = `SELECT invoice_id, line_item_id FROM invoice_line_items WHERE tenant_id = ? AND invoice_id IN (?)`

	for _, chunk := range lo.Chunk(invoiceIDs, inChunkSize) {
		bound, args, err := sqlx.In(query, tenantID, chunk)
		if err != nil {
			return nil, fmt.Errorf("expand line item lookup: %w", err)
		}

		var pairs []struct {
			InvoiceID  string `db:"invoice_id"`
			LineItemID string `db:"line_item_id"`
		}
		if err := sqlx.SelectContext(ctx, q, &pairs, q.Rebind(bound), args...); err != nil {
			return nil, fmt.Errorf("select line item keys: %w", err)
		}

		for _, p := range pairs {
			key := model.LineItemKey(p.InvoiceID, p.LineItemID)
			if wanted[key] {
				existing[key] = true
			}
		}
	}

	return existing, nil
}

func selectStrings(ctx context.Context, q sqlx.ExtContext, query string, args ...any) ([]string, error) {
	bound, boundArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("expand query: %w", err)
	}

	var out []string
	if err := sqlx.SelectContext(ctx, q, &out, q.Rebind(bound), boundArgs...); err != nil {
		return nil, fmt.Errorf("select ids: %w", err)
	}
	return out, nil
}

// HighWaterMark returns the greatest stored remote last-modified time. Line
// items carry no timestamp of their own and share their invoices' mark.
func (r *TargetRepo) HighWaterMark(ctx context.Context, tenantID string, entity model.EntityType) (*time.Time, error) {
	table, err := timestampTable(entity)
	if err != nil {
		return nil, err
	}

	query := r.db.Reader.Rebind(`SELECT MAX(xero_updated_at) FROM ` + table + ` WHERE tenant_id = ?`)

	var hwm dbTime
	if err := r.db.Reader.QueryRowxContext(ctx, query, tenantID).Scan(&hwm); err != nil {
		return nil, fmt.Errorf("high-water mark for %s: %w", entity, err)
	}
	return hwm.ptr(), nil
}

// Count returns the number of stored rows for the tenant and entity.
func (r *TargetRepo) Count(ctx context.Context, tenantID string, entity model.EntityType) (int, error) {
	var table string
	switch entity {
	case model.EntityContacts:
		table = "contacts"
	case model.EntityInvoices:
		table = "invoices"
	case model.EntityLineItems:
		table = "invoice_line_items"
	default:
		return 0, fmt.Errorf("unknown entity type %q", entity)
	}

	var n int
	query := r.db.Reader.Rebind(`SELECT COUNT(*) FROM ` + table + ` WHERE tenant_id = ?`)
	if err := r.db.Reader.GetContext(ctx, &n, query, tenantID); err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, err)
	}
	return n, nil
}

// GetInvoice returns a stored invoice with its line items, or (nil, nil).
func (r *TargetRepo) GetInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	var row invoiceRow
	query := r.db.Reader.Rebind(`SELECT invoice_id, tenant_id, invoice_number, reference, type, status, line_amount_types,
		contact_id, contact_name, currency_code, issue_date, due_date,
		sub_total, total_tax, total, amount_due, amount_paid, amount_credited,
		xero_updated_at, synced_at
		FROM invoices WHERE invoice_id = ?`)
	err := r.db.Reader.GetContext(ctx, &row, query, invoiceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", invoiceID, err)
	}

	var lines []lineItemRow
	linesQuery := r.db.Reader.Rebind(`SELECT invoice_id, line_item_id, tenant_id, description, account_code, tax_type, item_code,
		quantity, unit_amount, tax_amount, line_amount, tracking, synced_at
		FROM invoice_line_items WHERE invoice_id = ? ORDER BY line_item_id`)
	if err := r.db.Reader.SelectContext(ctx, &lines, linesQuery, invoiceID); err != nil {
		return nil, fmt.Errorf("get line items for invoice %s: %w", invoiceID, err)
	}

	inv := fromInvoiceRow(row)
	inv.LineItems = lo.Map(lines, func(l lineItemRow, _ int) model.LineItem { return fromLineItemRow(l) })
	return &inv, nil
}

func timestampTable(entity model.EntityType) (string, error) {
	switch entity {
	case model.EntityContacts:
		return "contacts", nil
	case model.EntityInvoices, model.EntityLineItems:
		return "invoices", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entity)
	}
}

func toContactRow(c model.Contact, syncedAt dbTime) contactRow {
	return contactRow{
		TenantID:      c.TenantID,
		ContactID:     c.ContactID,
		Name:          c.Name,
		Email:         c.Email,
		Status:        c.Status,
		IsCustomer:    c.IsCustomer,
		IsSupplier:    c.IsSupplier,
		XeroUpdatedAt: newDBTime(c.UpdatedAt),
		SyncedAt:      syncedAt,
	}
}

func toInvoiceRow(inv model.Invoice, syncedAt dbTime) invoiceRow {
	return invoiceRow{
		InvoiceID:       inv.InvoiceID,
		TenantID:        inv.TenantID,
		InvoiceNumber:   inv.InvoiceNumber,
		Reference:       inv.Reference,
		Type:            inv.Type,
		Status:          inv.Status,
		LineAmountTypes: inv.LineAmountTypes,
		ContactID:       inv.ContactID,
		ContactName:     inv.ContactName,
		CurrencyCode:    inv.CurrencyCode,
		IssueDate:       newNullDBTime(inv.IssueDate),
		DueDate:         newNullDBTime(inv.DueDate),
		SubTotal:        inv.SubTotal,
		TotalTax:        inv.TotalTax,
		Total:           inv.Total,
		AmountDue:       inv.AmountDue,
		AmountPaid:      inv.AmountPaid,
		AmountCredited:  inv.AmountCredited,
		XeroUpdatedAt:   newDBTime(inv.UpdatedAt),
		SyncedAt:        syncedAt,
	}
}

func fromInvoiceRow(row invoiceRow) model.Invoice {
	return model.Invoice{
		InvoiceID:       row.InvoiceID,
		TenantID:        row.TenantID,
		InvoiceNumber:   row.InvoiceNumber,
		Reference:       row.Reference,
		Type:            row.Type,
		Status:          row.Status,
		LineAmountTypes: row.LineAmountTypes,
		ContactID:       row.ContactID,
		ContactName:     row.ContactName,
		CurrencyCode:    row.CurrencyCode,
		IssueDate:       row.IssueDate.ptr(),
		DueDate:         row.DueDate.ptr(),
		SubTotal:        row.SubTotal,
		TotalTax:        row.TotalTax,
		Total:           row.Total,
		AmountDue:       row.AmountDue,
		AmountPaid:      row.AmountPaid,
		AmountCredited:  row.AmountCredited,
		UpdatedAt:       row.XeroUpdatedAt.Time,
	}
}

func toLineItemRow(li model.LineItem, syncedAt dbTime) lineItemRow {
	row := lineItemRow{
		InvoiceID:   li.InvoiceID,
		LineItemID:  li.LineItemID,
		TenantID:    li.TenantID,
		Description: li.Description,
		AccountCode: li.AccountCode,
		TaxType:     li.TaxType,
		ItemCode:    li.ItemCode,
		Quantity:    li.Quantity,
		UnitAmount:  li.UnitAmount,
		TaxAmount:   li.TaxAmount,
		LineAmount:  li.LineAmount,
		SyncedAt:    syncedAt,
	}
	if len(li.Tracking) > 0 {
		row.Tracking = sql.NullString{String: string(li.Tracking), Valid: true}
	}
	return row
}

func fromLineItemRow(row lineItemRow) model.LineItem {
	li := model.LineItem{
		InvoiceID:   row.InvoiceID,
		LineItemID:  row.LineItemID,
		TenantID:    row.TenantID,
		Description: row.Description,
		AccountCode: row.AccountCode,
		TaxType:     row.TaxType,
		ItemCode:    row.ItemCode,
		Quantity:    row.Quantity,
		UnitAmount:  row.UnitAmount,
		TaxAmount:   row.TaxAmount,
		LineAmount:  row.LineAmount,
	}
	if row.Tracking.Valid {
		li.Tracking = []byte(row.Tracking.String)
	}
	return li
}
