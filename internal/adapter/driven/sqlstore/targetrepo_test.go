package sqlstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
)

func sampleInvoice(tenant, id string, updated time.Time, total string) model.Invoice {
	issue := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.Invoice{
		TenantID:      tenant,
		InvoiceID:     id,
		InvoiceNumber: "INV-" + id,
		Type:          "ACCREC",
		Status:        "AUTHORISED",
		ContactID:     "contact-1",
		ContactName:   "Acme Ltd",
		CurrencyCode:  "NZD",
		IssueDate:     &issue,
		SubTotal:      decimal.RequireFromString(total),
		Total:         decimal.RequireFromString(total),
		AmountDue:     decimal.RequireFromString(total),
		UpdatedAt:     updated,
	}
}

func sampleLine(tenant, invoiceID, lineID, amount string) model.LineItem {
	return model.LineItem{
		TenantID:    tenant,
		InvoiceID:   invoiceID,
		LineItemID:  lineID,
		Description: "Consulting",
		Quantity:    decimal.RequireFromString("2"),
		UnitAmount:  decimal.RequireFromString("50.125"),
		LineAmount:  decimal.RequireFromString(amount),
		Tracking:    json.RawMessage(`[{"Name":"Region","Option":"North"}]`),
	}
}

func TestTargetRepo_ApplyCreatesThenUpdates(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTargetRepo(db)
	ctx := context.Background()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := model.Batch{
		TenantID:  "t1",
		Contacts:  []model.Contact{{TenantID: "t1", ContactID: "contact-1", Name: "Acme Ltd", IsCustomer: true, UpdatedAt: updated}},
		Invoices:  []model.Invoice{sampleInvoice("t1", "inv-1", updated, "100.25")},
		LineItems: []model.LineItem{sampleLine("t1", "inv-1", "line-1", "100.25")},
	}

	first, err := repo.Apply(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Processed: 1, Created: 1}, first.Contacts)
	assert.Equal(t, model.Tally{Processed: 1, Created: 1}, first.Invoices)
	assert.Equal(t, model.Tally{Processed: 1, Created: 1}, first.LineItems)

	second, err := repo.Apply(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Processed: 1, Updated: 1}, second.Contacts)
	assert.Equal(t, model.Tally{Processed: 1, Updated: 1}, second.Invoices)
	assert.Equal(t, model.Tally{Processed: 1, Updated: 1}, second.LineItems)

	for _, entity := range []model.EntityType{model.EntityContacts, model.EntityInvoices, model.EntityLineItems} {
		n, err := repo.Count(ctx, "t1", entity)
		require.NoError(t, err)
		assert.Equal(t, 1, n, entity)
	}
}

func TestTargetRepo_DecimalsRoundTripExactly(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTargetRepo(db)
	ctx := context.Background()

	inv := sampleInvoice("t1", "inv-1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "0.10")
	inv.TotalTax = decimal.RequireFromString("0.015")
	_, err := repo.Apply(ctx, model.Batch{
		TenantID:  "t1",
		Invoices:  []model.Invoice{inv},
		LineItems: []model.LineItem{sampleLine("t1", "inv-1", "line-1", "100.25")},
	})
	require.NoError(t, err)

	got, err := repo.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Total.Equal(decimal.RequireFromString("0.10")), got.Total.String())
	assert.True(t, got.TotalTax.Equal(decimal.RequireFromString("0.015")), got.TotalTax.String())
	require.NotNil(t, got.IssueDate)
	assert.Nil(t, got.DueDate)

	require.Len(t, got.LineItems, 1)
	line := got.LineItems[0]
	assert.True(t, line.UnitAmount.Equal(decimal.RequireFromString("50.125")))
	assert.JSONEq(t, `[{"Name":"Region","Option":"North"}]`, string(line.Tracking))
}

func TestTargetRepo_ApplyIsAtomic(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTargetRepo(db)
	ctx := context.Background()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// The orphan line item violates the invoice foreign key, so the whole
	// batch, including the valid invoice, must roll back.
	_, err := repo.Apply(ctx, model.Batch{
		TenantID:  "t1",
		Invoices:  []model.Invoice{sampleInvoice("t1", "inv-1", updated, "10")},
		LineItems: []model.LineItem{sampleLine("t1", "missing-invoice", "line-1", "10")},
	})
	require.Error(t, err)

	n, err := repo.Count(ctx, "t1", model.EntityInvoices)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTargetRepo_ExistingIDs(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTargetRepo(db)
	ctx := context.Background()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := repo.Apply(ctx, model.Batch{
		TenantID:  "t1",
		Invoices:  []model.Invoice{sampleInvoice("t1", "inv-1", updated, "10")},
		LineItems: []model.LineItem{sampleLine("t1", "inv-1", "line-1", "10")},
	})
	require.NoError(t, err)

	got, err := repo.ExistingIDs(ctx, "t1", model.EntityInvoices, []string{"inv-1", "inv-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"inv-1": true}, got)

	got, err = repo.ExistingIDs(ctx, "other-tenant", model.EntityInvoices, []string{"inv-1"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = repo.ExistingIDs(ctx, "t1", model.EntityLineItems, []string{
		model.LineItemKey("inv-1", "line-1"),
		model.LineItemKey("inv-1", "line-2"),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"inv-1/line-1": true}, got)
}

func TestTargetRepo_HighWaterMark(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTargetRepo(db)
	ctx := context.Background()

	hwm, err := repo.HighWaterMark(ctx, "t1", model.EntityInvoices)
	require.NoError(t, err)
	assert.Nil(t, hwm)

	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 2, 1, 8, 30, 0, 123000000, time.UTC)
	_, err = repo.Apply(ctx, model.Batch{
		TenantID: "t1",
		Invoices: []model.Invoice{
			sampleInvoice("t1", "inv-1", newer, "10"),
			sampleInvoice("t1", "inv-2", older, "10"),
		},
	})
	require.NoError(t, err)

	hwm, err = repo.HighWaterMark(ctx, "t1", model.EntityInvoices)
	require.NoError(t, err)
	require.NotNil(t, hwm)
	assert.True(t, hwm.Equal(newer), hwm.String())

	contactsHWM, err := repo.HighWaterMark(ctx, "t1", model.EntityContacts)
	require.NoError(t, err)
	assert.Nil(t, contactsHWM)
}

func TestTargetRepo_DuplicateIDsInBatchCountOnce(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTargetRepo(db)
	ctx := context.Background()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := repo.Apply(ctx, model.Batch{
		TenantID: "t1",
		Invoices: []model.Invoice{
			sampleInvoice("t1", "inv-1", updated, "10"),
			sampleInvoice("t1", "inv-1", updated.Add(time.Second), "12"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Processed: 2, Created: 1, Updated: 1}, res.Invoices)
}
