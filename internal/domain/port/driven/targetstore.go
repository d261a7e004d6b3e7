package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
)

// TargetStore is the relational store receiving synchronized records.
type TargetStore interface {
	// ExistingIDs returns the subset of ids already stored for the tenant.
	// For line items the ids are "invoiceID/lineItemID" pairs.
	ExistingIDs(ctx context.Context, tenantID string, entity model.EntityType, ids []string) (map[string]bool, error)

	// Apply upserts every row of the batch in one transaction keyed by natural
	// ids. Invoices are written before their line items. Nothing is committed
	// if any write fails. The returned split reflects the rows as found
	// inside the transaction; the run log counts batch.Planned.
	Apply(ctx context.Context, batch model.Batch) (model.WriteResult, error)

	// HighWaterMark returns the greatest remote last-modified timestamp stored
	// for the tenant and entity, or nil when nothing is stored.
	HighWaterMark(ctx context.Context, tenantID string, entity model.EntityType) (*time.Time, error)

	// Count returns the number of stored rows for the tenant and entity.
	Count(ctx context.Context, tenantID string, entity model.EntityType) (int, error)
}
