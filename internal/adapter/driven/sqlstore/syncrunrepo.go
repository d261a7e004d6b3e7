package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SyncRunStore = (*SyncRunRepo)(nil)

// SyncRunRepo persists the sync run log. A partial unique index allows at
// most one running row per tenant.
type SyncRunRepo struct {
	db *DB
}

// NewSyncRunRepo creates a SyncRunRepo.
func NewSyncRunRepo(db *DB) *SyncRunRepo {
	return &SyncRunRepo{db: db}
}

type syncRunRow struct {
	ID                string `db:"id"`
	TenantID          string `db:"tenant_id"`
	Status            string `db:"status"`
	ForceFull         bool   `db:"force_full"`
	StartTime         dbTime `db:"start_time"`
	EndTime           dbTime `db:"end_time"`
	HeartbeatAt       dbTime `db:"heartbeat_at"`
	ContactsProcessed int    `db:"contacts_processed"`
	ContactsCreated   int    `db:"contacts_created"`
	ContactsUpdated   int    `db:"contacts_updated"`
	InvoicesProcessed int    `db:"invoices_processed"`
	InvoicesCreated   int    `db:"invoices_created"`
	InvoicesUpdated   int    `db:"invoices_updated"`
	ItemsProcessed    int    `db:"items_processed"`
	ItemsCreated      int    `db:"items_created"`
	ItemsUpdated      int    `db:"items_updated"`
	ErrorCount        int    `db:"error_count"`
	ErrorMessage      string `db:"error_message"`
}

const syncRunColumns = `id, tenant_id, status, force_full, start_time, end_time, heartbeat_at,
	contacts_processed, contacts_created, contacts_updated,
	invoices_processed, invoices_created, invoices_updated,
	items_processed, items_created, items_updated,
	error_count, error_message`

// Create inserts a running row. The existence check and insert share one
// transaction; the unique index catches any remaining race.
func (r *SyncRunRepo) Create(ctx context.Context, run model.SyncRun) error {
	if run.Status != model.RunStatusRunning {
		return fmt.Errorf("create sync run %s: status must be running, got %q", run.ID, run.Status)
	}

	tx, err := r.db.Writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create sync run: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	var running int
	countQuery := tx.Rebind(`SELECT COUNT(*) FROM sync_runs WHERE tenant_id = ? AND status = 'running'`)
	if err := tx.GetContext(ctx, &running, countQuery, run.TenantID); err != nil {
		return fmt.Errorf("check running sync runs: %w", err)
	}
	if running > 0 {
		return driven.ErrRunInProgress
	}

	const query = `INSERT INTO sync_runs (` + syncRunColumns + `)
		VALUES (:id, :tenant_id, :status, :force_full, :start_time, :end_time, :heartbeat_at,
			:contacts_processed, :contacts_created, :contacts_updated,
			:invoices_processed, :invoices_created, :invoices_updated,
			:items_processed, :items_created, :items_updated,
			:error_count, :error_message)`
	row := toSyncRunRow(run)
	if row.HeartbeatAt.IsZero() {
		row.HeartbeatAt = row.StartTime
	}
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err) {
			return driven.ErrRunInProgress
		}
		return fmt.Errorf("insert sync run %s: %w", run.ID, err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return driven.ErrRunInProgress
		}
		return fmt.Errorf("commit sync run %s: %w", run.ID, err)
	}
	return nil
}

// Finish finalizes a running row. The status guard in the WHERE clause makes
// finalization happen at most once.
func (r *SyncRunRepo) Finish(ctx context.Context, run model.SyncRun) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("finish sync run %s: status %q is not terminal", run.ID, run.Status)
	}
	if run.EndTime == nil {
		return fmt.Errorf("finish sync run %s: end time is required", run.ID)
	}

	const query = `UPDATE sync_runs SET
		status = :status,
		end_time = :end_time,
		contacts_processed = :contacts_processed,
		contacts_created = :contacts_created,
		contacts_updated = :contacts_updated,
		invoices_processed = :invoices_processed,
		invoices_created = :invoices_created,
		invoices_updated = :invoices_updated,
		items_processed = :items_processed,
		items_created = :items_created,
		items_updated = :items_updated,
		error_count = :error_count,
		error_message = :error_message
		WHERE id = :id AND status = 'running'`

	res, err := r.db.Writer.NamedExecContext(ctx, query, toSyncRunRow(run))
	if err != nil {
		return fmt.Errorf("finish sync run %s: %w", run.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish sync run %s: rows affected: %w", run.ID, err)
	}
	if n == 0 {
		return driven.ErrRunFinalized
	}
	return nil
}

// Heartbeat moves the heartbeat of a running row forward.
func (r *SyncRunRepo) Heartbeat(ctx context.Context, runID string, at time.Time) error {
	query := r.db.Writer.Rebind(`UPDATE sync_runs SET heartbeat_at = ? WHERE id = ? AND status = 'running'`)
	res, err := r.db.Writer.ExecContext(ctx, query, newDBTime(at), runID)
	if err != nil {
		return fmt.Errorf("heartbeat sync run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat sync run %s: rows affected: %w", runID, err)
	}
	if n == 0 {
		return driven.ErrRunFinalized
	}
	return nil
}

// Get returns the run with the given id, or (nil, nil).
func (r *SyncRunRepo) Get(ctx context.Context, id string) (*model.SyncRun, error) {
	query := r.db.Reader.Rebind(`SELECT ` + syncRunColumns + ` FROM sync_runs WHERE id = ?`)
	return r.queryOne(ctx, query, id)
}

// Running returns the tenant's running row, or (nil, nil).
func (r *SyncRunRepo) Running(ctx context.Context, tenantID string) (*model.SyncRun, error) {
	query := r.db.Reader.Rebind(`SELECT ` + syncRunColumns + ` FROM sync_runs WHERE tenant_id = ? AND status = 'running'`)
	return r.queryOne(ctx, query, tenantID)
}

// List returns up to limit runs, newest first.
func (r *SyncRunRepo) List(ctx context.Context, tenantID string, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows []syncRunRow
		err  error
	)
	if tenantID == "" {
		query := r.db.Reader.Rebind(`SELECT ` + syncRunColumns + ` FROM sync_runs ORDER BY start_time DESC LIMIT ?`)
		err = r.db.Reader.SelectContext(ctx, &rows, query, limit)
	} else {
		query := r.db.Reader.Rebind(`SELECT ` + syncRunColumns + ` FROM sync_runs WHERE tenant_id = ? ORDER BY start_time DESC LIMIT ?`)
		err = r.db.Reader.SelectContext(ctx, &rows, query, tenantID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}

	runs := make([]model.SyncRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, fromSyncRunRow(row))
	}
	return runs, nil
}

func (r *SyncRunRepo) queryOne(ctx context.Context, query string, args ...any) (*model.SyncRun, error) {
	var row syncRunRow
	err := r.db.Reader.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run: %w", err)
	}

	run := fromSyncRunRow(row)
	return &run, nil
}

func toSyncRunRow(run model.SyncRun) syncRunRow {
	return syncRunRow{
		ID:                run.ID,
		TenantID:          run.TenantID,
		Status:            string(run.Status),
		ForceFull:         run.ForceFull,
		StartTime:         newDBTime(run.StartTime),
		EndTime:           newNullDBTime(run.EndTime),
		HeartbeatAt:       newDBTime(run.HeartbeatAt),
		ContactsProcessed: run.Counts.Contacts.Processed,
		ContactsCreated:   run.Counts.Contacts.Created,
		ContactsUpdated:   run.Counts.Contacts.Updated,
		InvoicesProcessed: run.Counts.Invoices.Processed,
		InvoicesCreated:   run.Counts.Invoices.Created,
		InvoicesUpdated:   run.Counts.Invoices.Updated,
		ItemsProcessed:    run.Counts.LineItems.Processed,
		ItemsCreated:      run.Counts.LineItems.Created,
		ItemsUpdated:      run.Counts.LineItems.Updated,
		ErrorCount:        run.ErrorCount,
		ErrorMessage:      run.ErrorMessage,
	}
}

func fromSyncRunRow(row syncRunRow) model.SyncRun {
	return model.SyncRun{
		ID:          row.ID,
		TenantID:    row.TenantID,
		Status:      model.RunStatus(row.Status),
		ForceFull:   row.ForceFull,
		StartTime:   row.StartTime.Time,
		EndTime:     row.EndTime.ptr(),
		HeartbeatAt: row.HeartbeatAt.Time,
		Counts: model.WriteResult{
			Contacts:  model.Tally{Processed: row.ContactsProcessed, Created: row.ContactsCreated, Updated: row.ContactsUpdated},
			Invoices:  model.Tally{Processed: row.InvoicesProcessed, Created: row.InvoicesCreated, Updated: row.InvoicesUpdated},
			LineItems: model.Tally{Processed: row.ItemsProcessed, Created: row.ItemsCreated, Updated: row.ItemsUpdated},
		},
		ErrorCount:   row.ErrorCount,
		ErrorMessage: row.ErrorMessage,
	}
}
