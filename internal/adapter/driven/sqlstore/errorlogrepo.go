package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ErrorLogStore = (*ErrorLogRepo)(nil)

// ErrorLogRepo is the append-only error log.
type ErrorLogRepo struct {
	db  *DB
	now func() time.Time
}

// NewErrorLogRepo creates an ErrorLogRepo.
func NewErrorLogRepo(db *DB) *ErrorLogRepo {
	return &ErrorLogRepo{db: db, now: time.Now}
}

type errorLogRow struct {
	ID             string `db:"id"`
	ErrorType      string `db:"error_type"`
	ErrorMessage   string `db:"error_message"`
	StackTrace     string `db:"stack_trace"`
	AdditionalData string `db:"additional_data"`
	CreatedAt      dbTime `db:"created_at"`
}

// Append inserts an entry, assigning an id and timestamp when absent.
func (r *ErrorLogRepo) Append(ctx context.Context, entry model.ErrorEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	data := []byte("{}")
	if len(entry.AdditionalData) > 0 {
		var err error
		data, err = json.Marshal(entry.AdditionalData)
		if err != nil {
			return fmt.Errorf("marshal additional data: %w", err)
		}
	}

	const query = `INSERT INTO error_logs (id, error_type, error_message, stack_trace, additional_data, created_at)
		VALUES (:id, :error_type, :error_message, :stack_trace, :additional_data, :created_at)`
	row := errorLogRow{
		ID:             entry.ID,
		ErrorType:      entry.Kind,
		ErrorMessage:   entry.Message,
		StackTrace:     entry.StackTrace,
		AdditionalData: string(data),
		CreatedAt:      newDBTime(entry.CreatedAt),
	}
	if _, err := r.db.Writer.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("append error log %s: %w", entry.Kind, err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (r *ErrorLogRepo) List(ctx context.Context, limit int) ([]model.ErrorEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []errorLogRow
	query := r.db.Reader.Rebind(`SELECT id, error_type, error_message, stack_trace, additional_data, created_at
		FROM error_logs ORDER BY created_at DESC LIMIT ?`)
	if err := r.db.Reader.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list error logs: %w", err)
	}

	entries := make([]model.ErrorEntry, 0, len(rows))
	for _, row := range rows {
		entry := model.ErrorEntry{
			ID:         row.ID,
			Kind:       row.ErrorType,
			Message:    row.ErrorMessage,
			StackTrace: row.StackTrace,
			CreatedAt:  row.CreatedAt.Time,
		}
		if err := json.Unmarshal([]byte(row.AdditionalData), &entry.AdditionalData); err != nil {
			return nil, fmt.Errorf("unmarshal additional data for %s: %w", row.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
