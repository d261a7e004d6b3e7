package driven

import (
	"context"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
)

// ErrorLogStore is the append-only error log.
type ErrorLogStore interface {
	Append(ctx context.Context, entry model.ErrorEntry) error
	// List returns the newest entries first.
	List(ctx context.Context, limit int) ([]model.ErrorEntry, error)
}
