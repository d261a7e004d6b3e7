package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
)

// SyncRunStore persists the sync run log.
type SyncRunStore interface {
	// Create inserts a running run. It returns ErrRunInProgress when the
	// tenant already has a running row.
	Create(ctx context.Context, run model.SyncRun) error

	// Finish writes the terminal status, counters and end time. It returns
	// ErrRunFinalized if the run is not currently running.
	Finish(ctx context.Context, run model.SyncRun) error

	// Heartbeat records that a running run is still alive. It returns
	// ErrRunFinalized if the run is no longer running.
	Heartbeat(ctx context.Context, runID string, at time.Time) error

	// Get returns a run by id, or (nil, nil).
	Get(ctx context.Context, id string) (*model.SyncRun, error)

	// Running returns the tenant's running run, or (nil, nil).
	Running(ctx context.Context, tenantID string) (*model.SyncRun, error)

	// List returns the most recent runs, newest first. An empty tenantID
	// lists every tenant.
	List(ctx context.Context, tenantID string, limit int) ([]model.SyncRun, error)
}
