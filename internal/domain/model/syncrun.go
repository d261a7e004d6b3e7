package model

import "time"

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status is a final outcome.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusPartial, RunStatusFailed:
		return true
	}
	return false
}

// Tally counts records for one entity type.
type Tally struct {
	Processed int
	Created   int
	Updated   int
}

// Add accumulates o into t.
func (t *Tally) Add(o Tally) {
	t.Processed += o.Processed
	t.Created += o.Created
	t.Updated += o.Updated
}

// IsZero reports whether nothing was counted.
func (t Tally) IsZero() bool {
	return t == Tally{}
}

// WriteResult carries per-entity counters for a committed batch or a whole run.
type WriteResult struct {
	Contacts  Tally
	Invoices  Tally
	LineItems Tally
}

// Add accumulates o into w.
func (w *WriteResult) Add(o WriteResult) {
	w.Contacts.Add(o.Contacts)
	w.Invoices.Add(o.Invoices)
	w.LineItems.Add(o.LineItems)
}

// For returns the tally for the given entity type.
func (w WriteResult) For(entity EntityType) Tally {
	switch entity {
	case EntityContacts:
		return w.Contacts
	case EntityInvoices:
		return w.Invoices
	case EntityLineItems:
		return w.LineItems
	}
	return Tally{}
}

// IsZero reports whether every counter is zero.
func (w WriteResult) IsZero() bool {
	return w.Contacts.IsZero() && w.Invoices.IsZero() && w.LineItems.IsZero()
}

// SyncRun is one row of the sync run log. It is created as running and
// finalized exactly once.
type SyncRun struct {
	ID           string
	TenantID     string
	Status       RunStatus
	ForceFull    bool
	StartTime    time.Time
	EndTime      *time.Time
	// HeartbeatAt is refreshed while the run makes progress.
	HeartbeatAt  time.Time
	Counts       WriteResult
	ErrorCount   int
	ErrorMessage string
}

// LastSeen returns the latest sign of life: the heartbeat, or the start
// time for a run that has not reported one yet.
func (r SyncRun) LastSeen() time.Time {
	if r.HeartbeatAt.After(r.StartTime) {
		return r.HeartbeatAt
	}
	return r.StartTime
}

// Duration returns the elapsed run time, or zero while the run is open.
func (r SyncRun) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
