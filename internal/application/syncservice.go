package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

// Defaults applied by NewSyncService for zero-valued SyncConfig fields.
const (
	DefaultSyncInterval   = 24 * time.Hour
	DefaultMaxRetries     = 5
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = time.Minute
	DefaultStaleRunAfter  = 6 * time.Hour
)

// TokenProvider supplies valid credentials to the sync controller.
// TokenService is the production implementation.
type TokenProvider interface {
	GetValidToken(ctx context.Context, tenantID string) (model.Credential, error)
	ForceRefresh(ctx context.Context, tenantID, staleAccessToken string) (model.Credential, error)
	ResolveTenant(ctx context.Context, tenantID string) (string, error)
}

// SyncConfig tunes the sync controller and its scheduler.
type SyncConfig struct {
	// TenantID is synced by the scheduler. Empty selects the most recently
	// authorized tenant.
	TenantID       string
	Interval       time.Duration
	RunOnStart     bool
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StaleRunAfter is how long a running row may go without a heartbeat
	// before a new run finalizes it as abandoned. It must exceed the longest
	// backoff wait.
	StaleRunAfter time.Duration
}

type syncRequest struct {
	tenantID  string
	forceFull bool
	done      chan syncResult
}

type syncResult struct {
	run model.SyncRun
	err error
}

// SyncService drives sync runs end to end: token, watermark, paginated fetch,
// reconciliation, batched commit and the run log. It also runs the periodic
// scheduler and serves manual trigger requests.
type SyncService struct {
	tokens     TokenProvider
	source     driven.SourceClient
	reconciler *Reconciler
	target     driven.TargetStore
	runs       driven.SyncRunStore
	errorLog   driven.ErrorLogStore
	cfg        SyncConfig

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newID     func() string
	triggerCh chan syncRequest

	mu     sync.Mutex
	active map[string]struct{}
}

// NewSyncService creates a SyncService with all required dependencies.
func NewSyncService(
	tokens TokenProvider,
	source driven.SourceClient,
	target driven.TargetStore,
	runs driven.SyncRunStore,
	errorLog driven.ErrorLogStore,
	cfg SyncConfig,
) *SyncService {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = DefaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.StaleRunAfter <= 0 {
		cfg.StaleRunAfter = DefaultStaleRunAfter
	}

	return &SyncService{
		tokens:     tokens,
		source:     source,
		reconciler: NewReconciler(target),
		target:     target,
		runs:       runs,
		errorLog:   errorLog,
		cfg:        cfg,
		now:        time.Now,
		sleep:      sleepCtx,
		newID:      uuid.NewString,
		triggerCh:  make(chan syncRequest),
		active:     make(map[string]struct{}),
	}
}

// Start runs the scheduler loop: an optional sync at startup, then one
// incremental sync per interval, plus any manual triggers. Start blocks until
// the context is canceled.
func (s *SyncService) Start(ctx context.Context) {
	if s.cfg.RunOnStart {
		s.scheduledRun(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("sync scheduler started", "interval", s.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			s.scheduledRun(ctx)
		case req := <-s.triggerCh:
			run, err := s.Run(ctx, req.tenantID, req.forceFull)
			req.done <- syncResult{run: run, err: err}
		}
	}
}

func (s *SyncService) scheduledRun(ctx context.Context) {
	_, err := s.Run(ctx, s.cfg.TenantID, false)
	switch {
	case err == nil:
	case errors.Is(err, driven.ErrNoCredential):
		slog.Warn("scheduled sync skipped: no tenant authorized")
	case errors.Is(err, driven.ErrRunInProgress):
		slog.Warn("scheduled sync skipped: run already in progress")
	default:
		slog.Error("scheduled sync failed", "error", err)
	}
}

// Trigger asks the scheduler loop to run a sync now and blocks until it
// finishes or the context is canceled. Start must be running.
func (s *SyncService) Trigger(ctx context.Context, tenantID string, forceFull bool) (model.SyncRun, error) {
	req := syncRequest{tenantID: tenantID, forceFull: forceFull, done: make(chan syncResult, 1)}

	select {
	case s.triggerCh <- req:
	case <-ctx.Done():
		return model.SyncRun{}, ctx.Err()
	}

	select {
	case res := <-req.done:
		return res.run, res.err
	case <-ctx.Done():
		return model.SyncRun{}, ctx.Err()
	}
}

// TriggerAsync hands a sync request to the scheduler loop without waiting for
// the result. It fails with driven.ErrRunInProgress when the loop is busy.
func (s *SyncService) TriggerAsync(tenantID string, forceFull bool) error {
	req := syncRequest{tenantID: tenantID, forceFull: forceFull, done: make(chan syncResult, 1)}

	select {
	case s.triggerCh <- req:
		return nil
	default:
		return driven.ErrRunInProgress
	}
}

// Run performs one sync for the tenant. The returned run is the finalized
// log row. A non-nil error means the run failed (or could not start); record
// level problems only downgrade the status to partial.
func (s *SyncService) Run(ctx context.Context, tenantID string, forceFull bool) (model.SyncRun, error) {
	tenant, err := s.tokens.ResolveTenant(ctx, tenantID)
	if err != nil {
		return model.SyncRun{}, err
	}

	if !s.claim(tenant) {
		return model.SyncRun{}, errors.Wrapf(driven.ErrRunInProgress, "tenant %s", tenant)
	}
	defer s.release(tenant)

	if err := s.reapStaleRun(ctx, tenant); err != nil {
		return model.SyncRun{}, err
	}

	start := s.now().UTC()
	run := model.SyncRun{
		ID:          s.newID(),
		TenantID:    tenant,
		Status:      model.RunStatusRunning,
		ForceFull:   forceFull,
		StartTime:   start,
		HeartbeatAt: start,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		if errors.Is(err, driven.ErrRunInProgress) {
			return model.SyncRun{}, errors.Wrapf(err, "tenant %s", tenant)
		}
		return model.SyncRun{}, markStore(err, "open sync run")
	}

	slog.Info("sync run started", "run_id", run.ID, "tenant", tenant, "force_full", forceFull)

	var runErr error
	for _, entity := range model.FetchOrder {
		if runErr = s.syncEntity(ctx, &run, entity); runErr != nil {
			break
		}
	}

	return s.finalize(ctx, run, runErr)
}

// claim marks the tenant as syncing in this process. Runs of the same
// service never overlap, whatever the run log says.
func (s *SyncService) claim(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[tenantID]; busy {
		return false
	}
	s.active[tenantID] = struct{}{}
	return true
}

func (s *SyncService) release(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, tenantID)
}

// reapStaleRun finalizes a running row left behind by a crashed process. A
// row is stale once its heartbeat is older than StaleRunAfter; a live run
// beats after every committed page and before every backoff wait.
func (s *SyncService) reapStaleRun(ctx context.Context, tenantID string) error {
	running, err := s.runs.Running(ctx, tenantID)
	if err != nil {
		return markStore(err, "check running sync")
	}
	if running == nil || s.now().Sub(running.LastSeen()) < s.cfg.StaleRunAfter {
		return nil
	}

	end := s.now().UTC()
	running.Status = model.RunStatusFailed
	running.EndTime = &end
	running.ErrorMessage = fmt.Sprintf("abandoned: no heartbeat since %s", running.LastSeen().Format(time.RFC3339))

	if err := s.runs.Finish(ctx, *running); err != nil && !errors.Is(err, driven.ErrRunFinalized) {
		return markStore(err, "finalize abandoned sync run")
	}

	slog.Warn("abandoned sync run finalized",
		"run_id", running.ID,
		"tenant", tenantID,
		"started", running.StartTime,
		"last_heartbeat", running.LastSeen(),
	)
	return nil
}

// heartbeat tells the run log this run is alive. ErrRunFinalized means the
// row was reaped by someone else and the run must stop.
func (s *SyncService) heartbeat(ctx context.Context, run *model.SyncRun) error {
	at := s.now().UTC()
	if err := s.runs.Heartbeat(ctx, run.ID, at); err != nil {
		if errors.Is(err, driven.ErrRunFinalized) {
			return errors.Wrap(err, "run was finalized while still active")
		}
		return markStore(err, "record heartbeat")
	}
	run.HeartbeatAt = at
	return nil
}

// syncEntity pages through one entity type, committing each page before the
// next is requested.
func (s *SyncService) syncEntity(ctx context.Context, run *model.SyncRun, entity model.EntityType) error {
	var since *time.Time
	if !run.ForceFull {
		hwm, err := s.target.HighWaterMark(ctx, run.TenantID, entity)
		if err != nil {
			return markStore(err, fmt.Sprintf("read %s watermark", entity))
		}
		since = hwm
	}

	var (
		pageToken string
		pages     int
		total     model.WriteResult
	)
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "sync interrupted after %d %s pages", pages, entity)
		}

		cred, err := s.tokens.GetValidToken(ctx, run.TenantID)
		if err != nil {
			return err
		}

		page, err := s.fetchPage(ctx, run, &cred, entity, since, pageToken)
		if err != nil {
			return errors.Wrapf(err, "fetch %s page %d", entity, pages+1)
		}

		written, recordErrs, err := s.commitPage(ctx, run.TenantID, entity, page)
		if err != nil {
			return err
		}

		// Counters move only once the page is durable.
		run.Counts.Add(written)
		total.Add(written)
		run.ErrorCount += len(recordErrs)
		pages++

		if err := s.logRecordErrors(ctx, run.ID, recordErrs); err != nil {
			return err
		}
		if err := s.heartbeat(ctx, run); err != nil {
			return err
		}

		if !page.HasNext() {
			break
		}
		pageToken = page.NextPageToken
	}

	slog.Info("entity synced",
		"run_id", run.ID,
		"entity", entity,
		"incremental", since != nil,
		"pages", pages,
		"processed", total.For(entity).Processed,
		"created", total.For(entity).Created,
		"updated", total.For(entity).Updated,
	)
	return nil
}

// commitPage reconciles one page and applies it in a single transaction.
func (s *SyncService) commitPage(ctx context.Context, tenantID string, entity model.EntityType, page model.Page) (model.WriteResult, []model.RecordError, error) {
	batch, err := s.reconciler.Reconcile(ctx, tenantID, entity, page.Records)
	if err != nil {
		return model.WriteResult{}, nil, markStore(err, fmt.Sprintf("reconcile %s page", entity))
	}

	if batch.Empty() {
		return batch.Planned, batch.Errors, nil
	}

	applied, err := s.target.Apply(ctx, batch)
	if err != nil {
		return model.WriteResult{}, nil, markStore(err, fmt.Sprintf("commit %s page", entity))
	}

	// The run log counts what the reconciler planned. The store's own split
	// only differs when another writer touched the rows in between.
	for _, e := range []model.EntityType{model.EntityContacts, model.EntityInvoices, model.EntityLineItems} {
		planned, got := batch.Planned.For(e), applied.For(e)
		if planned.Created != got.Created || planned.Updated != got.Updated {
			slog.Warn("stored rows changed between reconcile and commit",
				"tenant", tenantID,
				"entity", e,
				"planned_created", planned.Created,
				"planned_updated", planned.Updated,
				"committed_created", got.Created,
				"committed_updated", got.Updated,
			)
		}
	}

	return batch.Planned, batch.Errors, nil
}

// fetchPage requests one page, retrying the same cursor on rate limiting with
// bounded exponential backoff, and refreshing the token once on rejection.
// A Retry-After beyond BackoffMax fails the page instead of parking the run.
func (s *SyncService) fetchPage(ctx context.Context, run *model.SyncRun, cred *model.Credential, entity model.EntityType, since *time.Time, pageToken string) (model.Page, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffInitial
	bo.MaxInterval = s.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	refreshed := false
	for retries := 0; ; {
		page, err := s.source.FetchPage(ctx, *cred, entity, since, pageToken)
		switch {
		case err == nil:
			return page, nil

		case errors.Is(err, driven.ErrNotFound):
			slog.Warn("listing not found, treating as exhausted", "tenant", cred.TenantID, "entity", entity, "page_token", pageToken)
			return model.Page{}, nil

		case errors.Is(err, driven.ErrUnauthorized):
			if refreshed {
				return model.Page{}, errors.Mark(errors.Wrap(err, "access token rejected after refresh"), driven.ErrAuthExpired)
			}
			refreshed = true
			fresh, rerr := s.tokens.ForceRefresh(ctx, cred.TenantID, cred.AccessToken)
			if rerr != nil {
				return model.Page{}, rerr
			}
			*cred = fresh

		case errors.Is(err, driven.ErrRateLimited):
			if retries >= s.cfg.MaxRetries {
				return model.Page{}, errors.Wrapf(err, "still rate limited after %d retries", retries)
			}
			delay := bo.NextBackOff()
			if retryAfter, ok := driven.RetryAfter(err); ok {
				if retryAfter > s.cfg.BackoffMax {
					return model.Page{}, errors.Wrapf(err, "retry-after %s exceeds backoff cap %s", retryAfter, s.cfg.BackoffMax)
				}
				delay = max(delay, retryAfter)
			}
			delay = min(delay, s.cfg.BackoffMax)
			retries++

			slog.Warn("rate limited, backing off",
				"tenant", cred.TenantID,
				"entity", entity,
				"attempt", retries,
				"delay", delay.Round(time.Millisecond),
			)
			if err := s.heartbeat(ctx, run); err != nil {
				return model.Page{}, err
			}
			if err := s.sleep(ctx, delay); err != nil {
				return model.Page{}, errors.Wrap(err, "interrupted during backoff")
			}

		default:
			return model.Page{}, err
		}
	}
}

// logRecordErrors appends one error log entry per skipped record.
func (s *SyncService) logRecordErrors(ctx context.Context, runID string, recordErrs []model.RecordError) error {
	for _, re := range recordErrs {
		entry := model.ErrorEntry{
			Kind:    model.ErrorKindRecordInvalid,
			Message: re.Message,
			AdditionalData: map[string]any{
				"run_id":      runID,
				"entity_type": string(re.Entity),
				"remote_id":   re.RemoteID,
				"payload":     re.Payload,
			},
		}
		if err := s.errorLog.Append(ctx, entry); err != nil {
			return markStore(err, "append record error")
		}
		slog.Warn("record skipped", "run_id", runID, "entity", re.Entity, "remote_id", re.RemoteID, "reason", re.Message)
	}
	return nil
}

// finalize records the run outcome exactly once. It uses a non-cancelable
// context so an interrupted run still gets its terminal row.
func (s *SyncService) finalize(ctx context.Context, run model.SyncRun, runErr error) (model.SyncRun, error) {
	fctx := context.WithoutCancel(ctx)

	end := s.now().UTC()
	run.EndTime = &end
	switch {
	case runErr != nil:
		run.Status = model.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	case run.ErrorCount > 0:
		run.Status = model.RunStatusPartial
		run.ErrorMessage = fmt.Sprintf("%d records skipped", run.ErrorCount)
	default:
		run.Status = model.RunStatusSuccess
	}

	if err := s.runs.Finish(fctx, run); err != nil {
		finishErr := markStore(err, "finalize sync run")
		slog.Error("failed to finalize sync run", "run_id", run.ID, "error", finishErr)
		if runErr == nil {
			return run, finishErr
		}
		runErr = errors.CombineErrors(runErr, finishErr)
	}

	if runErr != nil {
		entry := model.ErrorEntry{
			Kind:       model.ErrorKindRunFailed,
			Message:    runErr.Error(),
			StackTrace: fmt.Sprintf("%+v", runErr),
			AdditionalData: map[string]any{
				"run_id":    run.ID,
				"tenant_id": run.TenantID,
			},
		}
		if err := s.errorLog.Append(fctx, entry); err != nil {
			slog.Error("failed to record run failure", "run_id", run.ID, "error", err)
		}
	}

	slog.Info("sync run finished",
		"run_id", run.ID,
		"tenant", run.TenantID,
		"status", run.Status,
		"errors", run.ErrorCount,
		"contacts", run.Counts.Contacts.Processed,
		"invoices", run.Counts.Invoices.Processed,
		"line_items", run.Counts.LineItems.Processed,
		"duration", run.Duration().Round(time.Millisecond),
	)

	return run, runErr
}

// Runs lists recent sync runs, newest first.
func (s *SyncService) Runs(ctx context.Context, tenantID string, limit int) ([]model.SyncRun, error) {
	return s.runs.List(ctx, tenantID, limit)
}

// RunByID returns one sync run, or (nil, nil) when it does not exist.
func (s *SyncService) RunByID(ctx context.Context, id string) (*model.SyncRun, error) {
	return s.runs.Get(ctx, id)
}

// Errors lists recent error log entries, newest first.
func (s *SyncService) Errors(ctx context.Context, limit int) ([]model.ErrorEntry, error) {
	return s.errorLog.List(ctx, limit)
}

func markStore(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), driven.ErrTargetStoreUnavailable)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
