// Package httphandler serves the sync engine's operational HTTP API and the
// browser leg of the OAuth handshake.
package httphandler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ericfisherdev/xerosync/internal/application"
	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	stateCookie = "xerosync_oauth_state"
)

// SyncRunner is the subset of the sync service the API drives.
type SyncRunner interface {
	TriggerAsync(tenantID string, forceFull bool) error
	Runs(ctx context.Context, tenantID string, limit int) ([]model.SyncRun, error)
	RunByID(ctx context.Context, id string) (*model.SyncRun, error)
	Errors(ctx context.Context, limit int) ([]model.ErrorEntry, error)
}

// Authorizer runs the OAuth authorization-code handshake.
type Authorizer interface {
	AuthorizeURL() (authURL, state string)
	CompleteAuthorization(ctx context.Context, callbackURL string, opts application.AuthorizationOptions) (model.Credential, error)
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	sync     SyncRunner
	auth     Authorizer
	tenantID string
	logger   *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. tenantID is
// the configured tenant, or empty to let the handshake pick one.
func NewHandler(sync SyncRunner, auth Authorizer, tenantID string, logger *slog.Logger) *Handler {
	return &Handler{
		sync:     sync,
		auth:     auth,
		tenantID: tenantID,
		logger:   logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/runs", h.ListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.GetRun)
	mux.HandleFunc("GET /api/v1/errors", h.ListErrors)
	mux.HandleFunc("POST /api/v1/sync", h.TriggerSync)
	mux.HandleFunc("GET /auth/start", h.StartAuth)
	mux.HandleFunc("GET /auth/callback", h.AuthCallback)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health reports liveness together with the most recent run.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	}

	runs, err := h.sync.Runs(r.Context(), "", 1)
	if err != nil {
		h.logger.Error("health check could not read run log", "error", err)
		resp.Status = "degraded"
	} else if len(runs) > 0 {
		last := toSyncRunResponse(runs[0])
		resp.LastRun = &last
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListRuns returns recent sync runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	runs, err := h.sync.Runs(r.Context(), r.URL.Query().Get("tenant"), limit)
	if err != nil {
		h.logger.Error("failed to list sync runs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]SyncRunResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toSyncRunResponse(run))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetRun returns a single sync run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	run, err := h.sync.RunByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get sync run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if run == nil {
		writeError(w, http.StatusNotFound, "sync run not found")
		return
	}

	writeJSON(w, http.StatusOK, toSyncRunResponse(*run))
}

// ListErrors returns recent error log entries, newest first.
func (h *Handler) ListErrors(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := h.sync.Errors(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list error log", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ErrorEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toErrorEntryResponse(e))
	}

	writeJSON(w, http.StatusOK, resp)
}

// TriggerSync queues a sync on the scheduler. The run itself continues after
// the response; poll the run log for its outcome.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	forceFull := false
	if v := q.Get("force_full"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force_full must be a boolean")
			return
		}
		forceFull = parsed
	}

	tenantID := q.Get("tenant")
	if tenantID == "" {
		tenantID = h.tenantID
	}

	if err := h.sync.TriggerAsync(tenantID, forceFull); err != nil {
		if errors.Is(err, driven.ErrRunInProgress) {
			writeError(w, http.StatusConflict, "a sync run is already in progress")
			return
		}
		h.logger.Error("failed to trigger sync", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("manual sync requested", "tenant", tenantID, "force_full", forceFull)
	writeJSON(w, http.StatusAccepted, SyncTriggerResponse{Status: "accepted", ForceFull: forceFull})
}

// StartAuth redirects the browser to the consent page and pins the state
// value in a short-lived cookie.
func (h *Handler) StartAuth(w http.ResponseWriter, r *http.Request) {
	authURL, state := h.auth.AuthorizeURL()

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, authURL, http.StatusFound)
}

// AuthCallback completes the handshake with the code the provider sent back.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value == "" {
		h.logger.Warn("authorization callback without state cookie", "remote", r.RemoteAddr)
		writeError(w, http.StatusBadRequest, "missing authorization state; start again at /auth/start")
		return
	}
	opts := application.AuthorizationOptions{State: c.Value, TenantID: h.tenantID}

	cred, err := h.auth.CompleteAuthorization(r.Context(), "?"+r.URL.RawQuery, opts)
	if err != nil {
		h.logger.Warn("authorization callback rejected", "error", err)
		writeError(w, http.StatusBadRequest, "authorization failed")
		return
	}

	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/auth", MaxAge: -1})

	writeJSON(w, http.StatusOK, AuthResponse{
		Status:    "authorized",
		TenantID:  cred.TenantID,
		ExpiresAt: cred.Expiry.UTC().Format(time.RFC3339),
	})
}

// parseLimit reads the optional limit query parameter. It writes a 400 and
// returns false when the value is unusable.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxListLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
		return 0, false
	}
	return n, true
}
