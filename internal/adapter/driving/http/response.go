package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status  string           `json:"status"`
	Time    string           `json:"time"`
	LastRun *SyncRunResponse `json:"last_run,omitempty"`
}

// TallyResponse holds the counters for one entity type.
type TallyResponse struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
}

// SyncRunResponse is the JSON representation of a sync run log row.
type SyncRunResponse struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	Status       string        `json:"status"`
	ForceFull    bool          `json:"force_full"`
	StartTime    string        `json:"start_time"`
	EndTime      string        `json:"end_time,omitempty"`
	DurationMS   int64         `json:"duration_ms"`
	Contacts     TallyResponse `json:"contacts"`
	Invoices     TallyResponse `json:"invoices"`
	LineItems    TallyResponse `json:"line_items"`
	ErrorCount   int           `json:"error_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// ErrorEntryResponse is the JSON representation of an error log entry.
type ErrorEntryResponse struct {
	ID             string         `json:"id"`
	Kind           string         `json:"error_type"`
	Message        string         `json:"error_message"`
	StackTrace     string         `json:"stack_trace,omitempty"`
	AdditionalData map[string]any `json:"additional_data"`
	CreatedAt      string         `json:"created_at"`
}

// SyncTriggerResponse acknowledges a queued manual sync.
type SyncTriggerResponse struct {
	Status    string `json:"status"`
	ForceFull bool   `json:"force_full"`
}

// AuthResponse reports a completed authorization handshake.
type AuthResponse struct {
	Status    string `json:"status"`
	TenantID  string `json:"tenant_id"`
	ExpiresAt string `json:"expires_at"`
}

func toTallyResponse(t model.Tally) TallyResponse {
	return TallyResponse{Processed: t.Processed, Created: t.Created, Updated: t.Updated}
}

// toSyncRunResponse converts a domain SyncRun to its JSON response representation.
func toSyncRunResponse(run model.SyncRun) SyncRunResponse {
	resp := SyncRunResponse{
		ID:           run.ID,
		TenantID:     run.TenantID,
		Status:       string(run.Status),
		ForceFull:    run.ForceFull,
		StartTime:    run.StartTime.UTC().Format(time.RFC3339),
		DurationMS:   run.Duration().Milliseconds(),
		Contacts:     toTallyResponse(run.Counts.Contacts),
		Invoices:     toTallyResponse(run.Counts.Invoices),
		LineItems:    toTallyResponse(run.Counts.LineItems),
		ErrorCount:   run.ErrorCount,
		ErrorMessage: run.ErrorMessage,
	}
	if run.EndTime != nil {
		resp.EndTime = run.EndTime.UTC().Format(time.RFC3339)
	}
	return resp
}

// toErrorEntryResponse converts a domain ErrorEntry to its JSON representation.
func toErrorEntryResponse(e model.ErrorEntry) ErrorEntryResponse {
	data := e.AdditionalData
	if data == nil {
		data = map[string]any{}
	}

	return ErrorEntryResponse{
		ID:             e.ID,
		Kind:           e.Kind,
		Message:        e.Message,
		StackTrace:     e.StackTrace,
		AdditionalData: data,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
	}
}
