package model

import (
	"encoding/json"
	"time"
)

// Error log kinds.
const (
	ErrorKindRecordInvalid = "record_invalid"
	ErrorKindRunFailed     = "run_failed"
)

// ErrorEntry is one append-only error log record. AdditionalData carries
// structured context such as the run id, entity type and payload fragment.
type ErrorEntry struct {
	ID             string
	Kind           string
	Message        string
	StackTrace     string
	AdditionalData map[string]any
	CreatedAt      time.Time
}

// RecordError describes one remote record the reconciler had to skip.
type RecordError struct {
	Entity   EntityType
	RemoteID string
	Message  string
	Payload  string // Truncated raw payload.
}

// PayloadFragment truncates a raw payload for storage in the error log.
func PayloadFragment(raw json.RawMessage, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit])
}
