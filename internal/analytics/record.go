// Package analytics records per-request attribution data off the response
// path. Recording is best effort: a failed or dropped record never surfaces
// to the caller.
package analytics

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a forwarded request ended.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeMalformed   Outcome = "malformed_target"
	OutcomeNotAllowed  Outcome = "target_not_allowed"
	OutcomeUnreachable Outcome = "upstream_unreachable"
	OutcomeTimeout     Outcome = "upstream_timeout"
	OutcomeInterrupted Outcome = "stream_interrupted"
	OutcomeCanceled    Outcome = "caller_disconnected"
)

// Record is one attribution event for a forwarded request.
type Record struct {
	ID         string
	App        string
	EnvID      string
	TenantID   string
	ModuleID   string
	SessionID  string
	RequestID  string
	TargetHost string
	Method     string
	StatusCode int
	Outcome    Outcome

	BytesRelayed int64
	DurationMS   int64

	// Token usage parsed from the relayed stream, when present.
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	CreatedAt time.Time
}

// NewRecord creates a Record with a fresh ID and timestamp.
func NewRecord() *Record {
	return &Record{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}
