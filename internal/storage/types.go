package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit file plus a marks snapshot/journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit actions.
const (
	ActionCreated         = "job.created"
	ActionStarted         = "job.started"
	ActionResumed         = "job.resumed"
	ActionCancelRequested = "job.cancel_requested"
	ActionPaused          = "job.paused"
	ActionCompleted       = "job.completed"
	ActionLoadFailed      = "job.load_failed"
)

// AuditEntry records an operator action or the end of a job run.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Actor   string    `json:"actor,omitempty"` // "http", "telegram:<id>", "scheduler", "cli"
	Action  string    `json:"action"`
	JobID   string    `json:"job_id,omitempty"`
	JobName string    `json:"job_name,omitempty"`
	Cursor  int       `json:"cursor"`
	Total   int       `json:"total"`
	OK      int       `json:"ok"`
	Fail    int       `json:"fail"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
}
