// Package output provides JSONL output for bulk action runs.
//
// Output is structured as typed record envelopes containing per-key
// results, errors, progress updates and a final summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: redsweep.<type>.v<version>
const (
	// TypeKey identifies per-key command result records.
	TypeKey = "redsweep.key.v1"

	// TypeError identifies error records.
	TypeError = "redsweep.error.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "redsweep.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "redsweep.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "redsweep.key.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// ActionID is the bulk action this record belongs to.
	ActionID string `json:"action_id"`

	// DatabaseID identifies the target database.
	DatabaseID string `json:"database_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// KeyRecord is the data payload for one executed command.
type KeyRecord struct {
	// Key is the key (or import line) the command was built from.
	Key string `json:"key"`

	// Command is the command name sent to the server.
	Command string `json:"command,omitempty"`

	// Status is StatusOK or StatusError.
	Status string `json:"status"`

	// Error is the server or parse error, if any.
	Error string `json:"error,omitempty"`
}

// Key record statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ErrorRecord is the data payload for errors that end or disturb a run.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Key is the key related to this error, if applicable.
	Key string `json:"key,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeConnection indicates the store connection failed.
	ErrCodeConnection = "CONNECTION"

	// ErrCodeCommand indicates a single command failed.
	ErrCodeCommand = "COMMAND"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// ProgressRecord is the data payload for progress updates.
type ProgressRecord struct {
	// Status is the action status at the time of the update.
	Status string `json:"status"`

	// Scanned is the number of keys (or lines) handled so far.
	Scanned int64 `json:"scanned"`

	// Total is the expected number of items, when known.
	Total *int64 `json:"total,omitempty"`

	// Succeed is the number of successful commands so far.
	Succeed int64 `json:"succeed"`

	// Failed is the number of failed commands so far.
	Failed int64 `json:"failed"`
}

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	// Status is the terminal status of the action.
	Status string `json:"status"`

	// Type is the bulk action type (delete, unlink, upload).
	Type string `json:"action_type"`

	// Scanned is the total number of keys (or lines) handled.
	Scanned int64 `json:"scanned"`

	// Succeed is the number of successful commands.
	Succeed int64 `json:"succeed"`

	// Failed is the number of failed commands.
	Failed int64 `json:"failed"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Error is the fatal error message when the run failed.
	Error string `json:"error,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
