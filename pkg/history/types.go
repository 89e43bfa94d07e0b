// Package history persists a record of every bulk action run from the
// command line, so runs can be listed and inspected after the process
// that ran them has exited.
package history

import "time"

// State is the lifecycle state of a recorded run.
//
// NOTE: These values are persisted in run.json.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StatePartial   State = "partial"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool {
	return s != StateRunning
}

// Counters mirrors the action counters at the time the record was written.
type Counters struct {
	Scanned int64 `json:"scanned"`
	Total   int64 `json:"total"`
	Succeed int64 `json:"succeed"`
	Failed  int64 `json:"failed"`
}

// Record is the persistent record written to run.json.
//
// Fields are only ever added, so older files keep decoding.
type Record struct {
	ID         string `json:"id"`
	DatabaseID string `json:"database_id"`
	Type       string `json:"type"`
	State      State  `json:"state"`

	Addr    string `json:"addr,omitempty"`
	Match   string `json:"match,omitempty"`
	KeyType string `json:"key_type,omitempty"`
	Count   int    `json:"count,omitempty"`
	File    string `json:"file,omitempty"`

	PID       int        `json:"pid,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Counters   Counters `json:"counters"`
	Error      string   `json:"error,omitempty"`
	ReportURL  string   `json:"report_url,omitempty"`
	OutputPath string   `json:"output_path,omitempty"`
}
