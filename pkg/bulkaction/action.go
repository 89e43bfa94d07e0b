// Package bulkaction implements long-running key-level mutations against a
// Redis-compatible store: mass DEL, UNLINK with a DEL fallback, and bulk
// import of command files.
//
// A BulkAction is driven by a Coordinator in its own goroutine. The
// coordinator pulls batches from a BatchSource (SCAN pages or import
// lines), maps them to commands with a Runner, pipelines each batch in one
// round trip and records per-command outcomes. Abort is cooperative and
// observed between batches. A Provider keeps at most one live action per
// id, and a Service exposes create/get/abort/report to transports.
package bulkaction

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3leaps/redsweep/pkg/store"
)

// DefaultOverviewErrorLimit caps the errors included in an Overview.
const DefaultOverviewErrorLimit = 500

// KeyError is a failed command, identified by the key (or import line)
// it was built from.
type KeyError struct {
	Key     string `json:"key"`
	Message string `json:"error"`
}

// Progress tracks how many items have been handled.
type Progress struct {
	// Scanned is the number of items taken from the source so far.
	Scanned int64

	// Total is the expected number of items, when known. For scans this is
	// the database key count, so it is an upper bound when a filter is set.
	Total *int64
}

// Summary tracks command outcomes.
type Summary struct {
	Processed int64
	Succeed   int64
	Failed    int64
	Errors    []KeyError
}

// Options describes a new bulk action.
type Options struct {
	ID                 string
	DatabaseID         string
	Type               Type
	Filter             Filter
	GenerateReport     bool
	FileName           string
	OverviewErrorLimit int
}

// BulkAction is one run of a bulk operation.
//
// Counters and status are mutated only by the coordinator goroutine; the
// abort flag may be set from any goroutine. All accessors are safe for
// concurrent use.
type BulkAction struct {
	id             string
	databaseID     string
	typ            Type
	filter         Filter
	runner         Runner
	generateReport bool
	fileName       string
	errorLimit     int

	abort     atomic.Bool
	abortCh   chan struct{}
	abortOnce sync.Once
	done      chan struct{}

	mu          sync.RWMutex
	status      Status
	progress    Progress
	summary     Summary
	startedAt   time.Time
	endedAt     time.Time
	lastError   string
	reportPath  string
	downloadURL string

	// Spool readers in flight; a discarded spool is removed when the
	// last one finishes.
	spoolReaders int
	spoolDropped bool
}

// NewBulkAction creates an action in the initializing state.
func NewBulkAction(opts Options, runner Runner) *BulkAction {
	limit := opts.OverviewErrorLimit
	if limit <= 0 {
		limit = DefaultOverviewErrorLimit
	}
	return &BulkAction{
		id:             opts.ID,
		databaseID:     opts.DatabaseID,
		typ:            opts.Type,
		filter:         opts.Filter,
		runner:         runner,
		generateReport: opts.GenerateReport,
		fileName:       opts.FileName,
		errorLimit:     limit,
		abortCh:        make(chan struct{}),
		done:           make(chan struct{}),
		status:         StatusInitializing,
		startedAt:      time.Now(),
	}
}

func (a *BulkAction) ID() string           { return a.id }
func (a *BulkAction) DatabaseID() string   { return a.databaseID }
func (a *BulkAction) Type() Type           { return a.typ }
func (a *BulkAction) Filter() Filter       { return a.filter }
func (a *BulkAction) Runner() Runner       { return a.runner }
func (a *BulkAction) GenerateReport() bool { return a.generateReport }
func (a *BulkAction) FileName() string     { return a.fileName }

// Status returns the current status.
func (a *BulkAction) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Done is closed when the action reaches a terminal status.
func (a *BulkAction) Done() <-chan struct{} {
	return a.done
}

// SetStatus moves the action to status to.
func (a *BulkAction) SetStatus(to Status) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setStatusLocked(to)
}

func (a *BulkAction) setStatusLocked(to Status) error {
	if !CanTransition(a.status, to) {
		return transitionError(a.status, to)
	}
	a.status = to
	if to.Terminal() {
		a.endedAt = time.Now()
		close(a.done)
	}
	return nil
}

// Fail records err and moves the action to failed.
func (a *BulkAction) Fail(err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastError = err.Error()
	}
	return a.setStatusLocked(StatusFailed)
}

// Abort requests cooperative cancellation. It returns true when the action
// was still running (or about to run) and will observe the request.
func (a *BulkAction) Abort() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.status.Terminal() {
		return false
	}
	a.abort.Store(true)
	a.abortOnce.Do(func() { close(a.abortCh) })
	return true
}

// aborted is closed once Abort has been requested.
func (a *BulkAction) aborted() <-chan struct{} {
	return a.abortCh
}

// AbortRequested reports whether Abort has been called.
func (a *BulkAction) AbortRequested() bool {
	return a.abort.Load()
}

// setTotal records the expected number of items.
func (a *BulkAction) setTotal(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress.Total = &n
}

// recordBatch applies one executed batch to progress and summary.
//
// results must be aligned with items.
func (a *BulkAction) recordBatch(items []string, results []store.Result) error {
	if len(items) != len(results) {
		return fmt.Errorf("batch of %d items returned %d results", len(items), len(results))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range results {
		if r.OK() {
			a.summary.Succeed++
			continue
		}
		a.summary.Failed++
		a.summary.Errors = append(a.summary.Errors, KeyError{Key: items[i], Message: r.Err.Error()})
	}
	a.summary.Processed = a.summary.Succeed + a.summary.Failed
	a.progress.Scanned += int64(len(items))
	return nil
}

func (a *BulkAction) setReportPath(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reportPath = path
}

// ReportPath returns the JSONL spool file of a reported action, if any.
func (a *BulkAction) ReportPath() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reportPath
}

// openSpool opens the finished spool for reading. It returns nil, nil
// when the action kept no spool, is still running, or was discarded.
// The caller must call release once done with the file.
func (a *BulkAction) openSpool() (f *os.File, release func(), err error) {
	a.mu.Lock()
	if a.reportPath == "" || a.spoolDropped || !a.status.Terminal() {
		a.mu.Unlock()
		return nil, nil, nil
	}
	path := a.reportPath
	a.spoolReaders++
	a.mu.Unlock()

	release = func() {
		a.mu.Lock()
		a.spoolReaders--
		remove := a.spoolDropped && a.spoolReaders == 0
		a.mu.Unlock()
		if remove {
			removeSpool(path)
		}
	}

	f, err = os.Open(filepath.Clean(path))
	if err != nil {
		release()
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return f, func() {
		_ = f.Close()
		release()
	}, nil
}

// discardSpool deletes the spool file, waiting for readers opened through
// openSpool to finish first.
func (a *BulkAction) discardSpool() {
	a.mu.Lock()
	path := a.reportPath
	if path == "" || a.spoolDropped {
		a.mu.Unlock()
		return
	}
	a.spoolDropped = true
	readers := a.spoolReaders
	a.mu.Unlock()

	if readers == 0 {
		removeSpool(path)
	}
}

func removeSpool(path string) {
	_ = os.Remove(path)
}

// SetDownloadURL records where the archived report can be fetched.
func (a *BulkAction) SetDownloadURL(url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.downloadURL = url
}

// Progress returns a copy of the progress counters.
func (a *BulkAction) Progress() Progress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p := a.progress
	if p.Total != nil {
		total := *p.Total
		p.Total = &total
	}
	return p
}

// Summary returns a copy of the summary, including every recorded error.
func (a *BulkAction) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.summary
	s.Errors = append([]KeyError(nil), a.summary.Errors...)
	return s
}

// LastError returns the fatal error message, if the action failed.
func (a *BulkAction) LastError() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastError
}

// Duration returns the elapsed run time, frozen once the action ends.
func (a *BulkAction) Duration() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.durationLocked()
}

func (a *BulkAction) durationLocked() time.Duration {
	if a.endedAt.IsZero() {
		return time.Since(a.startedAt)
	}
	return a.endedAt.Sub(a.startedAt)
}

// StartedAt returns when the action was created.
func (a *BulkAction) StartedAt() time.Time {
	return a.startedAt
}
