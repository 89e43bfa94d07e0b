package bulkaction

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/redsweep/pkg/output"
	"github.com/3leaps/redsweep/pkg/store"
)

// CoordinatorConfig configures batch execution.
type CoordinatorConfig struct {
	// RateLimit is the maximum number of batches per second.
	// Zero means unlimited.
	RateLimit float64

	// ReportDir is where per-key JSONL spools are written for actions
	// created with GenerateReport. Empty disables spooling.
	ReportDir string
}

// Listener receives a snapshot after every batch and once at the end.
type Listener interface {
	OnProgress(o Overview)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(o Overview)

// OnProgress calls f(o).
func (f ListenerFunc) OnProgress(o Overview) { f(o) }

// Coordinator executes bulk actions batch by batch.
//
// One Coordinator may run many actions concurrently; each Run call owns
// its action and connection exclusively.
type Coordinator struct {
	config   CoordinatorConfig
	logger   *zap.Logger
	listener Listener
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{config: cfg, logger: logger}
}

// WithListener sets a progress listener. Returns the coordinator for
// method chaining.
func (c *Coordinator) WithListener(l Listener) *Coordinator {
	c.listener = l
	return c
}

// Run drives a from initialized to a terminal status.
//
// lines is the import input for upload actions and is ignored otherwise.
// Run blocks until the action ends. It never returns an error: fatal
// problems end the action in StatusFailed with LastError set.
func (c *Coordinator) Run(ctx context.Context, a *BulkAction, st store.Store, lines []string) {
	r := &run{
		c: c,
		a: a,
		log: c.logger.With(
			zap.String("action_id", a.ID()),
			zap.String("database_id", a.DatabaseID()),
			zap.String("type", string(a.Type())),
		),
	}
	if c.config.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(c.config.RateLimit), 1)
	}

	defer func() {
		c.notify(a)
		r.log.Info("Bulk action finished",
			zap.String("status", string(a.Status())),
			zap.Int64("scanned", a.Progress().Scanned),
			zap.Int64("succeed", a.Summary().Succeed),
			zap.Int64("failed", a.Summary().Failed),
			zap.Duration("duration", a.Duration()),
			zap.String("error", a.LastError()),
		)
	}()

	if r.stopIfAborted(ctx) {
		return
	}

	conn, err := st.Acquire(ctx)
	if err != nil {
		r.fail(ctx, err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			r.log.Warn("Failed to release store connection", zap.Error(err))
		}
	}()

	if !r.advance(ctx, StatusPreparing) {
		return
	}
	if err := a.Runner().PrepareToStart(ctx, conn); err != nil {
		r.fail(ctx, err)
		return
	}

	var src BatchSource
	if a.Type().scans() {
		if n, err := conn.DBSize(ctx); err != nil {
			r.log.Warn("Failed to read key count", zap.Error(err))
		} else {
			a.setTotal(n)
		}
		src = newScanSource(conn, a.Filter())
	} else {
		a.setTotal(int64(len(lines)))
		src = newLineSource(lines, a.Filter().Count)
	}

	if !r.advance(ctx, StatusReady) {
		return
	}
	if r.stopIfAborted(ctx) {
		return
	}

	r.spool = c.createSpool(a, r.log)

	if !r.advance(ctx, StatusRunning) {
		return
	}
	r.log.Info("Bulk action started",
		zap.String("match", a.Filter().Match),
		zap.String("key_type", a.Filter().Type.String()),
		zap.Int("count", a.Filter().Count),
	)

	runner := a.Runner()
	for {
		if !r.pace(ctx) {
			return
		}

		items, done, err := src.Next(ctx)
		if err != nil {
			r.fail(ctx, err)
			return
		}

		if len(items) > 0 {
			cmds := runner.PrepareCommands(items)
			results, err := conn.Exec(ctx, cmds)
			if err != nil {
				r.fail(ctx, err)
				return
			}
			if err := a.recordBatch(items, results); err != nil {
				r.fail(ctx, err)
				return
			}
			if r.spool != nil {
				r.spool.writeBatch(ctx, items, cmds, results, r.log)
			}
			if r.log.Core().Enabled(zap.DebugLevel) {
				for i, res := range results {
					if !res.OK() {
						r.log.Debug("Command failed", zap.String("key", items[i]), zap.Error(res.Err))
					}
				}
			}
		}

		c.notify(a)

		if r.stopIfAborted(ctx) {
			return
		}
		if done {
			r.advance(ctx, StatusCompleted)
			return
		}
	}
}

// run is the state of one Coordinator.Run call.
type run struct {
	c       *Coordinator
	a       *BulkAction
	log     *zap.Logger
	limiter *rate.Limiter // nil when unlimited
	spool   *reportSpool
}

// pace blocks until the limiter admits the next batch. An abort or a
// cancelled ctx ends the wait early; pace then ends the action and
// returns false.
func (r *run) pace(ctx context.Context) bool {
	if r.limiter == nil {
		return true
	}
	res := r.limiter.Reserve()
	d := res.Delay()
	if d == 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.a.aborted():
		res.Cancel()
		return !r.stopIfAborted(ctx)
	case <-ctx.Done():
		res.Cancel()
		r.fail(ctx, ctx.Err())
		return false
	}
}

// advance moves the action to status to, logging an unexpected transition.
// The spool is sealed before a terminal status becomes visible.
func (r *run) advance(ctx context.Context, to Status) bool {
	if !CanTransition(r.a.Status(), to) {
		err := transitionError(r.a.Status(), to)
		r.log.Error("Unexpected bulk action transition", zap.Error(err))
		if !r.a.Status().Terminal() {
			r.seal(ctx, StatusFailed, err)
			_ = r.a.Fail(err)
		}
		return false
	}
	if to.Terminal() {
		r.seal(ctx, to, nil)
	}
	if err := r.a.SetStatus(to); err != nil {
		r.log.Error("Unexpected bulk action transition", zap.Error(err))
		return false
	}
	return true
}

// stopIfAborted ends the action when an abort was requested.
func (r *run) stopIfAborted(ctx context.Context) bool {
	if !r.a.AbortRequested() {
		return false
	}
	r.seal(ctx, StatusAborted, nil)
	if err := r.a.SetStatus(StatusAborted); err != nil && !errors.Is(err, ErrInvalidTransition) {
		r.log.Error("Failed to abort bulk action", zap.Error(err))
	}
	r.log.Info("Bulk action aborted")
	return true
}

func (r *run) fail(ctx context.Context, err error) {
	r.log.Error("Bulk action failed", zap.Error(err), zap.Bool("connection_error", store.IsConnection(err)))
	r.seal(ctx, StatusFailed, err)
	_ = r.a.Fail(err)
}

// seal writes the summary record and closes the spool, if any.
func (r *run) seal(ctx context.Context, status Status, err error) {
	if r.spool == nil {
		return
	}
	r.spool.close(ctx, r.a, status, err, r.log)
	r.spool = nil
}

func (c *Coordinator) notify(a *BulkAction) {
	if c.listener != nil {
		c.listener.OnProgress(a.Overview())
	}
}

// reportSpool records one line per processed item for audit reports.
type reportSpool struct {
	file   *os.File
	writer *output.JSONLWriter
}

// createSpool creates the spool for a reported action. Failure to create it
// disables the audit report but does not fail the action.
//
// The file name carries a random suffix, so ids that sanitize to the same
// prefix never share a spool.
func (c *Coordinator) createSpool(a *BulkAction, log *zap.Logger) *reportSpool {
	if !a.GenerateReport() || c.config.ReportDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.config.ReportDir, 0o750); err != nil {
		log.Warn("Failed to create report directory, audit report disabled", zap.Error(err))
		return nil
	}
	f, err := os.CreateTemp(c.config.ReportDir, spoolPrefix(a.ID())+"-*.jsonl")
	if err != nil {
		log.Warn("Failed to create report spool, audit report disabled", zap.Error(err))
		return nil
	}
	a.setReportPath(f.Name())
	return &reportSpool{
		file:   f,
		writer: output.NewJSONLWriter(f, a.ID(), a.DatabaseID()),
	}
}

func (s *reportSpool) writeBatch(ctx context.Context, items []string, cmds []store.Command, results []store.Result, log *zap.Logger) {
	for i, r := range results {
		rec := &output.KeyRecord{Key: items[i], Command: cmds[i].Name, Status: output.StatusOK}
		if !r.OK() {
			rec.Status = output.StatusError
			rec.Error = r.Err.Error()
		}
		if err := s.writer.WriteKey(ctx, rec); err != nil {
			log.Warn("Failed to write report spool", zap.Error(err))
			return
		}
	}
}

func (s *reportSpool) close(ctx context.Context, a *BulkAction, status Status, cause error, log *zap.Logger) {
	sum := a.Summary()
	prog := a.Progress()
	d := a.Duration()
	rec := &output.SummaryRecord{
		Status:        string(status),
		Type:          string(a.Type()),
		Scanned:       prog.Scanned,
		Succeed:       sum.Succeed,
		Failed:        sum.Failed,
		Duration:      d,
		DurationHuman: d.Round(time.Millisecond).String(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := s.writer.WriteSummary(ctx, rec); err != nil {
		log.Warn("Failed to write report summary", zap.Error(err))
	}
	_ = s.writer.Close()
	if err := s.file.Close(); err != nil {
		log.Warn("Failed to close report spool", zap.Error(err))
	}
}

// maxSpoolPrefix bounds the readable part of a spool file name.
const maxSpoolPrefix = 64

// spoolPrefix maps an action id to a readable file name prefix. It is not
// unique: "a/b" and "a_b" share one.
func spoolPrefix(id string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	if len(safe) > maxSpoolPrefix {
		safe = safe[:maxSpoolPrefix]
	}
	return safe
}
