package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/redsweep/internal/config"
	"github.com/3leaps/redsweep/internal/observability"
	"github.com/3leaps/redsweep/pkg/bulkaction"
	"github.com/3leaps/redsweep/pkg/history"
	"github.com/3leaps/redsweep/pkg/importfile"
	"github.com/3leaps/redsweep/pkg/manifest"
	"github.com/3leaps/redsweep/pkg/output"
	"github.com/3leaps/redsweep/pkg/store/redis"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one bulk action and stream JSONL results",
	Long: `Run a single bulk action against Redis and write JSONL records
(progress, per-key results and a final summary) to stdout or a file.

The action is described either by a job manifest or by flags. Flags
override the manifest. Ctrl-C aborts the action between batches.

Example:
  redsweep run --type delete --match 'tmp:*'
  redsweep run --type unlink --match 'session:*' --key-type string --count 5000
  redsweep run --type upload --file seed.txt
  redsweep run --job sweep.yaml --output file:/tmp/sweep.jsonl
  redsweep run --job sweep.yaml --dry-run`,
	RunE: runRun,
}

var (
	runJobPath   string
	runType      string
	runMatch     string
	runKeyType   string
	runCount     int
	runFile      string
	runID        string
	runReport    bool
	runKeys      bool
	runOutput    string
	runQuiet     bool
	runDryRun    bool
	runRateLimit float64
)

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVarP(&runJobPath, "job", "j", "", "Path to job manifest")
	f.StringVarP(&runType, "type", "t", "", "Action type: delete, unlink or upload")
	f.StringVarP(&runMatch, "match", "m", "", "SCAN MATCH glob (default *)")
	f.StringVar(&runKeyType, "key-type", "", "Restrict to one data type (string, list, set, zset, hash, stream)")
	f.IntVarP(&runCount, "count", "c", 0, "Batch size and SCAN COUNT hint")
	f.StringVarP(&runFile, "file", "f", "", "Import file for upload actions (- for stdin)")
	f.StringVar(&runID, "id", "", "Action id (default: random)")
	f.BoolVar(&runReport, "report", false, "Record every processed key, not only failures")
	f.BoolVar(&runKeys, "keys", false, "Emit one key record per processed key (implies --report)")
	f.StringVarP(&runOutput, "output", "o", "", "Output destination: stdout or file:/path")
	f.BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress records")
	f.BoolVar(&runDryRun, "dry-run", false, "Validate and show the plan without executing")
	f.Float64Var(&runRateLimit, "rate-limit", 0, "Maximum batches per second (0 = unlimited)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	m, err := buildRunManifest(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid action", err)
	}

	if runDryRun {
		return showRunPlan(cmd.OutOrStdout(), m)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return executeRun(ctx, config.GetConfig(), m, cmd.InOrStdin(), cmd.OutOrStdout())
}

// buildRunManifest loads --job, if given, and overlays the action flags.
func buildRunManifest(cmd *cobra.Command) (*manifest.Manifest, error) {
	m := &manifest.Manifest{}
	if runJobPath != "" {
		loaded, err := manifest.Load(runJobPath)
		if err != nil {
			observability.CLILogger.Error("Failed to load manifest", zap.String("path", runJobPath), zap.Error(err))
			return nil, err
		}
		m = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("type") {
		m.Action.Type = runType
	}
	if flags.Changed("match") {
		m.Action.Filter.Match = runMatch
	}
	if flags.Changed("key-type") {
		kt := runKeyType
		m.Action.Filter.Type = &kt
	}
	if flags.Changed("count") {
		m.Action.Filter.Count = runCount
	}
	if flags.Changed("file") {
		m.Action.File = runFile
	}
	if flags.Changed("id") {
		m.Action.ID = runID
	}
	if runReport || runKeys {
		m.Action.GenerateReport = true
	}
	if runKeys {
		m.Output.Keys = true
	}
	if flags.Changed("output") {
		m.Output.Destination = runOutput
	}
	if runQuiet {
		off := false
		m.Output.Progress = &off
	}
	if flags.Changed("rate-limit") {
		m.Run.RateLimit = runRateLimit
	}

	if m.Action.Type == "" {
		return nil, errors.New("--type or --job is required")
	}
	if cfg := config.GetConfig(); cfg != nil && m.Action.Filter.Count == 0 {
		m.Action.Filter.Count = cfg.Bulk.DefaultCount
	}
	m.ApplyDefaults()
	if err := manifest.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// showRunPlan displays what would run without executing.
func showRunPlan(w io.Writer, m *manifest.Manifest) error {
	_, _ = fmt.Fprintln(w, "=== Bulk Action Plan (dry-run) ===")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Type:        %s\n", m.Action.Type)
	_, _ = fmt.Fprintf(w, "Database:    %s\n", m.Action.DatabaseID)
	if m.Connection.Addr != "" {
		_, _ = fmt.Fprintf(w, "Redis:       %s\n", m.Connection.Addr)
	}
	if m.Action.File != "" {
		_, _ = fmt.Fprintf(w, "File:        %s\n", m.Action.File)
	} else {
		keyType := "*"
		if m.Action.Filter.Type != nil && *m.Action.Filter.Type != "" {
			keyType = *m.Action.Filter.Type
		}
		_, _ = fmt.Fprintf(w, "Match:       %s\n", m.Action.Filter.Match)
		_, _ = fmt.Fprintf(w, "Key type:    %s\n", keyType)
	}
	_, _ = fmt.Fprintf(w, "Count:       %d\n", m.Action.Filter.Count)
	if m.Run.RateLimit > 0 {
		_, _ = fmt.Fprintf(w, "Rate limit:  %.1f batches/s\n", m.Run.RateLimit)
	}
	_, _ = fmt.Fprintf(w, "Report:      %v\n", m.Action.GenerateReport)
	_, _ = fmt.Fprintf(w, "Output:      %s\n", m.Output.Destination)
	_, _ = fmt.Fprintf(w, "Progress:    %v\n", m.Output.ProgressEnabled())
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Action validated successfully. Remove --dry-run to execute.")
	return nil
}

// executeRun runs the action to completion and maps its outcome to an exit code.
func executeRun(ctx context.Context, cfg *config.Config, m *manifest.Manifest, stdin io.Reader, stdout io.Writer) error {
	log := observability.CLILogger

	typ, err := m.Action.BulkType()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid action type", err)
	}

	var lines []string
	fileName := ""
	if typ == bulkaction.TypeUpload {
		lines, fileName, err = readImportFile(m.Action.File, stdin, cfg.Bulk.MaxImportLines)
		if err != nil {
			log.Error("Failed to read import file", zap.String("file", m.Action.File), zap.Error(err))
			return exitError(foundry.ExitFileReadError, "Failed to read import file", err)
		}
	}

	if m.Action.ID == "" {
		m.Action.ID = uuid.NewString()
	}

	storeCfg, err := m.Connection.ApplyTo(cfg.Redis.StoreConfig())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid connection", err)
	}
	st, err := redis.New(ctx, storeCfg)
	if err != nil {
		log.Error("Failed to connect to Redis", zap.String("addr", storeCfg.Addr), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to Redis", err)
	}
	defer func() { _ = st.Close() }()

	writer, cleanup, err := createWriter(m, stdout)
	if err != nil {
		log.Error("Failed to create writer", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	reportDir := m.Run.ReportDir
	if reportDir == "" {
		reportDir = cfg.Bulk.ReportDir
	}
	rateLimit := m.Run.RateLimit
	if rateLimit == 0 {
		rateLimit = cfg.Bulk.RateLimit
	}

	provider := bulkaction.NewProvider(cfg.Bulk.Retention, log)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()
	coordinator := bulkaction.NewCoordinator(bulkaction.CoordinatorConfig{
		RateLimit: rateLimit,
		ReportDir: reportDir,
	}, log)
	if m.Output.ProgressEnabled() {
		coordinator.WithListener(progressListener(ctx, writer, log))
	}
	svc := bulkaction.NewService(provider, coordinator, bulkaction.SingleStore(st), bulkaction.ServiceConfig{
		OverviewErrorLimit: cfg.Bulk.OverviewErrorLimit,
		FlushEvery:         cfg.Bulk.FlushEvery,
		DefaultCount:       cfg.Bulk.DefaultCount,
		ReportDir:          reportDir,
	}, log)

	created, err := svc.Create(ctx, bulkaction.CreateRequest{
		ID:             m.Action.ID,
		DatabaseID:     m.Action.DatabaseID,
		Type:           typ,
		Filter:         m.Action.BulkFilter(),
		GenerateReport: m.Action.GenerateReport,
		FileName:       fileName,
		Lines:          lines,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to start bulk action", err)
	}
	id := created.ID

	hs := openHistory(cfg)
	rec := startRecord(m, created, st.Addr())
	saveRecord(hs, rec)

	log.Info("Starting bulk action",
		zap.String("action_id", id),
		zap.String("type", string(typ)),
		zap.String("redis", st.Addr()))

	o, err := waitOrAbort(ctx, svc, id)
	if err != nil {
		rec.State = history.StateUnknown
		rec.Error = err.Error()
		saveRecord(hs, rec)
		return exitError(foundry.ExitExternalServiceUnavailable, "Bulk action did not finish", err)
	}
	finishRecord(rec, o)
	saveRecord(hs, rec)

	if m.Output.Keys {
		if n, err := svc.ExportKeys(context.WithoutCancel(ctx), id, writer); err != nil {
			log.Warn("Failed to emit key records", zap.Error(err))
		} else {
			log.Debug("Emitted key records", zap.Int("keys", n))
		}
	}
	if err := writer.WriteSummary(context.WithoutCancel(ctx), summaryRecord(o)); err != nil {
		log.Warn("Failed to write summary record", zap.Error(err))
	}

	log.Info("Bulk action finished",
		zap.String("action_id", id),
		zap.String("status", string(o.Status)),
		zap.Int64("succeed", o.Summary.Succeed),
		zap.Int64("failed", o.Summary.Failed),
		zap.Duration("duration", time.Duration(o.Duration)*time.Millisecond))

	return outcomeError(o)
}

// waitOrAbort waits for the action, requesting an abort when ctx ends.
// The abort takes effect between batches, so a second wait follows.
func waitOrAbort(ctx context.Context, svc *bulkaction.Service, id string) (bulkaction.Overview, error) {
	o, err := svc.Wait(ctx, id)
	if err == nil {
		return o, nil
	}
	if ctx.Err() == nil {
		return o, err
	}

	observability.CLILogger.Warn("Interrupted, aborting bulk action", zap.String("action_id", id))
	if _, _, err := svc.Abort(id); err != nil {
		return bulkaction.Overview{}, err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortWait)
	defer cancel()
	return svc.Wait(wctx, id)
}

// abortWait bounds how long an interrupted run waits for the current batch.
const abortWait = 30 * time.Second

func outcomeError(o bulkaction.Overview) error {
	switch o.Status {
	case bulkaction.StatusCompleted:
		if o.Summary.Failed > 0 {
			return exitError(foundry.ExitExternalServiceUnavailable, "Bulk action completed with errors",
				fmt.Errorf("failed=%d", o.Summary.Failed))
		}
		return nil
	case bulkaction.StatusAborted:
		return exitError(foundry.ExitSignalInt, "Bulk action aborted", context.Canceled)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Bulk action failed", errors.New(o.Error))
	}
}

func summaryRecord(o bulkaction.Overview) *output.SummaryRecord {
	d := time.Duration(o.Duration) * time.Millisecond
	return &output.SummaryRecord{
		Status:        string(o.Status),
		Type:          string(o.Type),
		Scanned:       o.Progress.Scanned,
		Succeed:       o.Summary.Succeed,
		Failed:        o.Summary.Failed,
		Duration:      d,
		DurationHuman: d.String(),
		Error:         o.Error,
	}
}

// progressListener emits a progress record per batch.
func progressListener(ctx context.Context, w output.Writer, log *zap.Logger) bulkaction.Listener {
	return bulkaction.ListenerFunc(func(o bulkaction.Overview) {
		rec := &output.ProgressRecord{
			Status:  string(o.Status),
			Scanned: o.Progress.Scanned,
			Total:   o.Progress.Total,
			Succeed: o.Summary.Succeed,
			Failed:  o.Summary.Failed,
		}
		if err := w.WriteProgress(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn("Failed to write progress record", zap.Error(err))
		}
	})
}

// readImportFile reads the command lines of an upload action.
func readImportFile(path string, stdin io.Reader, maxLines int) ([]string, string, error) {
	if path == "-" {
		lines, err := importfile.ReadLines(stdin, maxLines)
		return lines, "stdin", err
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = f.Close() }()
	lines, err := importfile.ReadLines(f, maxLines)
	return lines, filepath.Base(path), err
}

// createWriter creates an output writer from manifest configuration.
// Returns the writer, a cleanup function, and any error.
func createWriter(m *manifest.Manifest, stdout io.Writer) (output.Writer, func(), error) {
	dest := m.Output.Destination
	if dest == "" || dest == manifest.DefaultDestination {
		w := output.NewJSONLWriter(stdout, m.Action.ID, m.Action.DatabaseID)
		return w, func() { _ = w.Close() }, nil
	}

	path := m.Output.OutputPath()
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, m.Action.ID, m.Action.DatabaseID)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
