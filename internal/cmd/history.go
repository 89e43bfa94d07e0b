package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/redsweep/internal/config"
	"github.com/3leaps/redsweep/internal/observability"
	"github.com/3leaps/redsweep/pkg/bulkaction"
	"github.com/3leaps/redsweep/pkg/history"
	"github.com/3leaps/redsweep/pkg/manifest"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List bulk actions previously run from this machine",
	Long: `List the bulk actions recorded by "redsweep run", newest first.

Records live under history.dir (default: the app data directory).

Example:
  redsweep history
  redsweep history show 6f1c...
  redsweep history prune --older-than 168h`,
	RunE: runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one recorded run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove finished runs older than the retention",
	RunE:  runHistoryPrune,
}

var historyOlderThan time.Duration

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)

	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 0, "Age cutoff (default: history.retention)")
}

// openHistory returns the configured store, or nil when history is disabled.
func openHistory(cfg *config.Config) *history.Store {
	if cfg == nil || cfg.History.Dir == "" {
		return nil
	}
	return history.NewStore(cfg.History.Dir)
}

func requireHistory() (*history.Store, error) {
	hs := openHistory(config.GetConfig())
	if hs == nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Run history is disabled", errors.New("history.dir is empty"))
	}
	return hs, nil
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	hs, err := requireHistory()
	if err != nil {
		return err
	}
	recs, err := hs.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run history", err)
	}
	printHistory(cmd.OutOrStdout(), recs)
	return nil
}

func printHistory(w io.Writer, recs []history.Record) {
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tSUCCEED\tFAILED\tCREATED")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Type, r.State, r.Counters.Succeed, r.Counters.Failed,
			r.CreatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	hs, err := requireHistory()
	if err != nil {
		return err
	}
	rec, err := hs.Get(args[0])
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return exitError(foundry.ExitFileNotFound, "Unknown run", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read run", err)
	}
	return writeJSON(cmd.OutOrStdout(), rec)
}

func runHistoryPrune(cmd *cobra.Command, _ []string) error {
	hs, err := requireHistory()
	if err != nil {
		return err
	}
	age := historyOlderThan
	if age == 0 {
		age = config.GetConfig().History.Retention
	}
	if age <= 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Retention is zero, nothing pruned.")
		return nil
	}
	n, err := hs.Prune(time.Now().Add(-age))
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to prune run history", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s).\n", n)
	return nil
}

// startRecord builds the running record for a freshly created action.
func startRecord(m *manifest.Manifest, o bulkaction.Overview, addr string) *history.Record {
	rec := &history.Record{
		ID:         o.ID,
		DatabaseID: o.DatabaseID,
		Type:       string(o.Type),
		State:      history.StateRunning,
		Addr:       addr,
		Match:      o.Filter.Match,
		Count:      o.Filter.Count,
		File:       o.FileName,
		PID:        os.Getpid(),
		CreatedAt:  time.Now().UTC(),
		OutputPath: m.Output.OutputPath(),
	}
	if o.Filter.Type != nil {
		rec.KeyType = *o.Filter.Type
	}
	return rec
}

// finishRecord copies the terminal overview onto rec.
func finishRecord(rec *history.Record, o bulkaction.Overview) {
	now := time.Now().UTC()
	rec.EndedAt = &now
	rec.State = historyState(o)
	rec.Counters = history.Counters{
		Scanned: o.Progress.Scanned,
		Succeed: o.Summary.Succeed,
		Failed:  o.Summary.Failed,
	}
	if o.Progress.Total != nil {
		rec.Counters.Total = *o.Progress.Total
	}
	rec.Error = o.Error
	rec.ReportURL = o.DownloadURL
}

func historyState(o bulkaction.Overview) history.State {
	switch o.Status {
	case bulkaction.StatusCompleted:
		if o.Summary.Failed > 0 {
			return history.StatePartial
		}
		return history.StateCompleted
	case bulkaction.StatusAborted:
		return history.StateAborted
	case bulkaction.StatusFailed:
		return history.StateFailed
	default:
		return history.StateUnknown
	}
}

// saveRecord writes rec when history is enabled. Failures are logged only.
func saveRecord(hs *history.Store, rec *history.Record) {
	if hs == nil || rec == nil {
		return
	}
	if err := hs.Write(rec); err != nil {
		observability.CLILogger.Warn("Failed to write run history",
			zap.String("action_id", rec.ID), zap.Error(err))
	}
}
