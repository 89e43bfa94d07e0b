package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/redsweep/internal/config"
	"github.com/3leaps/redsweep/internal/observability"
	"github.com/3leaps/redsweep/pkg/store/redis"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report server version and bulk command support",
	Long: `Connect to Redis and report what bulk actions will use:
the server version, whether UNLINK is available (otherwise unlink
actions fall back to DEL), and the key count.

Example:
  redsweep probe
  redsweep probe --redis-addr cache-1:6379 --json`,
	RunE: runProbe,
}

var probeJSON bool

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "Print the result as JSON")
}

// ProbeResult is the output of `redsweep probe`.
type ProbeResult struct {
	Addr     string          `json:"addr"`
	Version  string          `json:"version,omitempty"`
	Commands map[string]bool `json:"commands"`
	Keys     int64           `json:"keys"`
}

// probedCommands are the commands bulk actions depend on.
var probedCommands = []string{"scan", "type", "del", "unlink"}

func runProbe(cmd *cobra.Command, _ []string) error {
	res, err := probeStore(cmd.Context(), config.GetConfig().Redis.StoreConfig())
	if err != nil {
		observability.CLILogger.Error("Probe failed", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Probe failed", err)
	}
	return printProbe(cmd.OutOrStdout(), res, probeJSON)
}

func probeStore(ctx context.Context, cfg redis.Config) (*ProbeResult, error) {
	st, err := redis.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	res := &ProbeResult{Addr: st.Addr(), Commands: make(map[string]bool, len(probedCommands))}
	if v, err := st.ServerVersion(ctx); err == nil {
		res.Version = v
	} else {
		observability.CLILogger.Debug("Server version unavailable", zap.Error(err))
	}

	conn, err := st.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	for _, name := range probedCommands {
		ok, err := conn.Supports(ctx, name)
		if err != nil {
			return nil, err
		}
		res.Commands[name] = ok
	}
	if res.Keys, err = conn.DBSize(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

func printProbe(w io.Writer, res *ProbeResult, asJSON bool) error {
	if asJSON {
		return writeJSON(w, res)
	}

	version := res.Version
	if version == "" {
		version = "unknown"
	}
	_, _ = fmt.Fprintf(w, "Redis:    %s\n", res.Addr)
	_, _ = fmt.Fprintf(w, "Version:  %s\n", version)
	_, _ = fmt.Fprintf(w, "Keys:     %d\n", res.Keys)
	for _, name := range probedCommands {
		mark := "yes"
		if !res.Commands[name] {
			mark = "no"
		}
		_, _ = fmt.Fprintf(w, "%-9s %s\n", name+":", mark)
	}
	if !res.Commands["unlink"] {
		_, _ = fmt.Fprintln(w, "\nunlink actions will fall back to DEL.")
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
