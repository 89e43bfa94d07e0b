// Package cmd implements the redsweep command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/redsweep/internal/config"
	"github.com/3leaps/redsweep/internal/observability"
	"github.com/3leaps/redsweep/internal/server/handlers"
)

const serviceName = "redsweep"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	configPath string
	verbose    bool
	redisAddr  string
	redisDB    int
)

var rootCmd = &cobra.Command{
	Use:   "redsweep",
	Short: "Bulk delete, unlink and import for Redis",
	Long: `redsweep runs bulk actions against a Redis-compatible store.

Actions scan the keyspace with SCAN MATCH/TYPE and delete keys in
pipelined batches, or replay an import file of Redis commands.

Run a single action from the command line:
  redsweep run --type unlink --match 'session:*'
  redsweep run --job sweep.yaml

Runs started with "run" are recorded and can be listed later:
  redsweep history

Or serve the bulk action HTTP API:
  redsweep serve`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./redsweep.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "Redis address (host:port)")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "Redis database number")
}

// SetVersionInfo records build information for `redsweep version` and the
// /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitCode(err)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(serviceName, verbose)

	if configPath != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG", configPath); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --config", err)
		}
	}

	if _, err := config.Load(cmd.Context(), flagOverrides(cmd)); err != nil {
		observability.CLILogger.Error("Failed to load configuration", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return nil
}

// flagOverrides maps explicitly set persistent flags onto config keys.
func flagOverrides(cmd *cobra.Command) map[string]any {
	o := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("redis-addr") {
		o["redis.addr"] = redisAddr
	}
	if flags.Changed("redis-db") {
		o["redis.db"] = redisDB
	}
	if verbose {
		o["logging.level"] = "debug"
	}
	return o
}

// ExitError carries a process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code carried by err, or 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
