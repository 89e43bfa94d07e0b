package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/redsweep/internal/config"
	"github.com/3leaps/redsweep/pkg/bulkaction"
	"github.com/3leaps/redsweep/pkg/history"
	"github.com/3leaps/redsweep/pkg/manifest"
	"github.com/3leaps/redsweep/pkg/output"
	"github.com/3leaps/redsweep/pkg/store/redis"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	SetVersionInfo("1.0.0", "abc123", "2026-01-15")
	assert.Equal(t, "1.0.0", versionInfo.Version)
	assert.Equal(t, "abc123", versionInfo.Commit)
	assert.Equal(t, "2026-01-15", versionInfo.BuildDate)
}

func TestExitError(t *testing.T) {
	err := exitError(foundry.ExitInvalidArgument, "Invalid manifest", assert.AnError)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid manifest")
	assert.Contains(t, err.Error(), "exit code")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("plain")))
}

// resetRunFlags restores the run command flags between tests.
func resetRunFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		runCmd.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	})
}

func parseRunFlags(t *testing.T, args ...string) (*manifest.Manifest, error) {
	t.Helper()
	resetRunFlags(t)
	require.NoError(t, runCmd.Flags().Parse(args))
	return buildRunManifest(runCmd)
}

func TestBuildRunManifest_Flags(t *testing.T) {
	m, err := parseRunFlags(t, "--type", "unlink", "--match", "session:*", "--key-type", "string", "--count", "50", "--keys", "--quiet")
	require.NoError(t, err)

	assert.Equal(t, "unlink", m.Action.Type)
	f := m.Action.BulkFilter()
	assert.Equal(t, "session:*", f.Match)
	assert.Equal(t, "string", string(f.Type))
	assert.Equal(t, 50, f.Count)
	assert.True(t, m.Action.GenerateReport)
	assert.True(t, m.Output.Keys)
	assert.False(t, m.Output.ProgressEnabled())
	assert.Equal(t, manifest.DefaultDestination, m.Output.Destination)
}

func TestBuildRunManifest_JobWithOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0\"\naction:\n  type: delete\n  filter:\n    match: \"tmp:*\"\n"), 0o600))

	m, err := parseRunFlags(t, "--job", path, "--match", "cache:*")
	require.NoError(t, err)
	assert.Equal(t, "delete", m.Action.Type)
	assert.Equal(t, "cache:*", m.Action.Filter.Match)
}

func TestBuildRunManifest_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no type", nil},
		{"unknown type", []string{"--type", "flush"}},
		{"upload without file", []string{"--type", "upload"}},
		{"bad key type", []string{"--type", "delete", "--key-type", "blob"}},
		{"bad output", []string{"--type", "delete", "--output", "s3://bucket"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRunFlags(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestShowRunPlan(t *testing.T) {
	m := &manifest.Manifest{Action: manifest.ActionConfig{Type: "unlink"}}
	m.ApplyDefaults()

	var buf bytes.Buffer
	require.NoError(t, showRunPlan(&buf, m))
	out := buf.String()
	assert.Contains(t, out, "Type:        unlink")
	assert.Contains(t, out, "Match:       *")
	assert.Contains(t, out, "Key type:    *")
	assert.Contains(t, out, "dry-run")
}

func TestCreateWriter_InvalidPath(t *testing.T) {
	m := &manifest.Manifest{Output: manifest.OutputConfig{Destination: "file:/nonexistent/deeply/nested/path/output.jsonl"}}

	_, _, err := createWriter(m, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create output file")
}

func TestReadImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.txt")
	require.NoError(t, os.WriteFile(path, []byte("SET a 1\n\nSET b 2\n"), 0o600))

	lines, name, err := readImportFile(path, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"SET a 1", "SET b 2"}, lines)
	assert.Equal(t, "seed.txt", name)

	lines, name, err = readImportFile("-", strings.NewReader("PING\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"PING"}, lines)
	assert.Equal(t, "stdin", name)

	_, _, err = readImportFile(path, nil, 1)
	assert.Error(t, err)
}

func TestOutcomeError(t *testing.T) {
	ok := bulkaction.Overview{Status: bulkaction.StatusCompleted}
	assert.NoError(t, outcomeError(ok))

	partial := bulkaction.Overview{Status: bulkaction.StatusCompleted, Summary: bulkaction.SummaryOverview{Failed: 2}}
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(outcomeError(partial)))

	aborted := bulkaction.Overview{Status: bulkaction.StatusAborted}
	assert.Equal(t, foundry.ExitSignalInt, ExitCode(outcomeError(aborted)))

	failed := bulkaction.Overview{Status: bulkaction.StatusFailed, Error: "conn lost"}
	err := outcomeError(failed)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
	assert.Contains(t, err.Error(), "conn lost")
}

func TestReportURL(t *testing.T) {
	assert.Equal(t, "/api/databases/db-1/bulk-actions/a%2Fb/report", reportURL("db-1", "a/b"))
}

func testConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	return &config.Config{
		Redis: config.RedisConfig{Addr: addr},
		Bulk: config.BulkConfig{
			DefaultCount:   bulkaction.DefaultCount,
			Retention:      time.Minute,
			ReportDir:      t.TempDir(),
			MaxImportLines: 1000,
		},
		History: config.HistoryConfig{Dir: t.TempDir(), Retention: time.Hour},
	}
}

func readRecords(t *testing.T, r io.Reader) []*output.Record {
	t.Helper()
	var recs []*output.Record
	rd := output.NewReader(r)
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return recs
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
}

func TestExecuteRun_Delete(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("tmp:1", "a"))
	require.NoError(t, mr.Set("tmp:2", "b"))
	require.NoError(t, mr.Set("keep", "c"))

	m := &manifest.Manifest{Action: manifest.ActionConfig{
		ID:             "run-1",
		Type:           "delete",
		Filter:         manifest.FilterConfig{Match: "tmp:*"},
		GenerateReport: true,
	}, Output: manifest.OutputConfig{Keys: true}}
	m.ApplyDefaults()

	cfg := testConfig(t, mr.Addr())
	var out bytes.Buffer
	err := executeRun(context.Background(), cfg, m, nil, &out)
	require.NoError(t, err)

	rec, err := history.NewStore(cfg.History.Dir).Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, history.StateCompleted, rec.State)
	assert.Equal(t, "delete", rec.Type)
	assert.Equal(t, "tmp:*", rec.Match)
	assert.Equal(t, int64(2), rec.Counters.Succeed)
	assert.NotNil(t, rec.EndedAt)

	assert.False(t, mr.Exists("tmp:1"))
	assert.True(t, mr.Exists("keep"))

	recs := readRecords(t, &out)
	require.NotEmpty(t, recs)
	types := map[string]int{}
	for _, r := range recs {
		types[r.Type]++
		assert.Equal(t, "run-1", r.ActionID)
	}
	assert.GreaterOrEqual(t, types[output.TypeProgress], 1)
	assert.Equal(t, 2, types[output.TypeKey])
	assert.Equal(t, 1, types[output.TypeSummary])
	assert.Equal(t, output.TypeSummary, recs[len(recs)-1].Type)
}

func TestExecuteRun_UploadWithFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "seed.txt")
	require.NoError(t, os.WriteFile(path, []byte("SET a 1\nSET b 'unterminated\n"), 0o600))

	m := &manifest.Manifest{Action: manifest.ActionConfig{Type: "upload", File: path}}
	m.ApplyDefaults()
	off := false
	m.Output.Progress = &off

	cfg := testConfig(t, mr.Addr())
	var out bytes.Buffer
	err := executeRun(context.Background(), cfg, m, nil, &out)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))

	recs, herr := history.NewStore(cfg.History.Dir).List()
	require.NoError(t, herr)
	require.Len(t, recs, 1)
	assert.Equal(t, history.StatePartial, recs[0].State)
	assert.Equal(t, "seed.txt", recs[0].File)

	v, gerr := mr.Get("a")
	require.NoError(t, gerr)
	assert.Equal(t, "1", v)

	outRecs := readRecords(t, &out)
	require.Len(t, outRecs, 1)
	assert.Equal(t, output.TypeSummary, outRecs[0].Type)
	assert.Contains(t, string(outRecs[0].Data), `"failed":1`)
}

func TestExecuteRun_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	m := &manifest.Manifest{Action: manifest.ActionConfig{Type: "delete"}}
	m.ApplyDefaults()

	err := executeRun(context.Background(), testConfig(t, addr), m, nil, io.Discard)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
}

func TestExecuteRun_MissingImportFile(t *testing.T) {
	m := &manifest.Manifest{Action: manifest.ActionConfig{Type: "upload", File: filepath.Join(t.TempDir(), "missing.txt")}}
	m.ApplyDefaults()

	err := executeRun(context.Background(), testConfig(t, "127.0.0.1:1"), m, nil, io.Discard)
	assert.Equal(t, foundry.ExitFileReadError, ExitCode(err))
}

func TestProbeStore(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("k", "v"))

	res, err := probeStore(context.Background(), redis.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	assert.Equal(t, mr.Addr(), res.Addr)
	assert.Equal(t, int64(1), res.Keys)
	assert.Len(t, res.Commands, len(probedCommands))

	var buf bytes.Buffer
	require.NoError(t, printProbe(&buf, res, false))
	assert.Contains(t, buf.String(), "Keys:     1")

	buf.Reset()
	require.NoError(t, printProbe(&buf, res, true))
	assert.Contains(t, buf.String(), `"keys": 1`)
}

func TestPrintProbe_UnlinkFallbackNote(t *testing.T) {
	var buf bytes.Buffer
	res := &ProbeResult{Addr: "x:1", Commands: map[string]bool{"scan": true, "del": true, "type": true}}
	require.NoError(t, printProbe(&buf, res, false))
	assert.Contains(t, buf.String(), "Version:  unknown")
	assert.Contains(t, buf.String(), "fall back to DEL")
}

func TestHistoryState(t *testing.T) {
	tests := []struct {
		name string
		o    bulkaction.Overview
		want history.State
	}{
		{"completed", bulkaction.Overview{Status: bulkaction.StatusCompleted}, history.StateCompleted},
		{"partial", bulkaction.Overview{Status: bulkaction.StatusCompleted, Summary: bulkaction.SummaryOverview{Failed: 2}}, history.StatePartial},
		{"aborted", bulkaction.Overview{Status: bulkaction.StatusAborted}, history.StateAborted},
		{"failed", bulkaction.Overview{Status: bulkaction.StatusFailed}, history.StateFailed},
		{"running", bulkaction.Overview{Status: bulkaction.StatusRunning}, history.StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, historyState(tt.o))
		})
	}
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, nil)
	assert.Equal(t, "No runs recorded.\n", buf.String())

	buf.Reset()
	printHistory(&buf, []history.Record{{
		ID:        "run-9",
		Type:      "unlink",
		State:     history.StatePartial,
		CreatedAt: time.Now(),
		Counters:  history.Counters{Succeed: 7, Failed: 1},
	}})
	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "run-9")
	assert.Contains(t, out, "partial")
}

func TestOpenHistory(t *testing.T) {
	assert.Nil(t, openHistory(nil))
	assert.Nil(t, openHistory(&config.Config{}))
	hs := openHistory(&config.Config{History: config.HistoryConfig{Dir: "/tmp/x"}})
	require.NotNil(t, hs)
	assert.Equal(t, "/tmp/x", hs.RootDir())
}

func TestHistoryCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("REDSWEEP_HISTORY_DIR", dir)
	t.Setenv("REDSWEEP_CONFIG", "")

	old := time.Now().Add(-72 * time.Hour).UTC()
	hs := history.NewStore(dir)
	require.NoError(t, hs.Write(&history.Record{
		ID: "run-old", Type: "delete", State: history.StateCompleted, CreatedAt: old, EndedAt: &old,
	}))

	execute := func(args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(args)
		defer func() {
			rootCmd.SetOut(nil)
			rootCmd.SetArgs(nil)
		}()
		err := rootCmd.Execute()
		return out.String(), err
	}

	out, err := execute("history")
	require.NoError(t, err)
	assert.Contains(t, out, "run-old")

	out, err = execute("history", "show", "run-old")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "completed"`)

	_, err = execute("history", "show", "missing")
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))

	out, err = execute("history", "prune", "--older-than", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 1 run(s).")

	recs, err := hs.List()
	require.NoError(t, err)
	assert.Empty(t, recs)
}
