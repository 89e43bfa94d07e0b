// Package manifest provides loading and validation of redsweep bulk job
// manifests.
//
// A bulk job manifest is a YAML or JSON file that describes one bulk action
// for `redsweep run`: the store connection, the action and its key filter,
// run limits, and where JSONL output goes.
//
// Manifests are validated against an embedded JSON Schema before they are
// decoded. The schema is strict and rejects unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	connection:
//	  addr: localhost:6379
//	  password_env: REDIS_PASSWORD
//	action:
//	  type: unlink
//	  filter:
//	    match: "session:*"
//	    type: string
//	    count: 5000
//	  generate_report: true
//	run:
//	  rate_limit: 20
//	output:
//	  destination: file:/var/log/redsweep/sessions.jsonl
package manifest

import (
	"fmt"
	"os"
	"strings"

	"github.com/3leaps/redsweep/pkg/bulkaction"
	"github.com/3leaps/redsweep/pkg/store"
	"github.com/3leaps/redsweep/pkg/store/redis"
)

// Manifest represents a validated bulk job manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Connection configures the target store. Optional; unset fields fall
	// back to the CLI configuration.
	Connection ConnectionConfig `json:"connection,omitempty" yaml:"connection,omitempty"`

	// Action describes what to run.
	Action ActionConfig `json:"action" yaml:"action"`

	Run    RunConfig    `json:"run,omitempty" yaml:"run,omitempty"`
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// ConnectionConfig configures the Redis connection.
type ConnectionConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`

	// Password is an inline password. Prefer PasswordEnv.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// PasswordEnv names an environment variable holding the password.
	PasswordEnv string `json:"password_env,omitempty" yaml:"password_env,omitempty"`

	DB *int `json:"db,omitempty" yaml:"db,omitempty"`
}

// ActionConfig describes the bulk action.
type ActionConfig struct {
	// ID identifies the action. Generated when empty.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// DatabaseID labels the target in output records. Default: "default".
	DatabaseID string `json:"database_id,omitempty" yaml:"database_id,omitempty"`

	// Type is one of delete, unlink or upload.
	Type string `json:"type" yaml:"type"`

	Filter FilterConfig `json:"filter,omitempty" yaml:"filter,omitempty"`

	// File is the command file for upload actions. Relative paths resolve
	// against the working directory.
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// GenerateReport records every processed key, not only failures.
	GenerateReport bool `json:"generate_report,omitempty" yaml:"generate_report,omitempty"`
}

// FilterConfig selects keys for delete and unlink actions.
type FilterConfig struct {
	// Type restricts the scan to one data type. Empty means any type.
	Type  *string `json:"type,omitempty" yaml:"type,omitempty"`
	Match string  `json:"match,omitempty" yaml:"match,omitempty"`
	Count int     `json:"count,omitempty" yaml:"count,omitempty"`
}

// RunConfig bounds execution.
type RunConfig struct {
	// RateLimit is the maximum number of batches per second (0 = unlimited).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	// ReportDir holds the per-key spool for reported actions.
	ReportDir string `json:"report_dir,omitempty" yaml:"report_dir,omitempty"`
}

// OutputConfig configures JSONL output.
type OutputConfig struct {
	// Destination is "stdout" or "file:/path/to/output.jsonl".
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// Progress enables a progress record after every batch. Default: true.
	Progress *bool `json:"progress,omitempty" yaml:"progress,omitempty"`

	// Keys emits one record per processed key at the end of the run.
	// Requires action.generate_report. Default: false.
	Keys bool `json:"keys,omitempty" yaml:"keys,omitempty"`
}

// Default values for optional fields.
const (
	DefaultVersion     = "1.0"
	DefaultDatabaseID  = "default"
	DefaultDestination = "stdout"
	DefaultProgress    = true
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.Action.DatabaseID == "" {
		m.Action.DatabaseID = DefaultDatabaseID
	}
	if m.Action.Filter.Match == "" {
		m.Action.Filter.Match = bulkaction.DefaultMatch
	}
	if m.Action.Filter.Count == 0 {
		m.Action.Filter.Count = bulkaction.DefaultCount
	}
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
	if m.Output.Progress == nil {
		p := DefaultProgress
		m.Output.Progress = &p
	}
}

// ProgressEnabled returns whether progress records should be emitted.
func (o *OutputConfig) ProgressEnabled() bool {
	if o.Progress == nil {
		return DefaultProgress
	}
	return *o.Progress
}

// OutputPath returns the file path of a file: destination, or "" for stdout.
func (o *OutputConfig) OutputPath() string {
	return strings.TrimPrefix(o.Destination, "file:")
}

// BulkFilter converts the manifest filter to a bulk action filter.
func (a *ActionConfig) BulkFilter() bulkaction.Filter {
	f := bulkaction.Filter{Match: a.Filter.Match, Count: a.Filter.Count}
	if a.Filter.Type != nil {
		f.Type = store.KeyType(*a.Filter.Type)
	}
	return f
}

// BulkType parses the action type.
func (a *ActionConfig) BulkType() (bulkaction.Type, error) {
	return bulkaction.ParseType(a.Type)
}

// ApplyTo overlays the manifest connection on base. Unset fields keep the
// base value.
func (c *ConnectionConfig) ApplyTo(base redis.Config) (redis.Config, error) {
	if c.Addr != "" {
		base.Addr = c.Addr
	}
	if c.Username != "" {
		base.Username = c.Username
	}
	if c.Password != "" {
		base.Password = c.Password
	}
	if c.PasswordEnv != "" {
		pw, ok := os.LookupEnv(c.PasswordEnv)
		if !ok {
			return base, fmt.Errorf("password_env %s is not set", c.PasswordEnv)
		}
		base.Password = pw
	}
	if c.DB != nil {
		base.DB = *c.DB
	}
	return base, nil
}

// Check performs the semantic checks a schema cannot express.
func (m *Manifest) Check() error {
	var errs ValidationErrors

	t, err := m.Action.BulkType()
	if err != nil {
		errs = append(errs, ValidationError{Path: "/action/type", Message: err.Error()})
	}
	if t == bulkaction.TypeUpload && m.Action.File == "" {
		errs = append(errs, ValidationError{Path: "/action/file", Message: "required for upload actions"})
	}
	if t != bulkaction.TypeUpload && m.Action.File != "" {
		errs = append(errs, ValidationError{Path: "/action/file", Message: "only valid for upload actions"})
	}
	if err := m.Action.BulkFilter().Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "/action/filter", Message: err.Error()})
	}
	if m.Output.Keys && !m.Action.GenerateReport {
		errs = append(errs, ValidationError{Path: "/output/keys", Message: "requires action.generate_report"})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
