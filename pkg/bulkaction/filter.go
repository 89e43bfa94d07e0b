package bulkaction

import (
	"github.com/3leaps/redsweep/pkg/match"
	"github.com/3leaps/redsweep/pkg/store"
)

// Filter defaults.
const (
	DefaultMatch = "*"
	DefaultCount = 10_000

	// MaxCount bounds both SCAN COUNT and pipeline size.
	MaxCount = 1_000_000
)

// Filter selects the keys a bulk action operates on.
//
// Count bounds both the SCAN page size hint and the pipeline batch size.
// For upload actions only Count is used: it is the number of import lines
// sent per pipeline.
type Filter struct {
	// Type restricts the scan to one data type. Empty means any type.
	Type store.KeyType `json:"type,omitempty" yaml:"type,omitempty"`

	// Match is a Redis glob applied by the server during SCAN.
	Match string `json:"match" yaml:"match"`

	// Count is the batch size.
	Count int `json:"count" yaml:"count"`
}

// WithDefaults returns a copy of f with zero fields set to their defaults.
func (f Filter) WithDefaults() Filter {
	if f.Match == "" {
		f.Match = DefaultMatch
	}
	if f.Count == 0 {
		f.Count = DefaultCount
	}
	return f
}

// Validate checks the filter. It expects defaults to have been applied.
func (f Filter) Validate() error {
	if f.Type != "" && !f.Type.Valid() {
		return validationErrorf("filter.type", "unknown key type %q", f.Type)
	}
	if f.Count <= 0 {
		return validationErrorf("filter.count", "must be a positive integer, got %d", f.Count)
	}
	if f.Count > MaxCount {
		return validationErrorf("filter.count", "must be at most %d, got %d", MaxCount, f.Count)
	}
	if err := match.ValidatePattern(f.Match); err != nil {
		return validationErrorf("filter.match", "%v", err)
	}
	return nil
}

// scanArgs builds the SCAN arguments for one page.
func (f Filter) scanArgs(cursor uint64) store.ScanArgs {
	return store.ScanArgs{
		Cursor: cursor,
		Match:  f.Match,
		Type:   f.Type,
		Count:  int64(f.Count),
	}
}
