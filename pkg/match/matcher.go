// Package match implements Redis-style glob patterns for key names.
//
// Redis globs support *, ?, [abc], [^abc], [a-z] and backslash escapes.
// Unlike path globs, '*' crosses '/' and braces are literal. Patterns are
// translated to doublestar syntax and evaluated with doublestar.Match.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// separator replaces '/' on both sides so doublestar never treats it as a
// path separator. NUL cannot appear in a pattern typed by a user, and if a
// key contains one it is rewritten identically in pattern and key.
const separator = "\x00"

// Matcher evaluates one Redis glob against keys.
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	raw        string
	translated string
	literal    bool
}

// New compiles a Redis glob. An empty pattern is treated as "*".
func New(pattern string) (*Matcher, error) {
	if pattern == "" {
		pattern = "*"
	}
	translated := translate(pattern)
	if !doublestar.ValidatePattern(translated) {
		return nil, &PatternError{Pattern: pattern, Err: ErrInvalidPattern}
	}
	return &Matcher{
		raw:        pattern,
		translated: translated,
		literal:    IsLiteral(pattern),
	}, nil
}

// Pattern returns the pattern as given to New.
func (m *Matcher) Pattern() string {
	return m.raw
}

// Match reports whether key matches the pattern.
func (m *Matcher) Match(key string) bool {
	if m.literal {
		return Unescape(m.raw) == key
	}
	return matchTranslated(m.translated, key)
}

// ValidatePattern checks that pattern is a well-formed Redis glob.
func ValidatePattern(pattern string) error {
	_, err := New(pattern)
	return err
}

// MatchKey is a convenience wrapper for one-off matches. Invalid patterns
// never match.
func MatchKey(pattern, key string) bool {
	m, err := New(pattern)
	if err != nil {
		return false
	}
	return m.Match(key)
}

func matchTranslated(pattern, key string) bool {
	matched, err := doublestar.Match(pattern, strings.ReplaceAll(key, "/", separator))
	if err != nil {
		// Pattern was validated in New.
		return false
	}
	return matched
}

// translate rewrites a Redis glob into an equivalent doublestar pattern.
//
// Braces are escaped since Redis has no alternation, and '/' is replaced
// by separator. Runs of '*' collapse to one so "**" is not promoted to a
// path wildcard.
func translate(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 4)

	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			next := pattern[i+1]
			i++
			if next == '/' {
				b.WriteString(separator)
				continue
			}
			b.WriteByte('\\')
			b.WriteByte(next)
		case c == '/':
			b.WriteString(separator)
		case inClass:
			if c == ']' {
				inClass = false
			}
			b.WriteByte(c)
		case c == '[':
			inClass = true
			b.WriteByte(c)
		case c == '{' || c == '}':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '*':
			b.WriteByte('*')
			for i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
