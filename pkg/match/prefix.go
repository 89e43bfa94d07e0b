package match

// LiteralPrefix returns the static prefix of a Redis glob, unescaped.
//
// The prefix is everything before the first unescaped metacharacter
// (* ? [). Escaped metacharacters are part of the prefix.
//
// Examples:
//
//	"user:*"          → "user:"
//	"*"               → ""
//	"cache:[0-9]*"    → "cache:"
//	"session:abc"     → "session:abc"
//	"lit\*eral:*"     → "lit*eral:"
func LiteralPrefix(pattern string) string {
	idx := findFirstUnescapedMeta(pattern)
	if idx == -1 {
		return Unescape(pattern)
	}
	return Unescape(pattern[:idx])
}

// IsLiteral reports whether pattern contains no unescaped metacharacters,
// meaning it matches exactly one key name.
func IsLiteral(pattern string) bool {
	return findFirstUnescapedMeta(pattern) == -1
}

// Unescape removes glob escapes: "\x" becomes "x".
func Unescape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		out = append(out, s[i])
	}
	return string(out)
}

// findFirstUnescapedMeta returns the index of the first unescaped glob
// metacharacter, or -1.
func findFirstUnescapedMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '*', '?', '[':
			return i
		}
	}
	return -1
}
