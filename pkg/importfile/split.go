// Package importfile parses bulk import files.
//
// An import file is plain text with one command per line, written the way
// it would be typed into redis-cli:
//
//	SET user:1 "Ada Lovelace"
//	HSET user:1:meta lang 'en' born 1815
//	SET bin "\x00\xff"
//
// Double-quoted arguments support the escapes \n \r \t \b \a \\ \" and
// \xHH. Single-quoted arguments only support \'. A closing quote must be
// followed by whitespace or the end of the line.
package importfile

import (
	"errors"
	"fmt"
	"strings"
)

// Parse errors.
var (
	// ErrUnbalancedQuotes is returned when a quoted argument is not closed.
	ErrUnbalancedQuotes = errors.New("unbalanced quotes")

	// ErrTrailingQuote is returned when a closing quote is followed by a
	// non-space character.
	ErrTrailingQuote = errors.New("closing quote must be followed by a space")

	// ErrEmptyCommand is returned when a line has no arguments.
	ErrEmptyCommand = errors.New("empty command")
)

// LineError reports a parse failure with its line number.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// SplitCommandLine splits a command line into arguments.
func SplitCommandLine(line string) ([]string, error) {
	var args []string
	i := 0
	n := len(line)

	for {
		for i < n && isSpace(line[i]) {
			i++
		}
		if i >= n {
			return args, nil
		}

		var (
			cur     strings.Builder
			inDQ    bool
			inSQ    bool
			argDone bool
		)
		for !argDone {
			if i >= n {
				if inDQ || inSQ {
					return nil, ErrUnbalancedQuotes
				}
				break
			}
			c := line[i]
			switch {
			case inDQ:
				switch {
				case c == '\\' && i+3 < n && line[i+1] == 'x' && isHex(line[i+2]) && isHex(line[i+3]):
					cur.WriteByte(hexVal(line[i+2])<<4 | hexVal(line[i+3]))
					i += 3
				case c == '\\' && i+1 < n:
					i++
					cur.WriteByte(unescape(line[i]))
				case c == '"':
					if i+1 < n && !isSpace(line[i+1]) {
						return nil, ErrTrailingQuote
					}
					argDone = true
				default:
					cur.WriteByte(c)
				}
			case inSQ:
				switch {
				case c == '\\' && i+1 < n && line[i+1] == '\'':
					i++
					cur.WriteByte('\'')
				case c == '\'':
					if i+1 < n && !isSpace(line[i+1]) {
						return nil, ErrTrailingQuote
					}
					argDone = true
				default:
					cur.WriteByte(c)
				}
			default:
				switch {
				case isSpace(c):
					argDone = true
				case c == '"':
					inDQ = true
				case c == '\'':
					inSQ = true
				default:
					cur.WriteByte(c)
				}
			}
			i++
		}
		args = append(args, cur.String())
	}
}

// ParseCommand splits line and returns the command name and its arguments.
func ParseCommand(line string) (string, []string, error) {
	args, err := SplitCommandLine(line)
	if err != nil {
		return "", nil, err
	}
	if len(args) == 0 || args[0] == "" {
		return "", nil, ErrEmptyCommand
	}
	return args[0], args[1:], nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'a':
		return '\a'
	default:
		return c
	}
}
