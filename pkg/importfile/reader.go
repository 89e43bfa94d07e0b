package importfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineSize bounds a single command line.
const MaxLineSize = 16 * 1024 * 1024

// ErrTooManyLines is returned by ReadLines when the input exceeds the limit.
var ErrTooManyLines = errors.New("import file exceeds line limit")

// ReadLines reads non-blank command lines from r.
//
// Lines are returned unparsed; parse failures are reported per line when
// the commands are prepared, so one bad line does not reject the file.
// maxLines <= 0 disables the limit.
func ReadLines(r io.Reader, maxLines int) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	var lines []string
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if maxLines > 0 && len(lines) >= maxLines {
			return nil, fmt.Errorf("%w (%d)", ErrTooManyLines, maxLines)
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read import file: %w", err)
	}
	return lines, nil
}
