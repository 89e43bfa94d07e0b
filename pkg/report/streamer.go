// Package report renders bulk action reports.
//
// A report is plain text: one header line followed by one line per entry,
// written incrementally so large reports never sit in memory as a whole.
// Entries are tab-separated: key, status and an optional message. Keys
// that contain control characters or tabs are quoted Go-style.
package report

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode"
)

// DefaultFlushEvery is the number of lines written between flushes.
const DefaultFlushEvery = 1000

// Entry is one report line.
type Entry struct {
	Key     string
	Status  string
	Message string
}

// Source yields report entries. Next returns io.EOF when exhausted.
type Source interface {
	Next() (Entry, error)
}

// SliceSource yields entries from a slice.
type SliceSource struct {
	entries []Entry
	pos     int
}

// NewSliceSource creates a Source over entries.
func NewSliceSource(entries []Entry) *SliceSource {
	return &SliceSource{entries: entries}
}

// Next returns the next entry.
func (s *SliceSource) Next() (Entry, error) {
	if s.pos >= len(s.entries) {
		return Entry{}, io.EOF
	}
	e := s.entries[s.pos]
	s.pos++
	return e, nil
}

// Streamer writes reports to a sink.
type Streamer struct {
	flushEvery int
}

// NewStreamer creates a Streamer. flushEvery <= 0 uses DefaultFlushEvery.
func NewStreamer(flushEvery int) *Streamer {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	return &Streamer{flushEvery: flushEvery}
}

// Stream writes header and every entry from src to w and returns the
// number of entries written.
//
// Output is buffered and flushed every flushEvery lines. When w is an
// http.Flusher (a streaming HTTP response) it is flushed too, so clients
// see the report grow.
func (s *Streamer) Stream(ctx context.Context, w io.Writer, header string, src Source) (int, error) {
	bw := bufio.NewWriter(w)
	flusher, _ := w.(http.Flusher)

	flush := func() error {
		if err := bw.Flush(); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if _, err := bw.WriteString(strings.TrimRight(header, "\n") + "\n"); err != nil {
		return 0, err
	}

	n := 0
	for {
		e, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = flush()
			return n, err
		}

		if _, err := bw.WriteString(FormatLine(e)); err != nil {
			return n, err
		}
		n++

		if n%s.flushEvery == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			if err := flush(); err != nil {
				return n, err
			}
		}
	}

	return n, flush()
}

// FormatLine renders one entry, newline-terminated.
func FormatLine(e Entry) string {
	var b strings.Builder
	b.WriteString(quoteIfNeeded(e.Key))
	b.WriteByte('\t')
	b.WriteString(e.Status)
	if e.Message != "" {
		b.WriteByte('\t')
		b.WriteString(strings.ReplaceAll(e.Message, "\n", " "))
	}
	b.WriteByte('\n')
	return b.String()
}

func quoteIfNeeded(s string) string {
	for _, r := range s {
		if r == '\t' || r == '"' || unicode.IsControl(r) || r == unicode.ReplacementChar {
			return strconv.Quote(s)
		}
	}
	return s
}
