package bulkaction

import (
	"context"

	"github.com/3leaps/redsweep/pkg/store"
)

// BatchSource yields the items a bulk action processes, one batch at a
// time. Sources are forward-only.
type BatchSource interface {
	// Next returns the next batch. done is true when the source is
	// exhausted; the returned batch may still be non-empty.
	Next(ctx context.Context) (items []string, done bool, err error)
}

// scanSource walks the keyspace with SCAN.
//
// There is no snapshot: keys written during the scan may or may not be
// seen, and a key may be returned more than once.
type scanSource struct {
	conn   store.Conn
	filter Filter
	cursor uint64
}

func newScanSource(conn store.Conn, f Filter) *scanSource {
	return &scanSource{conn: conn, filter: f}
}

func (s *scanSource) Next(ctx context.Context) ([]string, bool, error) {
	res, err := s.conn.Scan(ctx, s.filter.scanArgs(s.cursor))
	if err != nil {
		return nil, false, err
	}
	s.cursor = res.NextCursor
	return res.Keys, res.NextCursor == 0, nil
}

// lineSource yields import lines in fixed-size batches.
type lineSource struct {
	lines []string
	size  int
	pos   int
}

func newLineSource(lines []string, size int) *lineSource {
	if size <= 0 {
		size = DefaultCount
	}
	return &lineSource{lines: lines, size: size}
}

func (s *lineSource) Next(context.Context) ([]string, bool, error) {
	end := s.pos + s.size
	if end > len(s.lines) {
		end = len(s.lines)
	}
	batch := s.lines[s.pos:end]
	s.pos = end
	return batch, s.pos >= len(s.lines), nil
}
