package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Reader decodes a JSONL stream produced by JSONLWriter.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next record, or io.EOF when the stream is exhausted.
// Blank lines are skipped.
func (r *Reader) Next() (*Record, error) {
	for r.sc.Scan() {
		r.line++
		b := r.sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("output: line %d: %w", r.line, err)
		}
		return &rec, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// DecodeKey decodes the payload of a TypeKey record.
func (rec *Record) DecodeKey() (*KeyRecord, error) {
	if rec.Type != TypeKey {
		return nil, fmt.Errorf("output: record type %q is not %q", rec.Type, TypeKey)
	}
	var k KeyRecord
	if err := json.Unmarshal(rec.Data, &k); err != nil {
		return nil, err
	}
	return &k, nil
}
