package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "action-1", "db-1")

	assert.NotNil(t, w)
	assert.Equal(t, "action-1", w.actionID)
	assert.Equal(t, "db-1", w.databaseID)
}

func TestJSONLWriter_WriteKey(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "action-1", "db-1")

	err := w.WriteKey(context.Background(), &KeyRecord{
		Key:     "user:42",
		Command: "UNLINK",
		Status:  StatusOK,
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, TypeKey, record.Type)
	assert.Equal(t, "action-1", record.ActionID)
	assert.Equal(t, "db-1", record.DatabaseID)
	assert.False(t, record.TS.IsZero())

	key, err := record.DecodeKey()
	require.NoError(t, err)
	assert.Equal(t, "user:42", key.Key)
	assert.Equal(t, "UNLINK", key.Command)
	assert.Equal(t, StatusOK, key.Status)
	assert.Empty(t, key.Error)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "action-1", "db-1")

	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeConnection,
		Message: "connection reset by peer",
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeError, record.Type)

	var errData ErrorRecord
	require.NoError(t, json.Unmarshal(record.Data, &errData))
	assert.Equal(t, ErrCodeConnection, errData.Code)
	assert.Equal(t, "connection reset by peer", errData.Message)
}

func TestJSONLWriter_WriteProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "action-1", "db-1")

	total := int64(5000)
	err := w.WriteProgress(context.Background(), &ProgressRecord{
		Status:  "running",
		Scanned: 1000,
		Total:   &total,
		Succeed: 998,
		Failed:  2,
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeProgress, record.Type)

	var prog ProgressRecord
	require.NoError(t, json.Unmarshal(record.Data, &prog))
	assert.Equal(t, "running", prog.Status)
	assert.Equal(t, int64(1000), prog.Scanned)
	require.NotNil(t, prog.Total)
	assert.Equal(t, int64(5000), *prog.Total)
	assert.Equal(t, int64(998), prog.Succeed)
	assert.Equal(t, int64(2), prog.Failed)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "action-1", "db-1")

	err := w.WriteSummary(context.Background(), &SummaryRecord{
		Status:        "completed",
		Type:          "delete",
		Scanned:       3,
		Succeed:       3,
		Duration:      30 * time.Second,
		DurationHuman: "30s",
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeSummary, record.Type)

	var sum SummaryRecord
	require.NoError(t, json.Unmarshal(record.Data, &sum))
	assert.Equal(t, "completed", sum.Status)
	assert.Equal(t, "delete", sum.Type)
	assert.Equal(t, int64(3), sum.Succeed)
	assert.Equal(t, 30*time.Second, sum.Duration)
	assert.NotContains(t, string(record.Data), `"error"`)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "action-1", "db-1")

	require.NoError(t, w.WriteKey(context.Background(), &KeyRecord{Key: "a", Status: StatusOK}))
	require.NoError(t, w.WriteKey(context.Background(), &KeyRecord{Key: "b", Status: StatusOK}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "action-1", "db-1")

	require.NoError(t, w.Close())

	err := w.WriteKey(context.Background(), &KeyRecord{Key: "a"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "action-1", "db-1")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteKey(context.Background(), &KeyRecord{Key: "k", Status: StatusOK})
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "action-1", "db-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteKey(ctx, &KeyRecord{Key: "a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "action-1", "db-1")

	err := w.WriteKey(context.Background(), &KeyRecord{Key: "a"})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "action-1", "db-1")

	err := w.WriteKey(context.Background(), &KeyRecord{Key: "cache:item:1", Command: "DEL", Status: StatusOK})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	assert.NoError(t, json.Unmarshal([]byte(lines[0]), &record), "output should be valid JSON despite short writes")
	assert.Equal(t, TypeKey, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "action-1", "db-1")

	err := w.WriteKey(context.Background(), &KeyRecord{Key: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestKeyRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(KeyRecord{Key: "a", Status: StatusOK})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "error")
	assert.NotContains(t, string(data), "command")
}

func TestReader_RoundTripsWriterOutput(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "action-1", "db-1")
	ctx := context.Background()

	require.NoError(t, w.WriteKey(ctx, &KeyRecord{Key: "a", Command: "DEL", Status: StatusOK}))
	require.NoError(t, w.WriteKey(ctx, &KeyRecord{Key: "b", Command: "DEL", Status: StatusError, Error: "WRONGTYPE"}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{Status: "completed", Scanned: 2, Succeed: 1, Failed: 1}))

	r := NewReader(&buf)

	rec, err := r.Next()
	require.NoError(t, err)
	k, err := rec.DecodeKey()
	require.NoError(t, err)
	assert.Equal(t, "a", k.Key)

	rec, err = r.Next()
	require.NoError(t, err)
	k, err = rec.DecodeKey()
	require.NoError(t, err)
	assert.Equal(t, StatusError, k.Status)
	assert.Equal(t, "WRONGTYPE", k.Error)

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeSummary, rec.Type)
	_, err = rec.DecodeKey()
	assert.Error(t, err)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_MalformedLine(t *testing.T) {
	r := NewReader(strings.NewReader("\n{not json}\n"))
	_, err := r.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func BenchmarkJSONLWriter_WriteKey(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "action-1", "db-1")
	rec := &KeyRecord{Key: "cache:session:0f1e2d3c", Command: "UNLINK", Status: StatusOK}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteKey(ctx, rec)
	}
}
