package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLWriter_WriteApproved(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "code-queue")

	ev := &ApprovedEvent{Via: ViaAuto, Reason: "tag demo is in the safe list"}
	err := w.WriteApproved(context.Background(), "job-123", ev)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeApproved, record.Type)
	assert.Equal(t, "job-123", record.JobID)
	assert.Equal(t, "code-queue", record.Queue)
	assert.False(t, record.TS.IsZero())

	var data ApprovedEvent
	err = json.Unmarshal(record.Data, &data)
	require.NoError(t, err)

	assert.Equal(t, ViaAuto, data.Via)
	assert.Equal(t, "tag demo is in the safe list", data.Reason)
}

func TestJSONLWriter_WriteSweepErrorHasNoJobID(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "code-queue")

	err := w.WriteSweepError(context.Background(), &SweepErrorEvent{
		Sweep:   "dispatch",
		Message: "store unavailable",
	})
	require.NoError(t, err)

	assert.NotContains(t, buf.String(), "job_id")

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeSweepError, record.Type)
	assert.Empty(t, record.JobID)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "code-queue")

	err := w.WriteSubmitted(context.Background(), "a", &SubmittedEvent{Name: "first"})
	require.NoError(t, err)

	err = w.WriteSubmitted(context.Background(), "b", &SubmittedEvent{Name: "second"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	for _, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err)
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "code-queue")

	require.NoError(t, w.Close())

	err := w.WriteRejected(context.Background(), "job-1", &RejectedEvent{Reason: "no"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "code-queue")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				ev := &DispatchedEvent{Running: writerID*writesPerWriter + j}
				_ = w.WriteDispatched(context.Background(), "job", ev)
			}
		}(i)
	}

	wg.Wait()

	// Every line must be a complete JSON object (no interleaving).
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "code-queue")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteFailed(ctx, "job-1", &FailedEvent{Message: "boom"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	failWriter := &failingWriter{err: errors.New("disk full")}
	w := NewJSONLWriter(failWriter, "code-queue")

	err := w.WriteReaped(context.Background(), "job-1", &ReapedEvent{Age: "25h"})
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
	// Simulate an io.Writer that returns n < len(p) with nil error.
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "code-queue")

	err := w.WriteCompleted(context.Background(), "job-1", &CompletedEvent{
		ExitCode:      0,
		Duration:      30 * time.Second,
		DurationHuman: "30s",
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeCompleted, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	zeroWriter := &zeroWriteWriter{}
	w := NewJSONLWriter(zeroWriter, "code-queue")

	err := w.WriteOrphaned(context.Background(), "job-1", &OrphanedEvent{PID: 42})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call with a
// nil error.
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

	assert.Equal(t, "events: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestRecordPayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "code-queue")

	exit := 3
	require.NoError(t, w.WriteFailed(context.Background(), "job-1", &FailedEvent{
		Message:  "entry point exited non-zero",
		ExitCode: &exit,
	}))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	payload, err := record.Payload()
	require.NoError(t, err)

	failed, ok := payload.(*FailedEvent)
	require.True(t, ok)
	assert.Equal(t, "entry point exited non-zero", failed.Message)
	require.NotNil(t, failed.ExitCode)
	assert.Equal(t, 3, *failed.ExitCode)
}

func TestRecordPayloadUnknownType(t *testing.T) {
	rec := Record{Type: "codequeue.job.vanished.v9", Data: json.RawMessage(`{}`)}
	_, err := rec.Payload()
	assert.Error(t, err)
}

func TestOpenLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	log, err := OpenLog(path, "code-queue")
	require.NoError(t, err)
	require.NoError(t, log.WriteSubmitted(context.Background(), "a", &SubmittedEvent{Name: "one"}))
	require.NoError(t, log.Close())

	// Reopening appends rather than truncating.
	log, err = OpenLog(path, "code-queue")
	require.NoError(t, err)
	require.NoError(t, log.WriteSubmitted(context.Background(), "b", &SubmittedEvent{Name: "two"}))
	require.NoError(t, log.Close())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Len(t, lines, 2)

	err = log.WriteSubmitted(context.Background(), "c", &SubmittedEvent{Name: "three"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}
