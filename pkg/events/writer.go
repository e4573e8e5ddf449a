package events

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer records queue lifecycle events.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a single
// line of JSON followed by a newline.
type Writer interface {
	// WriteSubmitted records a job submission.
	WriteSubmitted(ctx context.Context, jobID string, ev *SubmittedEvent) error

	// WriteApproved records a manual or automatic approval.
	WriteApproved(ctx context.Context, jobID string, ev *ApprovedEvent) error

	// WriteRejected records a rejection.
	WriteRejected(ctx context.Context, jobID string, ev *RejectedEvent) error

	// WriteDispatched records a job handed to the runner.
	WriteDispatched(ctx context.Context, jobID string, ev *DispatchedEvent) error

	// WriteCompleted records a successful completion.
	WriteCompleted(ctx context.Context, jobID string, ev *CompletedEvent) error

	// WriteFailed records a failure.
	WriteFailed(ctx context.Context, jobID string, ev *FailedEvent) error

	// WriteReaped records a retention cleanup.
	WriteReaped(ctx context.Context, jobID string, ev *ReapedEvent) error

	// WriteOrphaned records an orphan recovery.
	WriteOrphaned(ctx context.Context, jobID string, ev *OrphanedEvent) error

	// WriteSweepError records a scheduler sweep error.
	WriteSweepError(ctx context.Context, ev *SweepErrorEvent) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w     io.Writer
	queue string
	mu    sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (log file, stdout, buffer)
//   - queue: Queue name stamped on every record
func NewJSONLWriter(w io.Writer, queue string) *JSONLWriter {
	return &JSONLWriter{
		w:     w,
		queue: queue,
	}
}

// WriteSubmitted records a job submission.
func (jw *JSONLWriter) WriteSubmitted(ctx context.Context, jobID string, ev *SubmittedEvent) error {
	return jw.writeRecord(ctx, TypeSubmitted, jobID, ev)
}

// WriteApproved records a manual or automatic approval.
func (jw *JSONLWriter) WriteApproved(ctx context.Context, jobID string, ev *ApprovedEvent) error {
	return jw.writeRecord(ctx, TypeApproved, jobID, ev)
}

// WriteRejected records a rejection.
func (jw *JSONLWriter) WriteRejected(ctx context.Context, jobID string, ev *RejectedEvent) error {
	return jw.writeRecord(ctx, TypeRejected, jobID, ev)
}

// WriteDispatched records a job handed to the runner.
func (jw *JSONLWriter) WriteDispatched(ctx context.Context, jobID string, ev *DispatchedEvent) error {
	return jw.writeRecord(ctx, TypeDispatched, jobID, ev)
}

// WriteCompleted records a successful completion.
func (jw *JSONLWriter) WriteCompleted(ctx context.Context, jobID string, ev *CompletedEvent) error {
	return jw.writeRecord(ctx, TypeCompleted, jobID, ev)
}

// WriteFailed records a failure.
func (jw *JSONLWriter) WriteFailed(ctx context.Context, jobID string, ev *FailedEvent) error {
	return jw.writeRecord(ctx, TypeFailed, jobID, ev)
}

// WriteReaped records a retention cleanup.
func (jw *JSONLWriter) WriteReaped(ctx context.Context, jobID string, ev *ReapedEvent) error {
	return jw.writeRecord(ctx, TypeReaped, jobID, ev)
}

// WriteOrphaned records an orphan recovery.
func (jw *JSONLWriter) WriteOrphaned(ctx context.Context, jobID string, ev *OrphanedEvent) error {
	return jw.writeRecord(ctx, TypeOrphaned, jobID, ev)
}

// WriteSweepError records a scheduler sweep error.
func (jw *JSONLWriter) WriteSweepError(ctx context.Context, ev *SweepErrorEvent) error {
	return jw.writeRecord(ctx, TypeSweepError, "", ev)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
//
// This method holds the mutex for the entire operation to ensure
// atomic line writes. The record is written as a single line of
// JSON followed by a newline character.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, jobID string, data any) error {
	// Check context cancellation before acquiring lock
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the data payload first (outside the lock for better concurrency)
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	// Check context again after acquiring lock
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:  recordType,
		TS:    time.Now().UTC(),
		JobID: jobID,
		Queue: jw.queue,
		Data:  dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// Write the record followed by newline.
	// We must handle short writes: io.Writer is allowed to return n < len(p)
	// with nil error, which would silently truncate JSONL lines and corrupt
	// the log.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
//
// io.Writer.Write may return n < len(p) with a nil error (short write).
// This function loops until all bytes are written or an error occurs,
// ensuring complete JSONL lines are emitted.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made, avoid an infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)

// Log is a JSONL writer backed by an append-only file. Closing the log
// closes the file.
type Log struct {
	*JSONLWriter
	f *os.File
}

// OpenLog opens (creating if needed) the event log at path in append
// mode and returns a writer stamping records with the queue name.
func OpenLog(path, queue string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &WriteError{Op: "mkdir", Err: err}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, &WriteError{Op: "open", Err: err}
	}
	return &Log{JSONLWriter: NewJSONLWriter(f, queue), f: f}, nil
}

// Close marks the writer closed and closes the underlying file.
func (l *Log) Close() error {
	writerErr := l.JSONLWriter.Close()
	fileErr := l.f.Close()
	if writerErr != nil {
		return writerErr
	}
	return fileErr
}
