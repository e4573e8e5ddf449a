package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Store persists and loads Jobs from an on-disk queue directory.
//
// Directory layout:
//
//	<root>/jobs/<id>.json          job record
//	<root>/jobs/<id>/code/         submitted folder copy
//	<root>/jobs/<id>/output/       entry-point output
//	<root>/jobs/<id>/logs/         captured stdout.log / stderr.log
//
// Records are written with the temp-file-then-rename discipline so a crash
// never leaves a partial record behind. Multiple processes may share the
// same root: a record that disappears between a list and a load surfaces as
// ErrNotFound, never as a fault.
type Store struct {
	root   string
	mu     sync.Mutex
	logger *zap.Logger
	index  *Index
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithLogger attaches a logger for skipped-record and index diagnostics.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIndex attaches a status index kept write-through on save and delete.
// The index is advisory: index failures are logged and the file store
// remains the source of truth.
func WithIndex(index *Index) StoreOption {
	return func(s *Store) {
		s.index = index
	}
}

func NewStore(root string, opts ...StoreOption) *Store {
	s := &Store{
		root:   strings.TrimSpace(root),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobsDir() string {
	return filepath.Join(s.root, "jobs")
}

// RecordPath is the job's record file, named by its id.
func (s *Store) RecordPath(id string) string {
	return filepath.Join(s.JobsDir(), id+".json")
}

// JobDir is the job's working directory (code, output, logs).
func (s *Store) JobDir(id string) string {
	return filepath.Join(s.JobsDir(), id)
}

func (s *Store) CodeDir(id string) string {
	return filepath.Join(s.JobDir(id), "code")
}

func (s *Store) OutputDir(id string) string {
	return filepath.Join(s.JobDir(id), "output")
}

func (s *Store) LogsDir(id string) string {
	return filepath.Join(s.JobDir(id), "logs")
}

func (s *Store) StdoutPath(id string) string {
	return filepath.Join(s.LogsDir(id), "stdout.log")
}

func (s *Store) StderrPath(id string) string {
	return filepath.Join(s.LogsDir(id), "stderr.log")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("queue root dir is empty")
	}
	return os.MkdirAll(s.JobsDir(), 0755)
}

// Save atomically replaces the record file for job.ID.
func (s *Store) Save(job *Job) error {
	if job == nil {
		return &Error{Op: "save", Err: fmt.Errorf("job is nil")}
	}
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return &Error{Op: "save", Err: fmt.Errorf("job id is required")}
	}
	if err := s.ensureRoot(); err != nil {
		return &Error{Op: "save", JobID: id, Err: err}
	}

	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return &Error{Op: "save", JobID: id, Err: fmt.Errorf("marshal record: %w", err)}
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.JobsDir(), id+".json.tmp.*")
	if err != nil {
		return &Error{Op: "save", JobID: id, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return &Error{Op: "save", JobID: id, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return &Error{Op: "save", JobID: id, Err: fmt.Errorf("close temp file: %w", err)}
	}

	if err := os.Rename(tmpName, s.RecordPath(id)); err != nil {
		return &Error{Op: "save", JobID: id, Err: fmt.Errorf("rename record file: %w", err)}
	}

	if s.index != nil {
		if err := s.index.Upsert(context.Background(), job); err != nil {
			s.logger.Warn("status index upsert failed",
				zap.String("job_id", id),
				zap.Error(err))
		}
	}
	return nil
}

// Load reads and validates the record for id.
func (s *Store) Load(id string) (*Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &Error{Op: "load", Err: fmt.Errorf("job id is required")}
	}

	b, err := os.ReadFile(s.RecordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Op: "load", JobID: id, Err: ErrNotFound}
		}
		return nil, &Error{Op: "load", JobID: id, Err: err}
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, &Error{Op: "load", JobID: id, Err: fmt.Errorf("%w: empty record file", ErrCorruptRecord)}
	}

	var job Job
	if err := json.Unmarshal([]byte(trimmed), &job); err != nil {
		return nil, &Error{Op: "load", JobID: id, Err: fmt.Errorf("%w: %v", ErrCorruptRecord, err)}
	}
	if !job.Status.Valid() {
		return nil, &Error{Op: "load", JobID: id, Err: fmt.Errorf("%w: unknown status %q", ErrCorruptRecord, job.Status)}
	}
	return &job, nil
}

// List enumerates every readable record passing all filters. Corrupt or
// concurrently-removed records are skipped with a log line, never fatal.
// Ordering is not guaranteed; callers that need determinism must sort.
func (s *Store) List(filters ...Filter) ([]*Job, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	entries, err := os.ReadDir(s.JobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &Error{Op: "list", Err: fmt.Errorf("read jobs dir: %w", err)}
	}

	var out []*Job
entries:
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		job, err := s.Load(id)
		if err != nil {
			if IsCorruptRecord(err) {
				s.logger.Warn("skipping corrupt job record", zap.String("job_id", id), zap.Error(err))
			}
			continue
		}
		for _, f := range filters {
			if !f.Match(job) {
				continue entries
			}
		}
		out = append(out, job)
	}
	return out, nil
}

// ListByStatus enumerates all records currently in the given state.
func (s *Store) ListByStatus(status Status) ([]*Job, error) {
	return s.List(NewStatusFilter(status))
}

// CountByStatus reports how many records are in the given state, via the
// status index when one is attached.
func (s *Store) CountByStatus(status Status) (int, error) {
	if s.index != nil {
		n, err := s.index.CountByStatus(context.Background(), status)
		if err == nil {
			return n, nil
		}
		s.logger.Warn("status index count failed, falling back to scan", zap.Error(err))
	}
	jobs, err := s.ListByStatus(status)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// Delete removes the record file and the job's directory tree. Deleting an
// absent job is a no-op.
func (s *Store) Delete(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &Error{Op: "delete", Err: fmt.Errorf("job id is required")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.RecordPath(id)); err != nil && !os.IsNotExist(err) {
		return &Error{Op: "delete", JobID: id, Err: err}
	}
	if err := os.RemoveAll(s.JobDir(id)); err != nil {
		return &Error{Op: "delete", JobID: id, Err: err}
	}

	if s.index != nil {
		if err := s.index.Remove(context.Background(), id); err != nil {
			s.logger.Warn("status index remove failed",
				zap.String("job_id", id),
				zap.Error(err))
		}
	}
	return nil
}

// Resolve expands a full id or unique id prefix to a full job id.
func (s *Store) Resolve(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", &Error{Op: "resolve", Err: fmt.Errorf("job id is required")}
	}
	if _, err := os.Stat(s.RecordPath(prefix)); err == nil {
		return prefix, nil
	}

	entries, err := os.ReadDir(s.JobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", &Error{Op: "resolve", JobID: prefix, Err: ErrNotFound}
		}
		return "", &Error{Op: "resolve", Err: fmt.Errorf("read jobs dir: %w", err)}
	}

	var matches []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", &Error{Op: "resolve", JobID: prefix, Err: ErrNotFound}
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", &Error{Op: "resolve", JobID: prefix,
			Err: fmt.Errorf("%w: %d matches", ErrAmbiguousID, len(matches))}
	}
}

// SortByCreated orders jobs oldest first, id as tiebreak. The dispatch
// sweep uses this so queued work drains fairly.
func SortByCreated(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
