package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const indexSchemaVersion = 1

// Index is a SQLite-backed secondary index over job records, keyed by
// status. It exists to keep status counts and candidate selection cheap on
// large queues; the per-job record files remain the durable source of
// truth, and Rebuild reconstructs the index from them at any time.
type Index struct {
	db   *sql.DB
	path string
}

// OpenIndex opens (and creates if needed) the status index database.
//
// Notes:
// - Parent directories of local paths are created if missing.
// - WAL and busy_timeout are applied for predictable CLI behavior.
// - ":memory:" is supported for tests.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := indexDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open status index: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping status index: %w", err)
	}

	idx := &Index{db: db, path: path}
	if err := idx.configure(ctx, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := idx.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func indexDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("status index path is required")
	}
	if path == ":memory:" {
		return path, nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create index directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func (x *Index) configure(ctx context.Context, dsn string) error {
	if dsn == ":memory:" {
		// A memory DB must keep its single connection alive.
		x.db.SetMaxOpenConns(1)
		x.db.SetMaxIdleConns(1)
		return nil
	}

	// Keep a single connection and use WAL to reduce lock contention.
	x.db.SetMaxOpenConns(1)
	x.db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := x.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := x.db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func (x *Index) migrate(ctx context.Context) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			requester TEXT NOT NULL,
			target TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_target_status ON jobs(target, status);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate status index: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE schema_meta SET schema_version = ? WHERE id = 1`, indexSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Upsert records the job's current status row.
func (x *Index) Upsert(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job with id is required")
	}
	var completedAt any
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, requester, target, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		job.ID,
		string(job.Status),
		job.Requester,
		job.Target,
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
		job.UpdatedAt.UTC().Format(time.RFC3339Nano),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job row: %w", err)
	}
	return nil
}

// Remove drops the job's row. Removing an absent row is a no-op.
func (x *Index) Remove(ctx context.Context, id string) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job row: %w", err)
	}
	return nil
}

// CountByStatus reports how many indexed jobs are in the given state.
func (x *Index) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return n, nil
}

// IDsByStatus lists indexed job ids in the given state, oldest first.
func (x *Index) IDsByStatus(ctx context.Context, status Status) ([]string, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Rebuild drops all rows and reconstructs the index from the store's
// record files.
func (x *Index) Rebuild(ctx context.Context, store *Store) error {
	jobs, err := store.List()
	if err != nil {
		return err
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	for _, job := range jobs {
		var completedAt any
		if job.CompletedAt != nil {
			completedAt = job.CompletedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, status, requester, target, created_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.ID,
			string(job.Status),
			job.Requester,
			job.Target,
			job.CreatedAt.UTC().Format(time.RFC3339Nano),
			job.UpdatedAt.UTC().Format(time.RFC3339Nano),
			completedAt,
		); err != nil {
			return fmt.Errorf("insert job row: %w", err)
		}
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (x *Index) Close() error {
	return x.db.Close()
}
