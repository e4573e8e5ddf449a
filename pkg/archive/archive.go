// Package archive persists completed job artifacts to durable storage.
//
// After a job reaches a terminal state the engine uploads its output
// directory, captured logs, and a snapshot of the job record to the
// configured backend, and stamps the resulting location on the record.
// Backends implement a minimal object surface. Authentication uses SDK
// default credential chains, backends should not implement custom auth
// logic.
package archive

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Backend identifies an archive backend.
type Backend string

const (
	// BackendS3 represents AWS S3 or S3-compatible storage.
	BackendS3 Backend = "s3"

	// BackendLocal represents a local filesystem directory.
	BackendLocal Backend = "local"
)

// String returns the string representation of the backend type.
func (b Backend) String() string {
	return string(b)
}

// Archiver abstracts the object operations the engine needs.
//
// Implementations must be safe for concurrent use.
type Archiver interface {
	// Put creates or overwrites one object.
	Put(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// Head returns metadata for one object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes one object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Location renders the stable location string for a key, suitable for
	// the job record (e.g. "s3://bucket/prefix/key").
	Location(key string) string

	// Close releases any resources held by the backend.
	Close() error
}

// ObjectInfo contains metadata for a single archived object.
type ObjectInfo struct {
	// Key is the object key within the archive.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, when the backend provides one.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time
}

// Summary reports what one Upload call moved.
type Summary struct {
	Files int
	Bytes int64
}

// Upload archives every regular file under dir to keyPrefix, preserving
// relative paths. Missing dir is not an error: jobs may legitimately
// produce no output.
func Upload(ctx context.Context, a Archiver, dir, keyPrefix string) (*Summary, error) {
	sum := &Summary{}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return sum, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &Error{Op: "Upload", Key: keyPrefix, Err: ErrNotFound}
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		st, err := f.Stat()
		if err != nil {
			return err
		}

		key := JoinKey(keyPrefix, filepath.ToSlash(rel))
		if err := a.Put(ctx, key, f, st.Size()); err != nil {
			return err
		}

		sum.Files++
		sum.Bytes += st.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// JoinKey joins key segments with forward slashes, tolerating segments
// with or without trailing separators.
func JoinKey(prefix, suffix string) string {
	if prefix == "" {
		return strings.TrimPrefix(suffix, "/")
	}
	if strings.HasSuffix(prefix, "/") {
		return prefix + strings.TrimPrefix(suffix, "/")
	}
	return prefix + "/" + strings.TrimPrefix(suffix, "/")
}
