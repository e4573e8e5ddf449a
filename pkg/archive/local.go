package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local implements Archiver for a local filesystem directory.
//
// Keys are treated as relative paths under BaseDir. Useful for
// single-host deployments and tests; the engine does not care which
// backend is behind the interface.
type Local struct {
	baseDir string
}

var _ Archiver = (*Local)(nil)

// LocalConfig configures the local archive backend.
type LocalConfig struct {
	BaseDir string
}

func (c LocalConfig) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return &ConfigError{Field: "BaseDir", Message: "base dir is required"}
	}
	return nil
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Local{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (l *Local) Close() error { return nil }

// Put writes the object atomically via a temp file and rename.
func (l *Local) Put(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_ = contentLength
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := l.fullPath(key)
	if err != nil {
		return l.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return l.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "codequeue-put-*")
	if err != nil {
		return l.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return l.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return l.wrapError("Put", key, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return l.wrapError("Put", key, err)
	}
	return nil
}

func (l *Local) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := l.fullPath(key)
	if err != nil {
		return nil, l.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Op: "Head", Backend: BackendLocal, Key: key, Err: ErrNotFound}
		}
		return nil, l.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, &Error{Op: "Head", Backend: BackendLocal, Key: key, Err: ErrNotFound}
	}

	return &ObjectInfo{
		Key:          strings.TrimPrefix(key, "/"),
		Size:         st.Size(),
		LastModified: st.ModTime(),
	}, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := l.fullPath(key)
	if err != nil {
		return l.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return l.wrapError("Delete", key, err)
	}
	return nil
}

// Location renders the file:// location for a key.
func (l *Local) Location(key string) string {
	full, err := l.fullPath(key)
	if err != nil {
		return "file://" + filepath.ToSlash(filepath.Join(l.baseDir, key))
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		abs = full
	}
	return "file://" + filepath.ToSlash(abs)
}

func (l *Local) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(l.baseDir, filepath.FromSlash(clean)), nil
}

func (l *Local) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Backend: BackendLocal, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to archive sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}
