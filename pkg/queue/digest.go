package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DigestFolder computes a hex SHA-256 over a code folder's relative paths
// and file contents. WalkDir visits entries in lexical order, so the digest
// is deterministic for a given tree regardless of platform.
//
// Only regular files contribute. Each file is framed as
// "<slash-path>\x00<size>\x00<content>" so path and content boundaries are
// unambiguous.
//
// The digest is an advisory integrity marker: the client computes it at
// submission and the dispatcher recomputes it before launch, refusing to
// run code that changed in between.
func DigestFolder(dir string) (string, error) {
	h := sha256.New()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%d\x00", filepath.ToSlash(rel), info.Size())

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(h, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("digest folder %s: %w", dir, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
