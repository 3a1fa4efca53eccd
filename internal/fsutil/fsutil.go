// Package fsutil provides the small set of filesystem primitives the rest of
// kiln builds on: atomic writes, recursive mkdir/delete, and timestamped
// copies. Every write that must never be observed half-done goes through
// AtomicWrite, following the same write-temp-then-rename idiom the teacher
// build system uses for its squashfs images (renameio.TempFile /
// CloseAtomicallyReplace).
package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// AtomicWrite writes data to path by creating a temp file in the same
// directory and renaming it into place, so concurrent readers never observe
// a partially written file.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return xerrors.Errorf("mkdirall %s: %w", filepath.Dir(path), err)
	}
	t, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("tempfile for %s: %w", path, err)
	}
	defer t.Cleanup()
	if err := t.Chmod(perm); err != nil {
		return err
	}
	if _, err := t.Write(data); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// AtomicCopy copies src to dest atomically, preserving dest's visibility
// guarantee: a reader either sees the old dest or the fully-copied new one.
func AtomicCopy(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return xerrors.Errorf("mkdirall %s: %w", filepath.Dir(dest), err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if fi, err := in.Stat(); err == nil {
		t.Chmod(fi.Mode())
	}
	if _, err := io.Copy(t, in); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// MkdirAll recursively creates dir and all parents, matching the teacher's
// liberal 0755 usage (build.go's copyFile/PkgSource call sites).
func MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// RemoveAll recursively deletes path. It is not an error for path to be
// already absent.
func RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// TimestampedCopy copies src to dest, then sets dest's mtime to ts, for
// installing a file whose on-disk mtime must reflect a chosen moment rather
// than the moment of the copy. No kiln package calls it at present; the
// object cache's Fetch writes restored objects directly.
func TimestampedCopy(src, dest string, ts time.Time) error {
	if err := AtomicCopy(src, dest); err != nil {
		return err
	}
	return os.Chtimes(dest, ts, ts)
}
