package ckvfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// AtomicWriter writes whole files atomically via temp-file-plus-rename.
//
// The ledger uses it for the one place it materializes a complete file in
// a single shot rather than appending incrementally: bootstrapping a
// brand-new ledger's 256-byte header. Vacuum's compacted replacement is
// instead built incrementally (it is itself a full ledger, appended to
// transaction by transaction) and swapped into place with its own
// unlink-then-rename, per §4.5.5.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter returns an [AtomicWriter] backed by fs.
func NewAtomicWriter(fs FS) *AtomicWriter {
	return &AtomicWriter{fs: fs}
}

// Write writes data to path by creating a sibling temp file, syncing it,
// and renaming it over path. On any failure the temp file is removed and
// the original at path (if any) is left untouched.
func (w *AtomicWriter) Write(path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmpFile, tmpPath, err := createAtomicTempFile(w.fs, dir, base, perm)
	if err != nil {
		return err
	}

	cleanup := func() error {
		closeErr := tmpFile.Close()
		removeErr := w.fs.Remove(tmpPath)

		return errors.Join(closeErr, removeErr)
	}

	_, writeErr := tmpFile.WriteAt(data, 0)
	if writeErr != nil {
		return errors.Join(fmt.Errorf("write temp file %q: %w", tmpPath, writeErr), cleanup())
	}

	syncErr := tmpFile.Sync()
	if syncErr != nil {
		return errors.Join(fmt.Errorf("sync temp file %q: %w", tmpPath, syncErr), cleanup())
	}

	closeErr := tmpFile.Close()
	if closeErr != nil {
		return errors.Join(fmt.Errorf("close temp file %q: %w", tmpPath, closeErr), w.fs.Remove(tmpPath))
	}

	renameErr := w.fs.Rename(tmpPath, path)
	if renameErr != nil {
		return errors.Join(fmt.Errorf("rename %q to %q: %w", tmpPath, path, renameErr), w.fs.Remove(tmpPath))
	}

	return nil
}

const atomicWriteMaxAttempts = 10000

var atomicWriteCounter atomic.Uint64

func createAtomicTempFile(fsys FS, dir, base string, perm os.FileMode) (File, string, error) {
	for range atomicWriteMaxAttempts {
		seq := atomicWriteCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		file, err := openExclusive(fsys, path, perm)
		if err == nil {
			return file, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

// openExclusive creates path if and only if it does not already exist.
// [Real] exposes this through [Real.Create], whose O_EXCL flag gives us
// the same guarantee; other [FS] implementations must honor it too.
func openExclusive(fsys FS, path string, _ os.FileMode) (File, error) {
	return fsys.Create(path)
}
