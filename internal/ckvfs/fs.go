// Package ckvfs provides the filesystem abstraction the ledger is built on.
//
// The core never touches the os package directly. It opens, reads, writes,
// renames, and stats files exclusively through the [FS] interface so that
// tests can swap in [Chaos] to exercise the ledger's error-corrective scan
// and lock protocol under induced I/O failures.
//
// The two implementations are:
//   - [Real]: production use, thin wrapper over [os]
//   - [Chaos]: testing use, injects random failures into [Real]
package ckvfs

import (
	"io"
	"os"
)

// File is an open file handle.
//
// Satisfied by [os.File]. The interface is intentionally small: the ledger
// and the lock protocol only ever do positional reads/writes
// (ReadAt/WriteAt); [AtomicWriter] additionally uses Sync. Fd, Stat and
// Truncate are passthroughs that nothing in this module calls.
type File interface {
	io.Closer

	// ReadAt reads len(b) bytes starting at off. See [os.File.ReadAt].
	ReadAt(b []byte, off int64) (int, error)

	// WriteAt writes b starting at off. See [os.File.WriteAt].
	WriteAt(b []byte, off int64) (int, error)

	// Fd returns the OS file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns file metadata. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to stable storage. See [os.File.Sync].
	Sync() error

	// Truncate changes the file size. See [os.File.Truncate].
	Truncate(size int64) error
}

// FS abstracts the filesystem primitives the ledger needs: open an existing
// file for read-write, open one read-only, create a fresh file, read it
// entirely, make directories, stat paths, remove, and rename.
//
// Implementations must be safe for concurrent use by multiple goroutines;
// they are not expected to coordinate across OS processes beyond what the
// filesystem itself guarantees (rename is atomic on a given volume).
type FS interface {
	// OpenReadWrite opens an existing file for reading and writing.
	// Returns an error satisfying [os.IsNotExist] if the file is absent.
	OpenReadWrite(path string) (File, error)

	// OpenRead opens an existing file read-only.
	OpenRead(path string) (File, error)

	// Create creates a new file, failing with an error satisfying
	// [os.IsExist] if the file already exists.
	Create(path string) (File, error)

	// ReadFile reads an entire file into memory.
	ReadFile(path string) ([]byte, error)

	// MkdirAll creates a directory and any missing parents.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file metadata for path.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether path exists. Returns (false, nil), not an
	// error, when the path is simply absent.
	Exists(path string) (bool, error)

	// Remove deletes a file. Returns nil if the path does not exist.
	Remove(path string) error

	// Rename atomically replaces newpath with oldpath's contents, on
	// the same volume. This is the operation vacuum relies on to swap
	// the compacted ledger into place.
	Rename(oldpath, newpath string) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
