package ckvfs

import (
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always); the zero value
// disables all injection.
type ChaosConfig struct {
	// ReadAtFailRate controls how often File.ReadAt fails entirely with EIO.
	ReadAtFailRate float64

	// WriteAtFailRate controls how often File.WriteAt fails entirely with EIO.
	WriteAtFailRate float64

	// PartialWriteAtRate controls how often File.WriteAt writes only a
	// random prefix of b before returning a simulated short-write error.
	PartialWriteAtRate float64

	// SyncFailRate controls how often File.Sync fails with EIO.
	SyncFailRate float64

	// RenameFailRate controls how often FS.Rename fails with EIO, leaving
	// both paths exactly as they were.
	RenameFailRate float64

	// Rand seeds the fault injector. Defaults to a fixed-seed PCG source
	// if nil, so [Chaos] injects the same fault sequence on every run
	// unless a caller supplies its own.
	Rand *rand.Rand
}

// Chaos wraps an [FS] and injects faults per [ChaosConfig] into the
// operations the ledger exercises most on the hot append/scan paths.
// It is test-only tooling: it lets ledger tests assert that
// [Ledger.Sync]'s error-corrective scan and the lock protocol behave
// correctly under torn writes and I/O errors, without needing a real
// flaky disk.
type Chaos struct {
	inner FS
	cfg   ChaosConfig
	mu    sync.Mutex
}

// NewChaos wraps inner with fault injection governed by cfg.
func NewChaos(inner FS, cfg ChaosConfig) *Chaos {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(1, 2))
	}

	return &Chaos{inner: inner, cfg: cfg}
}

func (c *Chaos) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cfg.Rand.Float64() < rate
}

func (c *Chaos) OpenReadWrite(path string) (File, error) {
	f, err := c.inner.OpenReadWrite(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{inner: f, owner: c}, nil
}

func (c *Chaos) OpenRead(path string) (File, error) {
	f, err := c.inner.OpenRead(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{inner: f, owner: c}, nil
}

func (c *Chaos) Create(path string) (File, error) {
	f, err := c.inner.Create(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{inner: f, owner: c}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) { return c.inner.ReadFile(path) }

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error { return c.inner.MkdirAll(path, perm) }

func (c *Chaos) Stat(path string) (os.FileInfo, error) { return c.inner.Stat(path) }

func (c *Chaos) Exists(path string) (bool, error) { return c.inner.Exists(path) }

func (c *Chaos) Remove(path string) error { return c.inner.Remove(path) }

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.roll(c.cfg.RenameFailRate) {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errIO}
	}

	return c.inner.Rename(oldpath, newpath)
}

var errIO = fmt.Errorf("simulated i/o error")

// chaosFile wraps a [File], injecting faults on the read/write/sync paths
// that the ledger uses for positional access.
type chaosFile struct {
	inner File
	owner *Chaos
}

func (f *chaosFile) ReadAt(b []byte, off int64) (int, error) {
	if f.owner.roll(f.owner.cfg.ReadAtFailRate) {
		return 0, &os.PathError{Op: "readat", Err: errIO}
	}

	return f.inner.ReadAt(b, off)
}

func (f *chaosFile) WriteAt(b []byte, off int64) (int, error) {
	if f.owner.roll(f.owner.cfg.WriteAtFailRate) {
		return 0, &os.PathError{Op: "writeat", Err: errIO}
	}

	if f.owner.roll(f.owner.cfg.PartialWriteAtRate) && len(b) > 1 {
		f.owner.mu.Lock()
		n := 1 + f.owner.cfg.Rand.IntN(len(b)-1)
		f.owner.mu.Unlock()

		written, err := f.inner.WriteAt(b[:n], off)
		if err != nil {
			return written, err
		}

		return written, errShortWrite
	}

	return f.inner.WriteAt(b, off)
}

var errShortWrite = fmt.Errorf("simulated short write")

func (f *chaosFile) Close() error { return f.inner.Close() }

func (f *chaosFile) Fd() uintptr { return f.inner.Fd() }

func (f *chaosFile) Stat() (os.FileInfo, error) { return f.inner.Stat() }

func (f *chaosFile) Truncate(size int64) error { return f.inner.Truncate(size) }

func (f *chaosFile) Sync() error {
	if f.owner.roll(f.owner.cfg.SyncFailRate) {
		return &os.PathError{Op: "sync", Err: errIO}
	}

	return f.inner.Sync()
}

// Compile-time interface checks.
var (
	_ FS   = (*Chaos)(nil)
	_ File = (*chaosFile)(nil)
)
