package ckvd

import (
	"errors"
	"sync"
	"time"

	"github.com/calvinalkan/ckvd/internal/ckvfs"
)

// Store is the façade orchestrating [Ledger] + index, the watchdog, the
// batched commit path, and watch notifications (§4.7).
//
// The reference design assumes a single-threaded cooperative runtime
// (§5); this implementation instead runs the watchdog on its own
// goroutine and protects every field the design note calls out --
// index, cache/prefetcher (owned by Ledger), pending, watchHandlers --
// with a single mutex, treating the ledger's lock word as the only
// cross-process boundary (§9 "Cooperative async vs threads").
type Store struct {
	fs     ckvfs.FS
	config Config
	nowMs  func() int64

	mu            sync.Mutex
	ledger        *Ledger
	idx           *index
	pending       []Transaction
	inTx          bool
	blockSync     bool
	aborted       bool
	watchHandlers []*watchHandler
	inWatcher     bool

	events *eventBus

	watchdogStop   chan struct{}
	watchdogDone   chan struct{}
	watchdogActive bool
}

// NewStore constructs an unopened Store with cfg. Call [Store.Open] to
// attach it to a ledger file.
func NewStore(fsys ckvfs.FS, cfg Config) *Store {
	return &Store{
		fs:     fsys,
		config: cfg,
		nowMs:  defaultNowMs,
		idx:    newIndex(),
		events: newEventBus(),
	}
}

func defaultNowMs() int64 { return time.Now().UnixMilli() }

// Open attaches the store to the ledger file at path, creating it if
// createIfMissing and absent (§4.7.2). Disallowed after [Store.Close].
func (s *Store) Open(path string, createIfMissing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return ErrNotOpen
	}

	if s.ledger != nil {
		s.idx.clear()
		s.stopWatchdogLocked()

		if err := s.ledger.Close(); err != nil {
			return err
		}
	}

	cacheBudget := int64(s.config.LedgerCacheMB) * 1024 * 1024

	ledger, err := openLedger(s.fs, path, createIfMissing, cacheBudget, s.nowMs)
	if err != nil {
		return err
	}

	s.ledger = ledger

	// openLedger has already read the header, so its currentOffset points
	// past every existing transaction; rewind the in-memory cursor so the
	// initial sync walks the whole ledger into the (empty) index.
	ledger.header.CurrentOffset = ledgerBaseOffset

	if err := s.syncLocked(true, true); err != nil {
		return err
	}

	if s.config.AutoSync {
		s.startWatchdogLocked()
	}

	return nil
}

// Close stops the watchdog, releases the ledger, and emits a
// [ClosingEvent] (§4.7.3).
func (s *Store) Close() error {
	s.mu.Lock()
	s.aborted = true
	s.events.emitClosing()
	s.stopWatchdogLocked()

	ledger := s.ledger
	s.ledger = nil
	s.mu.Unlock()

	if ledger == nil {
		return nil
	}

	return ledger.Close()
}

// IsOpen reports whether the store currently has a ledger attached.
func (s *Store) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ledger != nil && !s.aborted
}

// GetLedgerPath returns the ledger's path, or ("", false) if not open.
func (s *Store) GetLedgerPath() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger == nil {
		return "", false
	}

	return s.ledger.Path(), true
}

// Events returns channels the caller can range/select over to observe
// sync and closing events (§9 "Event emitter pattern"). Each call
// registers a fresh pair of subscriber channels.
func (s *Store) Events() (sync chan SyncEvent, closing chan ClosingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	syncCh := make(chan SyncEvent, 8)
	closingCh := make(chan ClosingEvent, 1)

	s.events.subscribeSync(syncCh)
	s.events.subscribeClosing(closingCh)

	return syncCh, closingCh
}

// Sync implements §4.7.2 `sync`.
func (s *Store) Sync(force, doLock bool) SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, _ := s.syncStatusLocked(force, doLock)

	return status
}

func (s *Store) syncStatusLocked(force, doLock bool) (SyncStatus, error) {
	if s.ledger == nil {
		return SyncError, ErrNotOpen
	}

	if s.blockSync && !force {
		s.events.emitSync(SyncEvent{Status: SyncBlocked, Err: ErrBlocked})

		return SyncBlocked, ErrBlocked
	}

	err := s.syncLocked(force, doLock)
	if err != nil {
		status := SyncError
		if errors.Is(err, ErrInvalidated) {
			status = SyncInvalidated
		}

		s.events.emitSync(SyncEvent{Status: status, Err: err})

		return status, err
	}

	s.events.emitSync(SyncEvent{Status: SyncReady})

	return SyncReady, nil
}

// syncLocked performs the actual ledger sync and index application. Must
// be called with s.mu held.
func (s *Store) syncLocked(force, doLock bool) error {
	var lockID uint64

	if doLock {
		id, err := acquireLock(s.ledger.file, s.nowMs, sleepMs)
		if err != nil {
			return err
		}

		lockID = id

		defer func() { _ = unlock(s.ledger.file, lockID) }()
	}

	result, err := s.ledger.Sync(!s.config.DisableIndex)
	if err != nil {
		return err
	}

	if result.Invalidated {
		path := s.ledger.Path()

		if cerr := s.ledger.Close(); cerr != nil {
			return cerr
		}

		ledger, err := openLedger(s.fs, path, false, int64(s.config.LedgerCacheMB)*1024*1024, s.nowMs)
		if err != nil {
			return err
		}

		s.ledger = ledger
		s.idx.clear()

		return ErrInvalidated
	}

	for _, entry := range result.Entries {
		s.applyEntryLocked(entry)
	}

	return nil
}

func sleepMs(d time.Duration) { time.Sleep(d) }

// applyEntryLocked applies one decoded transaction to the index and fires
// any matching watch handlers (§4.7.4). Must be called with s.mu held.
func (s *Store) applyEntryLocked(entry DecodedEntry) {
	s.fireWatchersLocked(entry)

	if s.config.DisableIndex {
		return
	}

	switch entry.Transaction.Op {
	case OpSet:
		s.idx.add(entry.Transaction.Key, entry.Offset)
	case OpDelete:
		s.idx.delete(entry.Transaction.Key)
	}
}

func (s *Store) fireWatchersLocked(entry DecodedEntry) {
	if len(s.watchHandlers) == 0 {
		return
	}

	s.inWatcher = true
	defer func() { s.inWatcher = false }()

	for _, h := range s.watchHandlers {
		if entry.Transaction.Key.Matches(h.query, h.recursive) {
			h.callback(entry)
		}
	}
}

// startWatchdogLocked starts the background sync goroutine (§4.7.3). Must
// be called with s.mu held.
func (s *Store) startWatchdogLocked() {
	if s.watchdogActive {
		return
	}

	s.watchdogActive = true
	s.watchdogStop = make(chan struct{})
	s.watchdogDone = make(chan struct{})

	interval := time.Duration(s.config.SyncIntervalMs) * time.Millisecond

	go s.runWatchdog(interval, s.watchdogStop, s.watchdogDone)
}

func (s *Store) runWatchdog(interval time.Duration, stop chan struct{}, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.aborted || s.ledger == nil {
				s.mu.Unlock()

				return
			}

			// The watchdog never takes the write lock (§2, §5): it is a
			// reader, and taking the lock here would block every other
			// Store method (s.mu is already held) for up to maxRetries
			// worth of backoff whenever a peer holds the write lock.
			_, _ = s.syncStatusLocked(false, false)
			s.mu.Unlock()
		}
	}
}

// stopWatchdogLocked signals the watchdog goroutine to stop and waits for
// its current run to finish, per §4.7.3 ("await the current run, cancel
// the next timer"). Must be called with s.mu held; it releases the lock
// while waiting so the watchdog's own Lock() in runWatchdog can proceed.
func (s *Store) stopWatchdogLocked() {
	if !s.watchdogActive {
		return
	}

	close(s.watchdogStop)
	s.watchdogActive = false

	done := s.watchdogDone

	s.mu.Unlock()
	<-done
	s.mu.Lock()
}

// Set encodes a SET transaction for key/value and enqueues it (§4.7.5).
// If no transaction is open, it commits immediately.
func (s *Store) Set(key Key, value any) error {
	tx, err := NewSetTransaction(key, value, float64(s.nowMs()))
	if err != nil {
		return err
	}

	return s.enqueue(tx)
}

// Delete encodes a DELETE transaction for key and enqueues it (§4.7.5).
// Deleting an absent key is idempotent: it still appends a tombstone.
func (s *Store) Delete(key Key) error {
	tx := NewDeleteTransaction(key, float64(s.nowMs()))

	return s.enqueue(tx)
}

func (s *Store) enqueue(tx Transaction) error {
	s.mu.Lock()

	if s.ledger == nil || s.aborted {
		s.mu.Unlock()

		return ErrNotOpen
	}

	if s.inWatcher {
		s.mu.Unlock()

		return ErrReentrant
	}

	s.pending = append(s.pending, tx)

	inTx := s.inTx

	s.mu.Unlock()

	if !inTx {
		return s.EndTransaction()
	}

	return nil
}

// BeginTransaction opens a transaction: subsequent Set/Delete calls
// enqueue without committing until EndTransaction (§4.7.5).
func (s *Store) BeginTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger == nil || s.aborted {
		return ErrNotOpen
	}

	if s.inTx {
		return ErrTransactionPending
	}

	s.inTx = true

	return nil
}

// AbortTransaction discards pending transactions without committing them.
func (s *Store) AbortTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inTx {
		return ErrNoTransaction
	}

	s.pending = nil
	s.inTx = false

	return nil
}

// EndTransaction implements §4.7.5: pre-encode, lock, sync, append,
// unlock, apply to cache/index, clear pending.
func (s *Store) EndTransaction() error {
	s.mu.Lock()

	if s.ledger == nil || s.aborted {
		s.mu.Unlock()

		return ErrNotOpen
	}

	pending := s.pending
	s.pending = nil
	s.inTx = false

	if len(pending) == 0 {
		s.mu.Unlock()

		return nil
	}

	batch := make([][]byte, len(pending))
	for i, tx := range pending {
		batch[i] = tx.Encode()
	}

	lockID, err := acquireLock(s.ledger.file, s.nowMs, sleepMs)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	// Finalizer: the lock is always released, even on error, per §4.7.5g.
	defer func() {
		_ = unlock(s.ledger.file, lockID)
		s.mu.Unlock()
	}()

	if err := s.syncLocked(false, false); err != nil && !errors.Is(err, ErrInvalidated) {
		return err
	}

	base, err := s.ledger.Add(batch, lockID)
	if err != nil {
		return err
	}

	rel := int64(0)

	for i, tx := range pending {
		entry := DecodedEntry{
			Offset:      base + rel,
			Length:      len(batch[i]),
			Complete:    true,
			Transaction: tx,
		}

		s.ledger.cache.put(entry)
		s.applyEntryLocked(entry)

		rel += int64(len(batch[i]))
	}

	return nil
}

// Get implements §4.7.6 `get`: exact-key lookup of the key's own index
// reference (never a descendant's), dereferenced through the ledger with
// data.
func (s *Store) Get(key Key) (*DecodedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger == nil || s.aborted {
		return nil, ErrNotOpen
	}

	if s.config.DisableIndex {
		return nil, ErrIndexDisabled
	}

	offset, ok := s.idx.getExact(key)
	if !ok {
		return nil, nil //nolint:nilnil // "no match" is not an error (§7)
	}

	entry, err := s.ledger.rawGetTransaction(offset, int64(s.ledger.header.CurrentOffset), true, false)
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// Iterate implements §4.7.6 `iterate`: index lookup then lazy
// dereferencing through the ledger, in offset order (or reverse).
func (s *Store) Iterate(query Query, limit int, reverse bool, fn func(DecodedEntry) error) error {
	s.mu.Lock()

	if s.ledger == nil || s.aborted {
		s.mu.Unlock()

		return ErrNotOpen
	}

	if s.config.DisableIndex {
		s.mu.Unlock()

		return ErrIndexDisabled
	}

	offsets := s.idx.get(query, limit, reverse)
	ledger := s.ledger
	maxOffset := int64(ledger.header.CurrentOffset)

	s.mu.Unlock()

	for _, off := range offsets {
		entry, err := ledger.rawGetTransaction(off, maxOffset, true, false)
		if err != nil {
			return err
		}

		if entry == nil {
			continue
		}

		if err := fn(*entry); err != nil {
			return err
		}
	}

	return nil
}

// ListAll is the buffered form of Iterate (§4.7.6).
func (s *Store) ListAll(query Query, limit int, reverse bool) ([]DecodedEntry, error) {
	var out []DecodedEntry

	err := s.Iterate(query, limit, reverse, func(e DecodedEntry) error {
		out = append(out, e)

		return nil
	})

	return out, err
}

// Count returns the number of index offsets matching query; it does not
// touch the ledger (§4.7.6).
func (s *Store) Count(query Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger == nil || s.aborted {
		return 0, ErrNotOpen
	}

	if s.config.DisableIndex {
		return 0, ErrIndexDisabled
	}

	return len(s.idx.get(query, 0, false)), nil
}

// ListKeys delegates to the index's child-key enumeration (§4.7.6).
func (s *Store) ListKeys(query *Query) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger == nil || s.aborted {
		return nil, ErrNotOpen
	}

	if s.config.DisableIndex {
		return nil, ErrIndexDisabled
	}

	return s.idx.getChildKeys(query), nil
}

// Scan bypasses the index entirely and walks the ledger directly (§4.7.6).
func (s *Store) Scan(query Query, recursive, tolerateReadErrors bool, fn func(DecodedEntry) error) error {
	s.mu.Lock()

	if s.ledger == nil || s.aborted {
		s.mu.Unlock()

		return ErrNotOpen
	}

	ledger := s.ledger

	s.mu.Unlock()

	return ledger.Scan(query, recursive, true, tolerateReadErrors, fn)
}

// Vacuum implements §4.7.7: blocks concurrent sync, compacts the ledger,
// reopens it so the index is rebuilt from the new header.
func (s *Store) Vacuum() error {
	s.mu.Lock()

	if s.ledger == nil || s.aborted {
		s.mu.Unlock()

		return ErrNotOpen
	}

	s.blockSync = true
	ledger := s.ledger
	path := ledger.Path()

	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.blockSync = false
		s.mu.Unlock()
	}()

	err := ledger.Vacuum(
		func() (uint64, error) { return acquireLock(ledger.file, s.nowMs, sleepMs) },
		func(id uint64) error { return unlock(ledger.file, id) },
	)
	if err != nil {
		return err
	}

	return s.Open(path, false)
}

// ForceUnlockLedger clears the lock word unconditionally, to break a
// wedged lock from a crashed peer that the stale-timeout hasn't yet
// reclaimed.
func (s *Store) ForceUnlockLedger() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger == nil || s.aborted {
		return ErrNotOpen
	}

	return unlock(s.ledger.file, forceUnlockSignal)
}

// Watch registers a callback invoked synchronously whenever a newly
// applied transaction's key matches query (§4.7.4, §9). Returns a handle
// usable with [Store.Unwatch].
func (s *Store) Watch(query Query, recursive bool, cb func(DecodedEntry)) *watchHandler {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &watchHandler{query: query, recursive: recursive, callback: cb}
	s.watchHandlers = append(s.watchHandlers, h)

	return h
}

// Unwatch removes a handler previously returned by [Store.Watch]. Reports
// whether it was found.
func (s *Store) Unwatch(h *watchHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.watchHandlers {
		if existing == h {
			s.watchHandlers = append(s.watchHandlers[:i], s.watchHandlers[i+1:]...)

			return true
		}
	}

	return false
}
