package ckvd

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"
)

// Cross-process lock protocol (§4.5.4).
//
// The ledger's lock is a single 8-byte word inside the file header, not an
// OS advisory lock (flock/fcntl): the protocol must keep working on
// filesystems that don't support those, and on a shared/network mount
// where advisory locks are unreliable across hosts anyway (§9 "Cooperative
// async vs threads"). Readers never take it; writers race to CAS it from
// zero to a fresh id, with linear backoff and stale-lock reclamation for
// crashed holders.

const (
	// maxRetries bounds lock() attempts before giving up with
	// [ErrLockTimeout] (§4.5.4).
	maxRetries = 50

	// staleTimeoutMs is how old a nonzero lock word must be before a
	// waiter is allowed to reclaim it as abandoned by a crashed
	// holder (§4.5.4).
	staleTimeoutMs = 30_000

	// lockRetryInitialMs is the base backoff unit; attempt N sleeps
	// initial_ms * (N+1) (§4.5.4).
	lockRetryInitialMs = 5

	// forceUnlockSignal is a sentinel lock id that [unlock] always
	// accepts regardless of the current holder, used by
	// Store.ForceUnlockLedger to break a wedged lock (§6 façade,
	// §4.5.4 `unlock`).
	forceUnlockSignal uint64 = 0xFFFFFFFFFFFFFFFF

	// lockTimestampBits is the number of low bits of a lock id reserved
	// for the randomized collision-resistance suffix (§4.5.4, §9).
	lockTimestampBits = 11
)

// noSleep is a no-op backoff for callers that acquire a lock with no
// possible contender -- e.g. [lockFn2] locking a ledger file it just
// created itself, before any peer could have opened it.
func noSleep(time.Duration) {}

// generateLockID builds a fresh lock id: a millisecond timestamp with its
// low [lockTimestampBits] bits cleared and replaced by a random sample,
// so two processes racing in the same millisecond don't collide (§4.5.4,
// §9 "Lock id generation").
func generateLockID(nowMs int64) uint64 {
	mask := uint64(1)<<lockTimestampBits - 1

	base := uint64(nowMs) &^ mask
	suffix := uint64(rand.IntN(int(mask + 1))) //nolint:gosec // collision resistance, not a security boundary

	return base | suffix
}

// lockWordOffset is the lock word's byte offset within the 256-byte
// header: LEDGER_BASE_OFFSET - 8 (§4.5.4).
const lockWordOffset = ledgerBaseOffset - 8

// readLockWord reads the current 8-byte lock word from file.
func readLockWord(file ckvFile) (uint64, error) {
	buf := make([]byte, 8)

	if _, err := file.ReadAt(buf, lockWordOffset); err != nil {
		return 0, fmt.Errorf("ckvd: reading lock word: %w", err)
	}

	return binary.BigEndian.Uint64(buf), nil
}

// writeLockWord writes word as the lock word.
func writeLockWord(file ckvWriterAt, word uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, word)

	if _, err := file.WriteAt(buf, lockWordOffset); err != nil {
		return fmt.Errorf("ckvd: writing lock word: %w", err)
	}

	return nil
}

// ckvWriterAt is the write counterpart to [ckvFile], kept separate since
// the lock protocol is the only caller that needs both directions on the
// same handle.
type ckvWriterAt interface {
	WriteAt(b []byte, off int64) (int, error)
}

type lockFile interface {
	ckvFile
	ckvWriterAt
}

// lockIDToMillis extracts the millisecond timestamp embedded in a lock id
// (the high bits, per [generateLockID]).
func lockIDToMillis(id uint64) int64 {
	mask := uint64(1)<<lockTimestampBits - 1

	return int64(id &^ mask)
}

// acquireLock runs the lock() algorithm of §4.5.4 against file, returning
// the acquired lock id. nowMs is injected so tests can control time and
// staleness deterministically; sleep is injected likewise so tests don't
// pay real backoff delays.
func acquireLock(file lockFile, nowMs func() int64, sleep func(time.Duration)) (uint64, error) {
	for attempt := range maxRetries {
		word, err := readLockWord(file)
		if err != nil {
			return 0, err
		}

		if word != 0 && nowMs()-lockIDToMillis(word) > staleTimeoutMs {
			if err := unlock(file, word); err != nil {
				return 0, err
			}

			word = 0
		}

		if word != 0 {
			sleep(time.Duration(lockRetryInitialMs*(attempt+1)) * time.Millisecond)

			continue
		}

		candidate := generateLockID(nowMs())

		if err := writeLockWord(file, candidate); err != nil {
			return 0, err
		}

		// Re-read straight after writing (there is no explicit yield) to
		// detect a same-instant race with another process that overwrote
		// the word (§4.5.4 step 4).
		confirmed, err := readLockWord(file)
		if err != nil {
			return 0, err
		}

		if confirmed == candidate {
			return candidate, nil
		}
	}

	return 0, fmt.Errorf("%w: after %d attempts", ErrLockTimeout, maxRetries)
}

// unlock clears the lock word if it currently equals lockID or
// [forceUnlockSignal] (§4.5.4 `unlock`).
func unlock(file lockFile, lockID uint64) error {
	current, err := readLockWord(file)
	if err != nil {
		return err
	}

	if current != lockID && lockID != forceUnlockSignal {
		return fmt.Errorf("%w: lock word is %#x, not %#x", ErrLockLost, current, lockID)
	}

	return writeLockWord(file, 0)
}

// verifyLock reports whether the current lock word equals lockID, without
// mutating it (§4.5.4 `verifyLock`).
func verifyLock(file lockFile, lockID uint64) (bool, error) {
	current, err := readLockWord(file)
	if err != nil {
		return false, err
	}

	return current == lockID, nil
}
