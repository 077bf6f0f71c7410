package ckvd

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/calvinalkan/ckvd/internal/ckvfs"
)

// Ledger file format (§3, §4.5.1, §6).
const (
	// ledgerHeaderSize is the fixed size of the header block at the
	// start of every ledger file.
	ledgerHeaderSize = 256

	// ledgerBaseOffset is the first byte of the transaction region;
	// equivalently, the minimum legal value of currentOffset.
	ledgerBaseOffset = ledgerHeaderSize

	// ledgerFileID is the 4-byte magic identifying a ckvd ledger file.
	ledgerFileID = "CKVD"

	// versionB017 is the current ledger version: canonical MurmurHash3
	// payload verification.
	versionB017 = "B017"

	// versionB016 is a legacy ledger version whose payload hashing used
	// the off-by-one [faultyMurmur3X86_32] variant (§6, §9). It must
	// remain readable for compatibility; never written for new ledgers.
	versionB016 = "B016"

	headerFrontSize = 32 // fileID(4) + version(4) + created(8) + currentOffset(8) + reserved(8)

	// ledgerMaxReadFailureBytes bounds the error-corrective scan's
	// signature search: how many bytes of a suspected-torn region it
	// will slide through before giving up (§4.5.3).
	ledgerMaxReadFailureBytes = 64 * 1024
)

// supportedVersions maps every version tag the ledger can read to the
// hash algorithm used to verify that version's payloads (§6, §9).
var supportedVersions = map[string]hashAlgo{
	versionB017: hashAlgoCanonical,
	versionB016: hashAlgoFaultyLegacy,
}

// ledgerHeader is the decoded form of the fixed 256-byte header (§3).
type ledgerHeader struct {
	FileID        string
	Version       string
	CreatedMs     float64
	CurrentOffset float64
}

func (h ledgerHeader) hashAlgo() hashAlgo {
	return supportedVersions[h.Version]
}

// ledgerFile is the subset of [ckvfs.File] the ledger needs for its own
// positional I/O, distinct from the lock protocol's narrower [lockFile].
type ledgerFile interface {
	ckvFile
	ckvWriterAt
	Sync() error
	Close() error
}

// Ledger owns the on-disk append-only file, its cross-process lock word,
// and the two in-process caches ([prefetcher], [entryCache]) that speed
// up repeated reads over it (§4.5).
type Ledger struct {
	fs   ckvfs.FS
	path string
	file ledgerFile

	header ledgerHeader

	prefetch *prefetcher
	cache    *entryCache

	nowMs func() int64
}

// openLedger opens (or, if createIfMissing and absent, creates) the
// ledger file at path (§4.5.1, §4.7.2). cacheBudgetBytes sizes the
// [entryCache].
func openLedger(fsys ckvfs.FS, path string, createIfMissing bool, cacheBudgetBytes int64, nowMs func() int64) (*Ledger, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, wrapErr(err, withPath(path))
	}

	var file ckvfs.File

	switch {
	case exists:
		file, err = fsys.OpenReadWrite(path)
		if err != nil {
			return nil, wrapErr(err, withPath(path))
		}
	case createIfMissing:
		// The initial header is materialized in one atomic temp-file-plus-
		// rename write rather than create-then-truncate-then-writeAt, so a
		// crash during bootstrap can never leave a partially-initialized
		// ledger file behind for a peer to open.
		if err := ckvfs.NewAtomicWriter(fsys).Write(path, bootstrapLedgerBytes(nowMs()), 0o644); err != nil {
			return nil, wrapErr(err, withPath(path))
		}

		file, err = fsys.OpenReadWrite(path)
		if err != nil {
			return nil, wrapErr(err, withPath(path))
		}
	default:
		return nil, wrapErr(fmt.Errorf("%w: %s does not exist", ErrBadLedger, path), withPath(path))
	}

	l := &Ledger{
		fs:       fsys,
		path:     path,
		file:     file,
		prefetch: newPrefetcher(file),
		cache:    newEntryCache(cacheBudgetBytes),
		nowMs:    nowMs,
	}

	if err := l.readHeader(); err != nil {
		_ = file.Close()

		return nil, err
	}

	return l, nil
}

// bootstrapLedgerBytes builds the full [ledgerHeaderSize]-byte content of a
// brand-new ledger file: the fixed front fields (version [versionB017]),
// zeroed padding, and a zeroed (unlocked) lock word.
func bootstrapLedgerBytes(nowMs int64) []byte {
	h := ledgerHeader{
		FileID:        ledgerFileID,
		Version:       versionB017,
		CreatedMs:     float64(nowMs),
		CurrentOffset: float64(ledgerBaseOffset),
	}

	buf := make([]byte, ledgerHeaderSize)
	copy(buf[0:headerFrontSize], encodeHeaderFront(h))

	return buf
}

// Path returns the ledger's filesystem path.
func (l *Ledger) Path() string { return l.path }

// Close releases the underlying file handle.
func (l *Ledger) Close() error {
	return l.file.Close()
}

// writeHeader persists the header's fixed front fields -- file ID,
// version, created, currentOffset, and an 8-byte reserved field -- at
// bytes [0, headerFrontSize). It never touches bytes [headerFrontSize,
// ledgerHeaderSize) (reserved padding) or the lock word at byte 248
// (§4.5.1).
func (l *Ledger) writeHeader() error {
	return writeHeaderTo(l.file, l.header)
}

func writeHeaderTo(file ckvWriterAt, h ledgerHeader) error {
	if _, err := file.WriteAt(encodeHeaderFront(h), 0); err != nil {
		return fmt.Errorf("ckvd: writing ledger header: %w", err)
	}

	return nil
}

// encodeHeaderFront encodes the header's fixed front fields -- fileID,
// version, created, currentOffset, and an 8-byte reserved field -- as
// [headerFrontSize] bytes.
func encodeHeaderFront(h ledgerHeader) []byte {
	buf := make([]byte, headerFrontSize)

	copy(buf[0:4], h.FileID)
	copy(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(h.CreatedMs))
	binary.BigEndian.PutUint64(buf[16:24], math.Float64bits(h.CurrentOffset))
	// buf[24:32] is reserved, written as zero.

	return buf
}

// readHeader reads and validates the first 256 bytes of the file,
// checking file ID, version membership, and currentOffset >=
// [ledgerBaseOffset] (§4.5.1).
func (l *Ledger) readHeader() error {
	h, err := readHeaderFrom(l.file)
	if err != nil {
		return wrapErr(err, withPath(l.path))
	}

	l.header = h

	return nil
}

func readHeaderFrom(file ckvFile) (ledgerHeader, error) {
	buf := make([]byte, ledgerHeaderSize)

	if _, err := file.ReadAt(buf, 0); err != nil {
		return ledgerHeader{}, fmt.Errorf("ckvd: reading ledger header: %w", err)
	}

	fileID := string(buf[0:4])
	if fileID != ledgerFileID {
		return ledgerHeader{}, fmt.Errorf("%w: unexpected file id %q", ErrBadLedger, fileID)
	}

	version := string(buf[4:8])
	if _, ok := supportedVersions[version]; !ok {
		return ledgerHeader{}, fmt.Errorf("%w: unsupported version %q", ErrBadLedger, version)
	}

	created := math.Float64frombits(binary.BigEndian.Uint64(buf[8:16]))
	currentOffset := math.Float64frombits(binary.BigEndian.Uint64(buf[16:24]))

	if currentOffset < ledgerBaseOffset {
		return ledgerHeader{}, fmt.Errorf("%w: currentOffset %v < %d", ErrBadLedger, currentOffset, ledgerBaseOffset)
	}

	return ledgerHeader{
		FileID:        fileID,
		Version:       version,
		CreatedMs:     created,
		CurrentOffset: currentOffset,
	}, nil
}

// Add appends a pre-encoded batch of transactions at the lock holder's
// expense, verifying lockID still owns the lock word before every write
// (§4.5.2). Returns the base offset the batch was written at.
func (l *Ledger) Add(batch [][]byte, lockID uint64) (int64, error) {
	base := int64(l.header.CurrentOffset)
	offset := base

	for _, b := range batch {
		ok, err := verifyLock(l.file, lockID)
		if err != nil {
			return 0, err
		}

		if !ok {
			return 0, fmt.Errorf("%w: lock word changed during append", ErrLockLost)
		}

		if _, err := l.file.WriteAt(b, offset); err != nil {
			return 0, wrapErr(fmt.Errorf("ckvd: writing transaction: %w", err), withPath(l.path), withOffset(offset))
		}

		offset += int64(len(b))
	}

	l.header.CurrentOffset = float64(offset)

	if err := l.writeHeader(); err != nil {
		return 0, err
	}

	return base, nil
}

// syncResult is the outcome of [Ledger.Sync].
type syncResult struct {
	Invalidated bool
	Entries     []DecodedEntry
}

// Sync implements §4.5.3 `sync`: re-reads the header, detects ledger
// replacement via the created timestamp, and (if wantEntries) decodes
// every transaction between the previous and new currentOffset.
func (l *Ledger) Sync(wantEntries bool) (syncResult, error) {
	prevCreated := l.header.CreatedMs
	prevOffset := int64(l.header.CurrentOffset)

	if err := l.readHeader(); err != nil {
		return syncResult{}, err
	}

	if prevCreated != 0 && prevCreated != l.header.CreatedMs {
		return syncResult{Invalidated: true}, nil
	}

	if !wantEntries {
		return syncResult{}, nil
	}

	var entries []DecodedEntry

	offset := prevOffset
	maxOffset := int64(l.header.CurrentOffset)

	for offset < maxOffset {
		entry, err := l.rawGetTransaction(offset, maxOffset, true, false)
		if err != nil {
			return syncResult{}, err
		}

		if entry == nil {
			break
		}

		entries = append(entries, *entry)
		offset += int64(entry.Length) + int64(entry.ErrorCorrectionOffset)
	}

	return syncResult{Entries: entries}, nil
}

// rawGetTransaction implements §4.5.3 `rawGetTransaction`: consult the
// cache; otherwise slide a signature search forward from offset, up to
// [ledgerMaxReadFailureBytes], decoding and (if readData) hash-verifying
// the first candidate that parses cleanly. tolerateReadErrors converts a
// parse/verify failure into "advance one byte and keep searching" instead
// of propagating the error.
func (l *Ledger) rawGetTransaction(offset, maxOffset int64, readData, tolerateReadErrors bool) (*DecodedEntry, error) {
	if cached, ok := l.cache.get(offset); ok && (!readData || cached.Complete) {
		return &cached, nil
	}

	limit := ledgerMaxReadFailureBytes
	if int64(limit) > maxOffset-offset {
		limit = int(maxOffset - offset)
	}

	for skip := 0; skip <= limit; skip++ {
		candidate := offset + int64(skip)

		entry, err := l.tryDecodeAt(candidate, maxOffset, readData)
		if err != nil {
			if tolerateReadErrors {
				continue
			}

			return nil, err
		}

		if entry == nil {
			continue
		}

		entry.ErrorCorrectionOffset = skip
		l.cache.put(*entry)

		return entry, nil
	}

	return nil, nil
}

// tryDecodeAt attempts to decode one transaction starting exactly at
// offset. A nil, nil return means "no signature here, keep sliding"; a
// non-nil error means a signature was found but decoding/verification
// failed.
func (l *Ledger) tryDecodeAt(offset, maxOffset int64, readData bool) (*DecodedEntry, error) {
	preambleLen := 10
	if offset+int64(preambleLen) > maxOffset {
		return nil, nil
	}

	preamble, err := l.prefetch.read(offset, preambleLen)
	if err != nil {
		return nil, nil //nolint:nilerr // treated as "no signature here"
	}

	hdrLen, dataLen, ok := decodeTransactionPreamble(preamble)
	if !ok {
		return nil, nil
	}

	totalLen := int64(preambleLen) + int64(hdrLen) + int64(dataLen)
	if offset+totalLen > maxOffset {
		return nil, fmt.Errorf("%w: transaction at offset %d exceeds currentOffset", ErrBadTransaction, offset)
	}

	hdrBytes, err := l.prefetch.read(offset+int64(preambleLen), int(hdrLen))
	if err != nil {
		return nil, fmt.Errorf("%w: reading header at offset %d: %w", ErrBadTransaction, offset, err)
	}

	hdr, err := decodeTransactionHeader(hdrBytes, hdrLen, dataLen)
	if err != nil {
		return nil, err
	}

	entry := DecodedEntry{
		Offset:      offset,
		Length:      int(totalLen),
		Complete:    false,
		Transaction: Transaction{Key: hdr.Key, Op: hdr.Op, TimestampMs: hdr.TimestampMs, PayloadHash: hdr.PayloadHash},
	}

	if !readData {
		return &entry, nil
	}

	dataBytes, err := l.prefetch.read(offset+int64(preambleLen)+int64(hdrLen), int(dataLen))
	if err != nil {
		return nil, fmt.Errorf("%w: reading data at offset %d: %w", ErrBadTransaction, offset, err)
	}

	tx, err := decodeTransactionData(hdr, dataBytes, l.header.hashAlgo())
	if err != nil {
		return nil, wrapErr(err, withOffset(offset), withKey(hdr.Key.Stringify()))
	}

	entry.Transaction = tx
	entry.Complete = true

	return &entry, nil
}

// Scan implements §4.5.6 `scan`: a linear walk from [ledgerBaseOffset] to
// currentOffset, yielding (via fn) every entry whose key matches query.
// fn returning a non-nil error stops the scan and is propagated, except
// that decode failures mid-walk are skipped instead when
// tolerateReadErrors is set.
func (l *Ledger) Scan(query Query, recursive, fetchData, tolerateReadErrors bool, fn func(DecodedEntry) error) error {
	offset := int64(ledgerBaseOffset)
	maxOffset := int64(l.header.CurrentOffset)

	for offset < maxOffset {
		entry, err := l.rawGetTransaction(offset, maxOffset, fetchData, tolerateReadErrors)
		if err != nil {
			return err
		}

		if entry == nil {
			break
		}

		if entry.Transaction.Key.Matches(query, recursive) {
			if fetchData && !entry.Complete {
				refetched, err := l.tryDecodeAt(entry.Offset, maxOffset, true)
				if err != nil {
					if !tolerateReadErrors {
						return err
					}
				} else if refetched != nil {
					entry = refetched
					l.cache.put(*entry)
				}
			}

			if err := fn(*entry); err != nil {
				return err
			}
		}

		offset += int64(entry.Length) + int64(entry.ErrorCorrectionOffset)
	}

	return nil
}

// Vacuum compacts the ledger in place, keeping only the last write per
// still-live key (§4.5.5). It rewrites into path+"-tmp", then unlinks the
// original and renames the temp over it.
func (l *Ledger) Vacuum(lockFn func() (uint64, error), unlockFn func(uint64) error) error {
	type survivor struct {
		offset, length int64
	}

	var (
		survivors   []survivor
		deletedKeys = make(map[string]bool)
		keptKeys    = make(map[string]bool)
	)

	// Step 1: walk without the lock, collecting entries and tracking
	// currentOffset as it may grow under concurrent appends.
	var collected []DecodedEntry

	offset := int64(ledgerBaseOffset)

	for {
		if err := l.readHeader(); err != nil {
			return err
		}

		maxOffset := int64(l.header.CurrentOffset)
		if offset >= maxOffset {
			break
		}

		entry, err := l.rawGetTransaction(offset, maxOffset, false, true)
		if err != nil {
			return err
		}

		if entry == nil {
			break
		}

		collected = append(collected, *entry)
		offset += int64(entry.Length) + int64(entry.ErrorCorrectionOffset)
	}

	// Step 3: walk in reverse, keeping the first (i.e. last-written)
	// occurrence of each still-live key.
	for i := len(collected) - 1; i >= 0; i-- {
		e := collected[i]
		k := e.Transaction.Key.Stringify()

		if e.Transaction.Op == OpDelete {
			deletedKeys[k] = true

			continue
		}

		if deletedKeys[k] || keptKeys[k] {
			continue
		}

		keptKeys[k] = true
		survivors = append([]survivor{{offset: e.Offset, length: int64(e.Length)}}, survivors...)
	}

	// Step 2/4: acquire the lock on the current ledger, then build the
	// replacement.
	lockID, err := lockFn()
	if err != nil {
		return err
	}

	defer func() { _ = unlockFn(lockID) }()

	tmpPath := l.path + "-tmp"

	_ = l.fs.Remove(tmpPath)

	tmpLedger, err := openLedger(l.fs, tmpPath, true, int64(l.cache.budgetBytes), l.nowMs)
	if err != nil {
		return err
	}

	tmpLockID, err := lockFn2(tmpLedger, l.nowMs)
	if err != nil {
		_ = tmpLedger.Close()

		return err
	}

	var batch [][]byte

	for _, s := range survivors {
		entry, err := l.rawGetTransaction(s.offset, s.offset+s.length, true, false)
		if err != nil {
			_ = tmpLedger.Close()

			return err
		}

		batch = append(batch, entry.Transaction.Encode())
	}

	if _, err := tmpLedger.Add(batch, tmpLockID); err != nil {
		_ = tmpLedger.Close()

		return err
	}

	if err := unlock(tmpLedger.file, tmpLockID); err != nil {
		_ = tmpLedger.Close()

		return err
	}

	if err := tmpLedger.Close(); err != nil {
		return err
	}

	// Step 6: drop caches before the underlying file identity changes.
	l.cache.clear()
	l.prefetch.clear()

	// Step 7: unlink the original, rename the temp over it, reread.
	if err := l.file.Close(); err != nil {
		return err
	}

	if err := l.fs.Remove(l.path); err != nil {
		return err
	}

	if err := l.fs.Rename(tmpPath, l.path); err != nil {
		return err
	}

	file, err := l.fs.OpenReadWrite(l.path)
	if err != nil {
		return wrapErr(err, withPath(l.path))
	}

	l.file = file
	l.prefetch = newPrefetcher(file)

	return l.readHeader()
}

// lockFn2 acquires the ledger-protocol lock directly on a just-created
// temp ledger during vacuum, where there is no peer to race against.
func lockFn2(l *Ledger, nowMs func() int64) (uint64, error) {
	return acquireLock(l.file, nowMs, noSleep)
}
