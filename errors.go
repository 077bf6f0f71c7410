package ckvd

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use [errors.Is] to test for these; use [errors.As] with
// [*Error] to recover structured context (path, offset, key).
var (
	// ErrBadKey means a key or query failed structural validation (§3, §4.1).
	ErrBadKey = errors.New("ckvd: bad key")

	// ErrBadTransaction means a transaction's wire bytes were malformed or
	// its payload hash did not verify (§4.2, §7).
	ErrBadTransaction = errors.New("ckvd: bad transaction")

	// ErrBadLedger means a ledger header failed validation: wrong file ID,
	// unsupported version, or currentOffset < [ledgerBaseOffset] (§4.5.1).
	ErrBadLedger = errors.New("ckvd: bad ledger")

	// ErrInvalidated means the ledger's creation timestamp changed since
	// the last sync — the file was replaced beneath a live handle, most
	// often by a peer's vacuum (§4.5.3, §7).
	ErrInvalidated = errors.New("ckvd: ledger invalidated")

	// ErrLockTimeout means the lock word could not be acquired within
	// [maxRetries] attempts (§4.5.4).
	ErrLockTimeout = errors.New("ckvd: lock timeout")

	// ErrLockLost means the lock word changed out from under a held lock
	// mid-commit, most often because the stale-lock reclaimer fired (§4.5.2).
	ErrLockLost = errors.New("ckvd: lock lost")

	// ErrNotOpen means a façade method was called before [Store.Open] or
	// after [Store.Close] (§7).
	ErrNotOpen = errors.New("ckvd: store not open")

	// ErrIndexDisabled means an index-requiring API was called on a store
	// opened with DisableIndex (§4.7.1, §7).
	ErrIndexDisabled = errors.New("ckvd: index disabled")

	// ErrBlocked means sync was refused because a vacuum holds block_sync
	// (§4.7.2, §7).
	ErrBlocked = errors.New("ckvd: sync blocked by vacuum")

	// ErrReentrant means a watch handler attempted to call a mutating
	// façade method from within its own callback (§9).
	ErrReentrant = errors.New("ckvd: reentrant call from watch handler")

	// ErrTransactionPending means beginTransaction was called while a
	// transaction was already open.
	ErrTransactionPending = errors.New("ckvd: transaction already pending")

	// ErrNoTransaction means AbortTransaction was called with no
	// transaction open. (EndTransaction with nothing pending is a no-op.)
	ErrNoTransaction = errors.New("ckvd: no transaction pending")
)

// Error is the uniform error type returned by ckvd's public APIs. It
// carries structured context -- the ledger path and, where known, the
// byte offset and key involved -- appended to the underlying message.
//
// Use [errors.As] to recover the fields:
//
//	var cErr *ckvd.Error
//	if errors.As(err, &cErr) {
//	    log.Printf("failed at offset %d in %s", cErr.Offset, cErr.Path)
//	}
//
// Use [errors.Is] against the sentinels above to classify the failure.
type Error struct {
	// Path is the ledger file path, when known.
	Path string

	// Offset is the byte offset into the ledger the error concerns, or -1
	// if not applicable.
	Offset int64

	// Key is the stringified key the error concerns, if any.
	Key string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}

	suffix := e.suffix()
	if suffix == "" {
		return msg
	}

	if msg == "" {
		return suffix
	}

	return msg + " " + suffix
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func (e *Error) suffix() string {
	var parts []string

	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}

	if e.Offset >= 0 {
		parts = append(parts, fmt.Sprintf("offset=%d", e.Offset))
	}

	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.Key))
	}

	if len(parts) == 0 {
		return ""
	}

	out := "("

	for i, p := range parts {
		if i > 0 {
			out += " "
		}

		out += p
	}

	return out + ")"
}

// errOpt configures an [*Error] during construction via [wrapErr].
type errOpt func(*Error)

func withPath(path string) errOpt { return func(e *Error) { e.Path = path } }

func withOffset(offset int64) errOpt { return func(e *Error) { e.Offset = offset } }

func withKey(key string) errOpt { return func(e *Error) { e.Key = key } }

// wrapErr attaches structured context to err, preserving err for
// [errors.Is]/[errors.As]. Returns nil if err is nil.
func wrapErr(err error, opts ...errOpt) error {
	if err == nil {
		return nil
	}

	e := &Error{Err: err, Offset: -1}

	var existing *Error
	if errors.As(err, &existing) {
		e.Path = existing.Path
		e.Offset = existing.Offset
		e.Key = existing.Key
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}
