package ckvd

import (
	"fmt"
)

// prefetchBytes is the minimum chunk size the [prefetcher] reads in one
// shot, amortizing many small sequential reads into one syscall (§4.3).
const prefetchBytes = 64 * 1024

// prefetcher is a rolling read-ahead cache over a single file handle: it
// satisfies a read from its internal buffer when possible, and otherwise
// issues one read covering at least [prefetchBytes] starting at the
// requested offset (§4.3).
//
// A prefetcher is bound to one scanning operation at a time; it is not
// safe for concurrent use across scans, matching the single-threaded
// cooperative model of §5.
type prefetcher struct {
	file ckvFile

	chunkStart int64
	chunk      []byte
}

// ckvFile is the subset of [ckvfs.File] the prefetcher needs. It is
// defined locally to avoid the ledger's file-handling code depending on
// ckvfs's exported type set any more than necessary.
type ckvFile interface {
	ReadAt(b []byte, off int64) (int, error)
}

func newPrefetcher(file ckvFile) *prefetcher {
	return &prefetcher{file: file, chunkStart: -1}
}

// read returns length bytes starting at offset, as a fresh owned copy
// (§4.3). It refills the internal chunk only when the requested range is
// not fully contained within it.
func (p *prefetcher) read(offset int64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("ckvd: prefetch read with negative length %d", length)
	}

	if !p.covers(offset, length) {
		if err := p.fill(offset, length); err != nil {
			return nil, err
		}
	}

	start := int(offset - p.chunkStart)

	out := make([]byte, length)
	copy(out, p.chunk[start:start+length])

	return out, nil
}

func (p *prefetcher) covers(offset int64, length int) bool {
	if p.chunkStart < 0 {
		return false
	}

	chunkEnd := p.chunkStart + int64(len(p.chunk))

	return offset >= p.chunkStart && offset+int64(length) <= chunkEnd
}

func (p *prefetcher) fill(offset int64, length int) error {
	want := length
	if want < prefetchBytes {
		want = prefetchBytes
	}

	buf := make([]byte, want)

	n, err := p.file.ReadAt(buf, offset)
	if n < length {
		// Even a partial read beyond EOF is retained: callers that only
		// need the bytes actually present (e.g. a trailing, torn
		// transaction) still get what's there, and the error (if any)
		// is still returned so they can decide whether to tolerate it.
		p.chunkStart = offset
		p.chunk = buf[:n]

		return err
	}

	p.chunkStart = offset
	p.chunk = buf[:n]

	return nil
}

// clear drops the current chunk, forcing the next read to refill (§4.3).
func (p *prefetcher) clear() {
	p.chunkStart = -1
	p.chunk = nil
}
