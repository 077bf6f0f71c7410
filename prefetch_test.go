package ckvd

import (
	"io"
	"testing"
)

type fakeReaderAt struct {
	data  []byte
	reads []int64 // offsets passed to ReadAt, for assertions on refill behavior
}

func (f *fakeReaderAt) ReadAt(b []byte, off int64) (int, error) {
	f.reads = append(f.reads, off)

	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}

	n := copy(b, f.data[off:])
	if n < len(b) {
		return n, io.EOF
	}

	return n, nil
}

func Test_Prefetcher_Read_Serves_From_Cached_Chunk_Without_Refetching(t *testing.T) {
	t.Parallel()

	data := make([]byte, prefetchBytes*2)
	for i := range data {
		data[i] = byte(i)
	}

	src := &fakeReaderAt{data: data}
	p := newPrefetcher(src)

	first, err := p.read(0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	second, err := p.read(5, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if len(src.reads) != 1 {
		t.Fatalf("expected exactly one underlying read, got %d: %v", len(src.reads), src.reads)
	}

	for i := range second {
		if second[i] != data[5+i] {
			t.Fatalf("second[%d] = %d, want %d", i, second[i], data[5+i])
		}
	}

	_ = first
}

func Test_Prefetcher_Read_Refetches_When_Range_Escapes_Chunk(t *testing.T) {
	t.Parallel()

	data := make([]byte, prefetchBytes*3)

	src := &fakeReaderAt{data: data}
	p := newPrefetcher(src)

	if _, err := p.read(0, 10); err != nil {
		t.Fatalf("read: %v", err)
	}

	if _, err := p.read(int64(prefetchBytes)+5, 10); err != nil {
		t.Fatalf("read: %v", err)
	}

	if len(src.reads) != 2 {
		t.Fatalf("expected two underlying reads, got %d: %v", len(src.reads), src.reads)
	}
}

func Test_Prefetcher_Read_Returns_Owned_Copy(t *testing.T) {
	t.Parallel()

	data := []byte("the quick brown fox")
	src := &fakeReaderAt{data: data}
	p := newPrefetcher(src)

	got, err := p.read(4, 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	got[0] = 'X'

	got2, err := p.read(4, 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if got2[0] != 'q' {
		t.Fatalf("mutating a prior read's buffer leaked into the cache: got2[0] = %q", got2[0])
	}
}

func Test_Prefetcher_Clear_Forces_Refill(t *testing.T) {
	t.Parallel()

	data := []byte("0123456789")
	src := &fakeReaderAt{data: data}
	p := newPrefetcher(src)

	if _, err := p.read(0, 5); err != nil {
		t.Fatalf("read: %v", err)
	}

	p.clear()

	if _, err := p.read(0, 5); err != nil {
		t.Fatalf("read: %v", err)
	}

	if len(src.reads) != 2 {
		t.Fatalf("expected refill after clear, got %d reads: %v", len(src.reads), src.reads)
	}
}
