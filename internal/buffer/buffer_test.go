package buffer

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestBuffer_AppendRetrieve(t *testing.T) {
	b := New()
	if got := b.ReadableBytes(); got != 0 {
		t.Fatalf("fresh buffer readable = %d, want 0", got)
	}
	b.Append([]byte("hello"))
	if got := b.RetrieveAllAsString(); got != "hello" {
		t.Fatalf("RetrieveAllAsString = %q, want %q", got, "hello")
	}
	if got := b.ReadableBytes(); got != 0 {
		t.Fatalf("readable after retrieve = %d, want 0", got)
	}
}

func TestBuffer_AppendPreservesUnreadPrefix(t *testing.T) {
	b := New()
	b.Append([]byte("foo"))
	b.Retrieve(0) // no-op, still "foo" unread
	b.Append([]byte("bar"))
	if got := b.RetrieveAllAsString(); got != "foobar" {
		t.Fatalf("got %q, want %q", got, "foobar")
	}
}

func TestBuffer_RetrieveExact(t *testing.T) {
	b := New()
	b.Append([]byte("abcdef"))
	b.Retrieve(3)
	if got := string(b.Peek()); got != "def" {
		t.Fatalf("Peek = %q, want %q", got, "def")
	}
}

func TestBuffer_RetrieveBeyondReadableResets(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	b.Retrieve(1000)
	if got := b.ReadableBytes(); got != 0 {
		t.Fatalf("readable after over-retrieve = %d, want 0", got)
	}
	b.Append([]byte("xyz"))
	if got := b.RetrieveAllAsString(); got != "xyz" {
		t.Fatalf("got %q, want %q", got, "xyz")
	}
}

func TestBuffer_PrependWithinReservedZone(t *testing.T) {
	b := New()
	b.Append([]byte("body"))
	b.Prepend([]byte("hdr!"))
	if got := b.RetrieveAllAsString(); got != "hdr!body" {
		t.Fatalf("got %q, want %q", got, "hdr!body")
	}
}

func TestBuffer_PrependBeyondPrependableBytesPanics(t *testing.T) {
	b := New()
	b.Retrieve(0)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic prepending more than PrependSize bytes")
		}
	}()
	b.Prepend(make([]byte, PrependSize+1))
}

func TestBuffer_GrowBeyondInitialCapacity(t *testing.T) {
	b := New()
	big := make([]byte, InitialSize*3)
	for i := range big {
		big[i] = byte(i)
	}
	b.Append(big)
	got := b.RetrieveAllAsString()
	if len(got) != len(big) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(big))
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], big[i])
		}
	}
}

func TestBuffer_CompactsBeforeGrowing(t *testing.T) {
	b := New()
	// Fill all but 2 bytes of the writable tail, then consume all but one
	// byte from the front: the next 4-byte Append does not fit in the
	// tail but does fit once the unread byte slides back to the prepend
	// boundary, so ensureWritable must compact in place rather than
	// reallocate.
	filler := make([]byte, InitialSize-2)
	for i := range filler {
		filler[i] = 'x'
	}
	b.Append(filler)
	b.Retrieve(len(filler) - 1)
	capBefore := cap(b.buf)
	b.Append([]byte("tail"))
	if cap(b.buf) != capBefore {
		t.Fatalf("expected in-place compaction, capacity changed from %d to %d", capBefore, cap(b.buf))
	}
	if got := b.RetrieveAllAsString(); got != "xtail" {
		t.Fatalf("got %q, want %q", got, "xtail")
	}
}

func TestBuffer_ReadFdAbsorbsOverflowIntoScratch(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := make([]byte, InitialSize+4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	go func() {
		off := 0
		for off < len(payload) {
			n, err := unix.Write(fds[1], payload[off:])
			if err != nil {
				return
			}
			off += n
		}
		unix.Close(fds[1])
	}()

	b := New()
	total := 0
	for total < len(payload) {
		n, err := b.ReadFd(fds[0])
		if err != nil {
			t.Fatalf("ReadFd: %v", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total != len(payload) {
		t.Fatalf("read %d bytes, want %d", total, len(payload))
	}
	got := b.RetrieveAllAsString()
	if got != string(payload) {
		t.Fatalf("readFd lost or corrupted bytes")
	}
}

func TestBuffer_Invariant(t *testing.T) {
	b := New()
	ops := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, op := range ops {
		b.Append(op)
		if !(0 <= PrependSize && PrependSize <= b.reader && b.reader <= b.writer && b.writer <= len(b.buf)) {
			t.Fatalf("invariant violated: reader=%d writer=%d len=%d", b.reader, b.writer, len(b.buf))
		}
		b.Retrieve(1)
		if !(0 <= PrependSize && PrependSize <= b.reader && b.reader <= b.writer && b.writer <= len(b.buf)) {
			t.Fatalf("invariant violated after retrieve: reader=%d writer=%d len=%d", b.reader, b.writer, len(b.buf))
		}
	}
}
