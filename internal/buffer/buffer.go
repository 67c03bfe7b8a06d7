// Package buffer implements the growable byte queue used as the input and
// output buffer of every TcpConnection.
package buffer

import (
	"golang.org/x/sys/unix"
)

const (
	// PrependSize reserves a header zone at the front of the buffer so
	// that callers can cheaply prepend fixed-size framing bytes without
	// a second copy.
	PrependSize = 8
	// InitialSize is the capacity of a freshly constructed Buffer, not
	// counting the prepend zone.
	InitialSize = 1024
	// extraBufSize is the size of the on-stack scratch area readFd uses
	// to absorb reads larger than the current writable tail.
	extraBufSize = 65536
)

// Buffer is a contiguous byte region with a reader index and a writer
// index: 0 <= readerIndex <= writerIndex <= len(buf). It is owned by a
// single connection and must never be shared across goroutines.
type Buffer struct {
	buf    []byte
	reader int
	writer int
}

// New returns a Buffer with InitialSize bytes of writable capacity.
func New() *Buffer {
	b := &Buffer{
		buf: make([]byte, PrependSize+InitialSize),
	}
	b.reader = PrependSize
	b.writer = PrependSize
	return b
}

// ReadableBytes returns the number of bytes available to Peek/Retrieve.
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the number of bytes that can be Append-ed without
// growing the backing array.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the number of bytes free before the reader
// index, available to Prepend.
func (b *Buffer) PrependableBytes() int { return b.reader }

// Peek returns a view over the readable region [reader, writer). The
// returned slice aliases the buffer and is invalidated by any mutating
// call.
func (b *Buffer) Peek() []byte { return b.buf[b.reader:b.writer] }

// Retrieve advances the reader index by n, consuming n readable bytes. A
// request to consume more than ReadableBytes is clamped: rather than
// erroring, it is treated the same as RetrieveAll, matching muduo's own
// Buffer::retrieve (which does the identical has-less-than-len check and
// falls back to retrieveAll()).
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.reader += n
}

// RetrieveAll discards every readable byte and resets both indices to the
// start of the writable region.
func (b *Buffer) RetrieveAll() {
	b.reader = PrependSize
	b.writer = PrependSize
}

// RetrieveAllAsString consumes the full readable region and returns it as
// a string.
func (b *Buffer) RetrieveAllAsString() string {
	s := string(b.buf[b.reader:b.writer])
	b.RetrieveAll()
	return s
}

// Append copies data into the writable tail, growing or compacting the
// backing array first if there isn't enough room.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.ensureWritable(len(data))
	b.writer += copy(b.buf[b.writer:], data)
}

// Prepend writes data into the prepend zone immediately before the
// current readable region. It panics if len(data) exceeds
// PrependableBytes, mirroring the invariant that header bytes are always
// reserved ahead of time by the caller.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("buffer: prepend exceeds prependable bytes")
	}
	b.reader -= len(data)
	copy(b.buf[b.reader:], data)
}

// ensureWritable guarantees at least n bytes of writable space, compacting
// in place before resizing the backing array.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.PrependableBytes()-PrependSize+b.WritableBytes() >= n {
		// Enough room once we slide the readable region back down to
		// the start of the writable zone.
		readable := b.ReadableBytes()
		copy(b.buf[PrependSize:], b.buf[b.reader:b.writer])
		b.reader = PrependSize
		b.writer = b.reader + readable
		return
	}
	// Still short: grow the backing array to fit writer+n bytes.
	grown := make([]byte, b.writer+n)
	copy(grown, b.buf[:b.writer])
	b.buf = grown
}

// ReadFd performs a single scatter-read from fd into the writable tail,
// absorbing any overflow beyond the current writable capacity into a
// 64KiB on-stack scratch buffer via a two-vector readv. It returns the
// number of bytes read (0 on peer close) and the syscall error, if any.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [extraBufSize]byte

	writable := b.WritableBytes()
	iov := [][]byte{b.buf[b.writer:], extra[:]}

	n, err := unix.Readv(fd, iov)
	if err != nil {
		return 0, err
	}
	if n <= writable {
		b.writer += n
	} else {
		b.writer = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteFd writes the readable region to fd once, without retrying on
// short writes; the caller is expected to Retrieve the bytes actually
// written and re-enable write interest for the remainder.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return 0, err
	}
	return n, nil
}
