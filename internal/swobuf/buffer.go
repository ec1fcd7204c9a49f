// Package swobuf implements the bounded byte FIFO the decoder pulls pending
// stream bytes from. The backing array is caller-sized at construction; the
// buffer never reallocates, it only compacts unread bytes to the front to
// reclaim trailing space.
package swobuf

import "errors"

// MinSize is the smallest buffer size Buffer accepts. The largest single
// packet is a 5-byte continuation-encoded timestamp; 8 bytes leaves slack
// for the sync scanner to look ahead without forcing a compaction on every
// call.
const MinSize = 8

// ErrTooSmall is returned by New when size is below MinSize.
var ErrTooSmall = errors.New("swobuf: buffer size below minimum")

// ErrNoRoom is returned by Feed when there is not enough free space, even
// after compaction, to hold the supplied bytes.
var ErrNoRoom = errors.New("swobuf: feed exceeds free space")

// Buffer is a caller-sized bounded FIFO of pending stream bytes. It is not
// safe for concurrent use: Feed and the decode-side read primitives must be
// serialized by the caller, exactly like the Context that owns a Buffer.
type Buffer struct {
	data []byte
	head int // read cursor
	tail int // end of valid data
}

// New allocates a Buffer backed by an array of size bytes.
func New(size int) (*Buffer, error) {
	if size < MinSize {
		return nil, ErrTooSmall
	}
	return &Buffer{data: make([]byte, size)}, nil
}

// Cap returns the total backing capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of unread bytes currently held.
func (b *Buffer) Len() int { return b.tail - b.head }

// Free returns the number of additional bytes Feed could accept right now,
// including bytes reclaimable by compaction.
func (b *Buffer) Free() int { return len(b.data) - b.Len() }

// Feed appends p to the tail of the buffer, compacting first if p does not
// fit in the trailing space but would fit after reclaiming already-read
// bytes. It returns ErrNoRoom if p does not fit even after compaction.
func (b *Buffer) Feed(p []byte) error {
	if len(p) > b.Free() {
		return ErrNoRoom
	}
	if len(p) > len(b.data)-b.tail {
		b.Compact()
	}
	copy(b.data[b.tail:], p)
	b.tail += len(p)
	return nil
}

// Compact moves unread bytes to the front of the backing array, reclaiming
// the space already-read bytes occupied. It is invoked automatically by
// Feed and Advance as needed; callers never need to call it directly.
func (b *Buffer) Compact() {
	if b.head == 0 {
		return
	}
	n := copy(b.data, b.data[b.head:b.tail])
	b.head = 0
	b.tail = n
}

// PeekByte returns the byte at the read cursor without consuming it. The
// second return value is false if no unread byte is available.
func (b *Buffer) PeekByte() (byte, bool) {
	return b.PeekAt(0)
}

// PeekAt returns the byte offset bytes ahead of the read cursor without
// consuming anything, so a multi-byte lookahead (continuation fields, the
// synchronization bit scanner) can inspect bytes that have not yet been
// committed to a packet. The second return value is false if fewer than
// offset+1 unread bytes are available.
func (b *Buffer) PeekAt(offset int) (byte, bool) {
	idx := b.head + offset
	if idx < 0 || idx >= b.tail {
		return 0, false
	}
	return b.data[idx], true
}

// Advance consumes n bytes from the read cursor. It compacts the buffer
// once the cursor catches up with the tail, so a long-running decode never
// leaks capacity. Advance panics if n is negative or exceeds Len(); both
// are decoder bugs, never caller input.
func (b *Buffer) Advance(n int) {
	if n < 0 || n > b.Len() {
		panic("swobuf: advance out of range")
	}
	b.head += n
	if b.head == b.tail {
		b.head, b.tail = 0, 0
	}
}

// BitsRemaining returns the number of unread bits in the byte at the read
// cursor. Decoding outside the synchronization scanner is always
// byte-aligned, so this is 8 whenever a byte is available and 0 otherwise.
func (b *Buffer) BitsRemaining() int {
	if b.Len() == 0 {
		return 0
	}
	return 8
}
