// Package buffer provides an append-only byte container built as a FIFO of
// immutable chunks, so producers can hand off payloads without copying.
package buffer

import "github.com/pkg/errors"

var ErrBufferEmpty = errors.New("buffer is empty")

// Buffer is an ordered sequence of byte chunks. A chunk is appended by
// reference and must not be mutated afterwards; consumers either pop whole
// chunks off the front or materialize a flattened view.
type Buffer struct {
	chunks [][]byte
	length uint
}

func New(chunks ...[]byte) *Buffer {
	b := &Buffer{chunks: make([][]byte, 0, len(chunks))}
	for _, chunk := range chunks {
		b.Put(chunk)
	}
	return b
}

// Put appends chunk by reference. Zero-length chunks are dropped so that
// Empty stays equivalent to Len()==0.
func (b *Buffer) Put(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.length += uint(len(chunk))
}

func (b *Buffer) Len() uint   { return b.length }
func (b *Buffer) Empty() bool { return b.length == 0 }

// FrontChunk returns the first unconsumed chunk without removing it.
func (b *Buffer) FrontChunk() ([]byte, error) {
	if len(b.chunks) == 0 {
		return nil, ErrBufferEmpty
	}
	return b.chunks[0], nil
}

// PopFrontChunk removes and returns the first unconsumed chunk. Ownership
// transfers to the caller.
func (b *Buffer) PopFrontChunk() ([]byte, error) {
	if len(b.chunks) == 0 {
		return nil, ErrBufferEmpty
	}

	chunk := b.chunks[0]
	b.chunks[0] = nil
	b.chunks = b.chunks[1:]
	b.length -= uint(len(chunk))

	return chunk, nil
}

// Data materializes a single contiguous view of the remaining bytes.
// If exactly one chunk remains it is returned as-is, without a copy.
func (b *Buffer) Data() []byte {
	switch len(b.chunks) {
	case 0:
		return nil
	case 1:
		return b.chunks[0]
	}

	flat := make([]byte, 0, b.length)
	for _, chunk := range b.chunks {
		flat = append(flat, chunk...)
	}

	// Collapse so a later Data call doesn't copy again.
	b.chunks = b.chunks[:0]
	b.chunks = append(b.chunks, flat)

	return flat
}

// Reset drops all chunks.
func (b *Buffer) Reset() {
	b.chunks = b.chunks[:0]
	b.length = 0
}
