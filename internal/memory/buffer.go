package memory

import "sync/atomic"

// Buffer is an exclusively owned allocation. Whoever holds the pointer owns
// it; handing it on transfers ownership and the new owner must Release it.
type Buffer struct {
	arb     *Arbitrator
	region  Region
	block   Block
	purpose Purpose

	Width         int
	Height        int
	BytesPerPixel int

	released atomic.Bool
}

// Bytes returns the allocation. It must not be used after Release.
func (b *Buffer) Bytes() []byte { return b.block.Data }

// Len returns the allocation size in bytes.
func (b *Buffer) Len() int { return len(b.block.Data) }

// Region returns the name of the region the buffer came from.
func (b *Buffer) Region() string { return b.region.Name() }

// Purpose returns what the buffer was reserved for.
func (b *Buffer) Purpose() Purpose { return b.purpose }

// SetShape records the logical pixel layout.
func (b *Buffer) SetShape(w, h, bpp int) {
	b.Width, b.Height, b.BytesPerPixel = w, h, bpp
}

// Release frees the allocation. Only the first call has an effect; it
// reports whether this call did the free.
func (b *Buffer) Release() bool {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return false
	}
	b.arb.release(b)
	return true
}

// Released reports whether the buffer has been freed.
func (b *Buffer) Released() bool { return b.released.Load() }
