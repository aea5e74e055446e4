package memory

import (
	"sort"
	"sync"
)

const blockAlign = 4

// Block is a contiguous allocation handed out by a Region.
type Block struct {
	Off  int
	Data []byte
}

// Region is a heap pool the arbitrator can query and allocate from.
type Region interface {
	Name() string
	FreeBytes() int
	LargestFreeBlock() int
	Alloc(n int) (Block, bool)
	Free(b Block)
}

type span struct {
	off, size int
}

// Pool is a fixed-capacity region backed by a single arena. It hands out
// first-fit blocks and coalesces neighbours on free, so fragmentation is
// observable through LargestFreeBlock the same way it is on a device heap.
type Pool struct {
	name  string
	arena []byte

	mu    sync.Mutex
	free  []span // sorted by offset, never adjacent
	sizes map[int]int
}

// NewPool creates a pool with capacity bytes.
func NewPool(name string, capacity int) *Pool {
	return &Pool{
		name:  name,
		arena: make([]byte, capacity),
		free:  []span{{0, capacity}},
		sizes: make(map[int]int),
	}
}

func (p *Pool) Name() string  { return p.name }
func (p *Pool) Capacity() int { return len(p.arena) }

// FreeBytes returns the total number of unallocated bytes.
func (p *Pool) FreeBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.free {
		n += s.size
	}
	return n
}

// LargestFreeBlock returns the size of the biggest contiguous free span.
func (p *Pool) LargestFreeBlock() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.free {
		n = max(n, s.size)
	}
	return n
}

// Alloc reserves n bytes. The returned data is zeroed.
func (p *Pool) Alloc(n int) (Block, bool) {
	if n <= 0 {
		return Block{}, false
	}
	size := (n + blockAlign - 1) &^ (blockAlign - 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.free {
		if s.size < size {
			continue
		}
		if s.size == size {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = span{s.off + size, s.size - size}
		}
		p.sizes[s.off] = size
		data := p.arena[s.off : s.off+n : s.off+n]
		clear(data)
		return Block{Off: s.off, Data: data}, true
	}
	return Block{}, false
}

// Free returns b to the pool. Unknown blocks are ignored.
func (p *Pool) Free(b Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size, ok := p.sizes[b.Off]
	if !ok {
		return
	}
	delete(p.sizes, b.Off)

	i := sort.Search(len(p.free), func(i int) bool { return p.free[i].off > b.Off })
	p.free = append(p.free, span{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = span{b.Off, size}

	// merge with next, then previous
	if i+1 < len(p.free) && p.free[i].off+p.free[i].size == p.free[i+1].off {
		p.free[i].size += p.free[i+1].size
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}
	if i > 0 && p.free[i-1].off+p.free[i-1].size == p.free[i].off {
		p.free[i-1].size += p.free[i].size
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
}
