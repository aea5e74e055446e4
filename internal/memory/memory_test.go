package memory

import (
	"errors"
	"testing"
)

// countingRegion records how many allocations were attempted.
type countingRegion struct {
	*Pool
	allocCalls int
}

func (c *countingRegion) Alloc(n int) (Block, bool) {
	c.allocCalls++
	return c.Pool.Alloc(n)
}

func TestPoolFirstFitAndCoalesce(t *testing.T) {
	p := NewPool("fast", 1024)
	a, ok := p.Alloc(256)
	if !ok {
		t.Fatal("alloc a failed")
	}
	b, _ := p.Alloc(256)
	c, _ := p.Alloc(256)
	if p.FreeBytes() != 256 {
		t.Fatalf("FreeBytes = %d, want 256", p.FreeBytes())
	}

	p.Free(b)
	if got := p.LargestFreeBlock(); got != 256 {
		t.Errorf("LargestFreeBlock after hole = %d, want 256", got)
	}
	if got := p.FreeBytes(); got != 512 {
		t.Errorf("FreeBytes = %d, want 512", got)
	}

	p.Free(a)
	if got := p.LargestFreeBlock(); got != 512 {
		t.Errorf("LargestFreeBlock after merge = %d, want 512", got)
	}
	p.Free(c)
	if got := p.LargestFreeBlock(); got != 1024 {
		t.Errorf("LargestFreeBlock after full free = %d, want 1024", got)
	}
}

func TestPoolAllocZeroes(t *testing.T) {
	p := NewPool("fast", 64)
	b, _ := p.Alloc(10)
	for i := range b.Data {
		b.Data[i] = 0xAA
	}
	p.Free(b)
	b, _ = p.Alloc(10)
	for i, v := range b.Data {
		if v != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, v)
		}
	}
	if len(b.Data) != 10 {
		t.Errorf("len = %d, want 10", len(b.Data))
	}
}

func TestAdaptiveHeadroom(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name          string
		free, largest int
		want          int
	}{
		{"contiguous", 100 * 1024, 90 * 1024, 32 * 1024},
		{"moderate", 100 * 1024, 50 * 1024, 40 * 1024},
		{"fragmented", 100 * 1024, 20 * 1024, 50 * 1024},
		{"empty", 0, 0, 50 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.AdaptiveHeadroom(tt.free, tt.largest); got != tt.want {
				t.Errorf("AdaptiveHeadroom = %d, want %d", got, tt.want)
			}
		})
	}

	p.Headroom = 8 * 1024
	if got := p.AdaptiveHeadroom(100*1024, 100*1024); got != p.MinHeadroom {
		t.Errorf("floor = %d, want %d", got, p.MinHeadroom)
	}
}

func TestTryReserveFragmentedRejectsWithoutAllocating(t *testing.T) {
	pool := NewPool("fast", 64*1024)
	// Punch 4KB holes so free space is split.
	var keep []Block
	for i := range 8 {
		b, ok := pool.Alloc(4 * 1024)
		if !ok {
			t.Fatal("setup alloc failed")
		}
		if i%2 == 0 {
			defer pool.Free(b)
		} else {
			keep = append(keep, b)
		}
	}
	for _, b := range keep {
		pool.Free(b)
	}
	fast := &countingRegion{Pool: pool}

	policy := DefaultPolicy()
	policy.Headroom = 0
	policy.MinHeadroom = 0
	arb := NewArbitrator(fast, nil, policy)

	largest := pool.LargestFreeBlock()
	for _, size := range []int{largest + 1, largest + 4096, pool.FreeBytes()} {
		_, err := arb.TryReserve(size, PurposeUpload)
		var ime *InsufficientMemoryError
		if !errors.As(err, &ime) {
			t.Fatalf("size %d: err = %v, want InsufficientMemoryError", size, err)
		}
		if ime.LargestBlock != largest {
			t.Errorf("LargestBlock = %d, want %d", ime.LargestBlock, largest)
		}
	}
	if fast.allocCalls != 0 {
		t.Errorf("alloc calls = %d, want 0", fast.allocCalls)
	}
	if s := arb.Stats(); s.Allocs != 0 {
		t.Errorf("Allocs = %d, want 0", s.Allocs)
	}
}

func TestTryReserveHeadroomNoLargeRegion(t *testing.T) {
	fast := NewPool("fast", 128*1024)
	arb := NewArbitrator(fast, nil, DefaultPolicy())

	// Contiguous pool: headroom shrinks to 32KB.
	buf, err := arb.TryReserve(96*1024, PurposeUpload)
	if err != nil {
		t.Fatalf("TryReserve 96KB: %v", err)
	}
	if buf.Region() != "fast" {
		t.Errorf("Region = %q, want fast", buf.Region())
	}
	buf.Release()

	_, err = arb.TryReserve(100*1024, PurposeUpload)
	var ime *InsufficientMemoryError
	if !errors.As(err, &ime) {
		t.Fatalf("err = %v, want InsufficientMemoryError", err)
	}
	if ime.Needed != 132*1024 {
		t.Errorf("Needed = %d, want %d", ime.Needed, 132*1024)
	}
	want := "Insufficient memory: need 132KB, have 128KB (largest block 128KB)."
	if ime.Error() != want {
		t.Errorf("Error() = %q, want %q", ime.Error(), want)
	}
}

func TestTryReservePrefersLargeRegion(t *testing.T) {
	fast := NewPool("fast", 96*1024)
	large := NewPool("large", 1024*1024)
	arb := NewArbitrator(fast, large, DefaultPolicy())

	buf, err := arb.TryReserve(200*1024, PurposeUpload)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if buf.Region() != "large" {
		t.Errorf("Region = %q, want large", buf.Region())
	}
	if fast.FreeBytes() != 96*1024 {
		t.Errorf("fast region touched: free = %d", fast.FreeBytes())
	}
	buf.Release()
}

func TestTryReserveLargeRegionRequiresFastHeadroom(t *testing.T) {
	fast := NewPool("fast", 64*1024)
	large := NewPool("large", 1024*1024)
	arb := NewArbitrator(fast, large, DefaultPolicy())

	hog, ok := fast.Alloc(20 * 1024)
	if !ok {
		t.Fatal("setup alloc failed")
	}
	defer fast.Free(hog)

	_, err := arb.TryReserve(1024, PurposeUpload)
	var ime *InsufficientMemoryError
	if !errors.As(err, &ime) {
		t.Fatalf("err = %v, want InsufficientMemoryError", err)
	}
	if ime.Needed != 50*1024 {
		t.Errorf("Needed = %d, want headroom %d", ime.Needed, 50*1024)
	}
}

func TestTryReserveFallsBackToFast(t *testing.T) {
	fast := NewPool("fast", 128*1024)
	large := NewPool("large", 16*1024)
	arb := NewArbitrator(fast, large, DefaultPolicy())

	buf, err := arb.TryReserve(32*1024, PurposeStrip)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if buf.Region() != "fast" {
		t.Errorf("Region = %q, want fast", buf.Region())
	}
	buf.Release()
}

func TestScratchSkipsHeadroom(t *testing.T) {
	fast := NewPool("fast", 32*1024)
	arb := NewArbitrator(fast, nil, DefaultPolicy())
	buf, err := arb.TryReserve(30*1024, PurposeFrame)
	if err != nil {
		t.Fatalf("TryReserve frame: %v", err)
	}
	buf.Release()
}

func TestReleaseOnce(t *testing.T) {
	fast := NewPool("fast", 4096)
	arb := NewArbitrator(fast, nil, Policy{})
	buf, err := arb.TryReserve(100, PurposeBatch)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if !buf.Release() {
		t.Error("first Release = false")
	}
	if buf.Release() {
		t.Error("second Release = true")
	}
	s := arb.Stats()
	if s.Allocs != 1 || s.Frees != 1 || s.LiveBytes != 0 {
		t.Errorf("Stats = %+v", s)
	}
	if fast.FreeBytes() != 4096 {
		t.Errorf("FreeBytes = %d, want 4096", fast.FreeBytes())
	}
}

func TestTryReserveInvalidSize(t *testing.T) {
	arb := NewArbitrator(NewPool("fast", 1024), nil, Policy{})
	if _, err := arb.TryReserve(0, PurposeUpload); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("err = %v, want ErrInvalidSize", err)
	}
}
