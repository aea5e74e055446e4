package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Purpose says what a buffer is for. Ingest purposes hold image bytes while
// a decode may run, so they are admitted only if decode headroom remains.
type Purpose int

const (
	PurposeUpload Purpose = iota + 1
	PurposeStrip
	PurposeURLBody
	PurposeDownload
	PurposeBatch
	PurposeLine
	PurposeFrame
	PurposeDecode
)

var purposeNames = map[Purpose]string{
	PurposeUpload:   "upload",
	PurposeStrip:    "strip",
	PurposeURLBody:  "url-body",
	PurposeDownload: "download",
	PurposeBatch:    "batch",
	PurposeLine:     "line",
	PurposeFrame:    "frame",
	PurposeDecode:   "decode",
}

func (p Purpose) String() string {
	if s, ok := purposeNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Purpose) ingest() bool {
	return p >= PurposeUpload && p <= PurposeDownload
}

// ErrInvalidSize is returned for zero or negative reservations.
var ErrInvalidSize = errors.New("memory: invalid reservation size")

// InsufficientMemoryError carries the numbers behind a rejected reservation.
type InsufficientMemoryError struct {
	Purpose      Purpose
	Requested    int
	Needed       int
	Available    int
	LargestBlock int
	Region       string
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("Insufficient memory: need %dKB, have %dKB (largest block %dKB).",
		e.Needed/1024, e.Available/1024, e.LargestBlock/1024)
}

// Policy holds the admission thresholds. The fragmentation thresholds are
// percentages of free memory not covered by the largest block.
type Policy struct {
	Headroom    int
	MinHeadroom int
	LowFragPct  int
	LowFragCap  int
	MidFragPct  int
	MidFragCap  int
}

// DefaultPolicy returns the thresholds used on the reference hardware.
func DefaultPolicy() Policy {
	return Policy{
		Headroom:    50 * 1024,
		MinHeadroom: 24 * 1024,
		LowFragPct:  45,
		LowFragCap:  32 * 1024,
		MidFragPct:  60,
		MidFragCap:  40 * 1024,
	}
}

// AdaptiveHeadroom shrinks the configured headroom when the fast region is
// mostly contiguous.
func (p Policy) AdaptiveHeadroom(free, largest int) int {
	h := p.Headroom
	if free > 0 {
		frag := 100 - largest*100/free
		switch {
		case frag <= p.LowFragPct:
			h = min(h, p.LowFragCap)
		case frag <= p.MidFragPct:
			h = min(h, p.MidFragCap)
		}
	}
	return max(h, p.MinHeadroom)
}

// Stats counts reservations and releases across all regions.
type Stats struct {
	Allocs    int64 `json:"allocs"`
	Frees     int64 `json:"frees"`
	LiveBytes int64 `json:"liveBytes"`
}

// RegionStats is a point-in-time view of one region.
type RegionStats struct {
	Name    string `json:"name"`
	Free    int    `json:"free"`
	Largest int    `json:"largest"`
}

// Arbitrator picks a region for each reservation and refuses requests that
// would leave the decoder without scratch space.
type Arbitrator struct {
	fast  Region
	large Region // nil when the board has no external RAM

	mu     sync.RWMutex
	policy Policy

	allocs atomic.Int64
	frees  atomic.Int64
	live   atomic.Int64
}

// NewArbitrator creates an arbitrator. large may be nil.
func NewArbitrator(fast, large Region, policy Policy) *Arbitrator {
	return &Arbitrator{fast: fast, large: large, policy: policy}
}

// SetPolicy replaces the admission thresholds for subsequent reservations.
func (a *Arbitrator) SetPolicy(p Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policy = p
}

// Policy returns the current admission thresholds.
func (a *Arbitrator) Policy() Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy
}

// HasLargeRegion reports whether an external region is configured.
func (a *Arbitrator) HasLargeRegion() bool { return a.large != nil }

// TryReserve allocates size bytes for purpose or returns an
// *InsufficientMemoryError without allocating anything.
func (a *Arbitrator) TryReserve(size int, purpose Purpose) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if !purpose.ingest() {
		if a.large != nil && fits(a.large, size) {
			if b := a.alloc(a.large, size, purpose); b != nil {
				return b, nil
			}
		}
		if fits(a.fast, size) {
			if b := a.alloc(a.fast, size, purpose); b != nil {
				return b, nil
			}
		}
		return nil, a.reject(a.fast, size, size, purpose)
	}

	p := a.Policy()
	var headroom int
	if a.large != nil {
		if a.fast.FreeBytes() < p.Headroom {
			return nil, a.reject(a.fast, size, p.Headroom, purpose)
		}
		if fits(a.large, size) {
			if b := a.alloc(a.large, size, purpose); b != nil {
				return b, nil
			}
		}
		headroom = p.Headroom
	} else {
		headroom = p.AdaptiveHeadroom(a.fast.FreeBytes(), a.fast.LargestFreeBlock())
	}

	if a.fast.FreeBytes() < size+headroom || a.fast.LargestFreeBlock() < size {
		return nil, a.reject(a.fast, size, size+headroom, purpose)
	}
	if b := a.alloc(a.fast, size, purpose); b != nil {
		return b, nil
	}
	return nil, a.reject(a.fast, size, size+headroom, purpose)
}

func fits(r Region, size int) bool {
	return r.FreeBytes() >= size && r.LargestFreeBlock() >= size
}

func (a *Arbitrator) alloc(r Region, size int, purpose Purpose) *Buffer {
	blk, ok := r.Alloc(size)
	if !ok {
		return nil
	}
	a.allocs.Add(1)
	a.live.Add(int64(size))
	slog.Debug("memory reserved", "purpose", purpose, "size", size, "region", r.Name())
	return &Buffer{arb: a, region: r, block: blk, purpose: purpose}
}

func (a *Arbitrator) reject(r Region, size, needed int, purpose Purpose) error {
	err := &InsufficientMemoryError{
		Purpose:      purpose,
		Requested:    size,
		Needed:       needed,
		Available:    r.FreeBytes(),
		LargestBlock: r.LargestFreeBlock(),
		Region:       r.Name(),
	}
	slog.Debug("memory reservation refused", "purpose", purpose, "size", size,
		"needed", err.Needed, "available", err.Available, "largest", err.LargestBlock)
	return err
}

func (a *Arbitrator) release(b *Buffer) {
	b.region.Free(b.block)
	a.frees.Add(1)
	a.live.Add(-int64(len(b.block.Data)))
}

// Stats returns allocation counters.
func (a *Arbitrator) Stats() Stats {
	return Stats{Allocs: a.allocs.Load(), Frees: a.frees.Load(), LiveBytes: a.live.Load()}
}

// Regions returns free/largest numbers for every configured region.
func (a *Arbitrator) Regions() []RegionStats {
	out := []RegionStats{{Name: a.fast.Name(), Free: a.fast.FreeBytes(), Largest: a.fast.LargestFreeBlock()}}
	if a.large != nil {
		out = append(out, RegionStats{Name: a.large.Name(), Free: a.large.FreeBytes(), Largest: a.large.LargestFreeBlock()})
	}
	return out
}

// LogSnapshot writes region usage at debug level.
func (a *Arbitrator) LogSnapshot(label string) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []any{"label", label, "live", a.live.Load()}
	for _, r := range a.Regions() {
		attrs = append(attrs, r.Name+"_free", r.Free, r.Name+"_largest", r.Largest)
	}
	slog.Debug("memory snapshot", attrs...)
}
