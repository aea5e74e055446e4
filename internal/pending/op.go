package pending

import (
	"sync/atomic"
	"time"

	"github.com/mzyy94/stripview/internal/memory"
)

// Kind tags an Op variant.
type Kind int

const (
	KindShowFull Kind = iota + 1
	KindShowURL
	KindShowStrip
	KindDismiss
)

func (k Kind) String() string {
	switch k {
	case KindShowFull:
		return "show-full"
	case KindShowURL:
		return "show-url"
	case KindShowStrip:
		return "show-strip"
	case KindDismiss:
		return "dismiss"
	}
	return "unknown"
}

// Strip describes one horizontal slice of a larger image.
type Strip struct {
	Index  int
	Count  int
	Width  int
	Height int
}

// Last reports whether this is the final strip of the image.
func (s Strip) Last() bool { return s.Index == s.Count-1 }

// Op is a unit of work for the display consumer. The Op owns Buffer until
// Finish is called.
type Op struct {
	Kind    Kind
	Buffer  *memory.Buffer
	URL     string
	Strip   Strip
	Timeout time.Duration

	// OnDone, if set, runs exactly once with the outcome: nil on success,
	// ErrSuperseded when replaced before it was taken, or the failure.
	OnDone func(error)

	finished atomic.Bool
}

// ShowFullImage returns an op that renders a complete JPEG.
func ShowFullImage(buf *memory.Buffer, timeout time.Duration) *Op {
	return &Op{Kind: KindShowFull, Buffer: buf, Timeout: timeout}
}

// ShowURLImage returns an op that fetches and renders a remote JPEG.
func ShowURLImage(url string, timeout time.Duration) *Op {
	return &Op{Kind: KindShowURL, URL: url, Timeout: timeout}
}

// ShowStrip returns an op that renders one strip beneath the previous ones.
func ShowStrip(buf *memory.Buffer, strip Strip, timeout time.Duration) *Op {
	return &Op{Kind: KindShowStrip, Buffer: buf, Strip: strip, Timeout: timeout}
}

// Dismiss returns an op that clears the shown image.
func Dismiss() *Op {
	return &Op{Kind: KindDismiss}
}

// Finish frees the op's buffer and reports the outcome. Later calls are
// no-ops.
func (op *Op) Finish(err error) {
	if !op.finished.CompareAndSwap(false, true) {
		return
	}
	if op.Buffer != nil {
		op.Buffer.Release()
	}
	if op.OnDone != nil {
		op.OnDone(err)
	}
}
