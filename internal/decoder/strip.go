package decoder

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/mzyy94/stripview/internal/display"
	"github.com/mzyy94/stripview/internal/memory"
)

// Reserver hands out owned buffers. *memory.Arbitrator implements it.
type Reserver interface {
	TryReserve(size int, purpose memory.Purpose) (*memory.Buffer, error)
}

// DefaultBatchRows is the number of rows gathered into one panel write.
const DefaultBatchRows = 16

// StripDecoder streams JPEG fragments straight to a panel, each fragment
// continuing beneath the previous one. It is used from the display
// goroutine only and is not safe for concurrent use.
type StripDecoder struct {
	panel     display.Panel
	res       Reserver
	batchRows int

	active   bool
	width    int
	height   int
	targetW  int
	targetH  int
	currentY int

	line  *memory.Buffer
	batch *memory.Buffer
}

// NewStripDecoder creates a decoder writing to panel. batchRows <= 1
// disables batching.
func NewStripDecoder(panel display.Panel, res Reserver, batchRows int) *StripDecoder {
	return &StripDecoder{panel: panel, res: res, batchRows: batchRows}
}

// SetBatchRows changes the batch height for the next Begin.
func (d *StripDecoder) SetBatchRows(n int) { d.batchRows = n }

// Begin starts a new image of imageW x imageH drawn into a targetW x
// targetH area at the panel origin. Any previous session is ended.
func (d *StripDecoder) Begin(imageW, imageH, targetW, targetH int) error {
	d.End()
	targetW = min(targetW, d.panel.Width())
	targetH = min(targetH, d.panel.Height())
	if imageW <= 0 || imageH <= 0 || imageW > targetW {
		return &DecodeError{Op: "begin", Err: fmt.Errorf("%w: image %dx%d, target %dx%d",
			ErrOutOfBounds, imageW, imageH, targetW, targetH)}
	}

	line, err := d.res.TryReserve(imageW*2, memory.PurposeLine)
	if err != nil {
		return &DecodeError{Op: "begin", Err: err}
	}
	d.line = line
	if d.batchRows > 1 {
		batch, err := d.res.TryReserve(imageW*2*d.batchRows, memory.PurposeBatch)
		if err != nil {
			slog.Debug("batch buffer unavailable, writing per row", "rows", d.batchRows, "err", err)
		} else {
			batch.SetShape(imageW, d.batchRows, 2)
			d.batch = batch
		}
	}

	d.active = true
	d.width, d.height = imageW, imageH
	d.targetW, d.targetH = targetW, targetH
	d.currentY = 0
	slog.Debug("strip session started", "width", imageW, "height", imageH, "batched", d.batch != nil)
	return nil
}

// DecodeFragment decodes one JPEG fragment below the rows already written.
func (d *StripDecoder) DecodeFragment(data []byte, index int, bgr bool) error {
	if !d.active {
		return &DecodeError{Op: "fragment", Err: ErrNoSession}
	}
	info, err := prepare(data)
	if err != nil {
		return err
	}
	sink := &panelSink{d: d, top: d.currentY, bgr: bgr}
	_, h, err := decompress(newMemSource(data), info, 1, d.res, sink)
	if err != nil {
		return err
	}
	d.currentY += h
	slog.Debug("strip decoded", "index", index, "rows", h, "current_y", d.currentY)

	if p, ok := d.panel.(display.Presenter); ok {
		if err := p.Present(); err != nil {
			return &DecodeError{Op: "present", Err: err}
		}
	}
	return nil
}

// End frees the row buffers and forgets the current image.
func (d *StripDecoder) End() {
	if d.line != nil {
		d.line.Release()
		d.line = nil
	}
	if d.batch != nil {
		d.batch.Release()
		d.batch = nil
	}
	d.active = false
	d.width, d.height = 0, 0
	d.targetW, d.targetH = 0, 0
	d.currentY = 0
}

// Active reports whether a session is open.
func (d *StripDecoder) Active() bool { return d.active }

// Size returns the dimensions passed to Begin.
func (d *StripDecoder) Size() (int, int) { return d.width, d.height }

// CurrentY returns the number of rows written so far.
func (d *StripDecoder) CurrentY() int { return d.currentY }

// Batched reports whether a batch buffer is in use.
func (d *StripDecoder) Batched() bool { return d.batch != nil }

// panelSink writes decoded rectangles to the panel at a vertical offset.
type panelSink struct {
	d   *StripDecoder
	top int
	bgr bool
}

func (s *panelSink) WriteRows(r image.Rectangle, rgb []byte) error {
	d := s.d
	rw, rh := r.Dx(), r.Dy()
	if rw <= 0 || rh <= 0 || r.Min.X < 0 || r.Max.X > d.width {
		return fmt.Errorf("%w: rect %v wider than image width %d", ErrOutOfBounds, r, d.width)
	}
	x, y := r.Min.X, s.top+r.Min.Y
	if y < 0 || x+rw > d.targetW || y+rh > d.targetH || y+rh > d.height {
		return fmt.Errorf("%w: rect %dx%d at (%d,%d) outside %dx%d", ErrOutOfBounds, rw, rh, x, y, d.targetW, d.targetH)
	}
	if len(rgb) < rw*rh*3 {
		return fmt.Errorf("%w: short pixel data for %v", ErrOutOfBounds, r)
	}

	if d.batch != nil && rh <= d.batchRows {
		pix := d.batch.Bytes()[:rw*rh*2]
		packRows(pix, rgb[:rw*rh*3], s.bgr)
		return d.push(x, y, rw, rh, pix)
	}

	pix := d.line.Bytes()[:rw*2]
	for row := range rh {
		packRows(pix, rgb[row*rw*3:(row+1)*rw*3], s.bgr)
		if err := d.push(x, y+row, rw, 1, pix); err != nil {
			return err
		}
	}
	return nil
}

func (d *StripDecoder) push(x, y, w, h int, pix []byte) error {
	d.panel.StartWrite()
	defer d.panel.EndWrite()
	if err := d.panel.SetWindow(x, y, w, h); err != nil {
		return err
	}
	return d.panel.PushPixels(pix)
}
