package decoder

import (
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/mzyy94/stripview/internal/memory"
)

// Frame is an offscreen RGB565 image. Scale is the downscale step that was
// used: the image is 1/(1<<Scale) of the source size.
type Frame struct {
	Pixels *memory.Buffer
	Width  int
	Height int
	Scale  int
}

// Release frees the pixel buffer.
func (f *Frame) Release() { f.Pixels.Release() }

// FrameDecoder decodes a whole JPEG into an offscreen buffer, stepping down
// the resolution until the output fits in memory.
type FrameDecoder struct {
	res Reserver
}

// NewFrameDecoder creates a FrameDecoder that reserves output through res.
func NewFrameDecoder(res Reserver) *FrameDecoder {
	return &FrameDecoder{res: res}
}

// Decode returns the largest decodable rendition of data that fits.
func (f *FrameDecoder) Decode(data []byte, bgr bool) (*Frame, error) {
	info, err := prepare(data)
	if err != nil {
		return nil, err
	}
	w, h := int(info.Width), int(info.Height)

	// Coarser scales shrink the output and band buffers; the decompressor
	// planes are full resolution at every scale.
	var lastErr error
	for scale := 0; scale <= MaxScale; scale++ {
		div := 1 << scale
		ow, oh := ceilDiv(w, div), ceilDiv(h, div)
		buf, err := f.res.TryReserve(ow*oh*2, memory.PurposeFrame)
		if err != nil {
			slog.Debug("frame buffer does not fit, trying smaller scale", "scale", scale, "size", ow*oh*2, "err", err)
			lastErr = err
			continue
		}
		buf.SetShape(ow, oh, 2)
		sink := &bufferSink{pix: buf.Bytes(), w: ow, h: oh, bgr: bgr}
		if _, _, err := decompress(newMemSource(data), info, div, f.res, sink); err != nil {
			buf.Release()
			var ime *memory.InsufficientMemoryError
			if !errors.As(err, &ime) {
				return nil, err
			}
			slog.Debug("decode scratch does not fit, trying smaller scale", "scale", scale, "err", err)
			lastErr = err
			continue
		}
		if scale > 0 {
			slog.Info("image downscaled to fit memory", "scale", scale, "width", ow, "height", oh)
		}
		return &Frame{Pixels: buf, Width: ow, Height: oh, Scale: scale}, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoScaleFits, lastErr)
}

// bufferSink writes rectangles into a w x h RGB565 buffer.
type bufferSink struct {
	pix  []byte
	w, h int
	bgr  bool
}

func (s *bufferSink) WriteRows(r image.Rectangle, rgb []byte) error {
	if r.Empty() || !r.In(image.Rect(0, 0, s.w, s.h)) {
		return fmt.Errorf("%w: rect %v outside %dx%d", ErrOutOfBounds, r, s.w, s.h)
	}
	rw := r.Dx()
	if len(rgb) < rw*r.Dy()*3 {
		return fmt.Errorf("%w: short pixel data for %v", ErrOutOfBounds, r)
	}
	for row := range r.Dy() {
		off := ((r.Min.Y+row)*s.w + r.Min.X) * 2
		packRows(s.pix[off:off+rw*2], rgb[row*rw*3:(row+1)*rw*3], s.bgr)
	}
	return nil
}
