package display

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
)

// FramebufferStats counts driver calls.
type FramebufferStats struct {
	Transactions int `json:"transactions"`
	Windows      int `json:"windows"`
	Pushes       int `json:"pushes"`
}

// Framebuffer is an in-memory panel. It backs headless runs and tests.
type Framebuffer struct {
	w, h int

	mu     sync.Mutex
	pix    []byte
	win    image.Rectangle
	cursor int
	stats  FramebufferStats
}

// NewFramebuffer creates a black w x h framebuffer.
func NewFramebuffer(w, h int) *Framebuffer {
	return &Framebuffer{w: w, h: h, pix: make([]byte, w*h*2)}
}

func (f *Framebuffer) Width() int  { return f.w }
func (f *Framebuffer) Height() int { return f.h }

func (f *Framebuffer) StartWrite() {
	f.mu.Lock()
	f.stats.Transactions++
	f.mu.Unlock()
}

func (f *Framebuffer) EndWrite() {}

func (f *Framebuffer) SetWindow(x, y, w, h int) error {
	if err := checkWindow(f, x, y, w, h); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.win = image.Rect(x, y, x+w, y+h)
	f.cursor = 0
	f.stats.Windows++
	return nil
}

func (f *Framebuffer) PushPixels(pix []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(pix)%2 != 0 {
		return fmt.Errorf("display: odd pixel buffer length %d", len(pix))
	}
	n := len(pix) / 2
	if f.cursor+n > f.win.Dx()*f.win.Dy() {
		return fmt.Errorf("%w: %d pixels into %v at %d", ErrWindow, n, f.win, f.cursor)
	}
	ww := f.win.Dx()
	for i := range n {
		c := f.cursor + i
		x := f.win.Min.X + c%ww
		y := f.win.Min.Y + c/ww
		off := (y*f.w + x) * 2
		f.pix[off] = pix[2*i]
		f.pix[off+1] = pix[2*i+1]
	}
	f.cursor += n
	f.stats.Pushes++
	return nil
}

// Pixel returns the RGB565 value at (x, y).
func (f *Framebuffer) Pixel(x, y int) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := (y*f.w + x) * 2
	return uint16(f.pix[off])<<8 | uint16(f.pix[off+1])
}

// Stats returns the driver call counters.
func (f *Framebuffer) Stats() FramebufferStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Image converts the framebuffer to RGBA.
func (f *Framebuffer) Image() *image.RGBA {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, f.w, f.h))
	for y := range f.h {
		for x := range f.w {
			off := (y*f.w + x) * 2
			v := uint16(f.pix[off])<<8 | uint16(f.pix[off+1])
			img.SetRGBA(x, y, RGB565ToRGBA(v))
		}
	}
	return img
}

// WritePNG encodes the current contents as PNG.
func (f *Framebuffer) WritePNG(w io.Writer) error {
	return png.Encode(w, f.Image())
}

// RGB565ToRGBA expands a packed pixel, replicating high bits into the low
// bits of each channel.
func RGB565ToRGBA(v uint16) color.RGBA {
	r := uint8(v>>11) & 0x1F
	g := uint8(v>>5) & 0x3F
	b := uint8(v) & 0x1F
	return color.RGBA{R: r<<3 | r>>2, G: g<<2 | g>>4, B: b<<3 | b>>2, A: 0xFF}
}
