package display

import (
	"errors"
	"fmt"
)

// Panel is a display driver that accepts addressed pixel writes. Pixels are
// RGB565 in big-endian byte order, two bytes per pixel, filling the current
// window left to right then top to bottom.
type Panel interface {
	Width() int
	Height() int
	StartWrite()
	EndWrite()
	SetWindow(x, y, w, h int) error
	PushPixels(pix []byte) error
}

// Presenter is implemented by panels that draw into a back buffer and need
// an explicit flip after a frame is complete.
type Presenter interface {
	Present() error
}

// ErrWindow is returned for windows outside the panel or writes past the end
// of the window.
var ErrWindow = errors.New("display: write outside window")

func checkWindow(p Panel, x, y, w, h int) error {
	if w <= 0 || h <= 0 || x < 0 || y < 0 || x+w > p.Width() || y+h > p.Height() {
		return fmt.Errorf("%w: %dx%d at (%d,%d) on %dx%d panel", ErrWindow, w, h, x, y, p.Width(), p.Height())
	}
	return nil
}

// Fill paints the whole panel with one RGB565 color, a row at a time.
func Fill(p Panel, color uint16) error {
	w, h := p.Width(), p.Height()
	row := make([]byte, w*2)
	for i := 0; i < len(row); i += 2 {
		row[i] = byte(color >> 8)
		row[i+1] = byte(color)
	}
	p.StartWrite()
	defer p.EndWrite()
	if err := p.SetWindow(0, 0, w, h); err != nil {
		return err
	}
	for range h {
		if err := p.PushPixels(row); err != nil {
			return err
		}
	}
	if pr, ok := p.(Presenter); ok {
		return pr.Present()
	}
	return nil
}
