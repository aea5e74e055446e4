package display

import (
	"image"
	"image/color"
)

// PackRGB565 packs 8-bit channels into 5-6-5 bit fields.
func PackRGB565(r, g, b uint8) uint16 {
	return uint16(r&0xF8)<<8 | uint16(g&0xFC)<<3 | uint16(b>>3)
}

// RGB565 is an image over big-endian RGB565 pixels in panel byte order.
// It lets image/draw style scalers read and write panel-ready buffers
// without an RGBA copy.
type RGB565 struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

// NewRGB565View wraps pix as a w x h image. pix must hold w*h*2 bytes.
func NewRGB565View(pix []byte, w, h int) *RGB565 {
	return &RGB565{Pix: pix, Stride: w * 2, Rect: image.Rect(0, 0, w, h)}
}

func (p *RGB565) ColorModel() color.Model { return color.RGBAModel }

func (p *RGB565) Bounds() image.Rectangle { return p.Rect }

// PixOffset returns the index of the first byte of the pixel at (x, y).
func (p *RGB565) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*2
}

func (p *RGB565) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	return RGB565ToRGBA(uint16(p.Pix[i])<<8 | uint16(p.Pix[i+1]))
}

func (p *RGB565) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(p.Rect)) {
		return
	}
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	v := PackRGB565(rgba.R, rgba.G, rgba.B)
	i := p.PixOffset(x, y)
	p.Pix[i], p.Pix[i+1] = byte(v>>8), byte(v)
}
