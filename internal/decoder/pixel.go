package decoder

import (
	"image"
	"image/color"

	"github.com/mzyy94/stripview/internal/display"
)

// PackRGB565 packs 8-bit channels into 5-6-5 bit fields. With bgr set the
// red and blue fields trade places for panels wired in BGR order.
func PackRGB565(r, g, b uint8, bgr bool) uint16 {
	if bgr {
		r, b = b, r
	}
	return display.PackRGB565(r, g, b)
}

// packRows converts tightly packed RGB888 into big-endian RGB565.
func packRows(dst, rgb []byte, bgr bool) {
	for i, j := 0, 0; j+2 < len(rgb) && i+1 < len(dst); i, j = i+2, j+3 {
		v := PackRGB565(rgb[j], rgb[j+1], rgb[j+2], bgr)
		dst[i] = byte(v >> 8)
		dst[i+1] = byte(v)
	}
}

// copyRGB writes the pixels of r from img into dst as RGB888.
func copyRGB(dst []byte, img image.Image, r image.Rectangle) {
	i := 0
	switch m := img.(type) {
	case *image.RGBA:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := m.Pix[m.PixOffset(r.Min.X, y):]
			for x := 0; x < r.Dx(); x++ {
				dst[i], dst[i+1], dst[i+2] = row[4*x], row[4*x+1], row[4*x+2]
				i += 3
			}
		}
	case *image.Gray:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			row := m.Pix[m.PixOffset(r.Min.X, y):]
			for x := 0; x < r.Dx(); x++ {
				dst[i], dst[i+1], dst[i+2] = row[x], row[x], row[x]
				i += 3
			}
		}
	case *image.YCbCr:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				yi, ci := m.YOffset(x, y), m.COffset(x, y)
				dst[i], dst[i+1], dst[i+2] = color.YCbCrToRGB(m.Y[yi], m.Cb[ci], m.Cr[ci])
				i += 3
			}
		}
	default:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
				dst[i], dst[i+1], dst[i+2] = c.R, c.G, c.B
				i += 3
			}
		}
	}
}
