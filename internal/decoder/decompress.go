package decoder

import (
	"errors"
	"image"

	"github.com/gen2brain/jpegn"
	"golang.org/x/image/draw"

	"github.com/mzyy94/stripview/internal/jpegcheck"
	"github.com/mzyy94/stripview/internal/memory"
)

// bandRows is the tallest rectangle pushed to a sink: one MCU row of a
// 2x2-subsampled image.
const bandRows = 16

// MaxScale is the coarsest downscale step: 1/(1<<MaxScale).
const MaxScale = 3

var errNoFrame = errors.New("missing frame header")

func ceilDiv(n, d int) int { return (n + d - 1) / d }

// prepare reads the frame header the decompressor will size itself from.
func prepare(data []byte) (jpegcheck.HeaderInfo, error) {
	info, err := jpegcheck.ParseHeader(data)
	if err != nil {
		return info, &DecodeError{Op: "prepare", Err: err}
	}
	if !info.Found || info.Width == 0 || info.Height == 0 {
		return info, &DecodeError{Op: "prepare", Err: errNoFrame}
	}
	return info, nil
}

// decodeScratch returns the bytes jpegn holds while decoding: its copy of
// the input plus one MCU-padded plane per component.
func decodeScratch(info jpegcheck.HeaderInfo, inputLen int) int {
	w, h := int(info.Width), int(info.Height)
	n := min(max(int(info.Components), 1), len(info.Sampling))
	hmax, vmax := 1, 1
	for _, s := range info.Sampling[:n] {
		hmax = max(hmax, int(s.H))
		vmax = max(vmax, int(s.V))
	}
	mbW, mbH := ceilDiv(w, hmax*8), ceilDiv(h, vmax*8)

	total := inputLen
	for _, s := range info.Sampling[:n] {
		sx, sy := max(int(s.H), 1), max(int(s.V), 1)
		total += mbW * sx * 8 * mbH * sy * 8
	}
	return total
}

// decompress pulls src through the JPEG decompressor, optionally downscales
// by div, and pushes the result to sink in bands of at most bandRows rows.
// The decompressor's planes and every band buffer are reserved through res
// first, so a decode that would not fit fails before allocating.
// It returns the output dimensions.
func decompress(src Source, info jpegcheck.HeaderInfo, div int, res Reserver, sink Sink) (int, int, error) {
	inputLen := 0
	if l, ok := src.(interface{ Len() int }); ok {
		inputLen = l.Len()
	}
	work, err := res.TryReserve(decodeScratch(info, inputLen), memory.PurposeDecode)
	if err != nil {
		return 0, 0, &DecodeError{Op: "scratch", Err: err}
	}
	defer work.Release()

	w, h := ceilDiv(int(info.Width), div), ceilDiv(int(info.Height), div)
	band, err := res.TryReserve(w*bandRows*3, memory.PurposeDecode)
	if err != nil {
		return 0, 0, &DecodeError{Op: "scratch", Err: err}
	}
	defer band.Release()
	var scaled *memory.Buffer
	if div > 1 {
		if scaled, err = res.TryReserve(w*bandRows*4, memory.PurposeDecode); err != nil {
			return 0, 0, &DecodeError{Op: "scratch", Err: err}
		}
		defer scaled.Release()
	}

	// Native YCbCr or Gray planes; RGB conversion happens per band.
	img, err := jpegn.Decode(sourceReader{src})
	if err != nil {
		return 0, 0, &DecodeError{Op: "decompress", Err: err}
	}
	b := img.Bounds()
	if div == 1 && (b.Dx() != w || b.Dy() != h) {
		return 0, 0, &DecodeError{Op: "decompress", Err: errNoFrame}
	}

	rgb := band.Bytes()
	for y := 0; y < h; y += bandRows {
		r := image.Rect(0, y, w, min(y+bandRows, h))
		n := r.Dx() * r.Dy() * 3
		if scaled != nil {
			// Scale clips to the band, so each band maps from the whole source.
			dst := &image.RGBA{Pix: scaled.Bytes()[:r.Dx()*r.Dy()*4], Stride: w * 4, Rect: r}
			draw.ApproxBiLinear.Scale(dst, image.Rect(0, 0, w, h), img, b, draw.Src, nil)
			copyRGB(rgb[:n], dst, r)
		} else {
			copyRGB(rgb[:n], img, r.Add(b.Min))
		}
		if err := sink.WriteRows(r, rgb[:n]); err != nil {
			return 0, 0, &DecodeError{Op: "output", Err: err}
		}
	}
	return w, h, nil
}
