package display

import (
	"bytes"
	"errors"
	"image/color"
	"image/png"
	"testing"
	"time"

	"golang.org/x/image/draw"
)

func TestFramebufferWindowWrites(t *testing.T) {
	fb := NewFramebuffer(8, 4)
	fb.StartWrite()
	if err := fb.SetWindow(2, 1, 3, 2); err != nil {
		t.Fatalf("SetWindow: %v", err)
	}
	pix := []byte{
		0xF8, 0x00, 0x07, 0xE0, 0x00, 0x1F,
		0xFF, 0xFF, 0x00, 0x00, 0x12, 0x34,
	}
	if err := fb.PushPixels(pix); err != nil {
		t.Fatalf("PushPixels: %v", err)
	}
	fb.EndWrite()

	tests := []struct {
		x, y int
		want uint16
	}{
		{2, 1, 0xF800},
		{3, 1, 0x07E0},
		{4, 1, 0x001F},
		{2, 2, 0xFFFF},
		{4, 2, 0x1234},
		{0, 0, 0},
		{5, 1, 0},
	}
	for _, tt := range tests {
		if got := fb.Pixel(tt.x, tt.y); got != tt.want {
			t.Errorf("Pixel(%d,%d) = %#04x, want %#04x", tt.x, tt.y, got, tt.want)
		}
	}

	if err := fb.PushPixels([]byte{0, 0}); !errors.Is(err, ErrWindow) {
		t.Errorf("push past window: err = %v, want ErrWindow", err)
	}
}

func TestFramebufferRejectsBadWindow(t *testing.T) {
	fb := NewFramebuffer(8, 4)
	tests := []struct {
		name       string
		x, y, w, h int
	}{
		{"too wide", 0, 0, 9, 1},
		{"too tall", 0, 3, 1, 2},
		{"negative", -1, 0, 1, 1},
		{"empty", 0, 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := fb.SetWindow(tt.x, tt.y, tt.w, tt.h); !errors.Is(err, ErrWindow) {
				t.Errorf("err = %v, want ErrWindow", err)
			}
		})
	}
}

func TestFillAndSnapshot(t *testing.T) {
	fb := NewFramebuffer(4, 3)
	if err := Fill(fb, 0xF800); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if got := fb.Pixel(3, 2); got != 0xF800 {
		t.Errorf("Pixel = %#04x, want 0xf800", got)
	}
	c := fb.Image().RGBAAt(1, 1)
	if c.R != 0xFF || c.G != 0 || c.B != 0 {
		t.Errorf("RGBA = %+v, want pure red", c)
	}

	var buf bytes.Buffer
	if err := fb.WritePNG(&buf); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 3 {
		t.Errorf("bounds = %v", b)
	}
}

func TestScreenTimeout(t *testing.T) {
	fb := NewFramebuffer(2, 2)
	Fill(fb, 0xFFFF)
	s := NewScreen(fb)
	now := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return now })

	s.Show(5 * time.Second)
	if s.Expired() {
		t.Fatal("expired immediately")
	}
	now = now.Add(5 * time.Second)
	if !s.Expired() {
		t.Fatal("not expired after timeout")
	}
	if err := s.Hide(); err != nil {
		t.Fatalf("Hide: %v", err)
	}
	if s.Visible() || s.Expired() {
		t.Error("still visible after Hide")
	}
	if fb.Pixel(1, 1) != 0 {
		t.Error("panel not cleared")
	}

	s.Show(0)
	now = now.Add(24 * time.Hour)
	if s.Expired() {
		t.Error("zero timeout expired")
	}
}

func TestRGB565ZoomKeepsPixels(t *testing.T) {
	// Arbitrary 16-bit values, including ones with swapped channel order,
	// must survive the RGBA round trip bit for bit.
	vals := []uint16{0xF800, 0x1234, 0xFFFF, 0x001F}
	src := NewRGB565View(make([]byte, 2*2*2), 2, 2)
	for i, v := range vals {
		src.Pix[2*i], src.Pix[2*i+1] = byte(v>>8), byte(v)
	}
	dst := NewRGB565View(make([]byte, 4*4*2), 4, 4)
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	for y := range 4 {
		for x := range 4 {
			i := dst.PixOffset(x, y)
			got := uint16(dst.Pix[i])<<8 | uint16(dst.Pix[i+1])
			if want := vals[(y/2)*2+x/2]; got != want {
				t.Errorf("(%d,%d) = %#04x, want %#04x", x, y, got, want)
			}
		}
	}
	if c := dst.At(4, 0); c != (color.RGBA{}) {
		t.Errorf("At outside bounds = %v", c)
	}
}
