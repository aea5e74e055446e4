package decoder

import (
	"image"
	"io"
)

// Source feeds compressed bytes to the decompressor. Read copies up to
// len(p) bytes and returns 0 once the data is exhausted.
type Source interface {
	Read(p []byte) int
}

// Sink receives decoded pixels. rgb holds r.Dx()*r.Dy() RGB888 pixels,
// row-major, for the rectangle r in output image coordinates.
type Sink interface {
	WriteRows(r image.Rectangle, rgb []byte) error
}

type memSource struct {
	data []byte
	pos  int
}

func newMemSource(data []byte) *memSource {
	return &memSource{data: data}
}

func (s *memSource) Read(p []byte) int {
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n
}

// Len lets the decompressor size its input buffer up front.
func (s *memSource) Len() int { return len(s.data) - s.pos }

// sourceReader adapts a Source to io.Reader.
type sourceReader struct {
	src Source
}

func (r sourceReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if n := r.src.Read(p); n > 0 {
		return n, nil
	}
	return 0, io.EOF
}

func (r sourceReader) Len() int {
	if l, ok := r.src.(interface{ Len() int }); ok {
		return l.Len()
	}
	return 0
}
