package jpegcheck

import (
	"encoding/binary"
	"fmt"
)

// JPEG markers used by the header walk.
const (
	markerPrefix = 0xFF
	markerSOI    = 0xD8
	markerEOI    = 0xD9
	markerSOS    = 0xDA
	markerTEM    = 0x01
	markerSOF0   = 0xC0 // baseline
	markerSOF2   = 0xC2 // progressive
	markerRST0   = 0xD0
	markerRST7   = 0xD7
)

// Sampling is a component's horizontal/vertical sampling factor.
type Sampling struct {
	H, V uint8
}

func (s Sampling) String() string { return fmt.Sprintf("%dx%d", s.H, s.V) }

// HeaderInfo is the subset of a JPEG frame header needed to accept or reject
// an image before decoding. When Found is false no other field is meaningful.
type HeaderInfo struct {
	Found       bool
	Progressive bool
	Width       uint16
	Height      uint16
	Components  uint8
	Sampling    [3]Sampling // indexed by component id 1..3
}

// HasMagic reports whether data starts with SOI followed by another marker.
func HasMagic(data []byte) bool {
	return len(data) >= 3 && data[0] == markerPrefix && data[1] == markerSOI && data[2] == markerPrefix
}

// ParseHeader walks the marker segments of data up to start-of-scan and
// extracts the first baseline or progressive frame header.
func ParseHeader(data []byte) (HeaderInfo, error) {
	var info HeaderInfo
	if len(data) < 4 || data[0] != markerPrefix || data[1] != markerSOI {
		return info, newError(ReasonNotJPEG, "Invalid JPEG data (missing SOI marker)")
	}

	i := 2
	for i+4 <= len(data) {
		if data[i] != markerPrefix {
			i++
			continue
		}
		// Fill bytes between segments.
		for i < len(data) && data[i] == markerPrefix {
			i++
		}
		if i >= len(data) {
			break
		}
		marker := data[i]
		i++

		if marker == markerSOI || marker == markerEOI || marker == markerTEM ||
			(marker >= markerRST0 && marker <= markerRST7) {
			continue
		}
		if marker == markerSOS {
			break
		}
		if i+2 > len(data) {
			return info, newError(ReasonTruncated, "Truncated JPEG header")
		}
		segLen := int(binary.BigEndian.Uint16(data[i : i+2]))
		if segLen < 2 || i+segLen > len(data) {
			return info, newError(ReasonTruncated, fmt.Sprintf("Invalid JPEG segment length %d", segLen))
		}

		if marker == markerSOF0 || marker == markerSOF2 {
			if segLen < 8 {
				return info, newError(ReasonTruncated, "Truncated JPEG frame header")
			}
			seg := data[i : i+segLen]
			info.Progressive = marker == markerSOF2
			info.Height = binary.BigEndian.Uint16(seg[3:5])
			info.Width = binary.BigEndian.Uint16(seg[5:7])
			info.Components = seg[7]
			for c := 0; c < int(info.Components); c++ {
				off := 8 + c*3
				if off+2 > len(seg) {
					break
				}
				id := seg[off]
				if id >= 1 && id <= 3 {
					hv := seg[off+1]
					info.Sampling[id-1] = Sampling{H: hv >> 4, V: hv & 0x0F}
				}
			}
			info.Found = true
			return info, nil
		}
		i += segLen
	}
	return info, nil
}
