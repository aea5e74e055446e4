package jpegcheck

import "fmt"

// ValidateFull checks that data is a supported baseline JPEG of exactly
// width x height pixels.
func ValidateFull(data []byte, width, height int) error {
	info, err := checkFormat(data)
	if err != nil {
		return err
	}
	if int(info.Width) != width || int(info.Height) != height {
		return newError(ReasonDimensions, fmt.Sprintf(
			"Unsupported JPEG dimensions: got %dx%d, expected %dx%d",
			info.Width, info.Height, width, height))
	}
	return nil
}

// ValidateFragment checks a horizontal strip of a larger image. The width
// must match exactly and the height may not exceed maxHeight or the
// physical panel height.
func ValidateFragment(data []byte, width, maxHeight, panelHeight int) error {
	info, err := checkFormat(data)
	if err != nil {
		return err
	}
	if int(info.Width) != width {
		return newError(ReasonDimensions, fmt.Sprintf(
			"Unsupported JPEG fragment width: got %d, expected %d", info.Width, width))
	}
	limit := min(maxHeight, panelHeight)
	if info.Height == 0 || int(info.Height) > limit {
		return newError(ReasonDimensions, fmt.Sprintf(
			"Unsupported JPEG fragment height: got %d (max %d)", info.Height, limit))
	}
	return nil
}

func checkFormat(data []byte) (HeaderInfo, error) {
	info, err := ParseHeader(data)
	if err != nil {
		return info, err
	}
	if !info.Found {
		return info, newError(ReasonNoFrame, "Invalid JPEG header (missing SOF marker)")
	}
	if info.Progressive {
		return info, newError(ReasonProgressive, "Unsupported JPEG: progressive encoding (use baseline JPEG)")
	}
	switch info.Components {
	case 1:
		return info, nil
	case 3:
	default:
		return info, newError(ReasonComponents, fmt.Sprintf(
			"Unsupported JPEG: expected 1 (grayscale) or 3 components, got %d", info.Components))
	}

	y, cb, cr := info.Sampling[0], info.Sampling[1], info.Sampling[2]
	one := Sampling{1, 1}
	if cb != one || cr != one {
		return info, newError(ReasonSampling, fmt.Sprintf(
			"Unsupported JPEG: Cb/Cr must be 1x1 (got Cb %s, Cr %s)", cb, cr))
	}
	switch y {
	case Sampling{1, 1}, Sampling{2, 1}, Sampling{2, 2}:
	default:
		return info, newError(ReasonSampling, fmt.Sprintf(
			"Unsupported JPEG: Y must be 1x1, 2x1, or 2x2 (got %s)", y))
	}
	return info, nil
}

// ValidateFormat checks encoding, components and sampling without any
// dimension constraint.
func ValidateFormat(data []byte) error {
	_, err := checkFormat(data)
	return err
}

// CheckMagic rejects data that does not start like a JPEG file.
func CheckMagic(data []byte) error {
	if !HasMagic(data) {
		return newError(ReasonNotJPEG, "Invalid JPEG data")
	}
	return nil
}
