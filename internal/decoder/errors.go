package decoder

import (
	"errors"
	"fmt"
)

var (
	ErrNoSession   = errors.New("strip session not started")
	ErrOutOfBounds = errors.New("rectangle out of bounds")
	ErrNoScaleFits = errors.New("out of memory (no scale fits)")
)

// DecodeError is returned when the decompressor or a pixel sink rejects
// input that passed header validation.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.Op, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }
