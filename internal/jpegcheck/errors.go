package jpegcheck

// Reason classifies why an image was rejected.
type Reason int

const (
	ReasonNotJPEG Reason = iota + 1
	ReasonTruncated
	ReasonNoFrame
	ReasonProgressive
	ReasonComponents
	ReasonSampling
	ReasonDimensions
)

var reasonNames = map[Reason]string{
	ReasonNotJPEG:     "not-jpeg",
	ReasonTruncated:   "truncated",
	ReasonNoFrame:     "no-frame",
	ReasonProgressive: "progressive",
	ReasonComponents:  "components",
	ReasonSampling:    "sampling",
	ReasonDimensions:  "dimensions",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "unknown"
}

// Error is returned for any image that must not be handed to the decoder.
// These are permanent: retrying the same bytes gives the same answer.
type Error struct {
	Reason Reason
	Msg    string
}

func (e *Error) Error() string { return e.Msg }

func newError(r Reason, msg string) *Error {
	return &Error{Reason: r, Msg: msg}
}
