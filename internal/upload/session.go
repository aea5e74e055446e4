package upload

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mzyy94/stripview/internal/memory"
)

// Kind identifies which upload path a session serves. Each kind has its own
// session so a strip upload never blocks a URL request and vice versa.
type Kind int

const (
	KindFull Kind = iota + 1
	KindStrip
	KindURLBody
)

func (k Kind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindStrip:
		return "strip"
	case KindURLBody:
		return "url-body"
	}
	return "unknown"
}

func (k Kind) purpose() memory.Purpose {
	switch k {
	case KindStrip:
		return memory.PurposeStrip
	case KindURLBody:
		return memory.PurposeURLBody
	}
	return memory.PurposeUpload
}

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateInProgress
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in-progress"
	case StateReady:
		return "ready"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrBusy          = errors.New("upload busy")
	ErrTooLarge      = errors.New("image too large")
	ErrNotInProgress = errors.New("no upload in progress")
	ErrOverflow      = errors.New("upload overflow")
	ErrGap           = errors.New("upload chunk out of order")
	ErrShortBody     = errors.New("incomplete upload")
	ErrStale         = errors.New("upload superseded by a newer session")
)

// Reserver hands out owned buffers. *memory.Arbitrator implements it.
type Reserver interface {
	TryReserve(size int, purpose memory.Purpose) (*memory.Buffer, error)
}

// Status is a snapshot of a session for reporting.
type Status struct {
	Kind      string    `json:"kind"`
	State     State     `json:"state"`
	ID        string    `json:"id,omitempty"`
	Received  int       `json:"received"`
	Total     int       `json:"total"`
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// Session reassembles one chunked body into an owned buffer.
//
// Idle -> InProgress on Start, InProgress -> Ready on a successful Finish,
// Ready -> Idle on Complete. Abort and Reap take InProgress back to Idle and
// free the buffer.
type Session struct {
	kind Kind
	res  Reserver
	now  func() time.Time

	mu           sync.Mutex
	state        State
	id           string
	buf          *memory.Buffer
	received     int
	total        int
	startedAt    time.Time
	lastActivity time.Time
	timeout      time.Duration
}

// NewSession creates an idle session of the given kind.
func NewSession(kind Kind, res Reserver) *Session {
	return &Session{kind: kind, res: res, now: time.Now}
}

// SetClock replaces the time source.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Kind returns the session kind.
func (s *Session) Kind() Kind { return s.kind }

// Start admits an upload of total bytes and reserves its buffer. limit is
// the size ceiling for this kind (0 for none). It returns the upload id.
func (s *Session) Start(total, limit int, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return "", ErrBusy
	}
	if total <= 0 {
		return "", fmt.Errorf("%w: empty body", ErrShortBody)
	}
	if limit > 0 && total > limit {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, total, limit)
	}
	buf, err := s.res.TryReserve(total, s.kind.purpose())
	if err != nil {
		return "", err
	}

	now := s.now()
	s.state = StateInProgress
	s.id = uuid.NewString()
	s.buf = buf
	s.received = 0
	s.total = total
	s.startedAt = now
	s.lastActivity = now
	s.timeout = timeout
	slog.Debug("upload started", "kind", s.kind, "id", s.id, "total", total, "region", buf.Region())
	return s.id, nil
}

// checkOwnerLocked reports whether id still names the in-progress upload.
// A handler that outlived a reap must not touch its successor.
func (s *Session) checkOwnerLocked(id string) error {
	if s.state != StateInProgress {
		if id != "" && s.id != id {
			return fmt.Errorf("%w: %s", ErrStale, id)
		}
		return ErrNotInProgress
	}
	if s.id != id {
		return fmt.Errorf("%w: %s is not %s", ErrStale, id, s.id)
	}
	return nil
}

// Append copies p into the buffer at offset for the upload id. Chunks must
// not leave a gap; resending an already received range is harmless.
func (s *Session) Append(id string, offset int, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOwnerLocked(id); err != nil {
		return err
	}
	if offset < 0 || offset+len(p) > s.total {
		return fmt.Errorf("%w: %d+%d exceeds %d", ErrOverflow, offset, len(p), s.total)
	}
	if offset > s.received {
		return fmt.Errorf("%w: offset %d, received %d", ErrGap, offset, s.received)
	}
	copy(s.buf.Bytes()[offset:], p)
	s.received = max(s.received, offset+len(p))
	s.lastActivity = s.now()
	return nil
}

// Finish validates the complete body of upload id and hands the buffer to
// the caller, which becomes its owner. On any failure the buffer is freed and
// the session returns to Idle. A stale id leaves the session untouched.
func (s *Session) Finish(id string, validate func([]byte) error) (*memory.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOwnerLocked(id); err != nil {
		return nil, err
	}
	if s.received != s.total {
		err := fmt.Errorf("%w: received %d of %d bytes", ErrShortBody, s.received, s.total)
		s.resetLocked(true)
		return nil, err
	}
	if validate != nil {
		if err := validate(s.buf.Bytes()); err != nil {
			slog.Warn("upload rejected", "kind", s.kind, "id", s.id, "err", err)
			s.resetLocked(true)
			return nil, err
		}
	}
	buf := s.buf
	s.buf = nil
	s.state = StateReady
	slog.Debug("upload ready", "kind", s.kind, "id", s.id, "bytes", s.total)
	return buf, nil
}

// Complete is called once the consumer is done with the upload's work. The
// buffer already belongs to the consumer, so only metadata is reset.
func (s *Session) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		slog.Debug("upload complete ignored", "kind", s.kind, "state", s.state)
		return
	}
	s.resetLocked(false)
}

// Abort drops the in-progress upload id and frees its buffer. It does
// nothing if id is no longer the current upload.
func (s *Session) Abort(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInProgress || s.id != id {
		return
	}
	slog.Debug("upload aborted", "kind", s.kind, "id", s.id, "received", s.received, "total", s.total)
	s.resetLocked(true)
}

// Reap frees an in-progress upload whose client has gone quiet. Full
// uploads expire timeout+grace after they started; strip and URL bodies
// expire grace after their last chunk.
func (s *Session) Reap(grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInProgress {
		return false
	}
	now := s.now()
	var elapsed, limit time.Duration
	if s.kind == KindFull {
		elapsed, limit = now.Sub(s.startedAt), s.timeout+grace
	} else {
		elapsed, limit = now.Sub(s.lastActivity), grace
	}
	if elapsed <= limit {
		return false
	}
	slog.Warn("upload timed out, freeing buffer",
		"kind", s.kind, "id", s.id, "received", s.received, "total", s.total, "elapsed", elapsed)
	s.resetLocked(true)
	return true
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Kind:      s.kind.String(),
		State:     s.state,
		ID:        s.id,
		Received:  s.received,
		Total:     s.total,
		StartedAt: s.startedAt,
	}
}

func (s *Session) resetLocked(free bool) {
	if free && s.buf != nil {
		s.buf.Release()
	}
	s.buf = nil
	s.state = StateIdle
	s.id = ""
	s.received = 0
	s.total = 0
	s.startedAt = time.Time{}
	s.lastActivity = time.Time{}
	s.timeout = 0
}
