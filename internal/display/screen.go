package display

import (
	"log/slog"
	"sync"
	"time"
)

// Screen tracks whether an uploaded image is on the panel and when it
// should be taken down. A zero timeout keeps the image up until dismissed.
type Screen struct {
	panel Panel
	now   func() time.Time

	mu      sync.Mutex
	visible bool
	shownAt time.Time
	timeout time.Duration
}

// ScreenStatus is a snapshot of the screen state.
type ScreenStatus struct {
	Visible   bool   `json:"visible"`
	TimeoutMs int64  `json:"timeoutMs"`
	ShownAt   string `json:"shownAt,omitempty"`
}

// NewScreen creates a hidden screen for panel.
func NewScreen(panel Panel) *Screen {
	return &Screen{panel: panel, now: time.Now}
}

// SetClock replaces the time source.
func (s *Screen) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Show marks the image as visible from now on.
func (s *Screen) Show(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = true
	s.shownAt = s.now()
	s.timeout = timeout
}

// Visible reports whether an image is shown.
func (s *Screen) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Expired reports whether a visible image has outlived its timeout.
func (s *Screen) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible && s.timeout > 0 && s.now().Sub(s.shownAt) >= s.timeout
}

// Hide clears the panel to black.
func (s *Screen) Hide() error {
	s.mu.Lock()
	s.visible = false
	s.mu.Unlock()
	if err := Fill(s.panel, 0); err != nil {
		slog.Warn("screen clear failed", "err", err)
		return err
	}
	return nil
}

// Status returns a snapshot.
func (s *Screen) Status() ScreenStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ScreenStatus{Visible: s.visible, TimeoutMs: s.timeout.Milliseconds()}
	if s.visible {
		st.ShownAt = s.shownAt.UTC().Format(time.RFC3339)
	}
	return st
}
