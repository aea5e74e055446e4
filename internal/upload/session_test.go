package upload

import (
	"errors"
	"testing"
	"time"

	"github.com/mzyy94/stripview/internal/memory"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSession(t *testing.T, kind Kind) (*Session, *memory.Arbitrator, *fakeClock) {
	t.Helper()
	arb := memory.NewArbitrator(memory.NewPool("fast", 256*1024), nil, memory.Policy{})
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewSession(kind, arb)
	s.SetClock(clk.Now)
	return s, arb, clk
}

func checkBalanced(t *testing.T, arb *memory.Arbitrator) {
	t.Helper()
	st := arb.Stats()
	if st.Allocs != st.Frees {
		t.Errorf("allocs = %d, frees = %d", st.Allocs, st.Frees)
	}
	if st.LiveBytes != 0 {
		t.Errorf("LiveBytes = %d, want 0", st.LiveBytes)
	}
}

func TestSessionHappyPath(t *testing.T) {
	s, arb, _ := newTestSession(t, KindFull)
	id, err := s.Start(10, 100, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id == "" {
		t.Error("empty upload id")
	}
	if err := s.Append(id, 0, []byte("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(id, 5, []byte("world")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	buf, err := s.Finish(id, nil)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if string(buf.Bytes()) != "helloworld" {
		t.Errorf("body = %q", buf.Bytes())
	}
	if got := s.Status().State; got != StateReady {
		t.Errorf("State = %v, want ready", got)
	}

	buf.Release()
	s.Complete()
	st := s.Status()
	if st.State != StateIdle || st.Received != 0 || st.Total != 0 {
		t.Errorf("Status after Complete = %+v", st)
	}
	checkBalanced(t, arb)
}

func TestSessionExclusivity(t *testing.T) {
	s, arb, _ := newTestSession(t, KindStrip)
	id, err := s.Start(8, 0, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Start(8, 0, time.Second); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start while in progress: err = %v, want ErrBusy", err)
	}
	s.Append(id, 0, make([]byte, 8))
	buf, err := s.Finish(id, nil)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := s.Start(8, 0, time.Second); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start while ready: err = %v, want ErrBusy", err)
	}
	if got := arb.Stats().Allocs; got != 1 {
		t.Errorf("Allocs = %d, want 1", got)
	}
	buf.Release()
	s.Complete()
	checkBalanced(t, arb)
}

func TestSessionStartRejects(t *testing.T) {
	s, arb, _ := newTestSession(t, KindFull)
	if _, err := s.Start(101, 100, time.Second); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
	if _, err := s.Start(0, 100, time.Second); !errors.Is(err, ErrShortBody) {
		t.Errorf("err = %v, want ErrShortBody", err)
	}
	_, err := s.Start(512*1024, 0, time.Second)
	var ime *memory.InsufficientMemoryError
	if !errors.As(err, &ime) {
		t.Errorf("err = %v, want InsufficientMemoryError", err)
	}
	if s.Status().State != StateIdle {
		t.Error("session left non-idle after rejection")
	}
	if got := arb.Stats().Allocs; got != 0 {
		t.Errorf("Allocs = %d, want 0", got)
	}
}

func TestSessionAppendBounds(t *testing.T) {
	tests := []struct {
		name   string
		offset int
		data   string
		want   error
	}{
		{"overflow", 6, "abcde", ErrOverflow},
		{"negative", -1, "a", ErrOverflow},
		{"gap", 4, "a", ErrGap},
		{"retransmit", 0, "ab", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, arb, _ := newTestSession(t, KindFull)
			id, _ := s.Start(10, 0, time.Second)
			s.Append(id, 0, []byte("abc"))
			err := s.Append(id, tt.offset, []byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if got := s.Status().Received; got != 3 {
				t.Errorf("Received = %d, want 3", got)
			}
			s.Abort(id)
			checkBalanced(t, arb)
		})
	}
}

func TestSessionAppendWhenIdle(t *testing.T) {
	s, _, _ := newTestSession(t, KindFull)
	if err := s.Append("", 0, []byte("x")); !errors.Is(err, ErrNotInProgress) {
		t.Errorf("err = %v, want ErrNotInProgress", err)
	}
	if _, err := s.Finish("", nil); !errors.Is(err, ErrNotInProgress) {
		t.Errorf("err = %v, want ErrNotInProgress", err)
	}
}

func TestSessionFinishFailuresFree(t *testing.T) {
	invalid := errors.New("bad image")
	tests := []struct {
		name     string
		body     string
		validate func([]byte) error
		want     error
	}{
		{"short body", "abc", nil, ErrShortBody},
		{"validation", "abcdef", func([]byte) error { return invalid }, invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, arb, _ := newTestSession(t, KindFull)
			id, _ := s.Start(6, 0, time.Second)
			s.Append(id, 0, []byte(tt.body))
			buf, err := s.Finish(id, tt.validate)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if buf != nil {
				t.Error("buffer returned on failure")
			}
			if s.Status().State != StateIdle {
				t.Error("session not idle")
			}
			checkBalanced(t, arb)
		})
	}
}

func TestSessionStuckUploadReaped(t *testing.T) {
	const grace = 3 * time.Second
	timeout := 10 * time.Second
	s, arb, clk := newTestSession(t, KindFull)

	id, err := s.Start(1000, 0, timeout)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Append(id, 0, make([]byte, 500))

	clk.Advance(timeout + grace)
	if s.Reap(grace) {
		t.Fatal("reaped at exactly timeout+grace")
	}
	clk.Advance(time.Millisecond)
	if !s.Reap(grace) {
		t.Fatal("not reaped after timeout+grace")
	}
	st := s.Status()
	if st.State != StateIdle || st.Received != 0 {
		t.Errorf("Status = %+v, want idle with zero received", st)
	}
	checkBalanced(t, arb)
}

func TestSessionStripReapedOnInactivity(t *testing.T) {
	const grace = 3 * time.Second
	s, arb, clk := newTestSession(t, KindStrip)
	id, _ := s.Start(100, 0, time.Hour)
	clk.Advance(2 * time.Second)
	s.Append(id, 0, make([]byte, 10))
	clk.Advance(2 * time.Second)
	if s.Reap(grace) {
		t.Fatal("reaped while chunks still arriving")
	}
	clk.Advance(2 * time.Second)
	if !s.Reap(grace) {
		t.Fatal("not reaped after inactivity")
	}
	checkBalanced(t, arb)
}

func TestSessionReadyNotReaped(t *testing.T) {
	s, arb, clk := newTestSession(t, KindFull)
	id, _ := s.Start(4, 0, time.Second)
	s.Append(id, 0, []byte("abcd"))
	buf, _ := s.Finish(id, nil)
	clk.Advance(time.Hour)
	if s.Reap(time.Second) {
		t.Error("ready session reaped")
	}
	s.Abort(id)
	if s.Status().State != StateReady {
		t.Error("Abort changed a ready session")
	}
	buf.Release()
	s.Complete()
	checkBalanced(t, arb)
}

func TestSessionStaleHandlerAfterReap(t *testing.T) {
	const grace = 3 * time.Second
	s, arb, clk := newTestSession(t, KindFull)

	stale, err := s.Start(8, 0, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Append(stale, 0, []byte("old!"))
	clk.Advance(time.Second + grace + time.Millisecond)
	if !s.Reap(grace) {
		t.Fatal("not reaped")
	}

	// The stale id is rejected even before a new upload arrives.
	if err := s.Append(stale, 4, []byte("old!")); !errors.Is(err, ErrStale) {
		t.Errorf("Append on reaped session: err = %v, want ErrStale", err)
	}

	fresh, err := s.Start(8, 0, time.Second)
	if err != nil {
		t.Fatalf("Start after reap: %v", err)
	}
	if fresh == stale {
		t.Fatal("upload id reused")
	}
	if err := s.Append(fresh, 0, []byte("new!")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	tests := []struct {
		name string
		call func() error
	}{
		{"append", func() error { return s.Append(stale, 0, []byte("XXXX")) }},
		{"append past", func() error { return s.Append(stale, 4, []byte("XXXX")) }},
		{"finish", func() error { _, err := s.Finish(stale, nil); return err }},
	}
	for _, tt := range tests {
		if err := tt.call(); !errors.Is(err, ErrStale) {
			t.Errorf("%s: err = %v, want ErrStale", tt.name, err)
		}
	}
	s.Abort(stale)

	st := s.Status()
	if st.State != StateInProgress || st.ID != fresh || st.Received != 4 {
		t.Fatalf("Status after stale calls = %+v", st)
	}
	if err := s.Append(fresh, 4, []byte("data")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	buf, err := s.Finish(fresh, nil)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if string(buf.Bytes()) != "new!data" {
		t.Errorf("body = %q, want new!data", buf.Bytes())
	}
	buf.Release()
	s.Complete()
	checkBalanced(t, arb)
}
