package pending

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mzyy94/stripview/internal/memory"
)

func newBuffer(t *testing.T, arb *memory.Arbitrator) *memory.Buffer {
	t.Helper()
	buf, err := arb.TryReserve(64, memory.PurposeUpload)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	return buf
}

func TestQueueSupersession(t *testing.T) {
	arb := memory.NewArbitrator(memory.NewPool("fast", 4096), nil, memory.Policy{})
	q := NewQueue()

	var aErr []error
	a := ShowFullImage(newBuffer(t, arb), time.Second)
	a.OnDone = func(err error) { aErr = append(aErr, err) }
	b := ShowFullImage(newBuffer(t, arb), time.Second)

	v1 := q.Publish(a)
	v2 := q.Publish(b)
	if v2 != v1+1 {
		t.Errorf("version = %d, want %d", v2, v1+1)
	}
	if !a.Buffer.Released() {
		t.Error("superseded buffer not freed")
	}
	if len(aErr) != 1 || !errors.Is(aErr[0], ErrSuperseded) {
		t.Errorf("OnDone calls = %v, want one ErrSuperseded", aErr)
	}

	op, v, ok := q.Take(0)
	if !ok || op != b || v != v2 {
		t.Fatalf("Take = %v, %d, %v; want b, %d, true", op, v, ok, v2)
	}
	if _, _, ok := q.Take(v); ok {
		t.Error("second Take returned work")
	}

	op.Finish(nil)
	a.Finish(nil) // already finished
	if len(aErr) != 1 {
		t.Errorf("OnDone ran %d times", len(aErr))
	}
	st := arb.Stats()
	if st.Allocs != 2 || st.Frees != 2 {
		t.Errorf("Stats = %+v, want 2 allocs and 2 frees", st)
	}
	if qs := q.Stats(); qs.Dropped != 1 || qs.Published != 2 || qs.Pending {
		t.Errorf("queue Stats = %+v", qs)
	}
}

func TestQueueTakeRequiresNewVersion(t *testing.T) {
	q := NewQueue()
	if _, _, ok := q.Take(q.Version()); ok {
		t.Fatal("empty queue returned work")
	}
	v := q.Publish(Dismiss())
	if _, _, ok := q.Take(v); ok {
		t.Error("Take with current version returned work")
	}
	op, _, ok := q.Take(v - 1)
	if !ok || op.Kind != KindDismiss {
		t.Errorf("Take = %v, %v", op, ok)
	}
}

func TestQueueDrain(t *testing.T) {
	arb := memory.NewArbitrator(memory.NewPool("fast", 4096), nil, memory.Policy{})
	q := NewQueue()
	var got error
	op := ShowStrip(newBuffer(t, arb), Strip{Index: 0, Count: 2, Width: 8, Height: 8}, time.Second)
	op.OnDone = func(err error) { got = err }
	q.Publish(op)

	stop := errors.New("stopping")
	q.Drain(stop)
	if !errors.Is(got, stop) {
		t.Errorf("OnDone err = %v, want %v", got, stop)
	}
	if arb.Stats().LiveBytes != 0 {
		t.Error("buffer leaked")
	}
}

func TestQueueConcurrentPublish(t *testing.T) {
	arb := memory.NewArbitrator(memory.NewPool("fast", 64*1024), nil, memory.Policy{})
	q := NewQueue()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				buf, err := arb.TryReserve(64, memory.PurposeUpload)
				if err != nil {
					continue
				}
				q.Publish(ShowFullImage(buf, 0))
			}
		}()
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var seen uint64
		for {
			if op, v, ok := q.Take(seen); ok {
				seen = v
				op.Finish(nil)
			}
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-done
	q.Drain(nil)

	st := arb.Stats()
	if st.Allocs != st.Frees {
		t.Errorf("allocs = %d, frees = %d", st.Allocs, st.Frees)
	}
}

func TestStripLast(t *testing.T) {
	tests := []struct {
		s    Strip
		want bool
	}{
		{Strip{Index: 0, Count: 4}, false},
		{Strip{Index: 3, Count: 4}, true},
		{Strip{Index: 0, Count: 1}, true},
	}
	for _, tt := range tests {
		if got := tt.s.Last(); got != tt.want {
			t.Errorf("%+v.Last() = %v, want %v", tt.s, got, tt.want)
		}
	}
}
