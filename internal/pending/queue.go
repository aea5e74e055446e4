package pending

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrSuperseded is reported to an op replaced by a newer one before the
// consumer took it.
var ErrSuperseded = errors.New("superseded by a newer operation")

// Stats counts queue traffic.
type Stats struct {
	Version   uint64 `json:"version"`
	Pending   bool   `json:"pending"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Queue is a single-slot mailbox between the HTTP handlers and the display
// consumer. The newest op wins; an unconsumed older op is finished with
// ErrSuperseded. The version increments on every publish so the consumer
// can poll for new work.
type Queue struct {
	mu        sync.Mutex
	slot      *Op
	version   uint64
	published uint64
	dropped   uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Publish places op in the slot and returns the new version.
func (q *Queue) Publish(op *Op) uint64 {
	q.mu.Lock()
	old := q.slot
	q.slot = op
	q.version++
	q.published++
	if old != nil {
		q.dropped++
	}
	v := q.version
	q.mu.Unlock()

	// Callbacks run outside the lock; they may take session locks.
	if old != nil {
		slog.Warn("pending operation superseded", "old", old.Kind, "new", op.Kind)
		old.Finish(ErrSuperseded)
	}
	slog.Debug("operation published", "kind", op.Kind, "version", v)
	return v
}

// Version returns the current version.
func (q *Queue) Version() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.version
}

// Take removes the op if the version moved past seen. It returns the op,
// the version observed and whether there was work. The caller owns the
// returned op and must Finish it.
func (q *Queue) Take(seen uint64) (*Op, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.version == seen || q.slot == nil {
		return nil, q.version, false
	}
	op := q.slot
	q.slot = nil
	return op, q.version, true
}

// Drain finishes any unconsumed op with err.
func (q *Queue) Drain(err error) {
	q.mu.Lock()
	op := q.slot
	q.slot = nil
	q.mu.Unlock()
	if op != nil {
		op.Finish(err)
	}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Version:   q.version,
		Pending:   q.slot != nil,
		Published: q.published,
		Dropped:   q.dropped,
	}
}
