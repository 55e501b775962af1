package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/ardnew/eiepro/pkg"
)

// OutQueue buffers MIDI bytes bound for the device. It is the session's
// engine.MIDIOutSource.
type OutQueue struct {
	mu   sync.Mutex
	buf  []byte
	head int
	n    int

	dropped atomic.Int64

	// kick tells the output arbiter data is pending. It is called without
	// mu held since the arbiter pulls from the queue synchronously.
	kick func()
}

// NewOutQueue returns a queue holding up to size bytes. kick may be nil.
func NewOutQueue(size int, kick func()) *OutQueue {
	return &OutQueue{buf: make([]byte, size), kick: kick}
}

// Write queues p. Bytes that do not fit are dropped and counted, and
// pkg.ErrNoResources is returned with the count accepted.
func (q *OutQueue) Write(p []byte) (int, error) {
	q.mu.Lock()
	free := len(q.buf) - q.n
	n := min(free, len(p))
	tail := (q.head + q.n) % len(q.buf)
	c := copy(q.buf[tail:], p[:n])
	copy(q.buf, p[c:n])
	q.n += n
	q.mu.Unlock()

	if n > 0 && q.kick != nil {
		q.kick()
	}
	if n < len(p) {
		q.dropped.Add(int64(len(p) - n))
		return n, pkg.ErrNoResources
	}
	return n, nil
}

// Transmit moves up to len(p) queued bytes into p.
func (q *OutQueue) Transmit(p []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(q.n, len(p))
	c := copy(p[:n], q.buf[q.head:])
	copy(p[c:n], q.buf)
	q.head = (q.head + n) % len(q.buf)
	q.n -= n
	return n
}

// Len returns the number of queued bytes.
func (q *OutQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Dropped returns the number of bytes refused because the queue was full.
func (q *OutQueue) Dropped() int64 {
	return q.dropped.Load()
}
