package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ardnew/eiepro/pkg"
)

// InSlotBytes is the size of one InSink slot. Longer receives span
// several slots.
const InSlotBytes = 64

// InSink receives MIDI bytes relayed from the device. Receive copies them
// into preallocated slots and Run reassembles messages and forwards them.
// It is the session's engine.MIDIInSink.
type InSink struct {
	mu    sync.Mutex
	slots []byte // depth slots of InSlotBytes
	lens  []int
	head  int
	n     int

	ready   chan struct{}
	dropped atomic.Int64
}

// NewInSink returns a sink with depth slots.
func NewInSink(depth int) *InSink {
	return &InSink{
		slots: make([]byte, depth*InSlotBytes),
		lens:  make([]int, depth),
		ready: make(chan struct{}, 1),
	}
}

// Receive copies p into free slots without allocating. Bytes that do not
// fit are dropped and counted.
func (s *InSink) Receive(p []byte) {
	if len(p) == 0 {
		return
	}
	depth := len(s.lens)

	s.mu.Lock()
	for len(p) > 0 && s.n < depth {
		i := (s.head + s.n) % depth
		c := copy(s.slots[i*InSlotBytes:(i+1)*InSlotBytes], p)
		s.lens[i] = c
		s.n++
		p = p[c:]
	}
	s.mu.Unlock()

	if len(p) > 0 {
		s.dropped.Add(int64(len(p)))
	}
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// next copies the oldest slot into dst and reports its length, or false
// when the sink is empty.
func (s *InSink) next(dst []byte) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return 0, false
	}
	i := s.head
	c := copy(dst, s.slots[i*InSlotBytes:i*InSlotBytes+s.lens[i]])
	s.head = (s.head + 1) % len(s.lens)
	s.n--
	return c, true
}

// Dropped returns the number of bytes dropped by Receive.
func (s *InSink) Dropped() int64 {
	return s.dropped.Load()
}

// Run forwards complete messages to send until ctx ends. Send failures
// are logged and do not stop forwarding.
func (s *InSink) Run(ctx context.Context, send func(msg []byte) error) error {
	var (
		asm  Assembler
		buf  [InSlotBytes]byte
		emit = func(msg []byte) {
			if err := send(msg); err != nil {
				pkg.LogWarn(pkg.ComponentBridge, "forwarding MIDI input", "error", err)
			}
		}
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ready:
		}
		for {
			n, ok := s.next(buf[:])
			if !ok {
				break
			}
			asm.Feed(buf[:n], emit)
		}
	}
}
