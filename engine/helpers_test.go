package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/host/hal/sim"
	"github.com/ardnew/eiepro/pkg"
)

// =============================================================================
// Fake Substream
// =============================================================================

type fakeSubstream struct {
	mu       sync.Mutex
	buf      []byte
	frames   int
	period   int
	rate     int
	channels int

	delay   int
	periods int
	errors  int
}

var _ Substream = (*fakeSubstream)(nil)

func newFakeSubstream(frameBytes, frames, period, rate int) *fakeSubstream {
	return &fakeSubstream{
		buf:      make([]byte, frames*frameBytes),
		frames:   frames,
		period:   period,
		rate:     rate,
		channels: Channels,
	}
}

func (f *fakeSubstream) Buffer() []byte    { return f.buf }
func (f *fakeSubstream) BufferFrames() int { return f.frames }
func (f *fakeSubstream) PeriodFrames() int { return f.period }
func (f *fakeSubstream) Rate() int         { return f.rate }
func (f *fakeSubstream) Channels() int     { return f.channels }
func (f *fakeSubstream) AddDelay(n int)    { f.delay += n }
func (f *fakeSubstream) SetDelay(n int)    { f.delay = n }
func (f *fakeSubstream) PeriodElapsed()    { f.mu.Lock(); f.periods++; f.mu.Unlock() }
func (f *fakeSubstream) StreamError()      { f.mu.Lock(); f.errors++; f.mu.Unlock() }
func (f *fakeSubstream) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.periods, f.errors
}

// =============================================================================
// Fake Bus
// =============================================================================

// fakeBus records submissions and lets tests complete them by hand.
type fakeBus struct {
	mu        sync.Mutex
	desc      []byte
	queued    []*hal.Transfer
	submits   int
	controls  []hal.SetupPacket
	payloads  [][]byte
	alts      [][2]uint8
	allocs    int
	frees     int
	claimed   map[uint8]bool
	failAlloc int // fail the nth allocation (1-based)
	failCtl   int // fail the nth control request (1-based)
	ctlErr    error
	submitErr error
}

var _ hal.Bus = (*fakeBus)(nil)

func newFakeBus() *fakeBus {
	raw, _ := sim.New(sim.Options{}).Descriptors()
	return &fakeBus{desc: raw, claimed: make(map[uint8]bool)}
}

func (b *fakeBus) AllocTransfer(typ hal.TransferType, ep uint8, packets, size int) (*hal.Transfer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocs++
	if b.failAlloc == b.allocs {
		return nil, pkg.ErrNoMemory
	}
	return hal.NewTransfer(typ, ep, packets, make([]byte, size)), nil
}

func (b *fakeBus) FreeTransfer(*hal.Transfer) error {
	b.mu.Lock()
	b.frees++
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Submit(t *hal.Transfer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return b.submitErr
	}
	if err := t.Begin(); err != nil {
		return err
	}
	b.submits++
	b.queued = append(b.queued, t)
	return nil
}

func (b *fakeBus) Kill(t *hal.Transfer) {
	b.mu.Lock()
	found := t.Reject() && b.remove(t)
	b.mu.Unlock()
	if found {
		t.Finish(pkg.TransferStatusCancelled)
	}
	t.Quiesce()
}

func (b *fakeBus) remove(t *hal.Transfer) bool {
	for i, x := range b.queued {
		if x == t {
			b.queued = append(b.queued[:i:i], b.queued[i+1:]...)
			return true
		}
	}
	return false
}

func (b *fakeBus) ControlTransfer(_ context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.controls = append(b.controls, *setup)
	b.payloads = append(b.payloads, append([]byte(nil), data...))
	if b.failCtl == len(b.controls) {
		return 0, b.ctlErr
	}
	return len(data), nil
}

func (b *fakeBus) ClaimInterface(i uint8) error   { b.claimed[i] = true; return nil }
func (b *fakeBus) ReleaseInterface(i uint8) error { delete(b.claimed, i); return nil }
func (b *fakeBus) Close() error                   { return nil }

func (b *fakeBus) SetInterface(i, alt uint8) error {
	b.mu.Lock()
	b.alts = append(b.alts, [2]uint8{i, alt})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Descriptors() ([]byte, error) { return b.desc, nil }

// take dequeues the oldest transfer on endpoint without completing it.
func (b *fakeBus) take(t *testing.T, endpoint uint8) *hal.Transfer {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, x := range b.queued {
		if x.Endpoint == endpoint {
			b.remove(x)
			return x
		}
	}
	require.FailNow(t, "no transfer queued", "endpoint %#02x", endpoint)
	return nil
}

// complete finishes the oldest queued transfer on endpoint with every
// byte transferred.
func (b *fakeBus) complete(t *testing.T, endpoint uint8, status pkg.TransferStatus) *hal.Transfer {
	t.Helper()
	tr := b.take(t, endpoint)
	tr.ActualLength = tr.Length
	for i := range tr.Packets {
		tr.Packets[i].ActualLength = tr.Packets[i].Length
	}
	tr.Finish(status)
	return tr
}

func (b *fakeBus) controlCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.controls)
}

func (b *fakeBus) pending(endpoint uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, x := range b.queued {
		if x.Endpoint == endpoint {
			n++
		}
	}
	return n
}

// =============================================================================
// Observer
// =============================================================================

type countingObserver struct {
	nopObserver
	mu      sync.Mutex
	stalls  int
	aborts  int
	drops   int
	adopted int
}

func (o *countingObserver) ClockStall() { o.mu.Lock(); o.stalls++; o.mu.Unlock() }
func (o *countingObserver) Abort()      { o.mu.Lock(); o.aborts++; o.mu.Unlock() }
func (o *countingObserver) MIDIDrop()   { o.mu.Lock(); o.drops++; o.mu.Unlock() }
func (o *countingObserver) Feedback(_, _ int, adopted bool) {
	if adopted {
		o.mu.Lock()
		o.adopted++
		o.mu.Unlock()
	}
}

// =============================================================================
// Session helpers
// =============================================================================

func attachFake(t *testing.T) (*Session, *fakeBus, *countingObserver) {
	t.Helper()
	bus := newFakeBus()
	obs := &countingObserver{}
	cfg := DefaultConfig()
	cfg.Observer = obs
	s, err := Attach(bus, cfg)
	require.NoError(t, err)
	return s, bus, obs
}

// flowing puts a fake-bus session straight into the flowing state at rate.
func flowing(s *Session, rate int) {
	s.mu.Lock()
	s.state = StateFlowing
	s.rate = rate
	s.mu.Unlock()
}
