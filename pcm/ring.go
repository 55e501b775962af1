package pcm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/eiepro/engine"
	"github.com/ardnew/eiepro/pkg"
)

// State is the ring state.
type State int32

// Ring states.
const (
	StateOpen State = iota
	StatePrepared
	StateRunning
	StateXrun
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StateXrun:
		return "xrun"
	}
	return "unknown"
}

// Config describes the geometry of a ring.
type Config struct {
	Direction  engine.Direction
	FrameBytes int
	Frames     int // buffer size
	Period     int // period size
	Rate       int
	Channels   int
}

// Ring is a substream buffer shared by the engine and the application.
type Ring struct {
	cfg Config
	buf []byte

	state atomic.Int32
	xruns atomic.Int64

	// syncMu serializes hardware pointer samples. It is never held with mu.
	syncMu  sync.Mutex
	pointer func() int

	mu      sync.Mutex
	appl    uint64
	hw      uint64
	lastPtr int
	delay   int

	periodCh chan struct{}
	xrunCh   chan struct{}
}

var _ engine.Substream = (*Ring)(nil)

// New allocates a ring for cfg.
func New(cfg Config) (*Ring, error) {
	switch {
	case cfg.FrameBytes <= 0:
		return nil, fmt.Errorf("frame size %d: %w", cfg.FrameBytes, pkg.ErrInvalidParameter)
	case cfg.Period <= 0 || cfg.Frames < cfg.Period:
		return nil, fmt.Errorf("buffer %d frames, period %d: %w", cfg.Frames, cfg.Period, pkg.ErrInvalidParameter)
	case cfg.Rate <= 0:
		return nil, fmt.Errorf("rate %d: %w", cfg.Rate, pkg.ErrInvalidParameter)
	}
	if cfg.Channels == 0 {
		cfg.Channels = engine.Channels
	}
	return &Ring{
		cfg:      cfg,
		buf:      make([]byte, cfg.Frames*cfg.FrameBytes),
		periodCh: make(chan struct{}, 1),
		xrunCh:   make(chan struct{}, 1),
	}, nil
}

// Config returns the ring geometry.
func (r *Ring) Config() Config { return r.cfg }

// Bind sets the function the hardware cursor is sampled from, typically
// the Pointer method of the engine stream the ring is opened on. pointer
// must not be called with any ring lock held by the caller.
func (r *Ring) Bind(pointer func() int) {
	r.syncMu.Lock()
	r.pointer = pointer
	r.syncMu.Unlock()
}

// State returns the ring state.
func (r *Ring) State() State { return State(r.state.Load()) }

// XrunCount returns the number of underruns or overruns so far.
func (r *Ring) XrunCount() int64 { return r.xruns.Load() }

// Periods returns the period notification channel.
func (r *Ring) Periods() <-chan struct{} { return r.periodCh }

// Xruns returns the xrun notification channel.
func (r *Ring) Xruns() <-chan struct{} { return r.xrunCh }

// Reset clears both counters and the delay and moves the ring to
// StatePrepared. Call it after the engine stream is prepared.
func (r *Ring) Reset() {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	ptr := 0
	if r.pointer != nil {
		ptr = r.pointer()
	}

	r.mu.Lock()
	r.appl, r.hw = 0, 0
	r.lastPtr = ptr
	r.delay = 0
	r.mu.Unlock()
	r.state.Store(int32(StatePrepared))
	drain(r.periodCh)
	drain(r.xrunCh)
}

// Start moves a prepared ring to StateRunning.
func (r *Ring) Start() error {
	if !r.state.CompareAndSwap(int32(StatePrepared), int32(StateRunning)) {
		return fmt.Errorf("start in state %s: %w", r.State(), pkg.ErrInvalidState)
	}
	return nil
}

// Stop moves a running ring back to StatePrepared. It returns
// pkg.ErrNotRunning and leaves the state alone if the ring was not running.
func (r *Ring) Stop() error {
	if !r.state.CompareAndSwap(int32(StateRunning), int32(StatePrepared)) {
		return fmt.Errorf("stop in state %s: %w", r.State(), pkg.ErrNotRunning)
	}
	return nil
}

// Delay returns the frames between the application and the device.
func (r *Ring) Delay() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay
}

// Avail returns the frames the application can write (playback) or read
// (capture) without blocking.
func (r *Ring) Avail() (int, error) {
	r.sync()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avail()
}

// avail reports the available frames. r.mu must be held.
func (r *Ring) avail() (int, error) {
	size := uint64(r.cfg.Frames)
	if r.cfg.Direction == engine.Capture {
		if r.hw-r.appl > size {
			return 0, pkg.ErrOverrun
		}
		return int(r.hw - r.appl), nil
	}
	if r.hw > r.appl {
		return 0, pkg.ErrUnderrun
	}
	return int(size - (r.appl - r.hw)), nil
}

// sync folds the hardware cursor movement since the last sample into the
// hardware counter.
func (r *Ring) sync() {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	if r.pointer == nil {
		return
	}
	ptr := r.pointer()

	r.mu.Lock()
	delta := (ptr - r.lastPtr + r.cfg.Frames) % r.cfg.Frames
	r.lastPtr = ptr
	r.hw += uint64(delta)
	r.mu.Unlock()
}

// Write copies whole playback frames from p into the ring and returns the
// bytes copied. It returns pkg.ErrUnderrun once the device has overtaken
// the application.
func (r *Ring) Write(p []byte) (int, error) {
	if r.cfg.Direction != engine.Playback {
		return 0, pkg.ErrNotSupported
	}
	if r.State() == StateXrun {
		return 0, pkg.ErrUnderrun
	}
	r.sync()

	r.mu.Lock()
	free, err := r.avail()
	if err != nil {
		r.mu.Unlock()
		r.xrun()
		return 0, err
	}
	frames := min(free, len(p)/r.cfg.FrameBytes)
	r.copyIn(p[:frames*r.cfg.FrameBytes])
	r.appl += uint64(frames)
	r.mu.Unlock()
	return frames * r.cfg.FrameBytes, nil
}

// Read copies whole captured frames out of the ring into p and returns
// the bytes copied. It returns pkg.ErrOverrun once the device has lapped
// the application.
func (r *Ring) Read(p []byte) (int, error) {
	if r.cfg.Direction != engine.Capture {
		return 0, pkg.ErrNotSupported
	}
	if r.State() == StateXrun {
		return 0, pkg.ErrOverrun
	}
	r.sync()

	r.mu.Lock()
	ready, err := r.avail()
	if err != nil {
		r.mu.Unlock()
		r.xrun()
		return 0, err
	}
	frames := min(ready, len(p)/r.cfg.FrameBytes)
	r.copyOut(p[:frames*r.cfg.FrameBytes])
	r.appl += uint64(frames)
	r.mu.Unlock()
	return frames * r.cfg.FrameBytes, nil
}

// copyIn writes src at the application cursor, wrapping. r.mu must be held.
func (r *Ring) copyIn(src []byte) {
	off := int(r.appl%uint64(r.cfg.Frames)) * r.cfg.FrameBytes
	n := copy(r.buf[off:], src)
	copy(r.buf, src[n:])
}

// copyOut reads dst from the application cursor, wrapping. r.mu must be
// held.
func (r *Ring) copyOut(dst []byte) {
	off := int(r.appl%uint64(r.cfg.Frames)) * r.cfg.FrameBytes
	n := copy(dst, r.buf[off:])
	copy(dst[n:], r.buf)
}

func (r *Ring) xrun() {
	if State(r.state.Swap(int32(StateXrun))) == StateXrun {
		return
	}
	r.xruns.Add(1)
	pkg.LogWarn(pkg.ComponentEngine, "ring xrun", "direction", r.cfg.Direction)
	notify(r.xrunCh)
}

// =============================================================================
// engine.Substream
// =============================================================================

// Buffer returns the ring memory.
func (r *Ring) Buffer() []byte { return r.buf }

// BufferFrames returns the ring size in frames.
func (r *Ring) BufferFrames() int { return r.cfg.Frames }

// PeriodFrames returns the period size in frames.
func (r *Ring) PeriodFrames() int { return r.cfg.Period }

// Rate returns the sample rate.
func (r *Ring) Rate() int { return r.cfg.Rate }

// Channels returns the channel count.
func (r *Ring) Channels() int { return r.cfg.Channels }

// PeriodElapsed samples the hardware cursor and notifies Periods.
func (r *Ring) PeriodElapsed() {
	r.sync()
	notify(r.periodCh)
}

// StreamError forces the ring into StateXrun.
func (r *Ring) StreamError() {
	r.xrun()
}

// AddDelay adjusts the delay. It is called with the engine lock held and
// only takes the ring's own lock.
func (r *Ring) AddDelay(frames int) {
	r.mu.Lock()
	r.delay += frames
	r.mu.Unlock()
}

// SetDelay sets the delay.
func (r *Ring) SetDelay(frames int) {
	r.mu.Lock()
	r.delay = frames
	r.mu.Unlock()
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
