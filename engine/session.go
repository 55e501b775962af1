package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// State is the session-level lifecycle state.
type State int

// Session states.
const (
	StateUninitialized State = iota
	StateNegotiating
	StateFlowing
	StateFaulted
	StateDisconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateFlowing:
		return "flowing"
	case StateFaulted:
		return "faulted"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// stream is the engine side of one audio direction.
type stream struct {
	sub     Substream
	running bool

	// pos is the ring cursor in frames.
	pos int

	// periodPos counts frames since the last period boundary.
	periodPos int
}

// latch is a one-shot signal that can be re-armed.
type latch struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

// Set fires the latch and reports whether this call fired it.
func (l *latch) Set() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		return false
	}
	l.set = true
	close(l.ch)
	return true
}

// Rearm clears a fired latch.
func (l *latch) Rearm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
}

// IsSet reports whether the latch has fired.
func (l *latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Done returns a channel closed when the latch fires.
func (l *latch) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

// endpoints holds resolved endpoint addresses and packet sizes.
type endpoints struct {
	playback, sync, capture uint8
	playbackMax, syncMax    int
	captureMax              int

	midiIn, midiOut uint8
	midiInMax       int
	midi            bool
}

// Session is one attached EIE pro.
type Session struct {
	bus hal.Bus
	cfg Config
	obs Observer
	ep  endpoints

	// mu guards everything down to feedback.
	mu           sync.Mutex
	state        State
	rate         int
	parity       int
	playback     stream
	capture      stream
	midiInOpen   bool
	midiInActive bool
	midiInSink   MIDIInSink
	claimed      []uint8

	flowing *latch
	gone    chan struct{}

	// feedback accumulates device-reported elapsed frames between fills.
	feedback atomic.Uint32

	syncPool, playPool, capPool *pool
	midiInPool, midiOutPool     *pool

	midiOutBusy atomic.Uint32
	midiOutUp   atomic.Bool
	midiOutSrc  atomic.Pointer[midiSource]

	// lifecycle serializes Prepare, Close and the open/close operations.
	lifecycle sync.Mutex
	closeOnce sync.Once
	goneOnce  sync.Once
}

type midiSource struct{ MIDIOutSource }

// Attach claims the streaming interfaces of bus, resolves endpoints and
// allocates every transfer pool. On failure everything allocated so far is
// released.
func Attach(bus hal.Bus, cfg Config) (*Session, error) {
	cfg.normalize()
	s := &Session{
		bus:     bus,
		cfg:     cfg,
		obs:     cfg.Observer,
		flowing: newLatch(),
		gone:    make(chan struct{}),
	}
	if err := s.attach(); err != nil {
		return nil, multierr.Append(err, s.release())
	}

	pkg.LogInfo(pkg.ComponentEngine, "session attached",
		"playback", fmt.Sprintf("%#02x", s.ep.playback),
		"sync", fmt.Sprintf("%#02x", s.ep.sync),
		"capture", fmt.Sprintf("%#02x", s.ep.capture),
		"midi", s.ep.midi)
	return s, nil
}

func (s *Session) attach() error {
	for _, iface := range []uint8{InterfacePlayback, InterfaceCapture} {
		if err := s.bus.ClaimInterface(iface); err != nil {
			return fmt.Errorf("claim interface %d: %w", iface, err)
		}
		s.claimed = append(s.claimed, iface)
	}
	if err := s.setAltSettings(); err != nil {
		return err
	}

	raw, err := s.bus.Descriptors()
	if err != nil {
		return fmt.Errorf("read descriptors: %w", err)
	}
	conf, err := hal.ParseDescriptors(raw)
	if err != nil {
		return err
	}
	if s.ep, err = resolveEndpoints(conf, !s.cfg.DisableMIDI); err != nil {
		return err
	}
	return s.allocPools()
}

// resolveEndpoints finds the streaming endpoints on the alternate settings
// selected for streaming. The first match across both interfaces wins.
func resolveEndpoints(conf *hal.Configuration, wantMIDI bool) (endpoints, error) {
	var ep endpoints
	var alts []*hal.Interface
	for _, n := range []uint8{InterfacePlayback, InterfaceCapture} {
		if alt := conf.Interface(n, StreamingAlt); alt != nil {
			alts = append(alts, alt)
		}
	}

	find := func(typ hal.TransferType, in bool, nth int) *hal.EndpointDescriptor {
		for _, alt := range alts {
			for k := range alt.Endpoints {
				d := &alt.Endpoints[k]
				if d.TransferType() != typ || d.IsIn() != in {
					continue
				}
				if nth == 0 {
					return d
				}
				nth--
			}
		}
		return nil
	}

	play := find(hal.TransferIsochronous, false, 0)
	feedback := find(hal.TransferIsochronous, true, 0)
	capture := find(hal.TransferBulk, true, 0)
	if play == nil || feedback == nil || capture == nil {
		return ep, fmt.Errorf("streaming endpoints not found: %w", pkg.ErrInvalidEndpoint)
	}
	ep.playback, ep.playbackMax = play.Address, play.MaxPacket()
	ep.sync, ep.syncMax = feedback.Address, feedback.MaxPacket()
	ep.capture, ep.captureMax = capture.Address, capture.MaxPacket()

	if wantMIDI {
		in := find(hal.TransferBulk, true, 1)
		out := find(hal.TransferBulk, false, 0)
		if in != nil && out != nil {
			ep.midi = true
			ep.midiIn, ep.midiInMax = in.Address, in.MaxPacket()
			ep.midiOut = out.Address
		}
	}
	return ep, nil
}

func (s *Session) setAltSettings() error {
	if err := s.bus.SetInterface(InterfacePlayback, StreamingAlt); err != nil {
		return fmt.Errorf("set interface %d alt %d: %w", InterfacePlayback, StreamingAlt, err)
	}
	if err := s.bus.SetInterface(InterfaceCapture, StreamingAlt); err != nil {
		return fmt.Errorf("set interface %d alt %d: %w", InterfaceCapture, StreamingAlt, err)
	}
	return nil
}

// Close detaches the session: pending prepares are released with
// ErrDisconnected, running streams are signalled, every pool is halted and
// freed and the interfaces are released. The bus itself stays open.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.detach()

		s.lifecycle.Lock()
		defer s.lifecycle.Unlock()
		err = s.release()
		pkg.LogInfo(pkg.ComponentEngine, "session closed")
	})
	return err
}

// detach marks the session disconnected, releases pending prepares with
// ErrDisconnected and signals running streams. Pools stay allocated until
// Close.
func (s *Session) detach() {
	s.goneOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDisconnected
		close(s.gone)
		s.mu.Unlock()

		s.midiOutUp.Store(false)
		s.abort()
	})
}

// release halts and frees every pool and releases claimed interfaces.
func (s *Session) release() error {
	var err error
	for _, p := range s.pools() {
		p.halt()
		err = multierr.Append(err, p.free())
	}
	s.syncPool, s.playPool, s.capPool = nil, nil, nil
	s.midiInPool, s.midiOutPool = nil, nil

	for i := len(s.claimed) - 1; i >= 0; i-- {
		if e := s.bus.ReleaseInterface(s.claimed[i]); e != nil {
			err = multierr.Append(err, fmt.Errorf("release interface %d: %w", s.claimed[i], e))
		}
	}
	s.claimed = nil
	return err
}

// Done is closed when the session is closed or the device goes away.
func (s *Session) Done() <-chan struct{} {
	return s.gone
}

// State returns the session-level state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rate returns the negotiated sample rate, 0 if unset.
func (s *Session) Rate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// HasMIDI reports whether MIDI endpoints were found.
func (s *Session) HasMIDI() bool {
	return s.ep.midi
}

// Status is a consistent snapshot of session state.
type Status struct {
	State           string `json:"state"`
	Rate            int    `json:"rate"`
	Flowing         bool   `json:"flowing"`
	PlaybackOpen    bool   `json:"playback_open"`
	PlaybackRunning bool   `json:"playback_running"`
	PlaybackPos     int    `json:"playback_pos"`
	CaptureOpen     bool   `json:"capture_open"`
	CaptureRunning  bool   `json:"capture_running"`
	CapturePos      int    `json:"capture_pos"`
	MIDI            bool   `json:"midi"`
	MIDIInOpen      bool   `json:"midi_in_open"`
	MIDIInActive    bool   `json:"midi_in_active"`
	MIDIOutUp       bool   `json:"midi_out_up"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:           s.state.String(),
		Rate:            s.rate,
		Flowing:         s.flowing.IsSet(),
		PlaybackOpen:    s.playback.sub != nil,
		PlaybackRunning: s.playback.running,
		PlaybackPos:     s.playback.pos,
		CaptureOpen:     s.capture.sub != nil,
		CaptureRunning:  s.capture.running,
		CapturePos:      s.capture.pos,
		MIDI:            s.ep.midi,
		MIDIInOpen:      s.midiInOpen,
		MIDIInActive:    s.midiInActive,
		MIDIOutUp:       s.midiOutUp.Load(),
	}
}

// waitFlowing blocks until the first playback completion of the current
// session, a detach, or ctx.
func (s *Session) waitFlowing(ctx context.Context) error {
	select {
	case <-s.flowing.Done():
		return nil
	case <-s.gone:
		return pkg.ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}
