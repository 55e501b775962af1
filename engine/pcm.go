package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/eiepro/pkg"
)

// PCM is the audio stream operations of one direction.
type PCM struct {
	s   *Session
	dir Direction
}

// Playback returns the playback stream operations.
func (s *Session) Playback() *PCM { return &PCM{s: s, dir: Playback} }

// Capture returns the capture stream operations.
func (s *Session) Capture() *PCM { return &PCM{s: s, dir: Capture} }

// Direction returns the stream direction.
func (p *PCM) Direction() Direction { return p.dir }

func (p *PCM) stream() *stream {
	if p.dir == Capture {
		return &p.s.capture
	}
	return &p.s.playback
}

// validate checks sub against the device's parameter space.
func (h *Hardware) validate(sub Substream) error {
	rate, period, buffer := sub.Rate(), sub.PeriodFrames(), sub.BufferFrames()
	switch {
	case !h.SupportsRate(rate):
		return fmt.Errorf("rate %d: %w", rate, pkg.ErrInvalidParameter)
	case sub.Channels() != h.Channels:
		return fmt.Errorf("%d channels: %w", sub.Channels(), pkg.ErrInvalidParameter)
	case period < h.MinPeriod:
		return fmt.Errorf("period %d frames: %w", period, pkg.ErrInvalidParameter)
	case buffer < h.MinPeriods*period:
		return fmt.Errorf("buffer %d frames for period %d: %w", buffer, period, pkg.ErrInvalidParameter)
	case time.Duration(buffer)*time.Second < h.MinBufferTime*time.Duration(rate):
		return fmt.Errorf("buffer %d frames at %d Hz: %w", buffer, rate, pkg.ErrInvalidParameter)
	}
	return nil
}

// Open binds sub to this direction.
func (p *PCM) Open(sub Substream) error {
	if err := p.s.cfg.Hardware.validate(sub); err != nil {
		return err
	}
	p.s.lifecycle.Lock()
	defer p.s.lifecycle.Unlock()

	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return pkg.ErrDisconnected
	}
	st := p.stream()
	if st.sub != nil {
		return pkg.ErrBusy
	}
	*st = stream{sub: sub}
	pkg.LogDebug(pkg.ComponentEngine, "stream opened", "direction", p.dir, "rate", sub.Rate())
	return nil
}

// Close unbinds the stream. Transfers keep flowing with silence.
func (p *PCM) Close() error {
	p.s.lifecycle.Lock()
	defer p.s.lifecycle.Unlock()

	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	*p.stream() = stream{}
	return nil
}

// Prepare readies the stream for start. If the stream's rate differs from
// the negotiated rate, every pool is halted and the device is
// re-initialized; Prepare then blocks until transfers are flowing.
func (p *PCM) Prepare(ctx context.Context) error {
	s := p.s
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	sub := p.stream().sub
	rate := s.rate
	state := s.state
	s.mu.Unlock()

	switch {
	case state == StateDisconnected:
		return pkg.ErrDisconnected
	case sub == nil:
		return fmt.Errorf("prepare %s: %w", p.dir, pkg.ErrInvalidState)
	}

	if sub.Rate() != rate {
		s.haltStreaming()
		err := s.reset(ctx, sub.Rate())
		if merr := s.resumeMIDI(); merr != nil {
			pkg.LogWarn(pkg.ComponentMIDI, "resume input", "err", merr)
		}
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	st := p.stream()
	st.running = false
	st.pos = 0
	st.periodPos = 0
	if st.sub != nil {
		st.sub.SetDelay(0)
	}
	s.mu.Unlock()
	return nil
}

// Trigger starts or stops the stream. It does not block.
func (p *PCM) Trigger(start bool) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()

	st := p.stream()
	if st.sub == nil {
		return fmt.Errorf("trigger %s: %w", p.dir, pkg.ErrInvalidState)
	}
	if start && (s.state != StateFlowing || s.rate == 0) {
		return fmt.Errorf("start %s in state %s: %w", p.dir, s.state, pkg.ErrInvalidState)
	}
	st.running = start
	pkg.LogDebug(pkg.ComponentEngine, "stream trigger", "direction", p.dir, "start", start)
	return nil
}

// Pointer returns the ring cursor in frames.
func (p *PCM) Pointer() int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.stream().pos
}

// Running reports whether the stream is started.
func (p *PCM) Running() bool {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.stream().running
}
