package engine

import (
	"errors"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// stopped handles a completion that did not succeed. A vanished device
// detaches the session; any other status only stops the transfer.
func (s *Session) stopped(component pkg.Component, t *hal.Transfer) {
	if t.Status == pkg.TransferStatusNoDevice {
		s.lost(component)
		return
	}
	pkg.LogDebug(component, "transfer stopped", "endpoint", t.Endpoint, "status", t.Status)
}

func (s *Session) lost(component pkg.Component) {
	if s.State() != StateDisconnected {
		pkg.LogWarn(component, "device disconnected")
	}
	s.detach()
}

// fault routes a fault raised in a completion callback to the abort path.
// A resubmission refused because the pool is being halted is not a fault.
func (s *Session) fault(component pkg.Component, err error) {
	if errors.Is(err, pkg.ErrCancelled) {
		pkg.LogDebug(component, "resubmission refused during halt")
		return
	}
	if errors.Is(err, pkg.ErrNoDevice) {
		s.lost(component)
		return
	}
	pkg.LogWarn(component, "stream fault", "err", err)
	s.abort()
}

// Abort forces every running stream into its error state and clears the
// negotiated rate so the next prepare re-initializes the device. In-flight
// transfers are left alone.
func (s *Session) Abort() {
	s.abort()
}

func (s *Session) abort() {
	var signal []Substream
	var dirs []Direction

	s.mu.Lock()
	if s.playback.running && s.playback.sub != nil {
		s.playback.running = false
		signal = append(signal, s.playback.sub)
		dirs = append(dirs, Playback)
	}
	if s.capture.running && s.capture.sub != nil {
		s.capture.running = false
		signal = append(signal, s.capture.sub)
		dirs = append(dirs, Capture)
	}
	s.rate = 0
	if s.state == StateFlowing || s.state == StateNegotiating {
		s.state = StateFaulted
	}
	s.mu.Unlock()

	s.obs.Abort()
	for i, sub := range signal {
		pkg.LogWarn(pkg.ComponentEngine, "stream xrun", "direction", dirs[i])
		s.obs.StreamError(dirs[i])
		sub.StreamError()
	}
}
