package engine

import (
	"fmt"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// claimSlot atomically claims the first free MIDI output slot. It returns
// -1 when every slot is busy.
func (s *Session) claimSlot() int {
	for i := 0; i < s.cfg.MIDIOutTransfers; i++ {
		bit := uint32(1) << i
		if s.midiOutBusy.Or(bit)&bit == 0 {
			return i
		}
	}
	return -1
}

func (s *Session) releaseSlot(i int) {
	s.midiOutBusy.And(^(uint32(1) << i))
}

// packMIDI lays out one output transfer: up to three data bytes, filler up
// to offset 8 and the terminator.
func packMIDI(buf []byte, n int) {
	for i := n; i < MIDIOutTransferBytes-1; i++ {
		buf[i] = MIDIFiller
	}
	buf[MIDIOutTransferBytes-1] = MIDITerminator
}

// transmit moves pending output bytes into a free slot and submits it. It
// reports whether a transfer was submitted. When no slot is free the call
// is dropped; the bytes stay in the source.
func (s *Session) transmit() bool {
	src := s.midiOutSrc.Load()
	if src == nil || !s.midiOutUp.Load() {
		return false
	}

	i := s.claimSlot()
	if i < 0 {
		s.obs.MIDIDrop()
		return false
	}
	t := s.midiOutPool.slots[i]

	n := src.Transmit(t.Buffer[:MIDIOutDataBytes])
	if n <= 0 {
		s.releaseSlot(i)
		return false
	}
	packMIDI(t.Buffer, n)
	t.Length = MIDIOutTransferBytes

	if err := s.bus.Submit(t); err != nil {
		s.releaseSlot(i)
		pkg.LogWarn(pkg.ComponentMIDI, "submit output", "slot", i, "err", err)
		return false
	}
	return true
}

// midiOutComplete releases the slot whatever the status and keeps draining
// the source while output is up.
func (s *Session) midiOutComplete(t *hal.Transfer) {
	s.obs.TransferDone(KindMIDIOut, t.Status)
	s.releaseSlot(t.Context.(int))
	if t.Status != pkg.TransferStatusSuccess {
		s.stopped(pkg.ComponentMIDI, t)
		return
	}
	s.transmit()
}

// relay strips idle filler from received bytes. The returned slice aliases
// scratch.
func relay(scratch, received []byte) []byte {
	out := scratch[:0]
	for _, b := range received {
		if b != MIDIFiller {
			out = append(out, b)
		}
	}
	return out
}

// midiInComplete forwards received bytes while input is active and keeps
// the pool resubmitted while input is open.
func (s *Session) midiInComplete(t *hal.Transfer) {
	s.obs.TransferDone(KindMIDIIn, t.Status)
	if t.Status != pkg.TransferStatusSuccess {
		s.stopped(pkg.ComponentMIDI, t)
		return
	}

	s.mu.Lock()
	open, active, sink := s.midiInOpen, s.midiInActive, s.midiInSink
	s.mu.Unlock()

	if active && sink != nil {
		if data := relay(t.Context.([]byte), t.Buffer[:t.ActualLength]); len(data) > 0 {
			sink.Receive(data)
		}
	}

	if !open {
		return
	}
	if err := s.bus.Submit(t); err != nil {
		s.fault(pkg.ComponentMIDI, fmt.Errorf("resubmit midi input: %w", err))
	}
}

// MIDIInput is the MIDI input port of a session.
type MIDIInput struct{ s *Session }

// MIDIInput returns the session's MIDI input port.
func (s *Session) MIDIInput() *MIDIInput { return &MIDIInput{s: s} }

// Open starts receiving into sink. Bytes are read off the wire from now
// on but only forwarded once Trigger(true) is called.
func (m *MIDIInput) Open(sink MIDIInSink) error {
	s := m.s
	if !s.ep.midi {
		return pkg.ErrNotSupported
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return pkg.ErrDisconnected
	}
	if s.midiInOpen {
		s.mu.Unlock()
		return pkg.ErrBusy
	}
	s.midiInOpen = true
	s.midiInActive = false
	s.midiInSink = sink
	s.mu.Unlock()

	if err := s.midiInPool.submitAll(); err != nil {
		m.close()
		return err
	}
	pkg.LogDebug(pkg.ComponentMIDI, "input opened")
	return nil
}

// Close stops receiving and waits for the receive pool to quiesce.
func (m *MIDIInput) Close() error {
	if !m.s.ep.midi {
		return pkg.ErrNotSupported
	}
	m.s.lifecycle.Lock()
	defer m.s.lifecycle.Unlock()
	m.close()
	return nil
}

func (m *MIDIInput) close() {
	s := m.s
	s.mu.Lock()
	s.midiInOpen = false
	s.midiInActive = false
	s.mu.Unlock()

	s.midiInPool.halt()

	s.mu.Lock()
	s.midiInSink = nil
	s.mu.Unlock()
}

// Trigger enables or disables forwarding to the sink.
func (m *MIDIInput) Trigger(active bool) {
	s := m.s
	s.mu.Lock()
	s.midiInActive = active && s.midiInOpen
	s.mu.Unlock()
}

// MIDIOutput is the MIDI output port of a session.
type MIDIOutput struct{ s *Session }

// MIDIOutput returns the session's MIDI output port.
func (s *Session) MIDIOutput() *MIDIOutput { return &MIDIOutput{s: s} }

// Open attaches the source pending output is pulled from.
func (m *MIDIOutput) Open(src MIDIOutSource) error {
	s := m.s
	if !s.ep.midi {
		return pkg.ErrNotSupported
	}
	if s.State() == StateDisconnected {
		return pkg.ErrDisconnected
	}
	if !s.midiOutSrc.CompareAndSwap(nil, &midiSource{src}) {
		return pkg.ErrBusy
	}
	pkg.LogDebug(pkg.ComponentMIDI, "output opened")
	return nil
}

// Close stops output and waits for in-flight transfers to finish.
func (m *MIDIOutput) Close() error {
	s := m.s
	if !s.ep.midi {
		return pkg.ErrNotSupported
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.midiOutUp.Store(false)
	s.midiOutPool.halt()
	s.midiOutSrc.Store(nil)
	return nil
}

// Trigger is called when output data becomes available (up) or output is
// paused. It never blocks and never queues: if every slot is busy the
// call is dropped and the bytes wait in the source.
func (m *MIDIOutput) Trigger(up bool) bool {
	m.s.midiOutUp.Store(up)
	if !up {
		return false
	}
	return m.s.transmit()
}
