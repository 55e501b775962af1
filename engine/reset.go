package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// command is one control request of an initialization table.
type command struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16

	// Rate marks commands whose payload is the 3-byte little-endian rate.
	Rate bool
}

// Initialization tables. The class requests with value 0x0100 are
// sampling-frequency controls addressed to the streaming endpoints.
var (
	initTable = []command{
		{RequestType: 0xc0, Request: 86, Length: 3},
		{RequestType: 0xc0, Request: 86, Length: 5},
		{RequestType: 0xc0, Request: 73, Length: 1},
		{RequestType: 0xa2, Request: 129, Value: 0x0100, Index: 0, Length: 3},
	}

	rateTable = []command{
		{RequestType: 0x22, Request: 1, Value: 0x0100, Index: 134, Length: 3, Rate: true},
		{RequestType: 0x22, Request: 1, Value: 0x0100, Index: 2, Length: 3, Rate: true},
		{RequestType: 0x22, Request: 1, Value: 0x0100, Index: 134, Length: 3, Rate: true},
		{RequestType: 0xa2, Request: 129, Value: 0x0100, Index: 134, Length: 3},
		{RequestType: 0xc0, Request: 73, Length: 1},
		{RequestType: 0x40, Request: 73, Value: 0x0032, Length: 0},
	}
)

// CommandError reports the initialization command that failed.
type CommandError struct {
	Table int // 1 or 2
	Step  int // 0-based position in the table
	Setup hal.SetupPacket
	Err   error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("init table %d step %d (type %#02x request %d value %#04x index %d): %v",
		e.Table, e.Step, e.Setup.RequestType, e.Setup.Request, e.Setup.Value, e.Setup.Index, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// sendTable issues every command of table in order and stops at the first
// failure. data is shared scratch space for all payloads.
func (s *Session) sendTable(ctx context.Context, table int, cmds []command, rate int, data []byte) error {
	for i, c := range cmds {
		setup := hal.SetupPacket{
			RequestType: c.RequestType,
			Request:     c.Request,
			Value:       c.Value,
			Index:       c.Index,
			Length:      c.Length,
		}
		if c.Rate {
			putRate(data, rate)
		}

		cctx, cancel := context.WithTimeout(ctx, s.cfg.ControlTimeout)
		_, err := s.bus.ControlTransfer(cctx, &setup, data[:c.Length])
		cancel()
		if err != nil {
			return &CommandError{Table: table, Step: i, Setup: setup, Err: err}
		}
		pkg.LogDebug(pkg.ComponentEngine, "control request",
			"table", table, "step", i, "type", setup.RequestType, "request", setup.Request)
	}
	return nil
}

// putRate encodes rate as a 3-byte little-endian integer at data[0:3].
func putRate(data []byte, rate int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(rate))
	copy(data[:3], b[:3])
}

// reset re-initializes the device at rate and starts the sync, playback
// and capture pools. It returns once the first playback transfer has
// completed. Every pool must be halted.
func (s *Session) reset(ctx context.Context, rate int) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return pkg.ErrDisconnected
	}
	s.state = StateNegotiating
	s.rate = 0
	s.mu.Unlock()
	s.flowing.Rearm()

	pkg.LogInfo(pkg.ComponentEngine, "resetting device", "rate", rate)
	err := s.negotiate(ctx, rate)
	if errors.Is(err, pkg.ErrNoDevice) {
		s.lost(pkg.ComponentEngine)
	}

	s.mu.Lock()
	switch {
	case err != nil:
		s.rate = 0
		if s.state != StateDisconnected {
			s.state = StateFaulted
		}
	case s.state != StateNegotiating:
		// A fault or detach raced the start.
		err = fmt.Errorf("device %s while starting: %w", s.state, pkg.ErrProtocol)
	default:
		s.state = StateFlowing
	}
	s.mu.Unlock()

	s.obs.Reset(rate, err)
	if err != nil {
		pkg.LogWarn(pkg.ComponentEngine, "reset failed", "rate", rate, "err", err)
		return err
	}
	pkg.LogInfo(pkg.ComponentEngine, "transfers flowing", "rate", rate)
	return nil
}

func (s *Session) negotiate(ctx context.Context, rate int) error {
	if err := s.setAltSettings(); err != nil {
		return err
	}

	data := make([]byte, 8)
	if err := s.sendTable(ctx, 1, initTable, rate, data); err != nil {
		return err
	}
	if err := s.sendTable(ctx, 2, rateTable, rate, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.rate = rate
	s.feedback.Store(0)
	s.mu.Unlock()

	if err := s.syncPool.submitAll(); err != nil {
		return err
	}
	if err := s.startPlayback(); err != nil {
		return err
	}
	if err := s.capPool.submitAll(); err != nil {
		return err
	}
	return s.waitFlowing(ctx)
}

// haltStreaming cancels every pool on the streaming interfaces. MIDI pools
// share interface 1 and lose their transfers on an alternate setting
// change, so they are halted too.
func (s *Session) haltStreaming() {
	s.syncPool.halt()
	s.playPool.halt()
	s.capPool.halt()
	s.midiInPool.halt()
	s.midiOutPool.halt()
}

// resumeMIDI resubmits the receive pool if MIDI input is open.
func (s *Session) resumeMIDI() error {
	s.mu.Lock()
	open := s.midiInOpen
	s.mu.Unlock()
	if !open {
		return nil
	}
	return s.midiInPool.submitAll()
}
