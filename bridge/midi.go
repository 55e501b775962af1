package bridge

import (
	"context"
	"fmt"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"go.uber.org/multierr"

	"github.com/ardnew/eiepro/engine"
	"github.com/ardnew/eiepro/pkg"
)

// Queue sizes of the MIDI bridge.
const (
	OutQueueBytes = 4096
	InSinkDepth   = 256
)

// MIDI exposes the session's MIDI ports as a pair of virtual host ports.
// Messages sent to the virtual input go to the device; bytes received
// from the device come out of the virtual output.
type MIDI struct {
	s    *engine.Session
	name string

	queue *OutQueue
	sink  *InSink

	drv *rtmididrv.Driver
	in  drivers.In
	out drivers.Out
}

// NewMIDI creates the virtual ports, named after name.
func NewMIDI(s *engine.Session, name string) (m *MIDI, err error) {
	if !s.HasMIDI() {
		return nil, pkg.ErrNotSupported
	}

	out := s.MIDIOutput()
	m = &MIDI{
		s:     s,
		name:  name,
		queue: NewOutQueue(OutQueueBytes, func() { out.Trigger(true) }),
		sink:  NewInSink(InSinkDepth),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, m.Close())
			m = nil
		}
	}()

	if m.drv, err = rtmididrv.New(); err != nil {
		return nil, fmt.Errorf("initializing MIDI driver: %w", err)
	}
	if m.in, err = m.drv.OpenVirtualIn(name); err != nil {
		return nil, fmt.Errorf("opening virtual MIDI input %q: %w", name, err)
	}
	if m.out, err = m.drv.OpenVirtualOut(name); err != nil {
		return nil, fmt.Errorf("opening virtual MIDI output %q: %w", name, err)
	}
	return m, nil
}

// Run opens the session's MIDI ports and moves messages until ctx ends.
func (m *MIDI) Run(ctx context.Context) error {
	output := m.s.MIDIOutput()
	if err := output.Open(m.queue); err != nil {
		return fmt.Errorf("opening MIDI output: %w", err)
	}
	defer output.Close()

	input := m.s.MIDIInput()
	if err := input.Open(m.sink); err != nil {
		return fmt.Errorf("opening MIDI input: %w", err)
	}
	defer input.Close()
	input.Trigger(true)
	output.Trigger(true)

	stop, err := midi.ListenTo(m.in, func(msg midi.Message, _ int32) {
		if _, err := m.queue.Write(msg); err != nil {
			pkg.LogDebug(pkg.ComponentBridge, "MIDI output queue full", "dropped", m.queue.Dropped())
		}
	}, midi.UseSysEx(), midi.HandleError(func(err error) {
		pkg.LogWarn(pkg.ComponentBridge, "virtual MIDI input", "port", m.name, "error", err)
	}))
	if err != nil {
		return fmt.Errorf("listening on virtual MIDI input: %w", err)
	}
	defer stop()

	send, err := midi.SendTo(m.out)
	if err != nil {
		return fmt.Errorf("sending to virtual MIDI output: %w", err)
	}

	pkg.LogInfo(pkg.ComponentBridge, "MIDI bridge running", "port", m.name)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.s.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	err = m.sink.Run(runCtx, func(msg []byte) error { return send(midi.Message(msg)) })
	input.Trigger(false)
	output.Trigger(false)

	select {
	case <-m.s.Done():
		return pkg.ErrDisconnected
	default:
	}
	return err
}

// Close closes the virtual ports and the driver.
func (m *MIDI) Close() error {
	var err error
	if m.in != nil {
		err = multierr.Append(err, m.in.Close())
		m.in = nil
	}
	if m.out != nil {
		err = multierr.Append(err, m.out.Close())
		m.out = nil
	}
	if m.drv != nil {
		err = multierr.Append(err, m.drv.Close())
		m.drv = nil
	}
	return err
}
