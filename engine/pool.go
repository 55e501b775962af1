package engine

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// pool is a fixed arena of transfers on one endpoint, addressed by index.
type pool struct {
	kind  string
	bus   hal.Bus
	slots []*hal.Transfer
}

// poolSpec describes the transfers of one pool.
type poolSpec struct {
	kind     string
	count    int
	typ      hal.TransferType
	endpoint uint8
	packets  int
	size     int
	complete func(*hal.Transfer)
	// setup initializes slot i after allocation.
	setup func(i int, t *hal.Transfer)
}

// newPool allocates every slot of spec. If any allocation fails the slots
// allocated so far are freed before the error is returned.
func newPool(bus hal.Bus, spec poolSpec) (*pool, error) {
	p := &pool{kind: spec.kind, bus: bus}
	for i := 0; i < spec.count; i++ {
		t, err := bus.AllocTransfer(spec.typ, spec.endpoint, spec.packets, spec.size)
		if err != nil {
			err = fmt.Errorf("allocate %s transfer %d: %w", spec.kind, i, err)
			return nil, multierr.Append(err, p.free())
		}
		t.Complete = spec.complete
		if spec.setup != nil {
			spec.setup(i, t)
		}
		p.slots = append(p.slots, t)
	}
	pkg.LogDebug(pkg.ComponentEngine, "pool allocated",
		"kind", spec.kind, "count", spec.count, "size", spec.size)
	return p, nil
}

// submitAll submits every slot, stopping at the first failure.
func (p *pool) submitAll() error {
	if p == nil {
		return nil
	}
	for i, t := range p.slots {
		if err := p.bus.Submit(t); err != nil {
			return fmt.Errorf("submit %s transfer %d: %w", p.kind, i, err)
		}
	}
	return nil
}

// halt cancels every slot and waits until all are quiesced.
func (p *pool) halt() {
	if p == nil {
		return
	}
	for _, t := range p.slots {
		p.bus.Kill(t)
	}
}

// free releases every slot. The pool must be halted.
func (p *pool) free() error {
	if p == nil {
		return nil
	}
	var err error
	for _, t := range p.slots {
		err = multierr.Append(err, p.bus.FreeTransfer(t))
	}
	p.slots = nil
	return err
}

func (s *Session) pools() []*pool {
	var out []*pool
	for _, p := range []*pool{s.playPool, s.syncPool, s.capPool, s.midiInPool, s.midiOutPool} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// allocPools allocates the five transfer pools from the resolved endpoints.
func (s *Session) allocPools() error {
	var err error
	s.syncPool, err = newPool(s.bus, poolSpec{
		kind:     KindSync,
		count:    s.cfg.SyncTransfers,
		typ:      hal.TransferIsochronous,
		endpoint: s.ep.sync,
		packets:  1,
		size:     s.ep.syncMax,
		complete: s.syncComplete,
		setup: func(_ int, t *hal.Transfer) {
			t.Packets[0] = hal.IsoPacket{Offset: 0, Length: s.ep.syncMax}
		},
	})
	if err != nil {
		return err
	}

	s.playPool, err = newPool(s.bus, poolSpec{
		kind:     KindPlayback,
		count:    s.cfg.PlaybackTransfers,
		typ:      hal.TransferIsochronous,
		endpoint: s.ep.playback,
		packets:  PlaybackPackets,
		size:     PlaybackPackets * s.ep.playbackMax,
		complete: s.playbackComplete,
		setup: func(_ int, t *hal.Transfer) {
			t.Context = &playSlot{silent: true}
		},
	})
	if err != nil {
		return err
	}

	s.capPool, err = newPool(s.bus, poolSpec{
		kind:     KindCapture,
		count:    s.cfg.CaptureTransfers,
		typ:      hal.TransferBulk,
		endpoint: s.ep.capture,
		size:     s.ep.captureMax,
		complete: s.captureComplete,
	})
	if err != nil {
		return err
	}

	if !s.ep.midi {
		return nil
	}

	s.midiInPool, err = newPool(s.bus, poolSpec{
		kind:     KindMIDIIn,
		count:    s.cfg.MIDIInTransfers,
		typ:      hal.TransferBulk,
		endpoint: s.ep.midiIn,
		size:     s.ep.midiInMax,
		complete: s.midiInComplete,
		setup: func(_ int, t *hal.Transfer) {
			t.Context = make([]byte, 0, s.ep.midiInMax)
		},
	})
	if err != nil {
		return err
	}

	s.midiOutPool, err = newPool(s.bus, poolSpec{
		kind:     KindMIDIOut,
		count:    s.cfg.MIDIOutTransfers,
		typ:      hal.TransferBulk,
		endpoint: s.ep.midiOut,
		size:     MIDIOutTransferBytes,
		complete: s.midiOutComplete,
		setup: func(i int, t *hal.Transfer) {
			t.Context = i
		},
	})
	return err
}
