package engine

import (
	"fmt"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// syncComplete accumulates the frame counts reported by the device clock.
// A zero count means the clock stalled.
func (s *Session) syncComplete(t *hal.Transfer) {
	s.obs.TransferDone(KindSync, t.Status)
	if t.Status != pkg.TransferStatusSuccess {
		s.stopped(pkg.ComponentSync, t)
		return
	}

	for i := range t.Packets {
		pk := &t.Packets[i]
		if pk.ActualLength == 0 {
			continue
		}
		delta := t.Buffer[pk.Offset]
		if delta == 0 {
			s.obs.ClockStall()
			s.fault(pkg.ComponentSync, fmt.Errorf("packet %d: %w", i, pkg.ErrClockStall))
			continue
		}
		s.feedback.Add(uint32(delta))
	}

	if err := s.bus.Submit(t); err != nil {
		s.fault(pkg.ComponentSync, fmt.Errorf("resubmit sync: %w", err))
	}
}
