package engine

import (
	"fmt"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// playSlot is the per-transfer playback state.
type playSlot struct {
	// silent is set when the buffer holds zeros for len frames.
	silent bool
	// len is the last staged frame count.
	len int
}

// partition splits frames into len(packets) sub-packets whose cumulative
// boundary after packet i is frames*(i+1)/len(packets).
func partition(packets []hal.IsoPacket, frames, frameBytes int) {
	n := len(packets)
	filled := 0
	for i := range packets {
		end := frames * (i + 1) / n
		length := end - filled
		if length < 0 {
			length = 0
		}
		packets[i].Offset = filled * frameBytes
		packets[i].Length = length * frameBytes
		filled += length
	}
}

// copyFromRing copies len(dst) bytes out of ring starting at frame pos,
// wrapping at the end of the ring.
func copyFromRing(dst, ring []byte, pos, frameBytes int) {
	start := pos * frameBytes
	n := copy(dst, ring[start:])
	copy(dst[n:], ring)
}

// fill stages the next playback transfer. Cursors are untouched when the
// frame count does not fit the transfer or the ring.
//
// s.mu must be held.
func (s *Session) fill(t *hal.Transfer) (int, error) {
	slot := t.Context.(*playSlot)
	frames := s.nextFrameCount()
	n := frames * PlaybackFrameBytes
	if n > len(t.Buffer) {
		return 0, fmt.Errorf("%d frames in %d byte transfer: %w", frames, len(t.Buffer), pkg.ErrCapacity)
	}

	p := &s.playback
	if p.running && p.sub != nil {
		size := p.sub.BufferFrames()
		if frames > size {
			return 0, fmt.Errorf("%d frames in %d frame ring: %w", frames, size, pkg.ErrCapacity)
		}
		copyFromRing(t.Buffer[:n], p.sub.Buffer(), p.pos, PlaybackFrameBytes)
		p.pos = (p.pos + frames) % size
		p.periodPos += frames
		p.sub.AddDelay(frames)
		slot.silent = false
	} else if !slot.silent || frames != slot.len {
		clear(t.Buffer[:n])
		slot.silent = true
	}
	slot.len = frames

	partition(t.Packets, frames, PlaybackFrameBytes)
	return frames, nil
}

// periodCrossed folds the played-frames counter into the period and
// reports whether a boundary was crossed.
//
// s.mu must be held.
func (st *stream) periodCrossed() bool {
	if st.sub == nil {
		return false
	}
	period := st.sub.PeriodFrames()
	if period <= 0 || st.periodPos < period {
		return false
	}
	st.periodPos %= period
	return true
}

// playbackComplete consumes the finished transfer, stages the next one and
// resubmits it.
func (s *Session) playbackComplete(t *hal.Transfer) {
	s.obs.TransferDone(KindPlayback, t.Status)
	if t.Status != pkg.TransferStatusSuccess {
		s.stopped(pkg.ComponentPlayback, t)
		return
	}

	if s.flowing.Set() {
		pkg.LogDebug(pkg.ComponentPlayback, "transfers flowing")
	}

	var (
		elapsed Substream
		fault   error
	)

	s.mu.Lock()
	slot := t.Context.(*playSlot)
	p := &s.playback
	if !slot.silent && p.sub != nil {
		p.sub.AddDelay(-slot.len)
	}
	if _, err := s.fill(t); err != nil {
		fault = err
	} else {
		if p.running && p.periodCrossed() {
			elapsed = p.sub
		}
		if err := s.bus.Submit(t); err != nil {
			fault = fmt.Errorf("resubmit playback: %w", err)
		}
	}
	s.mu.Unlock()

	if elapsed != nil {
		s.obs.PeriodElapsed(Playback)
		elapsed.PeriodElapsed()
	}
	if fault != nil {
		s.fault(pkg.ComponentPlayback, fault)
	}
}

// startPlayback stages and submits every playback slot from silence.
func (s *Session) startPlayback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.playPool.slots {
		slot := t.Context.(*playSlot)
		slot.silent = true
		slot.len = 0
		if _, err := s.fill(t); err != nil {
			return fmt.Errorf("fill playback transfer %d: %w", i, err)
		}
		if err := s.bus.Submit(t); err != nil {
			return fmt.Errorf("submit playback transfer %d: %w", i, err)
		}
	}
	return nil
}
