package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// captureBits is the number of sample bits carried per wire frame half.
const captureBits = 24

// Depack reconstructs one 16-byte capture frame from a 64-byte wire frame.
//
// Byte j of each 32-byte half carries bit 31-j of two words in its low two
// bits: bit 0 feeds words 0 and 1, bit 1 feeds words 2 and 3. The first
// half feeds words 0 and 2, the second half words 1 and 3. Words are
// written little-endian.
func Depack(dst, src []byte) {
	_ = dst[CaptureFrameBytes-1]
	_ = src[CaptureWireFrameBytes-1]

	var w0, w1, w2, w3 uint32
	for j := 0; j < captureBits; j++ {
		a, b := uint32(src[j]), uint32(src[j+32])
		w0 |= (a & 1) << (31 - j)
		w1 |= (b & 1) << (31 - j)
		w2 |= (a & 2) << (30 - j)
		w3 |= (b & 2) << (30 - j)
	}
	binary.LittleEndian.PutUint32(dst[0:], w0)
	binary.LittleEndian.PutUint32(dst[4:], w1)
	binary.LittleEndian.PutUint32(dst[8:], w2)
	binary.LittleEndian.PutUint32(dst[12:], w3)
}

// depackInto writes every complete wire frame of src into the capture ring
// and returns the number of frames written.
//
// s.mu must be held.
func (st *stream) depackInto(src []byte) int {
	ring := st.sub.Buffer()
	size := st.sub.BufferFrames()
	frames := len(src) / CaptureWireFrameBytes
	for i := 0; i < frames; i++ {
		off := st.pos * CaptureFrameBytes
		Depack(ring[off:off+CaptureFrameBytes], src[i*CaptureWireFrameBytes:])
		st.pos = (st.pos + 1) % size
	}
	return frames
}

// captureComplete depacks received frames into the capture ring while
// capture is running and resubmits the transfer.
//
// The period counter is cleared, not folded, once it passes the period
// size, so the frames past the boundary are not carried into the next
// period.
func (s *Session) captureComplete(t *hal.Transfer) {
	s.obs.TransferDone(KindCapture, t.Status)
	if t.Status != pkg.TransferStatusSuccess {
		s.stopped(pkg.ComponentCapture, t)
		return
	}

	var elapsed Substream

	s.mu.Lock()
	c := &s.capture
	if c.running && c.sub != nil {
		c.periodPos += c.depackInto(t.Buffer[:t.ActualLength])
		if c.periodPos > c.sub.PeriodFrames() {
			c.periodPos = 0
			elapsed = c.sub
		}
	}
	s.mu.Unlock()

	if elapsed != nil {
		s.obs.PeriodElapsed(Capture)
		elapsed.PeriodElapsed()
	}

	if err := s.bus.Submit(t); err != nil {
		s.fault(pkg.ComponentCapture, fmt.Errorf("resubmit capture: %w", err))
	}
}
