package engine

import (
	"github.com/ardnew/eiepro/pkg"
)

// Direction identifies an audio stream direction.
type Direction int

// Stream directions.
const (
	Playback Direction = iota
	Capture
)

// String returns the direction name.
func (d Direction) String() string {
	if d == Capture {
		return "capture"
	}
	return "playback"
}

// Substream is the host audio framework's view of one open stream: its
// ring buffer memory, geometry and notification hooks.
//
// PeriodElapsed and StreamError are called without the session lock held.
// AddDelay and SetDelay are called with it held and must not block.
type Substream interface {
	// Buffer returns the ring buffer, BufferFrames()*frame size bytes.
	Buffer() []byte

	BufferFrames() int
	PeriodFrames() int
	Rate() int
	Channels() int

	// PeriodElapsed reports that a period boundary was crossed.
	PeriodElapsed()

	// StreamError forces the stream into its xrun state.
	StreamError()

	// AddDelay adjusts the pipeline latency counter by frames.
	AddDelay(frames int)

	// SetDelay resets the pipeline latency counter.
	SetDelay(frames int)
}

// MIDIOutSource supplies pending MIDI output bytes.
type MIDIOutSource interface {
	// Transmit copies up to len(p) pending bytes into p and consumes them.
	// It must not block.
	Transmit(p []byte) int
}

// MIDIInSink receives relayed MIDI input bytes.
type MIDIInSink interface {
	// Receive is called from a completion callback and must not block.
	Receive(p []byte)
}

// Transfer kinds reported to the observer.
const (
	KindSync     = "sync"
	KindPlayback = "playback"
	KindCapture  = "capture"
	KindMIDIIn   = "midi-in"
	KindMIDIOut  = "midi-out"
)

// Observer receives engine events. Methods are called from completion
// callbacks and must be cheap and non-blocking.
type Observer interface {
	Reset(rate int, err error)
	Feedback(target, reported int, adopted bool)
	ClockStall()
	Abort()
	StreamError(dir Direction)
	PeriodElapsed(dir Direction)
	TransferDone(kind string, status pkg.TransferStatus)
	MIDIDrop()
}

type nopObserver struct{}

func (nopObserver) Reset(int, error)                        {}
func (nopObserver) Feedback(int, int, bool)                 {}
func (nopObserver) ClockStall()                             {}
func (nopObserver) Abort()                                  {}
func (nopObserver) StreamError(Direction)                   {}
func (nopObserver) PeriodElapsed(Direction)                 {}
func (nopObserver) TransferDone(string, pkg.TransferStatus) {}
func (nopObserver) MIDIDrop()                               {}
