package engine

import (
	"time"
)

// USB identity of the EIE pro.
const (
	VendorID  = 0x09e8
	ProductID = 0x0010
)

// Interfaces and alternate settings used while streaming.
const (
	InterfacePlayback = 0
	InterfaceCapture  = 1
	StreamingAlt      = 1
)

// Wire constants.
const (
	// PlaybackFrameBytes is 4 channels of packed 24-bit samples.
	PlaybackFrameBytes = 12

	// CaptureFrameBytes is 4 channels of 32-bit words.
	CaptureFrameBytes = 16

	// CaptureWireFrameBytes is the raw size of one capture frame on the wire.
	CaptureWireFrameBytes = 64

	// PlaybackPackets is the number of isochronous sub-packets per
	// playback transfer.
	PlaybackPackets = 40

	// FeedbackWindow bounds, exclusively, how far the device's reported
	// frame count may stray from the local target and still be adopted.
	FeedbackWindow = 10

	// ReferenceRate is the one rate that is not a whole number of frames
	// per 5 ms fill and therefore alternates frame counts.
	ReferenceRate = 44100

	// MIDIOutTransferBytes is the fixed MIDI output transfer size.
	MIDIOutTransferBytes = 9

	// MIDIOutDataBytes is the number of MIDI bytes carried per transfer.
	MIDIOutDataBytes = 3

	// MIDIFiller pads MIDI output transfers and marks idle bytes on input.
	MIDIFiller = 0xfd

	// MIDITerminator closes every MIDI output transfer.
	MIDITerminator = 0x00

	// DefaultControlTimeout bounds each initialization command.
	DefaultControlTimeout = time.Second
)

// Channels is the channel count in both directions.
const Channels = 4

// Format names a sample layout accepted by a stream.
type Format int

// Sample formats.
const (
	FormatS24_3LE Format = iota // playback: packed 24-bit
	FormatS32_LE                // capture: 32-bit words
)

// String returns the ALSA-style format name.
func (f Format) String() string {
	switch f {
	case FormatS24_3LE:
		return "S24_3LE"
	case FormatS32_LE:
		return "S32_LE"
	}
	return "unknown"
}

// Hardware lists the stream parameters the device can run.
type Hardware struct {
	Rates          []int
	Channels       int
	MinPeriod      int // frames
	MinPeriods     int
	MinBufferTime  time.Duration
	PlaybackFormat Format
	CaptureFormat  Format
}

// DefaultHardware is the EIE pro parameter space.
var DefaultHardware = Hardware{
	Rates:          []int{44100, 48000, 88200, 96000},
	Channels:       Channels,
	MinPeriod:      64,
	MinPeriods:     2,
	MinBufferTime:  10 * time.Millisecond,
	PlaybackFormat: FormatS24_3LE,
	CaptureFormat:  FormatS32_LE,
}

// SupportsRate reports whether rate is one of the device rates.
func (h *Hardware) SupportsRate(rate int) bool {
	for _, r := range h.Rates {
		if r == rate {
			return true
		}
	}
	return false
}

// Config controls pool sizes and timeouts of a Session.
type Config struct {
	SyncTransfers     int
	PlaybackTransfers int
	CaptureTransfers  int
	MIDIInTransfers   int
	MIDIOutTransfers  int

	// ControlTimeout bounds each initialization command.
	ControlTimeout time.Duration

	// DisableMIDI skips MIDI endpoint discovery and pool allocation.
	DisableMIDI bool

	Hardware Hardware

	// Observer receives engine events. Nil means no observer.
	Observer Observer
}

// DefaultConfig returns the pool sizes the device was designed around.
func DefaultConfig() Config {
	return Config{
		SyncTransfers:     2,
		PlaybackTransfers: 2,
		CaptureTransfers:  2,
		MIDIInTransfers:   2,
		MIDIOutTransfers:  2,
		ControlTimeout:    DefaultControlTimeout,
		Hardware:          DefaultHardware,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.SyncTransfers <= 0 {
		c.SyncTransfers = def.SyncTransfers
	}
	if c.PlaybackTransfers <= 0 {
		c.PlaybackTransfers = def.PlaybackTransfers
	}
	if c.CaptureTransfers <= 0 {
		c.CaptureTransfers = def.CaptureTransfers
	}
	if c.MIDIInTransfers <= 0 {
		c.MIDIInTransfers = def.MIDIInTransfers
	}
	if c.MIDIOutTransfers <= 0 {
		c.MIDIOutTransfers = def.MIDIOutTransfers
	}
	// The slot mask is a uint32.
	if c.MIDIOutTransfers > 32 {
		c.MIDIOutTransfers = 32
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = def.ControlTimeout
	}
	if len(c.Hardware.Rates) == 0 {
		c.Hardware = def.Hardware
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
}
