// Package engine implements the realtime streaming engine of the Akai EIE
// pro USB audio/MIDI interface.
//
// A [Session] owns one attached device. It programs the device clock,
// keeps fixed pools of asynchronous transfers in flight on the playback,
// sync feedback, capture and MIDI endpoints, reconciles the device's
// free-running sample clock against the host ring buffers, and depacks the
// bit-interleaved capture wire format into linear PCM.
//
// The host audio framework is reached through [Substream]; MIDI through
// [MIDIOutSource] and [MIDIInSink]; the USB device through [hal.Bus].
//
// # Concurrency
//
// All stream state is mutated inside transfer completion callbacks under a
// single session lock. Callbacks never block: they copy, resubmit and
// return, and external period notifications are issued after the lock is
// released. The clock feedback counter and the MIDI output slot mask are
// lock-free. The only blocking wait, for the first playback completion
// after a reset, happens in [PCM.Prepare].
//
// # Session states
//
//	Uninitialized → Negotiating → Flowing → Faulted → Negotiating
//	                                      ↘ Disconnected
package engine
