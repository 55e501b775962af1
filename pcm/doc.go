// Package pcm provides the ring-buffer substream the engine streams
// audio through.
//
// A [Ring] owns the buffer memory of one stream direction. The engine
// moves frames between the ring and the device and reports period
// boundaries, delay and stream errors through the [engine.Substream]
// methods. The application side writes playback frames with [Ring.Write]
// and reads captured frames with [Ring.Read].
//
// # Pointers
//
// The ring tracks two monotonic frame counters. The application counter
// advances on Write and Read. The hardware counter follows the engine's
// ring cursor, sampled through the function passed to [Ring.Bind]:
//
//	ring, _ := pcm.New(pcm.Config{FrameBytes: engine.PlaybackFrameBytes, ...})
//	p := session.Playback()
//	_ = p.Open(ring)
//	ring.Bind(p.Pointer)
//
// Playback underruns when the hardware counter passes the application
// counter; capture overruns when the hardware counter gets more than one
// buffer ahead. Either moves the ring to [StateXrun] until [Ring.Reset].
//
// # Notification
//
// [Ring.Periods] and [Ring.Xruns] return channels that receive a value for
// each event. Sends never block; events that arrive while a value is
// pending are coalesced.
package pcm
