// Package bridge connects an engine.Session to the host: a miniaudio
// duplex device moves audio between the host's default devices and the
// session's PCM rings, and virtual MIDI ports carry MIDI both ways.
//
// Each bridge has a Run method that blocks until its context ends or the
// session goes away, and a Close method that releases host resources.
package bridge
