// Package sim emulates an EIE pro behind the [hal.Bus] interface.
//
// The simulated device advances in steps of one 5 ms playback period. Each
// [Device.Step] reports the frames its clock produced on the sync
// endpoint, consumes one playback transfer, fills capture transfers with
// wire-encoded frames, and services the MIDI endpoints. [Device.Run] steps
// on a ticker. Control requests are recorded and the sampling-frequency
// requests set the device rate.
//
// Faults can be injected: zero clock reports, failing control requests and
// failing submissions.
package sim
