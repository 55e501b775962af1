// Package hal defines the host I/O boundary the streaming engine runs on.
//
// A [Bus] is one opened USB device: it allocates [Transfer] descriptors with
// coherent buffers, submits them asynchronously, cancels them synchronously,
// and carries control-channel requests. Completion callbacks run on the
// bus's own goroutines; callbacks for different endpoints may run
// concurrently, callbacks for one endpoint run in submission order.
//
// # Lifecycle
//
// Every bus implementation drives a Transfer through the same small state
// machine so that [Bus.Kill] can promise quiescence:
//
//	Begin → (hardware) → Finish(status) → Complete callback
//	Reject → discard → Quiesce
//
// A rejected transfer refuses resubmission from its own callback until
// Quiesce returns, which is what lets a halt wait for a pool that keeps
// resubmitting itself.
//
// # Descriptors
//
// [ParseDescriptors] walks the raw device and configuration descriptor
// bytes returned by [Bus.Descriptors] into interfaces, alternate settings
// and endpoints.
//
// Implementations live in [github.com/ardnew/eiepro/host/hal/linux]
// (usbfs) and [github.com/ardnew/eiepro/host/hal/sim] (simulated device).
package hal
