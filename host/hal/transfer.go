package hal

import (
	"sync"

	"github.com/ardnew/eiepro/pkg"
)

// IsoPacket describes one isochronous sub-packet of a transfer buffer.
type IsoPacket struct {
	Offset       int // Byte offset into Buffer
	Length       int // Requested length
	ActualLength int // Bytes moved, valid after completion
	Status       pkg.TransferStatus
}

// Transfer is an asynchronous transfer descriptor with a fixed buffer.
//
// The exported fields are owned by the submitter while the transfer is idle
// and by the bus while it is in flight.
type Transfer struct {
	Type     TransferType
	Endpoint uint8

	// Buffer is the coherent buffer. Its length is the capacity.
	Buffer []byte

	// Length is the number of bytes to move for bulk and interrupt
	// transfers. Isochronous transfers use Packets.
	Length int

	Packets []IsoPacket

	ActualLength int
	Status       pkg.TransferStatus

	// Complete is invoked on the bus goroutine when the transfer finishes.
	Complete func(*Transfer)

	// Context is opaque to the bus.
	Context any

	mu         sync.Mutex
	idle       sync.Cond
	inFlight   bool
	inCallback bool
	rejected   bool
}

// NewTransfer builds a transfer over buf. Bus implementations call it from
// AllocTransfer.
func NewTransfer(typ TransferType, endpoint uint8, packets int, buf []byte) *Transfer {
	t := &Transfer{
		Type:     typ,
		Endpoint: endpoint,
		Buffer:   buf,
		Length:   len(buf),
	}
	if packets > 0 {
		t.Packets = make([]IsoPacket, packets)
	}
	t.idle.L = &t.mu
	return t
}

// IsIn reports whether the transfer moves data device to host.
func (t *Transfer) IsIn() bool {
	return t.Endpoint&0x80 != 0
}

// IsoLength returns the sum of requested packet lengths.
func (t *Transfer) IsoLength() int {
	n := 0
	for i := range t.Packets {
		n += t.Packets[i].Length
	}
	return n
}

// Begin marks the transfer in flight. It fails with pkg.ErrCancelled while
// a kill is pending and pkg.ErrBusy if the transfer is already queued.
func (t *Transfer) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejected {
		return pkg.ErrCancelled
	}
	if t.inFlight {
		return pkg.ErrBusy
	}
	t.inFlight = true
	return nil
}

// Abandon undoes Begin when the bus could not hand the transfer over.
func (t *Transfer) Abandon() {
	t.mu.Lock()
	t.inFlight = false
	t.mu.Unlock()
	t.idle.Broadcast()
}

// Finish records the completion status and runs the callback. The callback
// may resubmit the transfer.
func (t *Transfer) Finish(status pkg.TransferStatus) {
	t.mu.Lock()
	t.inFlight = false
	t.inCallback = true
	t.mu.Unlock()

	t.Status = status
	if t.Complete != nil {
		t.Complete(t)
	}

	t.mu.Lock()
	t.inCallback = false
	t.mu.Unlock()
	t.idle.Broadcast()
}

// Reject blocks further submissions and reports whether the transfer is
// currently owned by the hardware.
func (t *Transfer) Reject() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejected = true
	return t.inFlight
}

// Quiesce waits until the transfer is neither in flight nor inside its
// callback, then accepts submissions again.
func (t *Transfer) Quiesce() {
	t.mu.Lock()
	for t.inFlight || t.inCallback {
		t.idle.Wait()
	}
	t.rejected = false
	t.mu.Unlock()
}

// Busy reports whether the transfer is in flight or completing.
func (t *Transfer) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight || t.inCallback
}
