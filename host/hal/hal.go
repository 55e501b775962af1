package hal

import (
	"context"
)

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// Request type bits.
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeVendor    = 0x40
	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
)

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn reports whether the data stage flows device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&RequestTypeIn != 0
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	}
	return "unknown"
}

// Bus is one opened USB device as seen by the streaming engine.
//
// All methods are safe for concurrent use. Submit may be called from a
// completion callback; Kill, ControlTransfer, SetInterface and the
// allocation methods may block and must not be.
type Bus interface {
	// Transfers

	// AllocTransfer allocates a transfer for endpoint with the given number
	// of isochronous packets (0 for bulk) and a coherent buffer of size bytes.
	AllocTransfer(typ TransferType, endpoint uint8, packets, size int) (*Transfer, error)

	// FreeTransfer releases a transfer's buffer. The transfer must be idle.
	FreeTransfer(t *Transfer) error

	// Submit queues a transfer. Completion is reported through t.Complete.
	Submit(t *Transfer) error

	// Kill cancels a transfer and blocks until it is quiesced: either it
	// was idle, or its callback has returned. A callback observing the
	// cancellation sees TransferStatusCancelled.
	Kill(t *Transfer)

	// Control channel

	// ControlTransfer performs a synchronous control request. For IN
	// requests data receives the response. The context deadline bounds the
	// request.
	ControlTransfer(ctx context.Context, setup *SetupPacket, data []byte) (int, error)

	// Interfaces

	// ClaimInterface claims exclusive access to an interface.
	ClaimInterface(iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(iface uint8) error

	// SetInterface selects an alternate setting.
	SetInterface(iface, alt uint8) error

	// Descriptors returns the raw device descriptor followed by the active
	// configuration descriptor tree.
	Descriptors() ([]byte, error)

	// Close releases the device. Transfers must already be freed.
	Close() error
}
