//go:build linux

package linux

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// System paths.
const (
	// SysfsUSBPath is the base path for USB devices in sysfs.
	SysfsUSBPath = "/sys/bus/usb/devices"

	// DevfsUSBPath is the base path for USB device nodes.
	DevfsUSBPath = "/dev/bus/usb"
)

// URB transfer types for USBDEVFS_SUBMITURB.
const (
	urbTypeISO       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3
)

// URB flags.
const (
	urbISOAsap = 0x02
)

// MaxEpollEvents is the maximum events to retrieve per epoll_wait call.
const MaxEpollEvents = 32

// DefaultControlTimeoutMillis applies to control requests whose context has no
// deadline.
const DefaultControlTimeoutMillis = 1000

func urbType(t hal.TransferType) uint8 {
	switch t {
	case hal.TransferIsochronous:
		return urbTypeISO
	case hal.TransferInterrupt:
		return urbTypeInterrupt
	case hal.TransferControl:
		return urbTypeControl
	}
	return urbTypeBulk
}

// urbStatus maps a completed URB or ISO packet status (a negated errno)
// to a transfer status.
func urbStatus(status int32) pkg.TransferStatus {
	if status == 0 {
		return pkg.TransferStatusSuccess
	}
	switch unix.Errno(-status) {
	case unix.ENOENT, unix.ECONNRESET:
		return pkg.TransferStatusCancelled
	case unix.EPIPE:
		return pkg.TransferStatusStall
	case unix.EOVERFLOW:
		return pkg.TransferStatusOverrun
	case unix.ENOSR:
		return pkg.TransferStatusUnderrun
	case unix.ETIMEDOUT:
		return pkg.TransferStatusTimeout
	case unix.ENODEV, unix.ESHUTDOWN:
		return pkg.TransferStatusNoDevice
	case unix.EXDEV:
		// Partial ISO completion; per-packet status carries the detail.
		return pkg.TransferStatusSuccess
	}
	return pkg.TransferStatusError
}

// mapErrno converts an ioctl error to a package sentinel, keeping the
// errno in the chain.
func mapErrno(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	var sentinel error
	switch errno {
	case unix.ENODEV, unix.ESHUTDOWN:
		sentinel = pkg.ErrNoDevice
	case unix.EPIPE:
		sentinel = pkg.ErrStall
	case unix.ETIMEDOUT:
		sentinel = pkg.ErrTimeout
	case unix.EBUSY:
		sentinel = pkg.ErrBusy
	case unix.ENOMEM:
		sentinel = pkg.ErrNoMemory
	case unix.EINVAL:
		sentinel = pkg.ErrInvalidParameter
	case unix.ENOENT, unix.ECONNRESET:
		sentinel = pkg.ErrCancelled
	case unix.EOVERFLOW:
		sentinel = pkg.ErrOverrun
	case unix.EPROTO, unix.EILSEQ:
		sentinel = pkg.ErrProtocol
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, errno)
}
