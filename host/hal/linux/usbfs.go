//go:build linux

package linux

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// =============================================================================
// Kernel Structures
// =============================================================================

// urb matches the kernel's struct usbdevfs_urb. ISO packet descriptors
// follow it in the same allocation.
type urb struct {
	typ          uint8
	endpoint     uint8
	status       int32
	flags        uint32
	buffer       uintptr
	bufferLength int32
	actualLength int32
	startFrame   int32
	numPackets   int32 // union with stream_id
	errorCount   int32
	signr        uint32
	userContext  uintptr
}

// isoPacketDesc matches the kernel's struct usbdevfs_iso_packet_desc.
type isoPacketDesc struct {
	length       uint32
	actualLength uint32
	status       uint32
}

const (
	sizeofURB     = int(unsafe.Sizeof(urb{}))
	sizeofIsoDesc = int(unsafe.Sizeof(isoPacketDesc{}))
)

// ctrlTransfer matches the kernel's struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32 // milliseconds
	data        uintptr
}

// setInterface matches the kernel's struct usbdevfs_setinterface.
type setInterface struct {
	iface uint32
	alt   uint32
}

// usbIoctl matches the kernel's struct usbdevfs_ioctl.
type usbIoctl struct {
	ifno int32
	code int32
	data uintptr
}

// =============================================================================
// Syscall Wrappers
// =============================================================================

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

func controlTransfer(fd int, c *ctrlTransfer) (int, error) {
	return ioctlPtr(fd, ioctlControl, unsafe.Pointer(c))
}

func claimInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctlPtr(fd, ioctlClaimInterface, unsafe.Pointer(&n))
	return err
}

func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctlPtr(fd, ioctlReleaseInterface, unsafe.Pointer(&n))
	return err
}

// disconnectDriver detaches the kernel driver bound to iface.
func disconnectDriver(fd int, iface uint8) error {
	req := usbIoctl{ifno: int32(iface), code: int32(ioctlDisconnect)}
	_, err := ioctlPtr(fd, ioctlIoctl, unsafe.Pointer(&req))
	return err
}

func setAltSetting(fd int, iface, alt uint8) error {
	req := setInterface{iface: uint32(iface), alt: uint32(alt)}
	_, err := ioctlPtr(fd, ioctlSetInterface, unsafe.Pointer(&req))
	return err
}

// submitURB hands u to the kernel. u must live in memory the garbage
// collector does not manage.
func submitURB(fd int, u *urb) error {
	_, err := ioctlPtr(fd, ioctlSubmitURB, unsafe.Pointer(u))
	return err
}

// discardURB cancels u. The kernel still returns it through reap.
func discardURB(fd int, u *urb) error {
	_, err := ioctlPtr(fd, ioctlDiscardURB, unsafe.Pointer(u))
	return err
}

// reapURBNDelay returns the address of a completed URB, or EAGAIN.
func reapURBNDelay(fd int) (uintptr, error) {
	var ptr uintptr
	_, err := ioctlPtr(fd, ioctlReapURBNDelay, unsafe.Pointer(&ptr))
	return ptr, err
}

// =============================================================================
// Memory
// =============================================================================

// mapBuffer returns size bytes of transfer memory. It prefers usbfs
// coherent memory mapped from fd and falls back to an anonymous mapping.
func mapBuffer(fd, size int) ([]byte, bool, error) {
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err == nil {
		return buf, true, nil
	}
	buf, err = mapAnon(size)
	return buf, false, err
}

func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// urbMemory lays out a URB followed by n ISO packet descriptors in mem.
func urbMemory(mem []byte, n int) (*urb, []isoPacketDesc) {
	u := (*urb)(unsafe.Pointer(&mem[0]))
	if n == 0 {
		return u, nil
	}
	descs := unsafe.Slice((*isoPacketDesc)(unsafe.Pointer(&mem[sizeofURB])), n)
	return u, descs
}
