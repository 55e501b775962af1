//go:build linux

package linux

import "unsafe"

// ioctl encoding shared by the asm-generic architectures (amd64, arm,
// arm64, 386, riscv64).
//
//	bits 0-7:   command number (nr)
//	bits 8-15:  ioctl type (type)
//	bits 16-29: argument size (size)
//	bits 30-31: direction (dir)
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func ior(typ, nr, size uintptr) uintptr  { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr  { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }
func ionone(typ, nr uintptr) uintptr     { return ioc(iocNone, typ, nr, 0) }

// usbdevfs ioctl type character.
const usbdevfsType = 'U'

// usbdevfs command numbers.
const (
	nrControl          = 0
	nrSetInterface     = 4
	nrSubmitURB        = 10
	nrDiscardURB       = 11
	nrReapURBNDelay    = 13
	nrClaimInterface   = 15
	nrReleaseInterface = 16
	nrIoctl            = 18
	nrDisconnect       = 22
)

var (
	sizeofCtrl     = unsafe.Sizeof(ctrlTransfer{})
	sizeofSetIface = unsafe.Sizeof(setInterface{})
	sizeofIoctl    = unsafe.Sizeof(usbIoctl{})
	sizeofPtr      = unsafe.Sizeof(uintptr(0))
	sizeofUint     = unsafe.Sizeof(uint32(0))
)

// usbdevfs ioctl requests.
var (
	ioctlControl          = iowr(usbdevfsType, nrControl, sizeofCtrl)
	ioctlSetInterface     = ior(usbdevfsType, nrSetInterface, sizeofSetIface)
	ioctlSubmitURB        = ior(usbdevfsType, nrSubmitURB, unsafe.Sizeof(urb{}))
	ioctlDiscardURB       = ionone(usbdevfsType, nrDiscardURB)
	ioctlReapURBNDelay    = iow(usbdevfsType, nrReapURBNDelay, sizeofPtr)
	ioctlClaimInterface   = ior(usbdevfsType, nrClaimInterface, sizeofUint)
	ioctlReleaseInterface = ior(usbdevfsType, nrReleaseInterface, sizeofUint)
	ioctlIoctl            = iowr(usbdevfsType, nrIoctl, sizeofIoctl)
	ioctlDisconnect       = ionone(usbdevfsType, nrDisconnect)
)
