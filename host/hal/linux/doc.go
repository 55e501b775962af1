// Package linux implements hal.Bus over the Linux usbfs interface.
//
// A Device is one opened node under /dev/bus/usb. Transfers are submitted
// as URBs with USBDEVFS_SUBMITURB and their completions are reaped with
// USBDEVFS_REAPURBNDELAY when epoll reports the node writable. Completion
// callbacks run on the reaper goroutine. Transfer buffers are mapped from
// the usbfs node where the kernel supports it, and URBs live in anonymous
// mappings, so neither moves while the kernel holds its address.
//
// Scan and Find locate devices through sysfs. A Watcher follows the
// /dev/bus/usb tree with fsnotify and reports a device's arrival and
// removal:
//
//	w, err := linux.NewWatcher(linux.SysfsUSBPath, linux.DevfsUSBPath, 0x09e8, 0x0010)
//	...
//	go w.Run(ctx, events)
//
// The running user needs read and write access to the device node, usually
// granted by a udev rule.
package linux
