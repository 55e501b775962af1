//go:build linux

// Package usbid resolves USB vendor and product IDs to names using the
// usb.ids database shipped with most Linux distributions.
//
// The daemon uses it to label attached interfaces in logs and in the status
// endpoint. Lookups fall back to a small built-in table so the EIE pro is
// named even on systems without the database:
//
//	db := usbid.New()
//	db.Load()
//	fmt.Println(db.Describe(0x09e8, 0x0010))
//
// All methods are safe for concurrent use.
package usbid
