//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/eiepro/pkg"
)

// =============================================================================
// Device Information
// =============================================================================

// Info describes a USB device discovered through sysfs.
type Info struct {
	SysfsPath    string // Directory under /sys/bus/usb/devices
	DevPath      string // Node under /dev/bus/usb
	Bus          uint8
	Address      uint8
	VendorID     uint16
	ProductID    uint16
	Speed        string // Mbit/s as reported by the kernel, e.g. "480"
	Manufacturer string
	Product      string
}

// Matches reports whether the device carries the given IDs.
func (i *Info) Matches(vid, pid uint16) bool {
	return i.VendorID == vid && i.ProductID == pid
}

// String returns "bus:address vid:pid".
func (i Info) String() string {
	return fmt.Sprintf("%03d:%03d %04x:%04x", i.Bus, i.Address, i.VendorID, i.ProductID)
}

// =============================================================================
// Sysfs Scanning
// =============================================================================

// Scan lists the USB devices under root, a sysfs devices directory such as
// SysfsUSBPath. Device nodes are reported under DevfsUSBPath.
func Scan(root string) ([]Info, error) {
	return scan(root, DevfsUSBPath)
}

// Find returns the first device under root with the given IDs, or
// pkg.ErrNoDevice.
func Find(root string, vid, pid uint16) (Info, error) {
	devices, err := Scan(root)
	if err != nil {
		return Info{}, err
	}
	for _, d := range devices {
		if d.Matches(vid, pid) {
			return d, nil
		}
	}
	return Info{}, fmt.Errorf("%w: %04x:%04x", pkg.ErrNoDevice, vid, pid)
}

func scan(root, devRoot string) ([]Info, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []Info
	for _, entry := range entries {
		name := entry.Name()

		// Root hubs are usbN; interfaces are <device>:<config>.<iface>.
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		info, err := parseDevice(filepath.Join(root, name), devRoot)
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// parseDevice reads one device directory. busnum and devnum are required.
func parseDevice(sysfsPath, devRoot string) (Info, error) {
	info := Info{SysfsPath: sysfsPath}

	bus, err := readSysfsUint8(filepath.Join(sysfsPath, "busnum"))
	if err != nil {
		return info, err
	}
	addr, err := readSysfsUint8(filepath.Join(sysfsPath, "devnum"))
	if err != nil {
		return info, err
	}
	info.Bus, info.Address = bus, addr
	info.DevPath = devPath(devRoot, bus, addr)

	if v, err := readSysfsHexUint16(filepath.Join(sysfsPath, "idVendor")); err == nil {
		info.VendorID = v
	}
	if v, err := readSysfsHexUint16(filepath.Join(sysfsPath, "idProduct")); err == nil {
		info.ProductID = v
	}
	info.Speed, _ = readSysfsString(filepath.Join(sysfsPath, "speed"))
	info.Manufacturer, _ = readSysfsString(filepath.Join(sysfsPath, "manufacturer"))
	info.Product, _ = readSysfsString(filepath.Join(sysfsPath, "product"))

	return info, nil
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsUint8 reads an unsigned decimal uint8 attribute.
func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

// readSysfsHexUint16 reads a hexadecimal uint16 attribute such as idVendor.
func readSysfsHexUint16(path string) (uint16, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// =============================================================================
// Path Helpers
// =============================================================================

// devPath builds root/BBB/DDD with zero-padded bus and device numbers.
func devPath(root string, bus, addr uint8) string {
	return filepath.Join(root, fmt.Sprintf("%03d", bus), fmt.Sprintf("%03d", addr))
}

// parseDevPath extracts bus and device numbers from a .../BBB/DDD node path.
func parseDevPath(path string) (bus, addr uint8, ok bool) {
	b, err := strconv.ParseUint(filepath.Base(filepath.Dir(path)), 10, 8)
	if err != nil {
		return 0, 0, false
	}
	a, err := strconv.ParseUint(filepath.Base(path), 10, 8)
	if err != nil {
		return 0, 0, false
	}
	return uint8(b), uint8(a), true
}
