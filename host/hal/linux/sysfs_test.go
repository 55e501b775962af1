//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/eiepro/pkg"
)

// writeSysfsDevice creates a device directory with the attributes usbfs
// discovery reads.
func writeSysfsDevice(t *testing.T, root, name string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for k, v := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644))
	}
}

func eieAttrs(bus, dev string) map[string]string {
	return map[string]string{
		"busnum":       bus,
		"devnum":       dev,
		"idVendor":     "09e8",
		"idProduct":    "0010",
		"speed":        "12",
		"manufacturer": "AKAI",
		"product":      "EIE pro",
	}
}

func testSysfs(t *testing.T) string {
	root := t.TempDir()
	writeSysfsDevice(t, root, "usb1", map[string]string{"busnum": "1", "devnum": "1"})
	writeSysfsDevice(t, root, "1-1", map[string]string{
		"busnum": "1", "devnum": "2", "idVendor": "046d", "idProduct": "c52b",
	})
	writeSysfsDevice(t, root, "1-1:1.0", map[string]string{"bInterfaceNumber": "00"})
	writeSysfsDevice(t, root, "3-2", eieAttrs("3", "7"))
	writeSysfsDevice(t, root, "3-4", map[string]string{"idVendor": "09e8"}) // no busnum
	return root
}

func TestScan(t *testing.T) {
	devices, err := Scan(testSysfs(t))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	byPath := map[string]Info{}
	for _, d := range devices {
		byPath[filepath.Base(d.SysfsPath)] = d
	}
	eie := byPath["3-2"]
	assert.Equal(t, uint8(3), eie.Bus)
	assert.Equal(t, uint8(7), eie.Address)
	assert.Equal(t, "/dev/bus/usb/003/007", eie.DevPath)
	assert.Equal(t, uint16(0x09e8), eie.VendorID)
	assert.Equal(t, uint16(0x0010), eie.ProductID)
	assert.Equal(t, "12", eie.Speed)
	assert.Equal(t, "EIE pro", eie.Product)
	assert.Equal(t, "003:007 09e8:0010", eie.String())
}

func TestScan_MissingRoot(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	root := testSysfs(t)

	info, err := Find(root, 0x09e8, 0x0010)
	require.NoError(t, err)
	assert.Equal(t, "3-2", filepath.Base(info.SysfsPath))

	_, err = Find(root, 0x1234, 0x5678)
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
}

func TestDevPath(t *testing.T) {
	tests := []struct {
		bus, addr uint8
		want      string
	}{
		{1, 1, "/dev/bus/usb/001/001"},
		{12, 34, "/dev/bus/usb/012/034"},
		{255, 255, "/dev/bus/usb/255/255"},
	}
	for _, tt := range tests {
		got := devPath(DevfsUSBPath, tt.bus, tt.addr)
		assert.Equal(t, tt.want, got)

		bus, addr, ok := parseDevPath(got)
		assert.True(t, ok)
		assert.Equal(t, tt.bus, bus)
		assert.Equal(t, tt.addr, addr)
	}

	_, _, ok := parseDevPath("/dev/bus/usb/001/abc")
	assert.False(t, ok)
}
