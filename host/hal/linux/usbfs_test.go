//go:build linux && (amd64 || arm64)

package linux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKernelStructSizes(t *testing.T) {
	assert.Equal(t, 56, sizeofURB)
	assert.Equal(t, 12, sizeofIsoDesc)
}

func TestIoctlNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"CONTROL", ioctlControl, 0xc0185500},
		{"SETINTERFACE", ioctlSetInterface, 0x80085504},
		{"SUBMITURB", ioctlSubmitURB, 0x8038550a},
		{"DISCARDURB", ioctlDiscardURB, 0x550b},
		{"REAPURBNDELAY", ioctlReapURBNDelay, 0x4008550d},
		{"CLAIMINTERFACE", ioctlClaimInterface, 0x8004550f},
		{"RELEASEINTERFACE", ioctlReleaseInterface, 0x80045510},
		{"IOCTL", ioctlIoctl, 0xc0105512},
		{"DISCONNECT", ioctlDisconnect, 0x5516},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got, "got %#x", tt.got)
		})
	}
}

func TestURBMemory(t *testing.T) {
	mem, err := mapAnon(sizeofURB + 3*sizeofIsoDesc)
	if err != nil {
		t.Skipf("mmap unavailable: %v", err)
	}
	u, iso := urbMemory(mem, 3)
	u.numPackets = 3
	iso[2].length = 0xabcd

	assert.Len(t, iso, 3)
	assert.Equal(t, byte(0xcd), mem[sizeofURB+2*sizeofIsoDesc])
	assert.Equal(t, byte(3), mem[36]) // number_of_packets
}
