//go:build linux

package linux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// newTestDevice builds a Device with no usbfs node behind it. Its poller
// is real so disconnect can unregister the (absent) node.
func newTestDevice(t *testing.T) *Device {
	t.Helper()
	p, err := newPoller()
	require.NoError(t, err)
	t.Cleanup(p.release)
	return &Device{
		fd:       -1,
		path:     "test",
		poller:   p,
		lost:     make(chan struct{}),
		slots:    make(map[*hal.Transfer]*urbSlot),
		inflight: make(map[uintptr]*urbSlot),
		claimed:  make(map[uint8]bool),
	}
}

// newTestSlot allocates an anonymous URB and buffer the way AllocTransfer
// does when usbfs memory is unavailable.
func newTestSlot(t *testing.T, d *Device, typ hal.TransferType, ep uint8, packets, size int) *urbSlot {
	t.Helper()
	buf, err := mapAnon(size)
	require.NoError(t, err)
	mem, err := mapAnon(sizeofURB + packets*sizeofIsoDesc)
	require.NoError(t, err)

	u, iso := urbMemory(mem, packets)
	s := &urbSlot{t: hal.NewTransfer(typ, ep, packets, buf), mem: mem, u: u, iso: iso}
	d.slots[s.t] = s
	t.Cleanup(func() { _ = unmapSlot(s) })
	return s
}

func TestFill_Isochronous(t *testing.T) {
	d := newTestDevice(t)
	s := newTestSlot(t, d, hal.TransferIsochronous, 0x02, 4, 4*72)
	for i := range s.t.Packets {
		s.t.Packets[i] = hal.IsoPacket{Offset: i * 60, Length: 60, ActualLength: 9, Status: pkg.TransferStatusError}
	}

	require.NoError(t, d.fill(s))
	assert.Equal(t, uint8(urbTypeISO), s.u.typ)
	assert.Equal(t, uint8(0x02), s.u.endpoint)
	assert.Equal(t, uint32(urbISOAsap), s.u.flags)
	assert.Equal(t, int32(4), s.u.numPackets)
	assert.Equal(t, int32(240), s.u.bufferLength)
	for i := range s.iso {
		assert.Equal(t, uint32(60), s.iso[i].length)
		assert.Zero(t, s.t.Packets[i].ActualLength)
		assert.Equal(t, pkg.TransferStatusSuccess, s.t.Packets[i].Status)
	}
}

func TestFill_Errors(t *testing.T) {
	d := newTestDevice(t)

	gap := newTestSlot(t, d, hal.TransferIsochronous, 0x02, 2, 128)
	gap.t.Packets[0] = hal.IsoPacket{Offset: 0, Length: 32}
	gap.t.Packets[1] = hal.IsoPacket{Offset: 40, Length: 32}
	assert.ErrorIs(t, d.fill(gap), pkg.ErrInvalidParameter)

	long := newTestSlot(t, d, hal.TransferBulk, 0x86, 0, 64)
	long.t.Length = 4096
	assert.ErrorIs(t, d.fill(long), pkg.ErrBufferTooSmall)
}

func TestComplete(t *testing.T) {
	d := newTestDevice(t)
	s := newTestSlot(t, d, hal.TransferIsochronous, 0x81, 2, 64)
	s.t.Packets[0] = hal.IsoPacket{Offset: 0, Length: 32}
	s.t.Packets[1] = hal.IsoPacket{Offset: 32, Length: 32}
	require.NoError(t, d.fill(s))
	require.NoError(t, s.t.Begin())
	d.inflight[s.key()] = s

	var got *hal.Transfer
	s.t.Complete = func(t *hal.Transfer) { got = t }

	s.u.status = -int32(unix.EXDEV)
	s.u.actualLength = 35
	s.iso[0].actualLength = 32
	s.iso[1].actualLength = 3
	epipe := int32(unix.EPIPE)
	s.iso[1].status = uint32(-epipe)

	d.complete(s.key())
	require.Same(t, s.t, got)
	assert.Equal(t, pkg.TransferStatusSuccess, got.Status)
	assert.Equal(t, 35, got.ActualLength)
	assert.Equal(t, 3, got.Packets[1].ActualLength)
	assert.Equal(t, pkg.TransferStatusSuccess, got.Packets[0].Status)
	assert.Equal(t, pkg.TransferStatusStall, got.Packets[1].Status)
	assert.False(t, got.Busy())
	assert.Empty(t, d.inflight)

	// A second reap of the same URB is ignored.
	got = nil
	d.complete(s.key())
	assert.Nil(t, got)
}

func TestDisconnect_FailsInflight(t *testing.T) {
	d := newTestDevice(t)
	var statuses []pkg.TransferStatus
	for _, ep := range []uint8{0x86, 0x03} {
		s := newTestSlot(t, d, hal.TransferBulk, ep, 0, 64)
		s.t.Complete = func(t *hal.Transfer) { statuses = append(statuses, t.Status) }
		require.NoError(t, d.fill(s))
		require.NoError(t, s.t.Begin())
		d.inflight[s.key()] = s
	}

	d.disconnect()
	assert.Equal(t, []pkg.TransferStatus{pkg.TransferStatusNoDevice, pkg.TransferStatusNoDevice}, statuses)
	assert.Empty(t, d.inflight)

	for tr := range d.slots {
		assert.ErrorIs(t, d.Submit(tr), pkg.ErrNoDevice)
	}

	select {
	case <-d.Gone():
	default:
		t.Fatal("Gone not closed after disconnect")
	}

	// Idempotent.
	d.disconnect()
	assert.Len(t, statuses, 2)
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(t.TempDir() + "/001")
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
}
