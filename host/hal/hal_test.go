package hal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/eiepro/pkg"
)

// =============================================================================
// SetupPacket Tests
// =============================================================================

func TestSetupPacket_MarshalParse(t *testing.T) {
	in := SetupPacket{RequestType: 0x22, Request: 1, Value: 0x0100, Index: 134, Length: 3}
	buf := make([]byte, SetupPacketSize)
	require.Equal(t, SetupPacketSize, in.MarshalTo(buf))
	assert.Equal(t, []byte{0x22, 0x01, 0x00, 0x01, 0x86, 0x00, 0x03, 0x00}, buf)

	var out SetupPacket
	require.True(t, ParseSetupPacket(buf, &out))
	assert.Equal(t, in, out)
	assert.False(t, out.IsIn())

	assert.Equal(t, 0, in.MarshalTo(buf[:4]))
	assert.False(t, ParseSetupPacket(buf[:7], &out))
}

// =============================================================================
// Descriptor Tests
// =============================================================================

func deviceDescriptor(vid, pid uint16) []byte {
	return []byte{
		18, DescriptorTypeDevice, 0x00, 0x02, 0xff, 0x00, 0x00, 64,
		byte(vid), byte(vid >> 8), byte(pid), byte(pid >> 8),
		0x00, 0x01, 1, 2, 0, 1,
	}
}

func configTree() []byte {
	body := []byte{
		// interface 0 alt 0, alt 1 with ISO OUT 0x02
		9, DescriptorTypeInterface, 0, 0, 0, 0xff, 0, 0, 0,
		9, DescriptorTypeInterface, 0, 1, 1, 0xff, 0, 0, 0,
		7, DescriptorTypeEndpoint, 0x02, 0x05, 0x38, 0x01, 1,
		// interface 1 alt 1 with sync, capture, MIDI in, MIDI out
		9, DescriptorTypeInterface, 1, 1, 4, 0xff, 0, 0, 0,
		7, DescriptorTypeEndpoint, 0x81, 0x11, 0x04, 0x00, 4,
		6, 0x25, 0x01, 0x00, 0x00, 0x00, // class-specific, skipped
		7, DescriptorTypeEndpoint, 0x86, 0x02, 0x00, 0x02, 0,
		7, DescriptorTypeEndpoint, 0x83, 0x02, 0x40, 0x00, 0,
		7, DescriptorTypeEndpoint, 0x03, 0x02, 0x40, 0x00, 0,
	}
	total := ConfigurationDescriptorSize + len(body)
	head := []byte{9, DescriptorTypeConfiguration, byte(total), byte(total >> 8), 2, 1, 0, 0x80, 50}
	return append(head, body...)
}

func TestParseDescriptors(t *testing.T) {
	raw := append(deviceDescriptor(0x09e8, 0x0010), configTree()...)

	cfg, err := ParseDescriptors(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x09e8), cfg.Device.VendorID)
	assert.Equal(t, uint16(0x0010), cfg.Device.ProductID)
	assert.Equal(t, uint8(1), cfg.Value)
	require.Len(t, cfg.Interfaces, 3)

	play := cfg.Interface(0, 1)
	require.NotNil(t, play)
	out := play.Endpoint(TransferIsochronous, false, 0)
	require.NotNil(t, out)
	assert.Equal(t, uint8(0x02), out.Address)
	assert.Equal(t, 312, out.MaxPacket())

	rec := cfg.Interface(1, 1)
	require.NotNil(t, rec)
	require.Len(t, rec.Endpoints, 4)
	assert.Equal(t, uint8(0x81), rec.Endpoint(TransferIsochronous, true, 0).Address)
	assert.Equal(t, uint8(0x86), rec.Endpoint(TransferBulk, true, 0).Address)
	assert.Equal(t, 512, rec.Endpoint(TransferBulk, true, 0).MaxPacket())
	assert.Equal(t, uint8(0x83), rec.Endpoint(TransferBulk, true, 1).Address)
	assert.Equal(t, uint8(0x03), rec.Endpoint(TransferBulk, false, 0).Address)
	assert.Nil(t, rec.Endpoint(TransferBulk, true, 2))
	assert.Nil(t, cfg.Interface(2, 0))
}

func TestParseDescriptors_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, pkg.ErrDescriptorTooShort},
		{"not device", append([]byte{18, 0x02}, make([]byte, 16)...), pkg.ErrDescriptorTypeMismatch},
		{"no config", deviceDescriptor(1, 2), pkg.ErrDescriptorTooShort},
		{"bad config type", append(deviceDescriptor(1, 2), 9, 0x04, 9, 0, 0, 1, 0, 0, 0), pkg.ErrDescriptorTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDescriptors(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEndpointDescriptor_MaxPacketHighBandwidth(t *testing.T) {
	ep := EndpointDescriptor{MaxPacketSize: 0x1400} // 1024 bytes, 3 transactions
	assert.Equal(t, 3*1024, ep.MaxPacket())
}

// =============================================================================
// Transfer Lifecycle Tests
// =============================================================================

func TestTransfer_BeginFinish(t *testing.T) {
	tr := NewTransfer(TransferIsochronous, 0x02, 4, make([]byte, 48))
	require.Len(t, tr.Packets, 4)
	assert.False(t, tr.IsIn())

	var calls int
	tr.Complete = func(x *Transfer) {
		calls++
		assert.Equal(t, pkg.TransferStatusSuccess, x.Status)
	}

	require.NoError(t, tr.Begin())
	assert.ErrorIs(t, tr.Begin(), pkg.ErrBusy)
	assert.True(t, tr.Busy())

	tr.Finish(pkg.TransferStatusSuccess)
	assert.Equal(t, 1, calls)
	assert.False(t, tr.Busy())
}

func TestTransfer_RejectBlocksResubmit(t *testing.T) {
	tr := NewTransfer(TransferBulk, 0x86, 0, make([]byte, 64))

	var resubmitErr error
	tr.Complete = func(x *Transfer) {
		resubmitErr = x.Begin()
	}

	require.NoError(t, tr.Begin())
	assert.True(t, tr.Reject())

	done := make(chan struct{})
	go func() {
		tr.Quiesce()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Quiesce returned while transfer in flight")
	case <-time.After(20 * time.Millisecond):
	}

	tr.Finish(pkg.TransferStatusCancelled)
	<-done

	assert.ErrorIs(t, resubmitErr, pkg.ErrCancelled)
	assert.False(t, tr.Busy())
	assert.NoError(t, tr.Begin(), "quiesced transfer accepts submissions again")
}

func TestTransfer_QuiesceWaitsForCallback(t *testing.T) {
	tr := NewTransfer(TransferBulk, 0x83, 0, make([]byte, 64))

	entered := make(chan struct{})
	release := make(chan struct{})
	tr.Complete = func(*Transfer) {
		close(entered)
		<-release
	}

	require.NoError(t, tr.Begin())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tr.Finish(pkg.TransferStatusSuccess)
	}()
	<-entered

	assert.False(t, tr.Reject(), "transfer is in its callback, not in flight")
	quiesced := make(chan struct{})
	go func() {
		tr.Quiesce()
		close(quiesced)
	}()

	select {
	case <-quiesced:
		t.Fatal("Quiesce returned while callback running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	<-quiesced
}

func TestTransfer_Abandon(t *testing.T) {
	tr := NewTransfer(TransferBulk, 0x03, 0, make([]byte, 9))
	require.NoError(t, tr.Begin())
	tr.Abandon()
	assert.False(t, tr.Busy())
	assert.Equal(t, 9, tr.Length)
}
