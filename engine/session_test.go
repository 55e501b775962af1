package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/host/hal/sim"
	"github.com/ardnew/eiepro/pkg"
)

func TestAttach_Endpoints(t *testing.T) {
	s, bus, _ := attachFake(t)

	assert.Equal(t, uint8(sim.EndpointPlayback), s.ep.playback)
	assert.Equal(t, uint8(sim.EndpointSync), s.ep.sync)
	assert.Equal(t, uint8(sim.EndpointCapture), s.ep.capture)
	assert.Equal(t, uint8(sim.EndpointMIDIIn), s.ep.midiIn)
	assert.Equal(t, uint8(sim.EndpointMIDIOut), s.ep.midiOut)
	assert.Equal(t, 312, s.ep.playbackMax)
	assert.Equal(t, 512, s.ep.captureMax)
	assert.True(t, s.HasMIDI())

	assert.Equal(t, 10, bus.allocs)
	assert.True(t, bus.claimed[InterfacePlayback])
	assert.True(t, bus.claimed[InterfaceCapture])
	assert.Equal(t, StateUninitialized, s.State())

	assert.Len(t, s.playPool.slots[0].Buffer, PlaybackPackets*312)
	assert.Len(t, s.playPool.slots[0].Packets, PlaybackPackets)
	assert.Len(t, s.syncPool.slots[0].Packets, 1)
	assert.Len(t, s.midiOutPool.slots[1].Buffer, MIDIOutTransferBytes)
}

func TestAttach_AllocFailureUnwinds(t *testing.T) {
	bus := newFakeBus()
	bus.failAlloc = 4

	_, err := Attach(bus, DefaultConfig())
	require.ErrorIs(t, err, pkg.ErrNoMemory)
	assert.Equal(t, 3, bus.frees)
	assert.Empty(t, bus.claimed)
}

func TestAttach_MissingStreamingEndpoints(t *testing.T) {
	bus := newFakeBus()
	bus.desc = bus.desc[:len(bus.desc)/2]

	_, err := Attach(bus, DefaultConfig())
	require.Error(t, err)
	assert.Empty(t, bus.claimed)
}

func TestClose_ReleasesPendingPrepare(t *testing.T) {
	s, bus, _ := attachFake(t)
	require.NoError(t, s.Playback().Open(newFakeSubstream(PlaybackFrameBytes, 960, 240, 48000)))

	done := prepareAsync(context.Background(), s.Playback())
	require.Eventually(t, func() bool {
		return bus.pending(sim.EndpointPlayback) == 2
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-done, pkg.ErrDisconnected)

	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, bus.allocs, bus.frees)
	assert.Empty(t, bus.claimed)
	assert.Zero(t, bus.pending(sim.EndpointPlayback))

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}

	require.NoError(t, s.Close(), "second close is a no-op")
	assert.ErrorIs(t, s.Playback().Open(newFakeSubstream(PlaybackFrameBytes, 960, 240, 48000)), pkg.ErrDisconnected)
	assert.ErrorIs(t, s.Capture().Open(newFakeSubstream(CaptureFrameBytes, 960, 240, 48000)), pkg.ErrDisconnected)
	assert.ErrorIs(t, s.Capture().Prepare(context.Background()), pkg.ErrDisconnected)
}

func TestClose_SignalsRunningStreams(t *testing.T) {
	s, _, _ := attachFake(t)
	sub := runningPlayback(t, s, 960, 480)

	require.NoError(t, s.Close())
	_, errs := sub.counts()
	assert.Equal(t, 1, errs)
}

func TestStatus_JSON(t *testing.T) {
	s, _, _ := attachFake(t)
	runningPlayback(t, s, 960, 480)

	st := s.Status()
	assert.Equal(t, "flowing", st.State)
	assert.True(t, st.PlaybackRunning)
	assert.False(t, st.CaptureOpen)

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"rate":48000`)
	assert.Contains(t, string(raw), `"playback_running":true`)
}

// =============================================================================
// Simulated device
// =============================================================================

func attachSim(t *testing.T, opts sim.Options) (*Session, *sim.Device) {
	t.Helper()
	dev := sim.New(opts)
	s, err := Attach(dev, DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = dev.Run(ctx, time.Millisecond) }()
	t.Cleanup(func() {
		_ = s.Close()
		cancel()
	})
	return s, dev
}

func prepareSim(t *testing.T, p *PCM) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Prepare(ctx))
}

func TestSim_Playback(t *testing.T) {
	s, dev := attachSim(t, sim.DefaultOptions())

	sub := newFakeSubstream(PlaybackFrameBytes, 960, 240, 48000)
	for i := range sub.buf {
		sub.buf[i] = 0x5a
	}
	require.NoError(t, s.Playback().Open(sub))
	prepareSim(t, s.Playback())

	assert.Equal(t, 48000, dev.Rate())
	assert.Equal(t, uint8(1), dev.AltSetting(InterfacePlayback))
	assert.Equal(t, uint8(1), dev.AltSetting(InterfaceCapture))
	assert.Equal(t, StateFlowing, s.State())

	require.NoError(t, s.Playback().Trigger(true))
	require.Eventually(t, func() bool {
		periods, _ := sub.counts()
		return periods >= 4
	}, 5*time.Second, time.Millisecond)

	played, _ := dev.Played()
	assert.Contains(t, string(played), string([]byte{0x5a, 0x5a, 0x5a, 0x5a}))
	_, errs := sub.counts()
	assert.Zero(t, errs)
}

func TestSim_Capture(t *testing.T) {
	s, _ := attachSim(t, sim.DefaultOptions())

	// One second of ring so the first frames are not overwritten.
	sub := newFakeSubstream(CaptureFrameBytes, 48000, 240, 48000)
	require.NoError(t, s.Capture().Open(sub))
	prepareSim(t, s.Capture())
	require.NoError(t, s.Capture().Trigger(true))

	require.Eventually(t, func() bool {
		return s.Capture().Pointer() >= 16
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, s.Capture().Trigger(false))

	s.mu.Lock()
	defer s.mu.Unlock()
	first := binary.LittleEndian.Uint32(sub.buf[0:])
	for f := 0; f < 16; f++ {
		for c := 0; c < Channels; c++ {
			got := binary.LittleEndian.Uint32(sub.buf[f*CaptureFrameBytes+4*c:])
			assert.Equal(t, first+uint32(f*4+c)<<8, got, "frame %d channel %d", f, c)
		}
	}
}

func TestSim_MIDI(t *testing.T) {
	s, dev := attachSim(t, sim.DefaultOptions())

	sink := &byteSink{}
	in := s.MIDIInput()
	require.NoError(t, in.Open(sink))
	in.Trigger(true)
	dev.SendMIDI([]byte{0x90, 0x40, 0x7f})
	require.Eventually(t, func() bool {
		return len(sink.bytes()) == 3
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []byte{0x90, 0x40, 0x7f}, sink.bytes())

	out := s.MIDIOutput()
	require.NoError(t, out.Open(&byteSource{buf: []byte{0xb0, 0x01, 0x02, 0xf8}}))
	out.Trigger(true)
	require.Eventually(t, func() bool {
		return len(dev.MIDIOut()) == 2*MIDIOutTransferBytes
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []byte{
		0xb0, 0x01, 0x02, 0xfd, 0xfd, 0xfd, 0xfd, 0xfd, 0x00,
		0xf8, 0xfd, 0xfd, 0xfd, 0xfd, 0xfd, 0xfd, 0xfd, 0x00,
	}, dev.MIDIOut())
}

func TestSim_ClockStallRecovers(t *testing.T) {
	s, dev := attachSim(t, sim.DefaultOptions())

	sub := newFakeSubstream(PlaybackFrameBytes, 960, 240, 48000)
	require.NoError(t, s.Playback().Open(sub))
	prepareSim(t, s.Playback())
	require.NoError(t, s.Playback().Trigger(true))

	dev.InjectStalls(1)
	require.Eventually(t, func() bool {
		_, errs := sub.counts()
		return errs == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, StateFaulted, s.State())
	assert.Equal(t, 0, s.Rate())

	prepareSim(t, s.Playback())
	assert.Equal(t, StateFlowing, s.State())
	require.NoError(t, s.Playback().Trigger(true))
}

func TestSim_Disconnect(t *testing.T) {
	s, dev := attachSim(t, sim.DefaultOptions())

	sub := newFakeSubstream(PlaybackFrameBytes, 960, 240, 48000)
	require.NoError(t, s.Playback().Open(sub))
	prepareSim(t, s.Playback())

	dev.Disconnect()
	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Close())
	assert.Zero(t, dev.Allocated())
}

func TestSim_DriftAdoptsFeedback(t *testing.T) {
	opts := sim.DefaultOptions()
	opts.DriftPPM = 10000 // 1%: 242.4 frames per step
	dev := sim.New(opts)
	obs := &countingObserver{}
	cfg := DefaultConfig()
	cfg.Observer = obs
	s, err := Attach(dev, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dev.Run(ctx, time.Millisecond) }()
	defer s.Close()

	require.NoError(t, s.Playback().Open(newFakeSubstream(PlaybackFrameBytes, 960, 240, 48000)))
	prepareSim(t, s.Playback())

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.adopted > 4
	}, 5*time.Second, time.Millisecond)
}

func TestNoDevice_ReleasesPendingPrepare(t *testing.T) {
	s, bus, obs := attachFake(t)
	require.NoError(t, s.Playback().Open(newFakeSubstream(PlaybackFrameBytes, 960, 240, 48000)))

	done := prepareAsync(context.Background(), s.Playback())
	require.Eventually(t, func() bool {
		return bus.pending(sim.EndpointPlayback) == 2
	}, 2*time.Second, time.Millisecond)

	bus.complete(t, sim.EndpointPlayback, pkg.TransferStatusNoDevice)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, pkg.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("prepare still blocked after the device went away")
	}

	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, s.Status().Flowing)
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Positive(t, obs.aborts)

	// Pools stay allocated until Close.
	assert.Less(t, bus.frees, bus.allocs)
	require.NoError(t, s.Close())
	assert.Equal(t, bus.allocs, bus.frees)
}

func TestNoDevice_DetachesRunningStream(t *testing.T) {
	tests := []struct {
		name   string
		finish func(*fakeBus, *hal.Transfer)
	}{
		{
			name: "completion",
			finish: func(_ *fakeBus, tr *hal.Transfer) {
				tr.Finish(pkg.TransferStatusNoDevice)
			},
		},
		{
			name: "resubmit",
			finish: func(bus *fakeBus, tr *hal.Transfer) {
				bus.mu.Lock()
				bus.submitErr = pkg.ErrNoDevice
				bus.mu.Unlock()
				tr.Finish(pkg.TransferStatusSuccess)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, bus, _ := attachFake(t)
			sub := runningPlayback(t, s, 960, 480)

			tr := s.playPool.slots[0]
			require.NoError(t, tr.Begin())
			tt.finish(bus, tr)

			assert.Equal(t, StateDisconnected, s.State())
			_, errs := sub.counts()
			assert.Equal(t, 1, errs)
			assert.False(t, s.Playback().Running())
			assert.ErrorIs(t, s.Playback().Prepare(context.Background()), pkg.ErrDisconnected)
		})
	}
}

func TestSim_DisconnectBeforeFirstCompletion(t *testing.T) {
	dev := sim.New(sim.DefaultOptions())
	s, err := Attach(dev, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Playback().Open(newFakeSubstream(PlaybackFrameBytes, 960, 240, 48000)))
	done := prepareAsync(context.Background(), s.Playback())
	require.Eventually(t, func() bool {
		return dev.Pending(sim.EndpointPlayback) == 2
	}, 2*time.Second, time.Millisecond)

	dev.Disconnect()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, pkg.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatalf("prepare still blocked after disconnect; state=%s", s.State())
	}
	assert.Equal(t, StateDisconnected, s.State())

	require.NoError(t, s.Close())
	assert.Zero(t, dev.Allocated())
}
