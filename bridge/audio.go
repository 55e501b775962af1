package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/gen2brain/malgo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/eiepro/engine"
	"github.com/ardnew/eiepro/pkg"
)

// AudioConfig selects the directions bridged and their geometry.
type AudioConfig struct {
	StreamConfig

	// Playback feeds the host's default capture device to the EIE pro
	// outputs.
	Playback bool

	// Capture feeds the EIE pro inputs to the host's default playback
	// device.
	Capture bool
}

// Audio bridges a session's PCM streams to a miniaudio device.
type Audio struct {
	cfg AudioConfig

	play *Stream
	capt *Stream

	mctx *malgo.AllocatedContext
	dev  *malgo.Device
}

// NewAudio opens the configured streams of s and a matching host device.
func NewAudio(s *engine.Session, cfg AudioConfig) (a *Audio, err error) {
	a, err = newAudio(s, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
			a = nil
		}
	}()

	a.mctx, err = malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		pkg.LogDebug(pkg.ComponentBridge, "miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	a.dev, err = malgo.InitDevice(a.mctx.Context, a.deviceConfig(), malgo.DeviceCallbacks{
		Data: func(output, input []byte, _ uint32) {
			a.process(output, input)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio device: %w", err)
	}
	return a, nil
}

// newAudio opens the engine side only.
func newAudio(s *engine.Session, cfg AudioConfig) (*Audio, error) {
	if !cfg.Playback && !cfg.Capture {
		return nil, fmt.Errorf("%w: no audio direction enabled", pkg.ErrInvalidParameter)
	}
	a := &Audio{cfg: cfg}

	var err error
	if cfg.Playback {
		if a.play, err = OpenStream(s, engine.Playback, cfg.StreamConfig); err != nil {
			return nil, err
		}
	}
	if cfg.Capture {
		if a.capt, err = OpenStream(s, engine.Capture, cfg.StreamConfig); err != nil {
			return nil, multierr.Append(err, a.Close())
		}
	}
	return a, nil
}

func (a *Audio) deviceConfig() malgo.DeviceConfig {
	typ := malgo.Duplex
	switch {
	case !a.cfg.Capture:
		typ = malgo.Capture
	case !a.cfg.Playback:
		typ = malgo.Playback
	}

	dc := malgo.DefaultDeviceConfig(typ)
	dc.Capture.Format = malgo.FormatS24
	dc.Capture.Channels = engine.Channels
	dc.Playback.Format = malgo.FormatS32
	dc.Playback.Channels = engine.Channels
	dc.SampleRate = uint32(a.cfg.Rate)
	dc.PeriodSizeInFrames = uint32(a.cfg.PeriodFrames)
	dc.Periods = uint32(a.cfg.Periods)
	dc.PerformanceProfile = malgo.LowLatency
	dc.Alsa.NoMMap = 1
	return dc
}

// process runs on the host device thread. Host input goes to the playback
// ring; the capture ring fills host output, padded with silence.
func (a *Audio) process(output, input []byte) {
	if a.play != nil && len(input) > 0 {
		_, _ = a.play.ring.Write(input)
	}
	if len(output) == 0 {
		return
	}
	n := 0
	if a.capt != nil {
		n, _ = a.capt.ring.Read(output)
	}
	clear(output[n:])
}

func (a *Audio) streams() []*Stream {
	var out []*Stream
	if a.play != nil {
		out = append(out, a.play)
	}
	if a.capt != nil {
		out = append(out, a.capt)
	}
	return out
}

// Run starts the streams and the host device and keeps them running until
// ctx ends or the session is lost.
func (a *Audio) Run(ctx context.Context) error {
	for _, st := range a.streams() {
		if err := st.Start(ctx); err != nil {
			return err
		}
	}
	if a.dev != nil {
		if err := a.dev.Start(); err != nil {
			return fmt.Errorf("starting audio device: %w", err)
		}
	}
	pkg.LogInfo(pkg.ComponentBridge, "audio bridge running",
		"rate", a.cfg.Rate, "period", a.cfg.PeriodFrames, "periods", a.cfg.Periods,
		"playback", a.cfg.Playback, "capture", a.cfg.Capture)

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range a.streams() {
		g.Go(func() error { return st.Supervise(gctx) })
	}
	err := g.Wait()

	if a.dev != nil {
		_ = a.dev.Stop()
	}
	for _, st := range a.streams() {
		st.Stop()
	}
	if errors.Is(err, pkg.ErrDisconnected) {
		pkg.LogInfo(pkg.ComponentBridge, "audio bridge stopped: device gone")
	}
	return err
}

// Close releases the host device and closes the streams.
func (a *Audio) Close() error {
	if a.dev != nil {
		a.dev.Uninit()
		a.dev = nil
	}
	if a.mctx != nil {
		err := a.mctx.Uninit()
		a.mctx.Free()
		a.mctx = nil
		if err != nil {
			pkg.LogWarn(pkg.ComponentBridge, "audio context teardown", "error", err)
		}
	}

	var err error
	for _, st := range a.streams() {
		err = multierr.Append(err, st.Close())
	}
	a.play, a.capt = nil, nil
	return err
}
