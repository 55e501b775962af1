package bridge

import (
	"context"
	"fmt"

	"github.com/ardnew/eiepro/engine"
	"github.com/ardnew/eiepro/pcm"
	"github.com/ardnew/eiepro/pkg"
)

// StreamConfig is the ring geometry of one direction.
type StreamConfig struct {
	Rate         int
	PeriodFrames int
	Periods      int
}

func (c StreamConfig) ring(dir engine.Direction) pcm.Config {
	frameBytes := engine.PlaybackFrameBytes
	if dir == engine.Capture {
		frameBytes = engine.CaptureFrameBytes
	}
	return pcm.Config{
		Direction:  dir,
		FrameBytes: frameBytes,
		Frames:     c.PeriodFrames * c.Periods,
		Period:     c.PeriodFrames,
		Rate:       c.Rate,
	}
}

// Stream couples one engine PCM with the ring it streams through and
// restarts it after an xrun.
type Stream struct {
	pcm  *engine.PCM
	ring *pcm.Ring
	done <-chan struct{}
}

// OpenStream opens the session's stream in direction dir over a new ring.
func OpenStream(s *engine.Session, dir engine.Direction, cfg StreamConfig) (*Stream, error) {
	ring, err := pcm.New(cfg.ring(dir))
	if err != nil {
		return nil, fmt.Errorf("%s ring: %w", dir, err)
	}

	p := s.Playback()
	if dir == engine.Capture {
		p = s.Capture()
	}
	if err := p.Open(ring); err != nil {
		return nil, fmt.Errorf("opening %s: %w", dir, err)
	}
	ring.Bind(p.Pointer)

	return &Stream{pcm: p, ring: ring, done: s.Done()}, nil
}

// Ring returns the stream's ring.
func (st *Stream) Ring() *pcm.Ring {
	return st.ring
}

// Start prepares the device, resets the ring and starts streaming.
// Playback rings are primed with a full buffer of silence.
func (st *Stream) Start(ctx context.Context) error {
	if err := st.pcm.Prepare(ctx); err != nil {
		return fmt.Errorf("preparing %s: %w", st.pcm.Direction(), err)
	}
	st.ring.Reset()

	if st.pcm.Direction() == engine.Playback {
		if _, err := st.ring.Write(make([]byte, len(st.ring.Buffer()))); err != nil {
			return err
		}
	}
	if err := st.ring.Start(); err != nil {
		return err
	}
	return st.pcm.Trigger(true)
}

// Stop halts the stream. The ring keeps its contents.
func (st *Stream) Stop() {
	_ = st.pcm.Trigger(false)
	_ = st.ring.Stop()
}

// Close stops the stream and releases it in the session.
func (st *Stream) Close() error {
	st.Stop()
	return st.pcm.Close()
}

// Supervise restarts the stream after every xrun until ctx ends. It
// returns pkg.ErrDisconnected once the session is gone.
func (st *Stream) Supervise(ctx context.Context) error {
	dir := st.pcm.Direction()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-st.done:
			return pkg.ErrDisconnected
		case <-st.ring.Xruns():
			pkg.LogWarn(pkg.ComponentBridge, "restarting after xrun",
				"direction", dir, "xruns", st.ring.XrunCount())
			st.Stop()
			if err := st.Start(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("restarting %s: %w", dir, err)
			}
		}
	}
}
