//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/eiepro/bridge"
	"github.com/ardnew/eiepro/engine"
	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/host/hal/linux"
	"github.com/ardnew/eiepro/host/hal/sim"
	"github.com/ardnew/eiepro/metrics"
	"github.com/ardnew/eiepro/pkg"
	"github.com/ardnew/eiepro/pkg/linux/usbid"
	"github.com/ardnew/eiepro/pkg/prof"
)

// simInterval is the simulated device's service interval.
const simInterval = time.Millisecond

// daemon owns at most one attached session at a time.
type daemon struct {
	opts      *options
	collector *metrics.Collector
	registry  *prometheus.Registry
	names     *usbid.Database

	mu      sync.Mutex
	session *engine.Session
	device  string
}

func newDaemon(opts *options) *daemon {
	names := usbid.New()
	if paths := opts.usbIDs.Value(); len(paths) > 0 {
		names = usbid.NewWithPaths(paths)
	}
	if !names.Load() {
		pkg.LogDebug(pkg.ComponentDaemon, "usb.ids not found, using built-in names")
	}

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector()
	reg.MustRegister(c, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &daemon{opts: opts, collector: c, registry: reg, names: names}
}

func run(ctx context.Context, opts *options) error {
	if opts.cpuProfile != "" {
		if err := prof.StartCPU(opts.cpuProfile); err != nil {
			return fmt.Errorf("starting CPU profile: %w", err)
		}
		defer prof.StopCPU()
	}
	if opts.heapProfile != "" {
		defer func() {
			if err := prof.WriteHeap(opts.heapProfile); err != nil {
				pkg.LogWarn(pkg.ComponentDaemon, "writing heap profile", "error", err)
			}
		}()
	}

	d := newDaemon(opts)
	g, gctx := errgroup.WithContext(ctx)

	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           d.router(),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			pkg.LogInfo(pkg.ComponentDaemon, "serving metrics", "addr", opts.metricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}

	g.Go(func() error {
		switch {
		case opts.simulate:
			return d.simulate(gctx)
		case opts.device != "":
			return d.open(gctx, opts.device)
		}
		return d.follow(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *daemon) router() http.Handler {
	router := metrics.NewRouter(d.registry, d.report)
	prof.Register(router)
	return router
}

// report is the status endpoint's view of the daemon.
func (d *daemon) report() metrics.Report {
	d.mu.Lock()
	s, device := d.session, d.device
	d.mu.Unlock()
	if s == nil {
		return metrics.Report{}
	}
	st := s.Status()
	return metrics.Report{Attached: true, Device: device, Session: &st}
}

func (d *daemon) setSession(s *engine.Session, device string) {
	d.mu.Lock()
	d.session, d.device = s, device
	d.mu.Unlock()
}

// simulate serves a simulated device until ctx ends.
func (d *daemon) simulate(ctx context.Context) error {
	o := sim.DefaultOptions()
	o.DriftPPM = d.opts.driftPPM
	dev := sim.New(o)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = dev.Run(ctx, simInterval) }()

	name := "simulated " + d.names.Describe(o.VendorID, o.ProductID)
	return d.serve(ctx, dev, name)
}

// open serves the usbfs node at path until ctx ends or it disappears.
func (d *daemon) open(ctx context.Context, path string) error {
	dev, err := linux.Open(path)
	if err != nil {
		return err
	}
	defer dev.Close()

	desc, err := dev.Descriptors()
	if err != nil {
		return err
	}
	var dd hal.DeviceDescriptor
	name := path
	if err := hal.ParseDeviceDescriptor(desc, &dd); err == nil {
		name = d.names.Describe(dd.VendorID, dd.ProductID)
	}
	return d.serve(ctx, dev, name)
}

// follow attaches to the EIE pro whenever it is plugged in.
func (d *daemon) follow(ctx context.Context) error {
	w, err := linux.NewWatcher(linux.SysfsUSBPath, linux.DevfsUSBPath, engine.VendorID, engine.ProductID)
	if err != nil {
		return err
	}
	defer w.Close()

	events := make(chan linux.Event, 4)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx, events) })

	var (
		current string
		cancel  context.CancelFunc = func() {}
		done    chan struct{}
	)
	defer func() { cancel() }()

	pkg.LogInfo(pkg.ComponentDaemon, "waiting for device",
		"id", fmt.Sprintf("%04x:%04x", engine.VendorID, engine.ProductID))

	for {
		select {
		case <-gctx.Done():
			cancel()
			if done != nil {
				<-done
			}
			return g.Wait()

		case ev := <-events:
			switch ev.Kind {
			case linux.Arrived:
				if current != "" {
					pkg.LogWarn(pkg.ComponentDaemon, "ignoring second device", "device", ev.Info.String())
					continue
				}
				current = ev.Info.DevPath
				var devCtx context.Context
				devCtx, cancel = context.WithCancel(gctx)
				done = make(chan struct{})
				go func(path string, done chan struct{}) {
					defer close(done)
					err := d.open(devCtx, path)
					switch {
					case errors.Is(err, pkg.ErrDisconnected):
						pkg.LogInfo(pkg.ComponentDaemon, "device session ended", "path", path)
					case err != nil:
						pkg.LogError(pkg.ComponentDaemon, "device session ended", "path", path, "error", err)
					}
				}(current, done)

			case linux.Removed:
				if ev.Info.DevPath != current {
					continue
				}
				cancel()
				<-done
				current, done = "", nil
			}
		}
	}
}

// unplugger is a bus that reports when its device disappears.
type unplugger interface {
	Gone() <-chan struct{}
}

// serve attaches a session to bus and runs the bridges until ctx ends or
// the device goes away, in which case it returns pkg.ErrDisconnected.
func (d *daemon) serve(ctx context.Context, bus hal.Bus, name string) error {
	cfg := engine.DefaultConfig()
	cfg.Observer = d.collector
	cfg.DisableMIDI = d.opts.noMIDI

	s, err := engine.Attach(bus, cfg)
	if err != nil {
		return fmt.Errorf("attaching %s: %w", name, err)
	}
	d.setSession(s, name)
	pkg.LogInfo(pkg.ComponentDaemon, "device attached", "device", name, "midi", s.HasMIDI())
	defer func() {
		d.setSession(nil, "")
		if err := s.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentDaemon, "closing session", "error", err)
		}
		pkg.LogInfo(pkg.ComponentDaemon, "device detached", "device", name)
	}()

	var unplugged <-chan struct{}
	if u, ok := bus.(unplugger); ok {
		unplugged = u.Gone()
	}

	g, gctx := errgroup.WithContext(ctx)
	d.startBridges(gctx, g, s)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.Done():
		case <-unplugged:
		}
		pkg.LogWarn(pkg.ComponentDaemon, "device lost", "device", name)
		return pkg.ErrDisconnected
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// startBridges starts the enabled bridges in g. A bridge that cannot be
// created is logged and skipped so the other keeps running.
func (d *daemon) startBridges(ctx context.Context, g *errgroup.Group, s *engine.Session) {
	if !d.opts.noAudio {
		a, err := bridge.NewAudio(s, bridge.AudioConfig{
			StreamConfig: bridge.StreamConfig{
				Rate:         d.opts.rate,
				PeriodFrames: d.opts.period,
				Periods:      d.opts.periods,
			},
			Playback: true,
			Capture:  true,
		})
		if err != nil {
			pkg.LogError(pkg.ComponentDaemon, "audio bridge unavailable", "error", err)
		} else {
			g.Go(func() error {
				defer a.Close()
				return a.Run(ctx)
			})
		}
	}

	if !d.opts.noMIDI && s.HasMIDI() {
		m, err := bridge.NewMIDI(s, d.opts.midiName)
		if err != nil {
			pkg.LogError(pkg.ComponentDaemon, "MIDI bridge unavailable", "error", err)
		} else {
			g.Go(func() error {
				defer m.Close()
				return m.Run(ctx)
			})
		}
	}
}
