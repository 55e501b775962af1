//go:build linux

// Command eied runs the EIE pro streaming engine and bridges the device's
// audio and MIDI to the host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v2"

	"github.com/ardnew/eiepro/engine"
	"github.com/ardnew/eiepro/pkg"
)

const (
	appName = "eied"
	version = "v0.1.0"
)

// options is the daemon configuration gathered from flags and environment.
type options struct {
	device      string
	simulate    bool
	driftPPM    int
	rate        int
	period      int
	periods     int
	logLevel    string
	logFormat   string
	metricsAddr string
	midiName    string
	noAudio     bool
	noMIDI      bool
	usbIDs      cli.StringSlice
	cpuProfile  string
	heapProfile string
}

func newApp(opts *options) *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = version
	app.Usage = "Akai EIE pro USB audio and MIDI daemon"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "device",
			EnvVars:     []string{"EIED_DEVICE"},
			Destination: &opts.device,
			Usage:       "usbfs node of the device; empty follows hotplug",
		},
		&cli.BoolFlag{
			Name:        "simulate",
			EnvVars:     []string{"EIED_SIMULATE"},
			Destination: &opts.simulate,
			Usage:       "drive a simulated device instead of hardware",
		},
		&cli.IntFlag{
			Name:        "simulate-drift",
			EnvVars:     []string{"EIED_SIMULATE_DRIFT"},
			Destination: &opts.driftPPM,
			Usage:       "clock drift of the simulated device in ppm",
		},
		&cli.IntFlag{
			Name:        "rate",
			EnvVars:     []string{"EIED_RATE"},
			Value:       48000,
			Destination: &opts.rate,
			Usage:       "sample rate (44100, 48000, 88200 or 96000)",
		},
		&cli.IntFlag{
			Name:        "period",
			EnvVars:     []string{"EIED_PERIOD"},
			Value:       480,
			Destination: &opts.period,
			Usage:       "period size in frames",
		},
		&cli.IntFlag{
			Name:        "periods",
			EnvVars:     []string{"EIED_PERIODS"},
			Value:       4,
			Destination: &opts.periods,
			Usage:       "periods per ring buffer",
		},
		&cli.StringFlag{
			Name:        "log-level",
			EnvVars:     []string{"EIED_LOG_LEVEL"},
			Value:       "info",
			Destination: &opts.logLevel,
			Usage:       "debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:        "log-format",
			EnvVars:     []string{"EIED_LOG_FORMAT"},
			Value:       "text",
			Destination: &opts.logFormat,
			Usage:       "text or json",
		},
		&cli.StringFlag{
			Name:        "metrics-addr",
			EnvVars:     []string{"EIED_METRICS_ADDR"},
			Value:       "localhost:9469",
			Destination: &opts.metricsAddr,
			Usage:       "listen address for /metrics, /status and /healthz; empty disables",
		},
		&cli.StringFlag{
			Name:        "midi-name",
			EnvVars:     []string{"EIED_MIDI_NAME"},
			Value:       "EIE pro",
			Destination: &opts.midiName,
			Usage:       "name of the virtual MIDI ports",
		},
		&cli.BoolFlag{
			Name:        "no-audio",
			EnvVars:     []string{"EIED_NO_AUDIO"},
			Destination: &opts.noAudio,
			Usage:       "do not bridge audio to the host",
		},
		&cli.BoolFlag{
			Name:        "no-midi",
			EnvVars:     []string{"EIED_NO_MIDI"},
			Destination: &opts.noMIDI,
			Usage:       "ignore the device's MIDI endpoints",
		},
		&cli.StringSliceFlag{
			Name:        "usb-ids",
			EnvVars:     []string{"EIED_USB_IDS"},
			Destination: &opts.usbIDs,
			Usage:       "usb.ids database paths used to name the device",
		},
		&cli.StringFlag{
			Name:        "cpu-profile",
			EnvVars:     []string{"EIED_CPU_PROFILE"},
			Destination: &opts.cpuProfile,
			Usage:       "write a CPU profile to this file (profile builds only)",
		},
		&cli.StringFlag{
			Name:        "heap-profile",
			EnvVars:     []string{"EIED_HEAP_PROFILE"},
			Destination: &opts.heapProfile,
			Usage:       "write a heap profile to this file on exit (profile builds only)",
		},
	}
	app.Before = func(*cli.Context) error {
		return opts.configureLogging()
	}
	app.Action = func(c *cli.Context) error {
		if err := opts.validate(); err != nil {
			return err
		}
		return run(c.Context, opts)
	}
	return app
}

func (o *options) configureLogging() error {
	level, err := pkg.ParseLogLevel(o.logLevel)
	if err != nil {
		return err
	}
	format, err := pkg.ParseLogFormat(o.logFormat)
	if err != nil {
		return err
	}
	pkg.SetLogFormat(format)
	pkg.SetLogLevel(level)
	return nil
}

func (o *options) validate() error {
	if !engine.DefaultHardware.SupportsRate(o.rate) {
		return fmt.Errorf("rate %d: %w", o.rate, pkg.ErrInvalidParameter)
	}
	if o.period < engine.DefaultHardware.MinPeriod {
		return fmt.Errorf("period %d below %d frames: %w", o.period, engine.DefaultHardware.MinPeriod, pkg.ErrInvalidParameter)
	}
	if o.periods < engine.DefaultHardware.MinPeriods {
		return fmt.Errorf("%d periods below %d: %w", o.periods, engine.DefaultHardware.MinPeriods, pkg.ErrInvalidParameter)
	}
	if o.simulate && o.device != "" {
		return fmt.Errorf("--simulate and --device are exclusive: %w", pkg.ErrInvalidParameter)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts options
	if err := newApp(&opts).RunContext(ctx, os.Args); err != nil {
		pkg.LogError(pkg.ComponentDaemon, "exiting", "error", err)
		stop()
		os.Exit(1)
	}
}
