//go:build linux

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/eiepro/bridge"
	"github.com/ardnew/eiepro/engine"
	"github.com/ardnew/eiepro/host/hal/sim"
	"github.com/ardnew/eiepro/pkg"
)

func headless() *options {
	return &options{
		rate:      48000,
		period:    480,
		periods:   4,
		logLevel:  "warn",
		logFormat: "text",
		noAudio:   true,
		noMIDI:    true,
	}
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*options)
		ok     bool
	}{
		{"defaults", func(*options) {}, true},
		{"rate", func(o *options) { o.rate = 32000 }, false},
		{"period", func(o *options) { o.period = 32 }, false},
		{"periods", func(o *options) { o.periods = 1 }, false},
		{"simulate and device", func(o *options) { o.simulate, o.device = true, "/dev/bus/usb/001/002" }, false},
		{"simulate", func(o *options) { o.simulate = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := headless()
			tt.modify(o)
			err := o.validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
			}
		})
	}
}

func TestApp_RejectsBadFlags(t *testing.T) {
	defer pkg.SetLogLevel(pkg.GetLogLevel())

	var opts options
	err := newApp(&opts).RunContext(context.Background(), []string{appName, "--log-level", "loud"})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	opts = options{}
	err = newApp(&opts).RunContext(context.Background(), []string{appName, "--rate", "12345", "--metrics-addr", ""})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestApp_EnvironmentConfig(t *testing.T) {
	defer pkg.SetLogLevel(pkg.GetLogLevel())
	t.Setenv("EIED_RATE", "96000")
	t.Setenv("EIED_MIDI_NAME", "Studio")
	t.Setenv("EIED_NO_AUDIO", "true")
	t.Setenv("EIED_DEVICE", "/dev/bus/usb/001/002")
	t.Setenv("EIED_SIMULATE", "true")

	var opts options
	err := newApp(&opts).RunContext(context.Background(), []string{appName})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter, "simulate and device are exclusive")
	assert.Equal(t, 96000, opts.rate)
	assert.Equal(t, "Studio", opts.midiName)
	assert.True(t, opts.noAudio)
	assert.Equal(t, 480, opts.period)
}

func TestDaemon_ServeSimulated(t *testing.T) {
	d := newDaemon(headless())
	dev := sim.New(sim.DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dev.Run(ctx, time.Millisecond) }()

	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, dev, "simulated EIE pro") }()

	require.Eventually(t, func() bool { return d.report().Attached }, 5*time.Second, time.Millisecond)
	r := d.report()
	assert.Equal(t, "simulated EIE pro", r.Device)
	require.NotNil(t, r.Session)
	assert.True(t, r.Session.MIDI)
	assert.True(t, dev.Claimed(0))

	rec := httptest.NewRecorder()
	d.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.False(t, d.report().Attached)
	assert.Zero(t, dev.Allocated())
	assert.False(t, dev.Claimed(0))

	rec = httptest.NewRecorder()
	d.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDaemon_ServeUnplug(t *testing.T) {
	tests := []struct {
		name    string
		prepare bool
	}{
		{"idle", false},
		{"streaming", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDaemon(headless())
			dev := sim.New(sim.DefaultOptions())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() { _ = dev.Run(ctx, time.Millisecond) }()

			done := make(chan error, 1)
			go func() { done <- d.serve(ctx, dev, "EIE pro") }()
			require.Eventually(t, func() bool { return d.report().Attached }, 5*time.Second, time.Millisecond)

			if tt.prepare {
				d.mu.Lock()
				s := d.session
				d.mu.Unlock()
				st, err := bridge.OpenStream(s, engine.Capture, bridge.StreamConfig{Rate: 48000, PeriodFrames: 480, Periods: 2})
				require.NoError(t, err)
				startCtx, startCancel := context.WithTimeout(ctx, 5*time.Second)
				require.NoError(t, st.Start(startCtx))
				startCancel()
				require.Equal(t, "flowing", d.report().Session.State)
			}

			dev.Disconnect()
			select {
			case err := <-done:
				assert.ErrorIs(t, err, pkg.ErrDisconnected)
			case <-time.After(5 * time.Second):
				t.Fatal("serve did not return after the device was unplugged")
			}
			assert.False(t, d.report().Attached)
			assert.Zero(t, dev.Allocated())
		})
	}
}

func TestRun_Simulate(t *testing.T) {
	opts := headless()
	opts.simulate = true

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, run(ctx, opts))
}
