package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// Options configures the simulated device.
type Options struct {
	VendorID  uint16
	ProductID uint16

	PlaybackMaxPacket int
	SyncMaxPacket     int
	CaptureMaxPacket  int
	MIDIMaxPacket     int

	// NoMIDI omits the MIDI endpoints from the descriptors.
	NoMIDI bool

	// DriftPPM skews the device clock against the nominal rate.
	DriftPPM int

	// CaptureSource produces the sample words of capture frame n.
	CaptureSource func(n uint64) [4]uint32

	// RecordLimit caps the bytes of playback data kept by Played.
	RecordLimit int
}

// DefaultOptions mirror the EIE pro at high speed.
func DefaultOptions() Options {
	return Options{
		VendorID:          0x09e8,
		ProductID:         0x0010,
		PlaybackMaxPacket: 312,
		SyncMaxPacket:     4,
		CaptureMaxPacket:  512,
		MIDIMaxPacket:     64,
		CaptureSource:     Ramp,
		RecordLimit:       1 << 20,
	}
}

// Control is one recorded control request.
type Control struct {
	Setup hal.SetupPacket
	Data  []byte
}

// filler is the MIDI idle byte the device pads input with.
const filler = 0xfd

// maxSyncReport is the largest frame count one sync packet carries.
const maxSyncReport = 240

// Device is a simulated EIE pro. It implements hal.Bus.
type Device struct {
	opts Options
	desc []byte

	mu       sync.Mutex
	queues   map[uint8][]*hal.Transfer
	allocs   int
	claimed  map[uint8]bool
	alts     map[uint8]uint8
	controls []Control
	rate     int
	closed   bool
	gone     bool
	lost     chan struct{}

	// clock
	frac    int // fractional frames, millionths
	stalls  int
	steps   uint64
	capNext uint64
	capDue  int

	played      []byte
	playedBytes int
	midiOut     []byte
	midiIn      []byte

	failControlAt  int // 1-based count of future control requests; 0 is none
	failControlErr error
	failSubmit     map[uint8]error
}

var _ hal.Bus = (*Device)(nil)

// New creates a simulated device. Zero option fields take defaults.
func New(opts Options) *Device {
	def := DefaultOptions()
	if opts.VendorID == 0 && opts.ProductID == 0 {
		opts.VendorID, opts.ProductID = def.VendorID, def.ProductID
	}
	if opts.PlaybackMaxPacket == 0 {
		opts.PlaybackMaxPacket = def.PlaybackMaxPacket
	}
	if opts.SyncMaxPacket == 0 {
		opts.SyncMaxPacket = def.SyncMaxPacket
	}
	if opts.CaptureMaxPacket == 0 {
		opts.CaptureMaxPacket = def.CaptureMaxPacket
	}
	if opts.MIDIMaxPacket == 0 {
		opts.MIDIMaxPacket = def.MIDIMaxPacket
	}
	if opts.CaptureSource == nil {
		opts.CaptureSource = def.CaptureSource
	}
	if opts.RecordLimit == 0 {
		opts.RecordLimit = def.RecordLimit
	}
	return &Device{
		opts:       opts,
		desc:       descriptors(opts),
		queues:     make(map[uint8][]*hal.Transfer),
		claimed:    make(map[uint8]bool),
		alts:       make(map[uint8]uint8),
		failSubmit: make(map[uint8]error),
		lost:       make(chan struct{}),
	}
}

// =============================================================================
// hal.Bus
// =============================================================================

// AllocTransfer allocates a transfer backed by heap memory.
func (d *Device) AllocTransfer(typ hal.TransferType, endpoint uint8, packets, size int) (*hal.Transfer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("transfer size %d: %w", size, pkg.ErrInvalidParameter)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return nil, pkg.ErrNoDevice
	}
	d.allocs++
	return hal.NewTransfer(typ, endpoint, packets, make([]byte, size)), nil
}

// FreeTransfer releases a transfer.
func (d *Device) FreeTransfer(t *hal.Transfer) error {
	if t.Busy() {
		return pkg.ErrBusy
	}
	d.mu.Lock()
	d.allocs--
	d.mu.Unlock()
	return nil
}

// Submit queues t on its endpoint.
func (d *Device) Submit(t *hal.Transfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := t.Begin(); err != nil {
		return err
	}
	if err := d.failSubmit[t.Endpoint]; err != nil {
		delete(d.failSubmit, t.Endpoint)
		t.Abandon()
		return err
	}
	if d.gone || d.closed {
		t.Abandon()
		return pkg.ErrNoDevice
	}
	d.queues[t.Endpoint] = append(d.queues[t.Endpoint], t)
	return nil
}

// Kill removes t from its queue, completing it as cancelled, and waits
// until it is quiesced.
func (d *Device) Kill(t *hal.Transfer) {
	d.mu.Lock()
	queued := t.Reject() && d.dequeue(t)
	d.mu.Unlock()
	if queued {
		t.Finish(pkg.TransferStatusCancelled)
	}
	t.Quiesce()
}

// dequeue removes t from its queue. d.mu must be held.
func (d *Device) dequeue(t *hal.Transfer) bool {
	q := d.queues[t.Endpoint]
	for i, x := range q {
		if x == t {
			d.queues[t.Endpoint] = append(q[:i:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// ControlTransfer records the request. Sampling-frequency writes set the
// device rate; IN requests return zeros.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return 0, pkg.ErrNoDevice
	}
	if d.failControlAt > 0 {
		d.failControlAt--
		if d.failControlAt == 0 {
			err := d.failControlErr
			d.failControlErr = nil
			return 0, err
		}
	}

	n := int(setup.Length)
	if n > len(data) {
		n = len(data)
	}
	rec := Control{Setup: *setup}
	if setup.IsIn() {
		clear(data[:n])
	} else {
		rec.Data = append([]byte(nil), data[:n]...)
		if setup.RequestType == 0x22 && setup.Request == 1 && n >= 3 {
			d.rate = int(data[0]) | int(data[1])<<8 | int(data[2])<<16
		}
	}
	d.controls = append(d.controls, rec)
	return n, nil
}

// ClaimInterface claims iface.
func (d *Device) ClaimInterface(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed[iface] {
		return pkg.ErrBusy
	}
	d.claimed[iface] = true
	return nil
}

// ReleaseInterface releases iface.
func (d *Device) ReleaseInterface(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.claimed[iface] {
		return pkg.ErrInvalidState
	}
	delete(d.claimed, iface)
	return nil
}

// SetInterface selects an alternate setting.
func (d *Device) SetInterface(iface, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return pkg.ErrNoDevice
	}
	if !d.claimed[iface] {
		return pkg.ErrInvalidState
	}
	d.alts[iface] = alt
	return nil
}

// Descriptors returns the device and configuration descriptors.
func (d *Device) Descriptors() ([]byte, error) {
	return append([]byte(nil), d.desc...), nil
}

// Close marks the device closed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// =============================================================================
// Device clock
// =============================================================================

// framesPerStep returns the frames the device clock produces in one 5 ms
// step, carrying the fractional part between steps.
func (d *Device) framesPerStep() int {
	// rate * 5ms * (1 + drift), in millionths of a frame
	micro := d.rate * 5 * (1_000_000 + d.opts.DriftPPM) / 1000
	micro += d.frac
	d.frac = micro % 1_000_000
	return micro / 1_000_000
}

// pop removes the head of endpoint's queue.
func (d *Device) pop(endpoint uint8) *hal.Transfer {
	q := d.queues[endpoint]
	if len(q) == 0 {
		return nil
	}
	d.queues[endpoint] = q[1:]
	return q[0]
}

// Step advances the device by one playback period. Completions run on the
// calling goroutine.
func (d *Device) Step() {
	d.mu.Lock()
	if d.gone {
		d.mu.Unlock()
		return
	}
	d.steps++
	frames := 0
	if d.rate > 0 {
		frames = d.framesPerStep()
	}
	d.capDue += frames
	d.mu.Unlock()

	d.stepSync(frames)
	d.stepPlayback()
	d.stepCapture()
	d.stepMIDI()
}

// stepSync reports frames on the sync endpoint, split across packets of at
// most maxSyncReport frames.
func (d *Device) stepSync(frames int) {
	for report := 0; report < 8; report++ {
		d.mu.Lock()
		chunk := frames
		if chunk > maxSyncReport {
			chunk = maxSyncReport
		}
		if d.stalls > 0 {
			d.stalls--
			chunk = 0
		} else if chunk == 0 {
			d.mu.Unlock()
			return
		}
		t := d.pop(EndpointSync)
		d.mu.Unlock()
		if t == nil {
			return
		}

		for i := range t.Packets {
			t.Packets[i].ActualLength = 0
		}
		if len(t.Packets) > 0 {
			t.Buffer[t.Packets[0].Offset] = byte(chunk)
			t.Packets[0].ActualLength = 1
			t.Packets[0].Status = pkg.TransferStatusSuccess
		}
		t.ActualLength = 1
		t.Finish(pkg.TransferStatusSuccess)

		frames -= chunk
		if frames <= 0 {
			return
		}
	}
}

func (d *Device) stepPlayback() {
	d.mu.Lock()
	t := d.pop(EndpointPlayback)
	d.mu.Unlock()
	if t == nil {
		return
	}

	total := 0
	for i := range t.Packets {
		p := &t.Packets[i]
		p.ActualLength = p.Length
		p.Status = pkg.TransferStatusSuccess
		total += p.Length
	}
	t.ActualLength = total

	d.mu.Lock()
	d.playedBytes += total
	if room := d.opts.RecordLimit - len(d.played); room > 0 {
		end := total
		if end > room {
			end = room
		}
		for i := range t.Packets {
			p := &t.Packets[i]
			if end <= 0 {
				break
			}
			n := p.Length
			if n > end {
				n = end
			}
			d.played = append(d.played, t.Buffer[p.Offset:p.Offset+n]...)
			end -= n
		}
	}
	d.mu.Unlock()

	t.Finish(pkg.TransferStatusSuccess)
}

func (d *Device) stepCapture() {
	for {
		d.mu.Lock()
		if d.capDue <= 0 {
			d.mu.Unlock()
			return
		}
		t := d.pop(EndpointCapture)
		if t == nil {
			d.mu.Unlock()
			return
		}
		n := t.Length / WireFrameBytes
		if n > d.capDue {
			n = d.capDue
		}
		for i := 0; i < n; i++ {
			Encode(t.Buffer[i*WireFrameBytes:], d.opts.CaptureSource(d.capNext))
			d.capNext++
		}
		d.capDue -= n
		d.mu.Unlock()

		t.ActualLength = n * WireFrameBytes
		t.Finish(pkg.TransferStatusSuccess)
		if n == 0 {
			return
		}
	}
}

func (d *Device) stepMIDI() {
	for {
		d.mu.Lock()
		t := d.pop(EndpointMIDIOut)
		if t != nil {
			d.midiOut = append(d.midiOut, t.Buffer[:t.Length]...)
		}
		d.mu.Unlock()
		if t == nil {
			break
		}
		t.ActualLength = t.Length
		t.Finish(pkg.TransferStatusSuccess)
	}

	d.mu.Lock()
	if len(d.midiIn) == 0 {
		d.mu.Unlock()
		return
	}
	t := d.pop(EndpointMIDIIn)
	if t == nil {
		d.mu.Unlock()
		return
	}
	// The device interleaves idle filler with data.
	n := 0
	for n < len(t.Buffer) && len(d.midiIn) > 0 {
		if n%2 == 1 {
			t.Buffer[n] = filler
		} else {
			t.Buffer[n] = d.midiIn[0]
			d.midiIn = d.midiIn[1:]
		}
		n++
	}
	d.mu.Unlock()

	t.ActualLength = n
	t.Finish(pkg.TransferStatusSuccess)
}

// Run steps the device every interval until ctx is done.
func (d *Device) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Step()
		}
	}
}

// =============================================================================
// Fault injection and inspection
// =============================================================================

// Disconnect unplugs the device: queued transfers complete with
// TransferStatusNoDevice and later requests fail.
func (d *Device) Disconnect() {
	d.mu.Lock()
	if d.gone {
		d.mu.Unlock()
		return
	}
	d.gone = true
	close(d.lost)
	var pending []*hal.Transfer
	for ep, q := range d.queues {
		pending = append(pending, q...)
		delete(d.queues, ep)
	}
	d.mu.Unlock()

	for _, t := range pending {
		t.Finish(pkg.TransferStatusNoDevice)
	}
}

// Gone is closed once the device is unplugged.
func (d *Device) Gone() <-chan struct{} {
	return d.lost
}

// InjectStalls makes the next n sync reports zero.
func (d *Device) InjectStalls(n int) {
	d.mu.Lock()
	d.stalls += n
	d.mu.Unlock()
}

// FailControl makes the nth next control request (1-based) fail with err.
func (d *Device) FailControl(nth int, err error) {
	d.mu.Lock()
	d.failControlAt = nth
	d.failControlErr = err
	d.mu.Unlock()
}

// FailSubmit makes the next submission on endpoint fail with err.
func (d *Device) FailSubmit(endpoint uint8, err error) {
	d.mu.Lock()
	d.failSubmit[endpoint] = err
	d.mu.Unlock()
}

// SendMIDI queues bytes for the MIDI input endpoint.
func (d *Device) SendMIDI(p []byte) {
	d.mu.Lock()
	d.midiIn = append(d.midiIn, p...)
	d.mu.Unlock()
}

// MIDIOut returns the raw MIDI output transfers received so far.
func (d *Device) MIDIOut() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.midiOut...)
}

// Controls returns the recorded control requests.
func (d *Device) Controls() []Control {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Control(nil), d.controls...)
}

// Rate returns the rate last programmed by a sampling-frequency request.
func (d *Device) Rate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate
}

// AltSetting returns the selected alternate setting of iface.
func (d *Device) AltSetting(iface uint8) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alts[iface]
}

// Claimed reports whether iface is claimed.
func (d *Device) Claimed(iface uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimed[iface]
}

// Allocated returns the number of live transfers.
func (d *Device) Allocated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocs
}

// Pending returns the number of transfers queued on endpoint.
func (d *Device) Pending(endpoint uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[endpoint])
}

// Played returns the recorded playback bytes and the total bytes played.
func (d *Device) Played() ([]byte, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.played...), d.playedBytes
}
