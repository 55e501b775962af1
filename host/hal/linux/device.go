//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/ardnew/eiepro/host/hal"
	"github.com/ardnew/eiepro/pkg"
)

// maxDescriptorBytes bounds the descriptor read at open.
const maxDescriptorBytes = 4096

// =============================================================================
// URB Slots
// =============================================================================

// urbSlot binds a transfer to its kernel request block. Both the URB and
// the transfer buffer live in mapped memory so the kernel may hold their
// addresses across calls.
type urbSlot struct {
	t      *hal.Transfer
	mem    []byte // URB followed by ISO packet descriptors
	u      *urb
	iso    []isoPacketDesc
	mapped bool // buffer is usbfs memory
}

func (s *urbSlot) key() uintptr {
	return uintptr(unsafe.Pointer(s.u))
}

// =============================================================================
// Device
// =============================================================================

// Device is an opened usbfs node. It implements hal.Bus.
type Device struct {
	fd   int
	path string
	desc []byte

	poller *poller
	done   chan struct{} // closed when the reap loop exits
	lost   chan struct{} // closed on disconnect

	mu       sync.Mutex
	slots    map[*hal.Transfer]*urbSlot
	inflight map[uintptr]*urbSlot
	claimed  map[uint8]bool
	gone     bool
	closed   bool
}

var _ hal.Bus = (*Device)(nil)

// Open opens the usbfs node at path, reads its descriptors, and starts the
// completion reaper.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if errors.Is(err, unix.ENOENT) {
		return nil, fmt.Errorf("opening %s: %w", path, pkg.ErrNoDevice)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, mapErrno(err))
	}

	desc, err := readDescriptors(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reading descriptors of %s: %w", path, err)
	}

	p, err := newPoller()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("creating poller: %w", err)
	}

	d := &Device{
		fd:       fd,
		path:     path,
		desc:     desc,
		poller:   p,
		done:     make(chan struct{}),
		lost:     make(chan struct{}),
		slots:    make(map[*hal.Transfer]*urbSlot),
		inflight: make(map[uintptr]*urbSlot),
		claimed:  make(map[uint8]bool),
	}

	// usbfs reports completed URBs as writable and disconnects as hangup.
	if err := p.addFD(fd, unix.EPOLLOUT, d.onEvent); err != nil {
		p.close()
		p.release()
		unix.Close(fd)
		return nil, fmt.Errorf("polling %s: %w", path, err)
	}

	go d.run()

	pkg.LogDebug(pkg.ComponentHAL, "usbfs device opened", "path", path, "descriptorBytes", len(desc))
	return d, nil
}

// Gone is closed once the kernel reports the device disconnected.
func (d *Device) Gone() <-chan struct{} {
	return d.lost
}

// Path returns the usbfs node path.
func (d *Device) Path() string {
	return d.path
}

func readDescriptors(fd int) ([]byte, error) {
	buf := make([]byte, maxDescriptorBytes)
	n := 0
	for n < len(buf) {
		m, err := unix.Pread(fd, buf[n:], int64(n))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, mapErrno(err)
		}
		if m == 0 {
			break
		}
		n += m
	}
	if n < hal.DeviceDescriptorSize {
		return nil, pkg.ErrDescriptorTooShort
	}
	return buf[:n], nil
}

func (d *Device) run() {
	defer close(d.done)
	if err := d.poller.poll(); err != nil {
		pkg.LogError(pkg.ComponentHAL, "usbfs poll loop failed", "path", d.path, "error", err)
	}
}

// =============================================================================
// Completion
// =============================================================================

func (d *Device) onEvent(events uint32) {
	hangup := events&(unix.EPOLLHUP|unix.EPOLLERR) != 0
	for {
		ptr, err := reapURBNDelay(d.fd)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.ENODEV) || hangup {
				d.disconnect()
			} else if !errors.Is(err, unix.EAGAIN) {
				pkg.LogWarn(pkg.ComponentHAL, "reap failed", "path", d.path, "error", err)
			}
			return
		}
		d.complete(ptr)
	}
}

// complete copies the kernel's results into the transfer and runs its
// callback. The callback runs without d.mu so it can resubmit.
func (d *Device) complete(ptr uintptr) {
	d.mu.Lock()
	slot, ok := d.inflight[ptr]
	delete(d.inflight, ptr)
	d.mu.Unlock()
	if !ok {
		pkg.LogWarn(pkg.ComponentHAL, "reaped unknown URB", "path", d.path)
		return
	}

	t := slot.t
	t.ActualLength = int(slot.u.actualLength)
	for i := range slot.iso {
		t.Packets[i].ActualLength = int(slot.iso[i].actualLength)
		t.Packets[i].Status = urbStatus(int32(slot.iso[i].status))
	}
	t.Finish(urbStatus(slot.u.status))
}

// disconnect fails every in-flight transfer and stops polling the node.
func (d *Device) disconnect() {
	d.mu.Lock()
	if d.gone {
		d.mu.Unlock()
		return
	}
	d.gone = true
	close(d.lost)
	pending := make([]*urbSlot, 0, len(d.inflight))
	for k, s := range d.inflight {
		pending = append(pending, s)
		delete(d.inflight, k)
	}
	d.mu.Unlock()

	_ = d.poller.delFD(d.fd)
	pkg.LogWarn(pkg.ComponentHAL, "device disconnected", "path", d.path, "inflight", len(pending))

	for _, s := range pending {
		s.t.ActualLength = 0
		s.t.Finish(pkg.TransferStatusNoDevice)
	}
}

// =============================================================================
// Transfers
// =============================================================================

// AllocTransfer maps a buffer and URB for endpoint.
func (d *Device) AllocTransfer(typ hal.TransferType, endpoint uint8, packets, size int) (*hal.Transfer, error) {
	if size <= 0 || packets < 0 {
		return nil, pkg.ErrInvalidParameter
	}
	if typ == hal.TransferIsochronous && packets == 0 {
		return nil, pkg.ErrInvalidParameter
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone || d.closed {
		return nil, pkg.ErrNoDevice
	}

	buf, mapped, err := mapBuffer(d.fd, size)
	if err != nil {
		return nil, fmt.Errorf("%w: transfer buffer: %w", pkg.ErrNoMemory, err)
	}
	mem, err := mapAnon(sizeofURB + packets*sizeofIsoDesc)
	if err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("%w: urb: %w", pkg.ErrNoMemory, err)
	}

	u, iso := urbMemory(mem, packets)
	t := hal.NewTransfer(typ, endpoint, packets, buf)
	d.slots[t] = &urbSlot{t: t, mem: mem, u: u, iso: iso, mapped: mapped}
	return t, nil
}

// FreeTransfer unmaps an idle transfer.
func (d *Device) FreeTransfer(t *hal.Transfer) error {
	if t.Busy() {
		return pkg.ErrBusy
	}

	d.mu.Lock()
	slot, ok := d.slots[t]
	delete(d.slots, t)
	d.mu.Unlock()
	if !ok {
		return pkg.ErrInvalidParameter
	}
	return unmapSlot(slot)
}

func unmapSlot(s *urbSlot) error {
	err := multierr.Append(unix.Munmap(s.t.Buffer), unix.Munmap(s.mem))
	s.t.Buffer = nil
	return err
}

// Submit hands t to the kernel. Isochronous packets must be laid out
// back to back from offset zero.
func (d *Device) Submit(t *hal.Transfer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gone || d.closed {
		return pkg.ErrNoDevice
	}
	slot, ok := d.slots[t]
	if !ok {
		return pkg.ErrInvalidParameter
	}
	if err := t.Begin(); err != nil {
		return err
	}

	if err := d.fill(slot); err != nil {
		t.Abandon()
		return err
	}
	if err := submitURB(d.fd, slot.u); err != nil {
		t.Abandon()
		if errors.Is(err, unix.ENODEV) {
			return pkg.ErrNoDevice
		}
		return mapErrno(err)
	}
	d.inflight[slot.key()] = slot
	return nil
}

// fill writes the URB for the transfer's current layout.
func (d *Device) fill(s *urbSlot) error {
	t := s.t
	*s.u = urb{
		typ:      urbType(t.Type),
		endpoint: t.Endpoint,
		buffer:   uintptr(unsafe.Pointer(unsafe.SliceData(t.Buffer))),
	}

	length := t.Length
	if t.Type == hal.TransferIsochronous {
		off := 0
		for i := range t.Packets {
			p := &t.Packets[i]
			if p.Offset != off || p.Length < 0 {
				return fmt.Errorf("%w: packet %d not contiguous", pkg.ErrInvalidParameter, i)
			}
			s.iso[i] = isoPacketDesc{length: uint32(p.Length)}
			p.ActualLength = 0
			p.Status = pkg.TransferStatusSuccess
			off += p.Length
		}
		length = off
		s.u.flags = urbISOAsap
		s.u.numPackets = int32(len(t.Packets))
	}
	if length > len(t.Buffer) {
		return pkg.ErrBufferTooSmall
	}
	s.u.bufferLength = int32(length)
	t.ActualLength = 0
	return nil
}

// Kill discards t and waits for its completion callback to return.
func (d *Device) Kill(t *hal.Transfer) {
	d.mu.Lock()
	queued := t.Reject()
	if slot, ok := d.slots[t]; ok && queued && !d.gone {
		// EINVAL means the URB already completed and awaits reaping.
		if err := discardURB(d.fd, slot.u); err != nil && !errors.Is(err, unix.EINVAL) {
			pkg.LogDebug(pkg.ComponentHAL, "discard failed", "endpoint", t.Endpoint, "error", err)
		}
	}
	d.mu.Unlock()

	t.Quiesce()
}

// =============================================================================
// Control and Interfaces
// =============================================================================

// ControlTransfer issues a synchronous control request. The context
// deadline becomes the kernel timeout.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if int(setup.Length) > len(data) {
		return 0, pkg.ErrBufferTooSmall
	}

	timeout := int64(DefaultControlTimeoutMillis)
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl).Milliseconds()
		if timeout <= 0 {
			return 0, pkg.ErrTimeout
		}
	}

	c := ctrlTransfer{
		requestType: setup.RequestType,
		request:     setup.Request,
		value:       setup.Value,
		index:       setup.Index,
		length:      setup.Length,
		timeout:     uint32(timeout),
	}
	if setup.Length > 0 {
		c.data = uintptr(unsafe.Pointer(unsafe.SliceData(data)))
	}
	n, err := controlTransfer(d.fd, &c)
	runtime.KeepAlive(data)
	if err != nil {
		return 0, mapErrno(err)
	}
	return n, nil
}

// ClaimInterface claims iface, detaching a bound kernel driver if needed.
func (d *Device) ClaimInterface(iface uint8) error {
	err := claimInterface(d.fd, iface)
	if errors.Is(err, unix.EBUSY) {
		if derr := disconnectDriver(d.fd, iface); derr == nil {
			pkg.LogInfo(pkg.ComponentHAL, "detached kernel driver", "interface", iface)
			err = claimInterface(d.fd, iface)
		}
	}
	if err != nil {
		return fmt.Errorf("claiming interface %d: %w", iface, mapErrno(err))
	}

	d.mu.Lock()
	d.claimed[iface] = true
	d.mu.Unlock()
	return nil
}

// ReleaseInterface releases a claimed interface.
func (d *Device) ReleaseInterface(iface uint8) error {
	d.mu.Lock()
	delete(d.claimed, iface)
	d.mu.Unlock()

	if err := releaseInterface(d.fd, iface); err != nil {
		return fmt.Errorf("releasing interface %d: %w", iface, mapErrno(err))
	}
	return nil
}

// SetInterface selects an alternate setting.
func (d *Device) SetInterface(iface, alt uint8) error {
	if err := setAltSetting(d.fd, iface, alt); err != nil {
		return fmt.Errorf("interface %d alt %d: %w", iface, alt, mapErrno(err))
	}
	return nil
}

// Descriptors returns the descriptors read at open.
func (d *Device) Descriptors() ([]byte, error) {
	return d.desc, nil
}

// Close releases claimed interfaces, stops the reaper, and closes the node.
// Transfers still allocated are unmapped.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	claimed := make([]uint8, 0, len(d.claimed))
	for iface := range d.claimed {
		claimed = append(claimed, iface)
	}
	d.claimed = make(map[uint8]bool)
	slots := d.slots
	d.slots = make(map[*hal.Transfer]*urbSlot)
	gone := d.gone
	d.mu.Unlock()

	var err error
	if !gone {
		for _, iface := range claimed {
			if e := releaseInterface(d.fd, iface); e != nil {
				err = multierr.Append(err, fmt.Errorf("releasing interface %d: %w", iface, e))
			}
		}
	}

	_ = d.poller.close()
	<-d.done
	d.poller.release()

	if len(slots) > 0 {
		pkg.LogWarn(pkg.ComponentHAL, "closing with allocated transfers", "count", len(slots))
		for _, s := range slots {
			err = multierr.Append(err, unmapSlot(s))
		}
	}

	return multierr.Append(err, unix.Close(d.fd))
}
