//go:build linux

package linux

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// pollDesc describes a file descriptor being polled.
type pollDesc struct {
	fd       int
	events   uint32
	callback func(uint32)
}

// poller multiplexes device file descriptors over epoll. An eventfd wakes
// the loop for shutdown.
type poller struct {
	epfd   int
	wakefd int

	mu     sync.Mutex
	fds    map[int]*pollDesc
	closed bool
	done   chan struct{}
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &poller{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[int]*pollDesc),
		done:   make(chan struct{}),
	}
	if err := p.addFD(wakefd, unix.EPOLLIN, nil); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// close stops the loop and releases the epoll and wake descriptors. It is
// safe to call more than once.
func (p *poller) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	_ = p.wake()
	return nil
}

// release closes the descriptors once the loop has returned.
func (p *poller) release() {
	unix.Close(p.wakefd)
	unix.Close(p.epfd)
}

func (p *poller) addFD(fd int, events uint32, callback func(uint32)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = &pollDesc{fd: fd, events: events, callback: callback}
	return nil
}

func (p *poller) delFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.fds[fd]; !ok {
		return unix.ENOENT
	}
	delete(p.fds, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wakefd, buf[:])
	return err
}

// poll dispatches events until close is called.
func (p *poller) poll() error {
	var events [MaxEpollEvents]unix.EpollEvent
	for {
		select {
		case <-p.done:
			return nil
		default:
		}
		if _, err := p.dispatch(events[:], -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
	}
}

// pollOnce performs a single wait of at most timeout milliseconds and
// returns the number of callbacks run.
func (p *poller) pollOnce(timeout int) (int, error) {
	var events [MaxEpollEvents]unix.EpollEvent
	return p.dispatch(events[:], timeout)
}

func (p *poller) dispatch(events []unix.EpollEvent, timeout int) (int, error) {
	n, err := unix.EpollWait(p.epfd, events, timeout)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == p.wakefd {
			var buf [8]byte
			_, _ = unix.Read(p.wakefd, buf[:])
			continue
		}

		p.mu.Lock()
		desc, ok := p.fds[fd]
		p.mu.Unlock()

		if ok && desc.callback != nil {
			desc.callback(events[i].Events)
			processed++
		}
	}
	return processed, nil
}
