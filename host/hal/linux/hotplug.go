//go:build linux

package linux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ardnew/eiepro/pkg"
)

// EventKind distinguishes hotplug events.
type EventKind uint8

const (
	Arrived EventKind = iota + 1
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Arrived:
		return "arrived"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Event reports a matching device appearing or disappearing.
type Event struct {
	Kind EventKind
	Info Info
}

// Watcher reports arrival and removal of devices with one vendor and
// product ID by watching the usbfs node tree. Device details come from
// sysfs when a node appears.
type Watcher struct {
	sysRoot string
	devRoot string
	vid     uint16
	pid     uint16

	fs *fsnotify.Watcher

	mu    sync.Mutex
	known map[string]Info // by DevPath
}

// NewWatcher watches devRoot (normally DevfsUSBPath) for nodes of devices
// matching vid:pid, resolving them under sysRoot (normally SysfsUSBPath).
func NewWatcher(sysRoot, devRoot string, vid, pid uint16) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w := &Watcher{
		sysRoot: sysRoot,
		devRoot: devRoot,
		vid:     vid,
		pid:     pid,
		fs:      fs,
		known:   make(map[string]Info),
	}
	if err := w.watchTree(); err != nil {
		fs.Close()
		return nil, err
	}
	return w, nil
}

// watchTree adds devRoot and every bus directory below it.
func (w *Watcher) watchTree() error {
	if err := w.fs.Add(w.devRoot); err != nil {
		return fmt.Errorf("watching %s: %w", w.devRoot, err)
	}
	entries, err := os.ReadDir(w.devRoot)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := w.fs.Add(filepath.Join(w.devRoot, e.Name())); err != nil {
			return fmt.Errorf("watching bus %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Close stops watching. Run returns once its context ends or the watcher
// is closed.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Run reports matching devices already present, then hotplug events, until
// ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context, events chan<- Event) error {
	present, err := scan(w.sysRoot, w.devRoot)
	if err != nil {
		return err
	}
	for _, info := range present {
		if ev, ok := w.arrive(info); ok {
			if err := send(ctx, events, ev); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			pkg.LogWarn(pkg.ComponentHAL, "hotplug watch error", "error", err)
		case fe, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			ev, ok := w.handle(fe)
			if !ok {
				continue
			}
			if err := send(ctx, events, ev); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) handle(fe fsnotify.Event) (Event, bool) {
	switch {
	case fe.Op.Has(fsnotify.Create):
		st, err := os.Stat(fe.Name)
		if err != nil {
			return Event{}, false
		}
		if st.IsDir() {
			// New bus directory.
			if filepath.Dir(fe.Name) == filepath.Clean(w.devRoot) {
				if err := w.fs.Add(fe.Name); err != nil {
					pkg.LogWarn(pkg.ComponentHAL, "watching new bus", "path", fe.Name, "error", err)
				}
			}
			return Event{}, false
		}
		info, ok := w.resolve(fe.Name)
		if !ok {
			return Event{}, false
		}
		return w.arrive(info)

	case fe.Op.Has(fsnotify.Remove), fe.Op.Has(fsnotify.Rename):
		w.mu.Lock()
		info, ok := w.known[fe.Name]
		delete(w.known, fe.Name)
		w.mu.Unlock()
		if !ok {
			return Event{}, false
		}
		pkg.LogInfo(pkg.ComponentHAL, "device removed", "device", info.String())
		return Event{Kind: Removed, Info: info}, true
	}
	return Event{}, false
}

// resolve finds the sysfs entry for a device node.
func (w *Watcher) resolve(node string) (Info, bool) {
	bus, addr, ok := parseDevPath(node)
	if !ok {
		return Info{}, false
	}
	devices, err := scan(w.sysRoot, w.devRoot)
	if err != nil {
		return Info{}, false
	}
	for _, d := range devices {
		if d.Bus == bus && d.Address == addr {
			d.DevPath = node
			return d, true
		}
	}
	return Info{}, false
}

func (w *Watcher) arrive(info Info) (Event, bool) {
	if !info.Matches(w.vid, w.pid) {
		return Event{}, false
	}
	w.mu.Lock()
	_, dup := w.known[info.DevPath]
	w.known[info.DevPath] = info
	w.mu.Unlock()
	if dup {
		return Event{}, false
	}
	pkg.LogInfo(pkg.ComponentHAL, "device arrived", "device", info.String(), "path", info.DevPath)
	return Event{Kind: Arrived, Info: info}, true
}

func send(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
