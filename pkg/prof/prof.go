//go:build profile

package prof

import (
	"errors"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"

	"github.com/gorilla/mux"
)

// Enabled reports whether profiling support is compiled in.
const Enabled = true

// ErrCPUProfileActive is returned by StartCPU while a profile is running.
var ErrCPUProfileActive = errors.New("cpu profile already active")

var (
	cpuMu   sync.Mutex
	cpuFile *os.File
)

// StartCPU starts a CPU profile written to path and turns on block and
// mutex sampling.
func StartCPU(path string) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuFile != nil {
		return ErrCPUProfileActive
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
	cpuFile = f
	return nil
}

// StopCPU ends the CPU profile. It is safe to call when none is running.
func StopCPU() error {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuFile == nil {
		return nil
	}
	rpprof.StopCPUProfile()
	err := cpuFile.Close()
	cpuFile = nil
	return err
}

// CPUActive reports whether a CPU profile is running.
func CPUActive() bool {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	return cpuFile != nil
}

// WriteHeap writes a heap profile to path.
func WriteHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	runtime.GC()
	if err := rpprof.WriteHeapProfile(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Register mounts the pprof handlers under /debug/pprof/.
func Register(router *mux.Router) {
	sub := router.PathPrefix("/debug/pprof").Subrouter()
	sub.HandleFunc("/cmdline", pprof.Cmdline)
	sub.HandleFunc("/profile", pprof.Profile)
	sub.HandleFunc("/symbol", pprof.Symbol)
	sub.HandleFunc("/trace", pprof.Trace)
	sub.PathPrefix("/").HandlerFunc(pprof.Index)
}
