//go:build !profile

package prof

import "github.com/gorilla/mux"

// Enabled reports whether profiling support is compiled in.
const Enabled = false

// ErrCPUProfileActive is never returned without the "profile" tag.
var ErrCPUProfileActive error

func StartCPU(string) error  { return nil }
func StopCPU() error         { return nil }
func CPUActive() bool        { return false }
func WriteHeap(string) error { return nil }
func Register(*mux.Router)   {}
