// Package prof exposes runtime profiling to the daemon. It is compiled in
// only with the "profile" build tag:
//
//	go build -tags profile ./cmd/eied
//
// Without the tag every function is a no-op and Enabled is false, so the
// daemon's profiling flags cost nothing in release builds.
//
// With the tag, Register mounts the net/http/pprof handlers under
// /debug/pprof/ on the metrics router, StartCPU and StopCPU bracket a CPU
// profile written to a file, and WriteHeap snapshots the heap:
//
//	if err := prof.StartCPU("eied.cpu"); err != nil { ... }
//	defer prof.StopCPU()
//
// Block and mutex profiling are enabled at StartCPU so that contention on
// the session lock shows up in /debug/pprof/block and /debug/pprof/mutex.
package prof
