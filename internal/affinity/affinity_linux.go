//go:build linux

// Package affinity pins the calling OS thread to a single CPU, used by
// the benchmark harness (cmd/pmbench) to give each worker its own core
// alongside its own arena.ThreadArenas — matching spec.md §9's
// "Concurrency model: OS threads with per-thread arenas; do not
// convert to cooperative tasks, arena ownership is per-OS-thread."
// Pinning makes that ownership line up with real hardware cores
// instead of letting the Go scheduler migrate the goroutine mid-run.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its current OS thread (via
// runtime.LockOSThread, which the caller must eventually pair with
// runtime.UnlockOSThread) and restricts that thread's CPU affinity mask
// to cpu. Callers are expected to have already arranged one goroutine
// per worker (cmd/pmbench's pool), so LockOSThread here never steals a
// thread shared with other work.
func Pin(cpu int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: pin to cpu %d: %w", cpu, err)
	}
	return nil
}

// NumCPU reports how many CPUs are available for pinning.
func NumCPU() int { return runtime.NumCPU() }
