//go:build !linux

package affinity

import "runtime"

// Pin is a portable no-op on platforms without SchedSetaffinity: the
// benchmark harness still runs, just without real core pinning.
func Pin(cpu int) error { return nil }

// NumCPU reports how many CPUs are available for pinning.
func NumCPU() int { return runtime.NumCPU() }
