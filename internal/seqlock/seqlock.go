// Package seqlock implements the switch_counter lock-free reader
// protocol used by inner nodes: writers toggle a parity word around a
// mutation, readers snapshot it before and after a scan and retry from
// scratch if the two snapshots disagree. Modeled on the phase-fair
// ticket discipline in hmarui66/blinktree's BLTRWLock, simplified to the
// single-word seqlock spec.md §4.4/§9 calls for.
package seqlock

import "sync/atomic"

// Counter is a single atomic word. Even values mean "stable"; odd
// values mean "a writer is mid-mutation."
type Counter struct {
	word uint64
}

// BeginWrite marks the start of a mutation. Must be paired with EndWrite.
func (c *Counter) BeginWrite() {
	atomic.AddUint64(&c.word, 1)
}

// EndWrite marks the end of a mutation.
func (c *Counter) EndWrite() {
	atomic.AddUint64(&c.word, 1)
}

// Load returns the current parity word for a reader to stash before a scan.
func (c *Counter) Load() uint64 {
	return atomic.LoadUint64(&c.word)
}

// Stable reports whether before is even, i.e. no writer was
// mid-mutation when before was captured. It does not compare before
// with the counter's current value; Retry does that.
func Stable(before uint64) bool {
	return before&1 == 0
}

// Retry reports whether a read that began at before must be discarded
// given the counter's value now at after.
func Retry(before, after uint64) bool {
	return before != after || !Stable(before)
}
