// Package durable defines the durable-write primitive the core
// consumes (spec.md §6): a persistent-write/flush and a fence, used by
// LeafDataPage.SlotPut/SlotClear to make the value-before-key write
// order durable on platforms without extended ADR. On eADR-capable
// platforms (the assumption this design documents rather than proves,
// spec.md §9) both are no-ops; CPU store ordering alone is sufficient.
package durable

import "sync/atomic"

// Medium is the durable-write collaborator the leaf data page writes
// through. The tree takes it from pmtree.Options and constructs Noop
// itself when none is given (see internal/durable/file_arena.go
// for the one real, mmap-backed implementation retained from the
// teacher, and Noop below for the eADR fast path).
type Medium interface {
	// Flush persists n bytes starting at addr. No-op on eADR systems.
	Flush(addr *byte, n int)
	// Fence orders prior stores against subsequent ones.
	Fence()
}

// Noop is the eADR-path medium: Flush is skipped entirely and Fence
// degrades to an atomic-store memory fence, which is all the
// value-before-key ordering in §4.2 actually requires once flushes are
// elided.
type Noop struct{}

func (Noop) Flush(*byte, int) {}

func (Noop) Fence() {
	// StoreUint32 on a throwaway word forces a full memory barrier on
	// every platform Go supports, standing in for the explicit sfence
	// the original uses on non-eADR hardware.
	var barrier uint32
	atomic.StoreUint32(&barrier, 1)
}
