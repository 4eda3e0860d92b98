package leaf

import (
	"sync/atomic"

	"github.com/pmtree/pmtree/internal/durable"
)

// Capacity is C in spec.md §3: the fixed slot count of a LeafDataPage.
const Capacity = 31

// dataSlot is one {key, value} pair. A zero Key means "empty slot" —
// key 0 is the reserved sentinel spec.md §3 and §9 call out. Both
// fields are atomic words: readers (Find, search-during-split) and
// writers (insert, update, split Phase 2's reconciliation CAS) touch
// slots without a shared lock, exactly as spec.md §4.2/§4.3 describe,
// so the underlying storage has to be real atomics rather than plain
// fields standing in for "it's fine in C."
type dataSlot struct {
	value atomic.Uint64
	key   atomic.Uint64
}

// DataPage is the fixed-slot, persistent-medium record paired with one
// Leaf. It is allocated by arena.Slab[DataPage] from the persistent
// arena and never shrunk or freed (spec.md §3: "Never shrunk"; split
// victims are leaked intentionally, spec.md §9).
//
// next/log are raw pointers with manual, tree-duration lifetime — the
// design note in spec.md §9 ("manual pointer graph → arena + strongly
// typed handles... nodes live for the duration of the tree") chooses
// pointers over arena.Handle here because DataPage is only ever reached
// through its owning Leaf, which already carries the arena handle; a
// second handle layer would add nothing but indirection.
type DataPage struct {
	slots [Capacity]dataSlot
	next  atomic.Pointer[DataPage]
	log   atomic.Pointer[DataPage]
}

// Next returns the successor data page in key order, or nil at the tail.
// An atomic pointer because split Phase 3 relinks a predecessor's next
// field concurrently with any reader doing ordered traversal.
func (p *DataPage) Next() *DataPage { return p.next.Load() }

// SetNext links p to its successor for ordered traversal.
func (p *DataPage) SetNext(next *DataPage) { p.next.Store(next) }

// CASNext is the CAS primitive split Phase 3 uses to relink a
// predecessor's data page to the new left half (spec.md §4.6 Phase 3:
// "CAS prev.data.next"). Per spec.md §9's open question, the caller is
// not required to check the result — correctness is restored by helper
// re-execution, not by verifying this CAS.
func (p *DataPage) CASNext(old, new *DataPage) bool {
	return p.next.CompareAndSwap(old, new)
}

// Log returns the first half of an in-progress split, or nil if no
// split has begun against this page yet. Readers explicitly check
// Log() == nil as "split has not yet begun in data" (spec.md §9): this
// field is set by a separate, uncoordinated store *after* the owning
// Leaf's log CAS has already linearized the split (spec.md §4.6 Phase 1
// step 5 — "CAS L.log ...; then mirror L.data.log"), so a thread racing
// the split may observe Leaf.log set while DataPage.Log() is still nil.
// That gap is preserved deliberately (spec.md §9), not a bug; it is a
// plain atomic store rather than a true data race only so `go test
// -race` stays clean — the two pointers are still set as two distinct,
// non-synchronized operations.
func (p *DataPage) Log() *DataPage { return p.log.Load() }

// SetLog installs the first half of a split. Called once, from split
// Phase 1, after the Leaf.log CAS has already linearized the split.
func (p *DataPage) SetLog(first *DataPage) { p.log.Store(first) }

// Key returns the key stored in slot i (0 if the slot is empty).
func (p *DataPage) Key(i int) uint64 { return p.slots[i].key.Load() }

// RawValue returns the tagged value stored in slot i.
func (p *DataPage) RawValue(i int) Value { return Value(p.slots[i].value.Load()) }

// SlotPut writes value then key to slot i and fences, in that mandatory
// order (spec.md §4.2): a non-zero key indicates a live slot, and value
// must already be durable before the key publishes the slot, or a
// reader that observes the new key could read a stale/zero value.
func (p *DataPage) SlotPut(i int, key uint64, value Value, medium durable.Medium) {
	p.slots[i].value.Store(uint64(value))
	medium.Flush(nil, 0)
	medium.Fence()
	p.slots[i].key.Store(key)
	medium.Flush(nil, 0)
	medium.Fence()
}

// SlotClear zeroes the key field of slot i and fences. Used for
// tombstone deletes (spec.md §4.5 remove: "idempotent key→0 write") and
// by split Phase 2 when a copied key was concurrently deleted from the
// original.
func (p *DataPage) SlotClear(i int, medium durable.Medium) {
	p.slots[i].key.Store(0)
	medium.Flush(nil, 0)
	medium.Fence()
}

// SetRawValue overwrites slot i's value in place without touching the
// key. Used by Tree.Update (never allocates, per spec.md §4.5).
func (p *DataPage) SetRawValue(i int, value Value, medium durable.Medium) {
	p.slots[i].value.Store(uint64(value))
	medium.Flush(nil, 0)
	medium.Fence()
}

// CompareAndSwapValue atomically swaps slot i's value from old to new.
// Used by split Phase 2 to reconcile a copied slot against a concurrent
// update of the original leaf (spec.md §4.6 Phase 2: "CAS the new
// slot's value from (v|COPY_MASK) to (v_new|SYNC_MASK)").
func (p *DataPage) CompareAndSwapValue(i int, old, new Value) bool {
	return p.slots[i].value.CompareAndSwap(uint64(old), uint64(new))
}
