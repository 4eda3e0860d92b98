// Package leaf implements the leaf metadata header and its paired
// persistent data page (spec.md §3, §4.2, §4.3): fingerprints, the
// bitmap/split-seal word, the monotone split-progress flags, and the
// reader/writer contract that lets search observe a published slot
// without ever taking the leaf mutex.
package leaf

import (
	"sync"
	"sync/atomic"

	"github.com/pmtree/pmtree/internal/durable"
	"github.com/pmtree/pmtree/internal/fingerprint"
)

// sealBit is bit 31 of bitmap: once set, no further slot allocation
// succeeds and the leaf is read-only for inserts (spec.md §3, §4.3).
const sealBit uint32 = 1 << 31

// Leaf is the volatile metadata paired with one DataPage. Allocated
// from the volatile arena; bounds (Low/High) are immutable after
// publication (spec.md §3 "Lifecycle").
type Leaf struct {
	// fingerPrints is one atomic word per slot rather than a plain
	// [Capacity]byte: the slot's allocator writes it once, but Find runs
	// lock-free from any goroutine, so the write needs to be a real
	// atomic store even though it is logically a single racy byte write
	// in the original (spec.md's source language tolerates a torn read
	// of one byte; Go's memory model does not).
	fingerPrints [Capacity]atomic.Uint32
	bitmap       uint32 // bits 0..C-1: published slots. bit 31: sealed.
	number       uint32 // fetch-and-add slot-allocation counter.

	Low, High uint64 // half-open range [Low, High) this leaf is authoritative for.

	Data *DataPage
	next atomic.Pointer[Leaf] // successor leaf in key order, or nil at tail.
	log  atomic.Pointer[Leaf] // first half of split result while a split is in progress.

	Mtx sync.Mutex // serializes writers within this leaf.

	copyFlag, syncFlag, prevFlag, finFlag uint32 // monotone split-progress flags (0 or 1), each set exactly once.
}

// New builds a fresh, empty leaf spanning [low, high) over data. Only
// for standalone/test construction — arena-allocated leaves must use
// Init instead, since Leaf embeds atomics and a mutex that must never
// be copied after first use.
func New(low, high uint64, data *DataPage) *Leaf {
	return &Leaf{Low: low, High: high, Data: data}
}

// Init initializes an arena-allocated, zero-valued Leaf in place. Must
// only be called once, immediately after arena.Slab[Leaf].Alloc, before
// the leaf is published to any other goroutine.
func (l *Leaf) Init(low, high uint64, data *DataPage) {
	l.Low, l.High, l.Data = low, high, data
}

// Next returns the successor leaf in key order, or nil at the tail. An
// atomic pointer because split Phase 3 relinks a predecessor's next
// field concurrently with any reader doing a sibling walk (spec.md
// §4.5's "traverse sibling pointers" covering-leaf search).
func (l *Leaf) Next() *Leaf { return l.next.Load() }

// SetNext links l to its successor for ordered traversal.
func (l *Leaf) SetNext(next *Leaf) { l.next.Store(next) }

// CASNext is the CAS primitive split Phase 3 uses to relink a
// predecessor leaf to the new left half (spec.md §4.6 Phase 3). Per
// spec.md §9's open question, the caller is not required to check the
// result — correctness is restored by helper re-execution, not by
// verifying this CAS.
func (l *Leaf) CASNext(old, new *Leaf) bool {
	return l.next.CompareAndSwap(old, new)
}

// TryAllocateSlot performs the fetch-and-add on number. The returned
// index may be >= Capacity (spec.md §9: "number can transiently exceed
// C") or the leaf may already be sealed; ok is false in both cases and
// the caller must back out (retry on the successor leaf).
func (l *Leaf) TryAllocateSlot() (idx int, ok bool) {
	n := atomic.AddUint32(&l.number, 1) - 1
	if n >= Capacity || l.Sealed() {
		return 0, false
	}
	return int(n), true
}

// Publish atomically sets bit slot of bitmap via CAS, refusing if the
// leaf has since been sealed. ok is false iff the leaf was sealed
// concurrently; the caller must retry the write on the successor.
func (l *Leaf) Publish(slot int) (ok bool) {
	bit := uint32(1) << uint(slot)
	for {
		old := atomic.LoadUint32(&l.bitmap)
		if old&sealBit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&l.bitmap, old, old|bit) {
			return true
		}
	}
}

// Seal atomically sets the split-seal bit. Idempotent.
func (l *Leaf) Seal() {
	for {
		old := atomic.LoadUint32(&l.bitmap)
		if old&sealBit != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&l.bitmap, old, old|sealBit) {
			return
		}
	}
}

// Sealed reports whether bit 31 of bitmap is set: a split has started
// or will start and no further inserts are accepted.
func (l *Leaf) Sealed() bool {
	return atomic.LoadUint32(&l.bitmap)&sealBit != 0
}

// Bitmap returns the raw bitmap word (published-slot bits plus the seal
// bit), used by the split protocol to enumerate live slots.
func (l *Leaf) Bitmap() uint32 {
	return atomic.LoadUint32(&l.bitmap)
}

// Number returns the raw allocation counter, which may transiently
// exceed Capacity (spec.md §9).
func (l *Leaf) Number() uint32 {
	return atomic.LoadUint32(&l.number)
}

// setFingerprint is called once, by the inserting goroutine, before
// Publish — only the slot's allocator (the thread that won
// TryAllocateSlot) ever writes fingerPrints[slot].
func (l *Leaf) setFingerprint(slot int, key uint64) {
	l.fingerPrints[slot].Store(uint32(fingerprint.Hash(key)))
}

// SetFingerprintRaw installs a precomputed fingerprint directly. Used
// only by the split protocol's copy phase, which already knows each
// copied slot's fingerprint from the original leaf and wants to avoid
// rehashing every key.
func (l *Leaf) SetFingerprintRaw(slot int, fp byte) {
	l.fingerPrints[slot].Store(uint32(fp))
}

// Fingerprint returns the raw fingerprint stored at slot, used by the
// split protocol when copying slots to the new halves.
func (l *Leaf) Fingerprint(slot int) byte {
	return byte(l.fingerPrints[slot].Load())
}

// BulkLoad sets number and bitmap directly to mark the first n slots as
// allocated and published in one step. Used only by split Phase 1 when
// constructing the two new halves, which are not reachable by any other
// goroutine until the Phase 1 CAS publishes them (spec.md §4.6 Phase 1
// step 4: "Set L1.number, L2.number, and bitmap = (1 << number) - 1").
func (l *Leaf) BulkLoad(n int) {
	atomic.StoreUint32(&l.number, uint32(n))
	atomic.StoreUint32(&l.bitmap, (uint32(1)<<uint(n))-1)
}

// SetSlot writes value then key to the paired data page (mandatory
// ordering, spec.md §4.2), records the fingerprint, and returns without
// publishing — the caller publishes separately so insert can retry the
// CAS without re-writing the slot.
func (l *Leaf) SetSlot(slot int, key uint64, value Value, medium durable.Medium) {
	l.Data.SlotPut(slot, key, value, medium)
	l.setFingerprint(slot, key)
}

// Find linearly scans the first Number() fingerprints; on a match it
// verifies the key against the data page. Returns the slot index or
// ok=false.
//
// This never consults bitmap bit positions for correctness (spec.md
// §4.3): the value-before-key write ordering means a non-zero key
// implies its value is already durable, so a reader may legitimately
// observe a key whose publish bit is not set yet — Number() is a
// monotonic upper bound on how far it is safe to scan, nothing more.
func (l *Leaf) Find(key uint64) (slot int, ok bool) {
	h := fingerprint.Hash(key)
	n := int(l.Number())
	if n > Capacity {
		n = Capacity
	}
	for i := 0; i < n; i++ {
		if byte(l.fingerPrints[i].Load()) != h {
			continue
		}
		if l.Data.Key(i) == key {
			return i, true
		}
	}
	return 0, false
}

// Log returns the first half of an in-progress split, or nil.
func (l *Leaf) Log() *Leaf { return l.log.Load() }

// CASLog installs first as the leaf's log pointer iff it is currently
// nil. This CAS is the single linearization point for "this split
// exists" (spec.md §4.6 Phase 1 step 5).
func (l *Leaf) CASLog(first *Leaf) (ok bool) {
	return l.log.CompareAndSwap(nil, first)
}

// --- split-progress flags -------------------------------------------------

// SetCopyFlag sets copyFlag, idempotent, returns whether this call was
// the one that transitioned it 0->1.
func (l *Leaf) SetCopyFlag() bool { return atomic.CompareAndSwapUint32(&l.copyFlag, 0, 1) }
func (l *Leaf) CopyFlag() bool    { return atomic.LoadUint32(&l.copyFlag) != 0 }

func (l *Leaf) SetSyncFlag() bool { return atomic.CompareAndSwapUint32(&l.syncFlag, 0, 1) }
func (l *Leaf) SyncFlag() bool    { return atomic.LoadUint32(&l.syncFlag) != 0 }

func (l *Leaf) SetPrevFlag() bool { return atomic.CompareAndSwapUint32(&l.prevFlag, 0, 1) }
func (l *Leaf) PrevFlag() bool    { return atomic.LoadUint32(&l.prevFlag) != 0 }

func (l *Leaf) SetFinFlag() bool { return atomic.CompareAndSwapUint32(&l.finFlag, 0, 1) }
func (l *Leaf) FinFlag() bool    { return atomic.LoadUint32(&l.finFlag) != 0 }
