// Package split implements the four-phase leaf split protocol (spec.md
// §4.6): copy, sync, relink predecessor, publish to parent. Each phase
// is guarded by its own monotone flag (copy and fin on the split leaf,
// sync and prev on its new left half), so Run is safe to
// call repeatedly from any thread that lands on a sealed leaf — it
// simply resumes from whichever phase is not yet complete.
//
// Grounded on hmarui66/blinktree's splitPage (bltree.go): allocate a
// sibling, move the right half of the slot array across, relink
// Right/predecessor pointers, then propagate upward by re-inserting
// into the parent at the next level. The teacher does all of this under
// one latch sequence; this package generalizes that same shape into
// four independently resumable, flag-guarded steps per spec.md §4.6.
package split

import (
	"log"
	"sort"

	"github.com/pmtree/pmtree/internal/durable"
	"github.com/pmtree/pmtree/internal/inner"
	"github.com/pmtree/pmtree/internal/leaf"
	"github.com/pmtree/pmtree/internal/structlock"
)

// Host is the view of the owning tree the split protocol needs. The
// root pmtree.Tree implements this; kept as an interface so this
// package never imports the root package (which imports split),
// avoiding a cycle.
type Host interface {
	StructLock() *structlock.Lock
	Medium() durable.Medium

	// Height returns the tree's current height (1 == the tree is a
	// single leaf with no inner node yet; height grows as splits bubble
	// up through root-growth).
	Height() int

	// Publish installs (left, splitKey, right) — together spanning
	// [low, high) — into the tree at the given level, growing a new
	// root or recursing one level further up as needed (spec.md §4.4,
	// §4.6 Phase 4). leafHint's FinFlag is set once the leaf's own
	// publication into its level-1 parent has happened.
	Publish(level uint8, low, splitKey, high uint64, left, right inner.Child, leafHint inner.FinFlagSetter)

	// FindPredecessor returns the leaf immediately preceding l in key
	// order, or nil if l is (or was) the leftmost leaf.
	FindPredecessor(l *leaf.Leaf) *leaf.Leaf

	// Anchor/CASAnchor and DataAnchor/CASDataAnchor expose the tree's
	// leftmost-leaf and leftmost-data-page pointers, used by Phase 3
	// when the split leaf has no predecessor.
	Anchor() *leaf.Leaf
	CASAnchor(old, new *leaf.Leaf) bool
	DataAnchor() *leaf.DataPage
	CASDataAnchor(old, new *leaf.DataPage) bool

	// AllocLeaf hands back a fresh Leaf+DataPage pair spanning [low,
	// high), from the caller's (or the tree's default) arena.
	AllocLeaf(low, high uint64) *leaf.Leaf
}

// liveSlot is one still-present {fingerprint, key, value} triple
// gathered from L during Phase 1.
type liveSlot struct {
	fp    byte
	key   uint64
	value leaf.Value
}

// Run drives L's split to completion, executing whichever phases are
// not yet flagged done. Safe to call from multiple goroutines
// concurrently against the same L (helper cooperation, spec.md §4.6).
func Run(host Host, l *leaf.Leaf) {
	l1 := phaseCopy(host, l)
	phaseSync(host, l, l1)
	phaseRelink(host, l, l1)
	phasePublish(host, l, l1)
}

// phaseCopy is Phase 1 (copy_flag / L.log CAS). Returns the left half,
// whether this call performed the copy or merely observed it already
// done.
func phaseCopy(host Host, l *leaf.Leaf) *leaf.Leaf {
	if existing := l.Log(); existing != nil {
		return existing
	}

	l.Seal()

	slots := gatherLiveSlots(l)
	sort.Slice(slots, func(i, j int) bool { return slots[i].key < slots[j].key })

	mid := len(slots) / 2
	var splitKey uint64
	if mid < len(slots) {
		splitKey = slots[mid].key
	} else if len(slots) > 0 {
		splitKey = slots[len(slots)-1].key + 1
	}

	log.Printf("DEBUG: splitPage leaf [%d, %d) into two halves at splitKey = %d (%d live slots)\n", l.Low, l.High, splitKey, len(slots))
	l1 := host.AllocLeaf(l.Low, splitKey)
	l2 := host.AllocLeaf(splitKey, l.High)

	medium := host.Medium()
	n1, n2 := 0, 0
	for _, s := range slots {
		if s.key < splitKey {
			writeCopiedSlot(l1, n1, s, medium)
			n1++
		} else {
			writeCopiedSlot(l2, n2, s, medium)
			n2++
		}
	}
	l1.BulkLoad(n1)
	l2.BulkLoad(n2)

	l1.SetNext(l2)
	l2.SetNext(l.Next())
	l1.Data.SetNext(l2.Data)
	l2.Data.SetNext(l.Data.Next())

	if !l.CASLog(l1) {
		// A concurrent helper already linearized the split; use its
		// result instead of ours (ours is discarded — arenas never
		// reclaim, per spec.md §9).
		return l.Log()
	}
	l.Data.SetLog(l1.Data)
	l.SetCopyFlag()
	return l1
}

// gatherLiveSlots reads every currently-published slot of l. Phase 2
// re-validates each copied key against l afterwards, so a slot that
// changes between this scan and Phase 2 is still reconciled correctly.
func gatherLiveSlots(l *leaf.Leaf) []liveSlot {
	n := int(l.Number())
	if n > leaf.Capacity {
		n = leaf.Capacity
	}
	slots := make([]liveSlot, 0, n)
	for i := 0; i < n; i++ {
		key := l.Data.Key(i)
		if key == 0 {
			continue
		}
		slots = append(slots, liveSlot{
			fp:    l.Fingerprint(i),
			key:   key,
			value: l.Data.RawValue(i).ClearTags(),
		})
	}
	return slots
}

func writeCopiedSlot(dst *leaf.Leaf, slot int, s liveSlot, medium durable.Medium) {
	dst.Data.SlotPut(slot, s.key, s.value.MarkCopied(), medium)
	dst.SetFingerprintRaw(slot, s.fp)
}

// phaseSync is Phase 2 (sync_flag): reconcile every copy-tagged slot in
// l1/l2 against l's live data, then any concurrent delete or update
// that raced the copy.
func phaseSync(host Host, l, l1 *leaf.Leaf) {
	if l1.SyncFlag() {
		return
	}
	medium := host.Medium()
	reconcileHalf(l, l1, medium)
	reconcileHalf(l, l1.Next(), medium)
	l1.SetSyncFlag()
}

func reconcileHalf(l, half *leaf.Leaf, medium durable.Medium) {
	n := int(half.Number())
	if n > leaf.Capacity {
		n = leaf.Capacity
	}
	for i := 0; i < n; i++ {
		cur := half.Data.RawValue(i)
		if !cur.IsCopied() {
			continue
		}
		key := half.Data.Key(i)
		if key == 0 {
			continue
		}
		if slot, ok := l.Find(key); ok {
			liveVal := l.Data.RawValue(slot).ClearTags()
			half.Data.CompareAndSwapValue(i, cur, liveVal.MarkSynced())
		} else {
			half.Data.SlotClear(i, medium)
		}
	}
}

// phaseRelink is Phase 3 (prev_flag): redirect the predecessor's next
// pointer (or the tree anchor, if l had no predecessor) from l to l1.
func phaseRelink(host Host, l, l1 *leaf.Leaf) {
	if l1.PrevFlag() {
		return
	}

	prev := host.FindPredecessor(l)
	if prev == nil {
		host.CASDataAnchor(l.Data, l1.Data)
		host.CASAnchor(l, l1)
		l1.SetPrevFlag()
		return
	}

	if prev.Sealed() {
		// Recursive help: the predecessor itself is mid-split and must
		// finish before its next pointer is a meaningful relink target.
		// Once it has, l's predecessor is the right half of that split.
		Run(host, prev)
		prev = prev.Log().Next()
	}

	// Unchecked CAS per spec.md §9's "update_prev_node" open question:
	// correctness is restored by helper re-execution, not by verifying
	// this succeeded.
	prev.Data.CASNext(l.Data, l1.Data)
	prev.CASNext(l, l1)
	l1.SetPrevFlag()
}

// phasePublish is Phase 4 (fin_flag): publish (l1, splitKey, l2) into
// the tree at level 1 — installing a new root if l was the tree's sole
// leaf, else storing into (and possibly further splitting) the level-1
// parent inner node. Host.Publish sets l's FinFlag once this leaf's own
// publication has happened, regardless of whether it also triggers
// further upward propagation.
func phasePublish(host Host, l, l1 *leaf.Leaf) {
	if l.FinFlag() {
		return
	}

	l2 := l1.Next()
	host.Publish(1, l.Low, l2.Low, l.High, l1, l2, l)
}
