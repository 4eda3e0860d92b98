// Package inner implements the FAST/FAIR-style inner node (spec.md
// §4.4): a sorted (key, child) array with a lock-free linear-search
// reader protocol and a structural-lock-guarded insert/split path.
// Children at level 1 are *leaf.Leaf; at level > 1 they are *inner.Node.
// Grounded on hmarui66/blinktree's FindSlot binary search and sibling
// hop logic (page.go, bufmgr.go LoadPage), generalized from the
// teacher's byte-slot page to a typed, fixed-capacity sorted array, and
// on the original NBTree's linear_search/linear_search_pred
// (original_source/include/nbtree_w.h) for the directional-scan/parity
// discipline spec.md names but does not itself define byte-for-byte.
package inner

import (
	"sync/atomic"

	"github.com/pmtree/pmtree/internal/seqlock"
	"github.com/pmtree/pmtree/internal/structlock"
)

// Cardinality is the fixed entry capacity per spec.md §3:
// (512 - header)/16, with the header modeled as ~32 bytes of Go field
// overhead once level/bounds/links/counters are accounted for.
const Cardinality = 30

// Child is either a *Node (children at level > 1) or a *leaf.Leaf
// (children at level 1, the leaf level). Stored as `any` behind
// atomic.Value rather than unsafe.Pointer so the node stays ordinary,
// race-detector-clean Go; every atomic.Value for a single entry or
// leftmost slot only ever holds one concrete type for that node's
// lifetime, which is all atomic.Value requires.
type Child = any

type entry struct {
	key   atomic.Uint64
	child atomic.Value
}

// Node is one inner-node page. Entries are key-sorted: entries[i].child
// covers [entries[i].key, entries[i+1].key) (the last entry's child runs
// up to High) and leftmost covers [Low, entries[0].key).
type Node struct {
	Level uint8

	low  atomic.Uint64
	high atomic.Uint64

	sibling atomic.Pointer[Node] // right sibling at same level
	pred    atomic.Pointer[Node] // left sibling at same level

	count atomic.Int32 // number of populated entries (last_index)

	switchCounter seqlock.Counter

	// isDeleted mirrors the data-model field spec.md §3 names for
	// InnerNode; this build never performs inner-node coalescing
	// (shrinking is an explicit Non-goal, spec.md §1), so it is wired
	// into IsDeleted()/MarkDeleted() for data-model parity but never
	// transitions true in any operation this package implements.
	isDeleted atomic.Bool

	leftmost atomic.Value
	entries  [Cardinality]entry
}

// New builds a node at level spanning [low, high) with the given
// leftmost child (a *Node if level > 1, else a *leaf.Leaf). Only for
// standalone/test construction — arena-allocated nodes must use Init
// instead, since Node embeds atomics that must never be copied after
// first use.
func New(level uint8, low, high uint64, leftmost Child) *Node {
	n := &Node{Level: level}
	n.Init(level, low, high, leftmost)
	return n
}

// Init initializes an arena-allocated, zero-valued Node in place. Must
// only be called once, immediately after arena.Slab[Node].Alloc, before
// the node is published to any other goroutine.
func (n *Node) Init(level uint8, low, high uint64, leftmost Child) {
	n.Level = level
	n.low.Store(low)
	n.high.Store(high)
	n.leftmost.Store(leftmost)
}

func (n *Node) Low() uint64  { return n.low.Load() }
func (n *Node) High() uint64 { return n.high.Load() }

// SetHigh narrows this node's upper bound, used by split when this
// node becomes the left half (spec.md §4.4: "updates the original's
// high_key = split_key").
func (n *Node) SetHigh(v uint64) { n.high.Store(v) }

// SetLow overwrites this node's lower bound. New roots and freshly split
// siblings get their low bound from Init; nothing in this module calls
// SetLow.
func (n *Node) SetLow(v uint64) { n.low.Store(v) }

func (n *Node) Sibling() *Node       { return n.sibling.Load() }
func (n *Node) SetSibling(s *Node)   { n.sibling.Store(s) }
func (n *Node) Pred() *Node          { return n.pred.Load() }
func (n *Node) SetPred(p *Node)      { n.pred.Store(p) }
func (n *Node) Count() int           { return int(n.count.Load()) }
func (n *Node) IsDeleted() bool      { return n.isDeleted.Load() }
func (n *Node) MarkDeleted()         { n.isDeleted.Store(true) }

func (n *Node) leftmostChild() Child { return n.leftmost.Load() }

// entryKey/entryChild are convenience accessors over the fixed array;
// i is 0-based and must be < Count().
func (n *Node) entryKey(i int) uint64  { return n.entries[i].key.Load() }
func (n *Node) entryChild(i int) Child { return n.entries[i].child.Load() }

// LinearSearch is the lock-free reader path (spec.md §4.4): snapshot
// switch_counter, scan directionally by its parity, re-snapshot, retry
// on mismatch. If key falls outside [Low, High) it hops to Pred/Sibling
// instead of returning a child.
func (n *Node) LinearSearch(key uint64) (child Child, hopLeft, hopRight *Node) {
	for {
		before := n.switchCounter.Load()

		if key < n.Low() {
			if p := n.Pred(); p != nil {
				return nil, p, nil
			}
		}
		if key >= n.High() {
			if s := n.Sibling(); s != nil {
				return nil, nil, s
			}
		}

		count := n.Count()
		var found Child
		var ok bool

		if seqlock.Stable(before) {
			// forward scan
			found, ok = n.scanForward(key, count)
		} else {
			// backward scan — parity says a writer toggled mid-mutation;
			// scanning from the tail first is more likely to observe a
			// post-mutation-consistent prefix on the next retry.
			found, ok = n.scanBackward(key, count)
		}

		after := n.switchCounter.Load()
		if seqlock.Retry(before, after) {
			continue
		}
		if ok {
			return found, nil, nil
		}
		return nil, nil, nil
	}
}

func (n *Node) scanForward(key uint64, count int) (Child, bool) {
	if count == 0 || key < n.entryKey(0) {
		return n.leftmostChild(), true
	}
	for i := 0; i < count; i++ {
		if key < n.entryKey(i) {
			if i == 0 {
				return n.leftmostChild(), true
			}
			return n.entryChild(i - 1), true
		}
	}
	return n.entryChild(count - 1), true
}

func (n *Node) scanBackward(key uint64, count int) (Child, bool) {
	for i := count - 1; i >= 0; i-- {
		if key >= n.entryKey(i) {
			return n.entryChild(i), true
		}
	}
	return n.leftmostChild(), true
}

// SearchPred returns the child entry immediately to the left of where
// key would land — i.e. the node's current idea of "the leaf/node that
// precedes key." Used by split Phase 3 (Tree.FindPredecessor) on the
// level-1 parent it reaches by re-descending from the root, grounded on
// the original's linear_search_pred (nbtree_w.h).
func (n *Node) SearchPred(key uint64) (pred Child, ok bool) {
	for {
		before := n.switchCounter.Load()
		count := n.Count()

		var found Child
		var hit bool
		if count == 0 || key <= n.entryKey(0) {
			found, hit = n.leftmostChild(), true
		} else {
			idx := 0
			for i := 0; i < count; i++ {
				if n.entryKey(i) < key {
					idx = i
				} else {
					break
				}
			}
			found, hit = n.entryChild(idx), true
		}

		after := n.switchCounter.Load()
		if seqlock.Retry(before, after) {
			continue
		}
		return found, hit
	}
}

// StoreResult reports what Store did to n.
type StoreResult struct {
	// Split is true iff n overflowed and was split into n (narrowed to
	// [Low, SplitKey)) and Right (a brand-new sibling).
	Split    bool
	SplitKey uint64
	Right    *Node
}

// Store performs the FAST/FAIR insert described in spec.md §4.4. The
// caller must already hold the tree's structural lock. If left != nil,
// the predecessor slot's child pointer is atomically replaced with left
// — the "parent pointer swap" that re-parents the left half of a split
// (spec.md §4.4). If leafHint != nil, its FinFlag is set under the
// structural lock before Store returns, so helper threads can
// short-circuit a redundant parent publication (spec.md §4.4, §4.6
// Phase 4). allocSibling returns a fresh, zero-valued *Node from the
// tree's inner-node arena; it is only invoked (once) if n is full and
// must split — this package has no arena access of its own, so the
// caller supplies allocation rather than this type reaching outside
// its own package for one.
func (n *Node) Store(structLk *structlock.Lock, left Child, key uint64, right Child, leafHint FinFlagSetter, allocSibling func() *Node) StoreResult {
	structLk.Lock()
	defer structLk.Unlock()

	n.switchCounter.BeginWrite()
	defer n.switchCounter.EndWrite()

	if left != nil {
		n.replacePredecessorChild(key, left)
	}

	count := n.Count()
	if count < Cardinality-1 {
		n.insertAt(count, key, right)
		if leafHint != nil {
			leafHint.SetFinFlag()
		}
		return StoreResult{}
	}

	return n.splitAndInsert(key, right, leafHint, allocSibling)
}

// replacePredecessorChild finds the entry whose child currently points
// at whatever occupied the slot just before key (i.e. the slot that
// used to own the now-split leaf/node) and swaps it for left. This
// mirrors the teacher's insertSlot moving a librarian/dup slot aside
// before writing a new one, generalized to "find the entry one to the
// left of the new key and repoint it."
func (n *Node) replacePredecessorChild(key uint64, left Child) {
	count := n.Count()
	for i := 0; i < count; i++ {
		if n.entryKey(i) == key {
			if i == 0 {
				n.leftmost.Store(left)
			} else {
				n.entries[i-1].child.Store(left)
			}
			return
		}
	}
	// key not found yet (first insertion of this fence): left becomes
	// whatever currently covers just below key.
	idx := -1
	for i := 0; i < count && n.entryKey(i) < key; i++ {
		idx = i
	}
	if idx < 0 {
		n.leftmost.Store(left)
		return
	}
	n.entries[idx].child.Store(left)
}

func (n *Node) insertAt(count int, key uint64, right Child) {
	idx := 0
	for idx < count && n.entryKey(idx) < key {
		idx++
	}
	if idx < count && n.entryKey(idx) == key {
		// key is already a fence here (a repeated publication): repoint
		// its child instead of adding a second entry for the same key.
		n.entries[idx].child.Store(right)
		return
	}
	for i := count; i > idx; i-- {
		n.entries[i].key.Store(n.entries[i-1].key.Load())
		n.entries[i].child.Store(n.entries[i-1].child.Load())
	}
	n.entries[idx].key.Store(key)
	n.entries[idx].child.Store(right)
	n.count.Store(int32(count + 1))
}

// splitAndInsert splits n by index-median, inserts (key, right) into
// the appropriate half, and returns the new sibling for the caller to
// publish one level up (spec.md §4.4).
func (n *Node) splitAndInsert(key uint64, right Child, leafHint FinFlagSetter, allocSibling func() *Node) StoreResult {
	median := Cardinality / 2
	splitKey := n.entryKey(median)

	sib := allocSibling()
	sib.Init(n.Level, splitKey, n.High(), n.entryChild(median))
	sib.SetSibling(n.Sibling())
	sib.SetPred(n)
	if old := n.Sibling(); old != nil {
		old.SetPred(sib)
	}

	j := 0
	for i := median + 1; i < n.Count(); i++ {
		sib.entries[j].key.Store(n.entryKey(i))
		sib.entries[j].child.Store(n.entryChild(i))
		j++
	}
	sib.count.Store(int32(j))

	n.SetHigh(splitKey)
	n.SetSibling(sib)
	n.count.Store(int32(median))

	if key < splitKey {
		n.insertAt(n.Count(), key, right)
	} else {
		sib.insertAt(sib.Count(), key, right)
	}

	if leafHint != nil {
		leafHint.SetFinFlag()
	}

	return StoreResult{Split: true, SplitKey: splitKey, Right: sib}
}

// FinFlagSetter is the minimal view Store needs of a leaf mid-split:
// just enough to set its FinFlag once published to the parent.
// Satisfied by *leaf.Leaf without importing the leaf package here,
// avoiding an import cycle (leaf does not need to know about inner).
type FinFlagSetter interface {
	SetFinFlag() bool
}
