// Package pmtree implements a concurrent, persistence-aware ordered
// index mapping uint64 keys to opaque 64-bit value handles: a B-link
// tree whose leaves live on a byte-addressable persistent medium and
// whose inner nodes live in volatile memory, built around the
// copy/sync/relink/publish leaf split protocol in internal/split.
//
// Grounded on hmarui66/blinktree's top-level BLTree (bltree.go): a
// root pointer plus height, a tree-wide structural lock, and
// find-then-operate dispatch. This package keeps that shape and swaps
// the teacher's variable-length byte-slot pages for the fixed-capacity
// fingerprinted leaves in internal/leaf and internal/inner.
package pmtree

import (
	"log"
	"sync/atomic"

	"github.com/pmtree/pmtree/internal/arena"
	"github.com/pmtree/pmtree/internal/durable"
	"github.com/pmtree/pmtree/internal/inner"
	"github.com/pmtree/pmtree/internal/leaf"
	"github.com/pmtree/pmtree/internal/structlock"
)

// Value is the opaque handle type callers deal in. Top two bits are
// reserved internally by the split protocol and never visible here —
// see internal/leaf.Value for the tagged storage representation.
type Value = uint64

// minKey and maxHigh() bound the tree's universe: [0, 2^64-1). Key 0 is the
// reserved empty-slot sentinel (spec.md §9) and is rejected by Insert.
const minKey uint64 = 0

// Options configures arena sizing. There is no config file or
// environment-variable surface (spec.md §6): a Tree is a library, not a
// service, and its only external interface is the Options struct passed
// to New.
type Options struct {
	// LeafCapacity bounds how many leaves (and paired data pages) the
	// volatile/persistent arenas can hand out over the tree's lifetime.
	// Sized for peak expected occupancy — exhaustion is fail-stop
	// (spec.md §7).
	LeafCapacity uint32
	// InnerCapacity bounds how many inner nodes the shared inner-node
	// heap can hand out.
	InnerCapacity uint32
	// Medium is the durable-write collaborator leaf writes flow through.
	// Defaults to durable.Noop (the eADR fast path) if nil.
	Medium durable.Medium
}

func (o Options) withDefaults() Options {
	if o.LeafCapacity == 0 {
		o.LeafCapacity = 1 << 20
	}
	if o.InnerCapacity == 0 {
		o.InnerCapacity = 1 << 16
	}
	if o.Medium == nil {
		o.Medium = durable.Noop{}
	}
	return o
}

// Tree is the façade described in spec.md §4.5: a root pointer, a
// height counter, the tree-wide structural lock, and the arenas that
// back every leaf/inner-node/data-page allocation.
type Tree struct {
	medium durable.Medium

	structLk structlock.Lock

	height atomic.Int32               // 1 == single leaf, no inner node yet; N>1 == root is an inner node at level N-1
	root   atomic.Pointer[inner.Node] // nil while height == 1

	// anchor/dataAnchor track the leftmost leaf/data-page so Phase 3 of
	// a split on the leftmost leaf has something to CAS (spec.md §4.6
	// Phase 3: "If there is no predecessor ... CAS data_anchor and
	// anchor").
	anchor     atomic.Pointer[leaf.Leaf]
	dataAnchor atomic.Pointer[leaf.DataPage]

	leafArena  *arena.Slab[leaf.Leaf]
	dataArena  *arena.Slab[leaf.DataPage]
	innerArena *arena.Slab[inner.Node]
}

// New allocates the initial single-leaf tree spanning [0, 2^64-1),
// matching spec.md §6's `new()` contract.
func New(opts Options) *Tree {
	opts = opts.withDefaults()

	t := &Tree{
		medium:     opts.Medium,
		leafArena:  arena.NewSlab[leaf.Leaf]("leaf-meta", opts.LeafCapacity),
		dataArena:  arena.NewSlab[leaf.DataPage]("leaf-data", opts.LeafCapacity),
		innerArena: arena.NewSlab[inner.Node]("inner-node", opts.InnerCapacity),
	}
	t.height.Store(1)

	_, data := t.dataArena.Alloc()
	_, l := t.leafArena.Alloc()
	l.Init(minKey, maxHigh(), data)

	t.anchor.Store(l)
	t.dataAnchor.Store(data)
	return t
}

// maxHigh returns 2^64-1, the largest uint64, as the tree's universal
// upper bound.
func maxHigh() uint64 {
	var x uint64
	x--
	return x
}

// Destroy releases volatile resources. The persistent arena (leaf data
// pages) is left untouched: per spec.md §6, "persistent arena
// persists" — Destroy only concerns the in-process, volatile side.
func (t *Tree) Destroy() {
	t.leafArena = nil
	t.innerArena = nil
	log.Printf("pmtree: destroyed (data arena left intact: %d pages)", t.dataArena.Len())
}

// --- split.Host implementation ---------------------------------------------

func (t *Tree) StructLock() *structlock.Lock { return &t.structLk }
func (t *Tree) Medium() durable.Medium       { return t.medium }
func (t *Tree) Height() int                  { return int(t.height.Load()) }

func (t *Tree) Anchor() *leaf.Leaf { return t.anchor.Load() }

func (t *Tree) CASAnchor(old, new *leaf.Leaf) bool {
	return t.anchor.CompareAndSwap(old, new)
}

func (t *Tree) DataAnchor() *leaf.DataPage { return t.dataAnchor.Load() }

func (t *Tree) CASDataAnchor(old, new *leaf.DataPage) bool {
	return t.dataAnchor.CompareAndSwap(old, new)
}

// AllocLeaf hands back a fresh Leaf+DataPage pair spanning [low, high)
// from the tree's shared arenas (spec.md §4.1: arenas are bounded by
// workload size, fail-stop on exhaustion).
func (t *Tree) AllocLeaf(low, high uint64) *leaf.Leaf {
	_, data := t.dataArena.Alloc()
	_, l := t.leafArena.Alloc()
	l.Init(low, high, data)
	return l
}

// WorkerArenas is the disjoint persistent/volatile slab pair spec.md
// §4.1/§5 assigns one per OS thread: "worker threads receive disjoint
// slabs ... arena slabs are thread-local and strictly non-shared."
// NewWorkerArenas hands one out; InsertFrom routes a pinned worker's
// own leaf splits through it instead of the tree's shared arenas.
type WorkerArenas = arena.ThreadArenas[leaf.DataPage, leaf.Leaf]

// NewWorkerArenas carves out a fresh disjoint arena pair sized for
// dataCap/metaCap leaf allocations over one worker thread's lifetime.
// Intended to be called once per pinned worker goroutine (cmd/pmbench)
// and reused for every InsertFrom call that goroutine makes.
func (t *Tree) NewWorkerArenas(dataCap, metaCap uint32) *WorkerArenas {
	return arena.NewThreadArenas[leaf.DataPage, leaf.Leaf](dataCap, metaCap)
}

// workerHost is split.Host bound to one worker's thread-local arenas:
// everything but AllocLeaf delegates to the embedded *Tree (structural
// lock, publish, predecessor search, anchors are necessarily shared
// tree-wide state), but new leaves the split allocates come from the
// worker's own slabs instead of the tree's shared ones.
type workerHost struct {
	*Tree
	arenas *WorkerArenas
}

func (h workerHost) AllocLeaf(low, high uint64) *leaf.Leaf {
	_, data := h.arenas.Persistent.Alloc()
	_, l := h.arenas.Volatile.Alloc()
	l.Init(low, high, data)
	return l
}

// Publish installs (left, splitKey, right) — spanning [low, high) as a
// whole — into the tree at the given level, the generalized form of
// spec.md §4.4's "either replaces the root ... or recursively
// propagates (left_half, split_key, right_half) one level up." level is
// the level of the NODE BEING PUBLISHED INTO (1 for a leaf split's
// immediate parent, L+1 when an inner node at level L itself overflows
// and must propagate further up). leafHint is non-nil only for the
// original leaf-split call; recursive inner-node propagation passes
// nil, since fin_flag is specifically "the leaf's own parent-level
// store happened," set at most once.
func (t *Tree) Publish(level uint8, low, splitKey, high uint64, left, right inner.Child, leafHint inner.FinFlagSetter) {
	if int(t.height.Load()) <= int(level) {
		t.growRootAt(level, low, splitKey, high, left, right)
		if leafHint != nil {
			leafHint.SetFinFlag()
		}
		return
	}

	parent := t.findNodeAtLevel(level, splitKey)
	if parent == nil {
		// Root has not grown this far yet (raced a concurrent helper);
		// fall back to root growth, which re-checks height itself.
		t.growRootAt(level, low, splitKey, high, left, right)
		if leafHint != nil {
			leafHint.SetFinFlag()
		}
		return
	}

	result := parent.Store(&t.structLk, left, splitKey, right, leafHint, func() *inner.Node {
		_, n := t.innerArena.Alloc()
		return n
	})
	if result.Split {
		t.Publish(level+1, parent.Low(), result.SplitKey, result.Right.High(), parent, result.Right, nil)
	}
}

// growRootAt installs a brand-new root at level spanning [low, high),
// re-checking height under the structural lock so a losing concurrent
// helper's call is a no-op.
func (t *Tree) growRootAt(level uint8, low, splitKey, high uint64, left, right inner.Child) {
	t.structLk.Lock()
	defer t.structLk.Unlock()

	if int(t.height.Load()) > int(level) {
		return
	}
	if r := t.rootNode(); r != nil && r.Level == level && r.Low() == low {
		return
	}

	n := t.newInnerNode(level, low, high, left)
	n.SetSibling(nil)
	n.SetPred(nil)
	storeFirstEntry(n, splitKey, right)

	t.root.Store(n)
	t.height.Store(int32(level) + 1)
}

func (t *Tree) newInnerNode(level uint8, low, high uint64, leftmost inner.Child) *inner.Node {
	_, n := t.innerArena.Alloc()
	n.Init(level, low, high, leftmost)
	return n
}

// storeFirstEntry seeds a freshly allocated single-entry inner node.
// Only used for root growth, where the node holds at most one entry
// and can never trigger splitAndInsert's allocSibling callback, so a
// panicking stub is safe here.
func storeFirstEntry(n *inner.Node, key uint64, right inner.Child) {
	n.Store(&structlock.Lock{}, nil, key, right, nil, func() *inner.Node {
		panic("pmtree: freshly allocated root node cannot overflow")
	})
}

func (t *Tree) rootNode() *inner.Node { return t.root.Load() }

// findNodeAtLevel descends from root to the node at the given level
// whose range covers key. There is no parent-pointer cache on Leaf or
// Node (spec.md §9 chooses re-descent over maintaining parent
// pointers, mirroring the teacher's insertKey re-descent).
func (t *Tree) findNodeAtLevel(level uint8, key uint64) *inner.Node {
	n := t.rootNode()
	if n == nil {
		return nil
	}
	for n.Level > level {
		child, _, hopRight := n.LinearSearch(key)
		if hopRight != nil {
			n = hopRight
			continue
		}
		next, ok := child.(*inner.Node)
		if !ok || next == nil {
			break
		}
		n = next
	}
	return n
}

// FindPredecessor returns the leaf immediately preceding l in key
// order, found via the level-1 parent's SearchPred (spec.md §4.6 Phase
// 3: "use its linear_search_pred; otherwise re-descend from root").
func (t *Tree) FindPredecessor(l *leaf.Leaf) *leaf.Leaf {
	if l.Low == minKey {
		return nil
	}
	parent := t.findNodeAtLevel(1, l.Low)
	if parent == nil {
		return nil
	}
	// When l is its parent's leftmost child, the preceding leaf hangs off
	// the parent's left sibling.
	if l.Low <= parent.Low() {
		if p := parent.Pred(); p != nil {
			parent = p
		}
	}
	pred, ok := parent.SearchPred(l.Low)
	if !ok {
		return nil
	}
	predLeaf, _ := pred.(*leaf.Leaf)
	return predLeaf
}
