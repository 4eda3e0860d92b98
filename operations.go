package pmtree

import (
	"log"

	"github.com/pmtree/pmtree/internal/inner"
	"github.com/pmtree/pmtree/internal/leaf"
	"github.com/pmtree/pmtree/internal/split"
)

// findLeaf descends via the inner-node tree to a candidate leaf, then
// sibling-walks to the leaf whose [low_key, high_key) actually covers
// key — necessary because inner-node splits may lag leaf splits
// (spec.md §4.5).
func (t *Tree) findLeaf(key uint64) *leaf.Leaf {
	var l *leaf.Leaf

	root := t.rootNode()
	if root == nil {
		l = t.Anchor()
	} else {
		n := root
		for {
			child, hopLeft, hopRight := n.LinearSearch(key)
			if hopLeft != nil {
				n = hopLeft
				continue
			}
			if hopRight != nil {
				n = hopRight
				continue
			}
			if next, ok := child.(*inner.Node); ok && next != nil {
				n = next
				continue
			}
			l, _ = child.(*leaf.Leaf)
			break
		}
	}

	for l != nil && (key < l.Low || key >= l.High) {
		if next := l.Next(); next != nil {
			l = next
			continue
		}
		break
	}
	return l
}

// Insert maps key to value. Returns true for every key except 0 (upsert
// semantics, spec.md §6): an existing mapping is overwritten, a new one
// created. Key 0 is reserved and is always rejected with false. Any leaf split this insert
// triggers allocates from the tree's shared arena; callers running on a
// pinned worker thread that wants its own splits to draw from
// thread-local arenas instead (spec.md §4.1/§5) should call InsertFrom.
func (t *Tree) Insert(key uint64, value Value) bool {
	return t.insertVia(t, key, value)
}

// InsertFrom is Insert, except a leaf split this call triggers allocates
// its new leaves from arenas rather than the tree's shared arena. Meant
// for a pinned worker goroutine (cmd/pmbench) holding its own
// WorkerArenas, so each OS thread's splits draw from disjoint slabs
// instead of funneling every allocation through one shared cursor.
func (t *Tree) InsertFrom(arenas *WorkerArenas, key uint64, value Value) bool {
	return t.insertVia(workerHost{Tree: t, arenas: arenas}, key, value)
}

func (t *Tree) insertVia(host split.Host, key uint64, value Value) bool {
	if key == minKey {
		return false
	}

	for {
		l := t.findLeaf(key)

		if l.Sealed() {
			log.Printf("DEBUG: insert helping split already in progress on leaf [%d, %d)\n", l.Low, l.High)
			split.Run(host, l)
			continue
		}

		l.Mtx.Lock()
		if l.Sealed() {
			l.Mtx.Unlock()
			split.Run(host, l)
			continue
		}

		if slot, ok := l.Find(key); ok {
			l.Data.SetRawValue(slot, leaf.NewValue(value), t.medium)
			l.Mtx.Unlock()
			return true
		}

		if l.Number() >= leaf.Capacity {
			l.Seal()
			l.Mtx.Unlock()
			log.Printf("DEBUG: split triggered on leaf [%d, %d)\n", l.Low, l.High)
			split.Run(host, l)
			continue
		}

		slot, ok := l.TryAllocateSlot()
		if !ok {
			l.Mtx.Unlock()
			continue
		}
		l.SetSlot(slot, key, leaf.NewValue(value), t.medium)
		if !l.Publish(slot) {
			// Leaf was sealed between TryAllocateSlot and Publish; the
			// slot we just wrote is abandoned (arenas never reclaim)
			// and we retry from the top, per spec.md §4.5 insert.
			l.Mtx.Unlock()
			split.Run(host, l)
			continue
		}
		l.Mtx.Unlock()
		return true
	}
}

// Update overwrites the value of an existing key. Never allocates
// (spec.md §4.5). Returns false if key is absent.
func (t *Tree) Update(key uint64, value Value) bool {
	l := t.findLeaf(key)
	if l == nil {
		return false
	}

	l.Mtx.Lock()
	slot, ok := l.Find(key)
	if !ok {
		l.Mtx.Unlock()
		if l.Sealed() {
			split.Run(t, l)
			return t.updateInSplitHalves(l, key, value)
		}
		return false
	}
	l.Data.SetRawValue(slot, leaf.NewValue(value), t.medium)
	l.Mtx.Unlock()
	return true
}

// updateInSplitHalves handles the rare case where Update's lookup
// raced a split that had already sealed (and moved) key's slot by the
// time Update took the mutex. After helping the split to completion,
// retry the lookup on the appropriate half.
func (t *Tree) updateInSplitHalves(l *leaf.Leaf, key uint64, value Value) bool {
	l1 := l.Log()
	if l1 == nil {
		return false
	}
	half := l1
	if key >= l1.High {
		half = l1.Next()
	}
	half.Mtx.Lock()
	defer half.Mtx.Unlock()
	slot, ok := half.Find(key)
	if !ok {
		return false
	}
	half.Data.SetRawValue(slot, leaf.NewValue(value), t.medium)
	return true
}

// Remove deletes key. Best effort (spec.md §6): the tombstone write
// completes regardless of whether key was actually present, and the
// return value reports whether it was. No mutex is taken — delete is
// an idempotent key->0 write (spec.md §4.5).
func (t *Tree) Remove(key uint64) bool {
	l := t.findLeaf(key)
	if l == nil {
		return false
	}

	slot, ok := l.Find(key)
	if ok {
		l.Data.SlotClear(slot, t.medium)
	}

	if !l.Sealed() {
		return ok
	}

	// Helper cooperation: a split is in progress on the leaf we landed
	// on. The half we reach may itself have split again under further
	// concurrent inserts, so keep helping and re-descending through
	// however many splits have since happened instead of stopping after
	// one hop — the original does exactly this with
	// `while (leaf->check_split()) { ...; leaf = new_leaf; }`
	// (nbtree_w.h:1663-1680).
	cur := l
	for cur.Sealed() {
		log.Printf("DEBUG: remove helping split in progress on leaf [%d, %d)\n", cur.Low, cur.High)
		split.Run(t, cur)
		l1 := cur.Log()
		if l1 == nil {
			return ok
		}
		half := l1
		if key >= l1.High {
			if next := l1.Next(); next != nil {
				half = next
			}
		}
		cur = half
	}

	if hslot, hok := cur.Find(key); hok {
		cur.Data.SlotClear(hslot, t.medium)
		return true
	}
	return ok
}

// Search returns the current mapping for key, or (0, false) if absent.
// Reconciles against an in-progress split per spec.md §4.5.
func (t *Tree) Search(key uint64) (Value, bool) {
	l := t.findLeaf(key)
	if l == nil {
		return 0, false
	}

	slot, ok := l.Find(key)
	var original Value
	var originalOK bool
	if ok {
		original = l.Data.RawValue(slot).Raw()
		originalOK = true
	}

	if !l.Sealed() {
		return original, originalOK
	}
	if l.Data.Log() == nil {
		// Split has not yet begun in data (spec.md §9): the original
		// page is authoritative even though the leaf is sealed.
		return original, originalOK
	}

	l1 := l.Log()
	if l1 == nil {
		return original, originalOK
	}
	half := l1
	if key >= l1.High {
		half = l1.Next()
	}
	if half == nil {
		return original, originalOK
	}

	newSlot, newOK := half.Find(key)
	if !newOK {
		// Not found in the new half at all: treated as absent
		// unconditionally, discarding whatever the stale old leaf showed
		// (nbtree_w.h:1513-1516's `if (pos == -1) return NULL;`).
		return 0, false
	}
	newVal := half.Data.RawValue(newSlot)

	if newVal.IsSynced() {
		return newVal.Raw(), true
	}
	switch {
	case !originalOK:
		// Stale copy lingering in the new half after a concurrent
		// delete raced Phase 1 — erase it (spec.md §4.5 search).
		half.Data.SlotClear(newSlot, t.medium)
		return 0, false
	case newVal.Raw() != original:
		half.Data.SlotPut(newSlot, key, leaf.NewValue(original).MarkSynced(), t.medium)
		return original, true
	default:
		return original, true
	}
}
