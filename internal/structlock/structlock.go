// Package structlock implements the tree's single structural lock: a
// phase-fair ticket reader/writer lock that serializes inner-node
// mutations and root replacement. Readers never take it (they rely on
// seqlock.Counter instead); only the split protocol and FAST/FAIR
// InnerNode.Store acquire it. Lifted nearly verbatim from
// hmarui66/blinktree's BLTRWLock (latchmgr.go) — spec.md §9 explicitly
// allows substituting a plain mutex, but the teacher's ticket
// discipline is already correct and tested, so we keep it rather than
// downgrade working code.
package structlock

import (
	"runtime"
	"sync/atomic"
)

const (
	phID  = 0x1
	pres  = 0x2
	mask  = 0x3
	rInc  = 0x4
)

// Lock is a phase-fair ticket reader/writer lock.
type Lock struct {
	rin     uint32
	rout    uint32
	ticket  uint32
	serving uint32
}

// Lock acquires exclusive (writer) access, serializing structural
// mutations of the tree (inner-node splits, root replacement).
func (l *Lock) Lock() {
	tix := atomic.AddUint32(&l.ticket, 1) - 1

	for tix != atomic.LoadUint32(&l.serving) {
		runtime.Gosched()
	}
	w := pres | (tix & phID)
	r := atomic.AddUint32(&l.rin, w) - w
	for r != atomic.LoadUint32(&l.rout) {
		runtime.Gosched()
	}
}

// Unlock releases exclusive access.
func (l *Lock) Unlock() {
	fetchAndAnd(&l.rin, ^uint32(mask))
	atomic.AddUint32(&l.serving, 1)
}

// RLock acquires shared (reader) access. The tree façade never calls
// this for ordinary search/insert/update/remove traffic — it exists for
// completeness and for collaborators (e.g. the benchmark harness) that
// want a consistent snapshot of root/height without racing a structural
// mutation.
func (l *Lock) RLock() {
	w := (atomic.AddUint32(&l.rin, rInc) - rInc) & mask
	if w > 0 {
		for w == atomic.LoadUint32(&l.rin)&mask {
			runtime.Gosched()
		}
	}
}

// RUnlock releases shared access.
func (l *Lock) RUnlock() {
	atomic.AddUint32(&l.rout, rInc)
}

func fetchAndAnd(addr *uint32, v uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&v) {
			return old
		}
	}
}
