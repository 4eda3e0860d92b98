package pmtree

import (
	"io"
	"log"
	"sync"
	"testing"

	"github.com/pmtree/pmtree/internal/inner"
	"github.com/pmtree/pmtree/internal/leaf"
)

func init() {
	log.SetOutput(io.Discard)
}

func newTestTree(leafCap uint32) *Tree {
	return New(Options{LeafCapacity: leafCap, InnerCapacity: 1 << 12})
}

func TestNew_SingleLeafSpansFullRange(t *testing.T) {
	tr := newTestTree(1 << 10)
	if tr.Height() != 1 {
		t.Fatalf("Height() = %d, want 1 for a fresh tree", tr.Height())
	}
	a := tr.Anchor()
	if a.Low != minKey {
		t.Errorf("anchor Low = %d, want %d", a.Low, minKey)
	}
	if a.High != maxHigh() {
		t.Errorf("anchor High = %d, want max uint64", a.High)
	}
}

func TestInsert_RejectsKeyZero(t *testing.T) {
	tr := newTestTree(1 << 10)
	if ok := tr.Insert(0, 100); ok {
		t.Errorf("Insert(0, ...) = true, want false (key 0 is reserved)")
	}
	if _, ok := tr.Search(0); ok {
		t.Errorf("Search(0) found a value after rejected insert")
	}
}

func TestInsert_ThenSearchRoundTrips(t *testing.T) {
	tests := []struct {
		name string
		key  uint64
		val  Value
	}{
		{name: "small key", key: 1, val: 111},
		{name: "large key", key: 1 << 40, val: 222},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTree(1 << 10)
			if ok := tr.Insert(tt.key, tt.val); !ok {
				t.Fatalf("Insert() = false, want true")
			}
			got, ok := tr.Search(tt.key)
			if !ok {
				t.Fatalf("Search() after Insert() = not found")
			}
			if got != tt.val {
				t.Errorf("Search() = %d, want %d", got, tt.val)
			}
		})
	}
}

func TestInsert_UpsertOverwritesExistingValue(t *testing.T) {
	tr := newTestTree(1 << 10)
	tr.Insert(5, 1)
	tr.Insert(5, 2)
	got, ok := tr.Search(5)
	if !ok || got != 2 {
		t.Errorf("Search() after upsert = (%d, %v), want (2, true)", got, ok)
	}
}

func TestSearch_MissingKeyNotFound(t *testing.T) {
	tr := newTestTree(1 << 10)
	tr.Insert(1, 1)
	if _, ok := tr.Search(999); ok {
		t.Errorf("Search(999) found a value that was never inserted")
	}
}

func TestUpdate_OnlyAffectsExistingKey(t *testing.T) {
	tr := newTestTree(1 << 10)
	tr.Insert(7, 70)

	if ok := tr.Update(7, 700); !ok {
		t.Fatalf("Update() on existing key = false")
	}
	if got, _ := tr.Search(7); got != 700 {
		t.Errorf("Search() after Update() = %d, want 700", got)
	}
	if ok := tr.Update(8, 800); ok {
		t.Errorf("Update() on absent key = true, want false")
	}
}

func TestRemove_TombstonesExistingKeyIdempotently(t *testing.T) {
	tr := newTestTree(1 << 10)
	tr.Insert(9, 90)

	if ok := tr.Remove(9); !ok {
		t.Fatalf("Remove() on existing key = false")
	}
	if _, ok := tr.Search(9); ok {
		t.Errorf("Search() after Remove() still finds the key")
	}
	// Remove is idempotent: a second call on an already-removed key must
	// not panic and reports the (now accurate) absence.
	if ok := tr.Remove(9); ok {
		t.Errorf("second Remove() on an already-removed key = true, want false")
	}
}

// TestInsert_TriggersSplitBeyondLeafCapacity drives enough distinct keys
// through a single-leaf tree to force at least one split, then checks every
// key is still reachable — the split-boundary scenario from spec.md §8.
func TestInsert_TriggersSplitBeyondLeafCapacity(t *testing.T) {
	tr := newTestTree(1 << 10)
	n := leaf.Capacity * 4
	for i := 1; i <= n; i++ {
		if ok := tr.Insert(uint64(i), Value(i)); !ok {
			t.Fatalf("Insert(%d) = false", i)
		}
	}
	if tr.Height() < 2 {
		t.Fatalf("Height() = %d after forcing splits, want >= 2", tr.Height())
	}
	for i := 1; i <= n; i++ {
		got, ok := tr.Search(uint64(i))
		if !ok {
			t.Fatalf("Search(%d) after split-forcing inserts = not found", i)
		}
		if got != Value(i) {
			t.Errorf("Search(%d) = %d, want %d", i, got, i)
		}
	}
}

// TestInsert_ManyLevelsOfSplitPropagation forces enough leaf splits that
// the tree's inner-node level must itself split and grow the root more
// than once, exercising Tree.Publish's multi-level recursion.
func TestInsert_ManyLevelsOfSplitPropagation(t *testing.T) {
	tr := newTestTree(1 << 16)
	n := leaf.Capacity * inner.Cardinality * 3
	for i := 1; i <= n; i++ {
		tr.Insert(uint64(i), Value(i))
	}
	if tr.Height() < 3 {
		t.Fatalf("Height() = %d, want >= 3 after %d inserts", tr.Height(), n)
	}
	missing := 0
	for i := 1; i <= n; i++ {
		if _, ok := tr.Search(uint64(i)); !ok {
			missing++
		}
	}
	if missing != 0 {
		t.Errorf("%d of %d keys missing after multi-level split propagation", missing, n)
	}
}

// TestConcurrentInsertAndSearch mirrors the teacher's
// insertAndFindConcurrently pattern: many goroutines insert disjoint key
// ranges concurrently, then every key must read back correctly.
func TestConcurrentInsertAndSearch(t *testing.T) {
	tr := newTestTree(1 << 14)
	const goroutines = 16
	const perGoroutine = 200

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			base := uint64(id)*perGoroutine + 1
			for k := uint64(0); k < perGoroutine; k++ {
				tr.Insert(base+k, Value(base+k))
			}
		}(g)
	}
	wg.Wait()

	var wg2 sync.WaitGroup
	var mismatches int
	var mu sync.Mutex
	for g := 0; g < goroutines; g++ {
		wg2.Add(1)
		go func(id int) {
			defer wg2.Done()
			base := uint64(id)*perGoroutine + 1
			for k := uint64(0); k < perGoroutine; k++ {
				key := base + k
				got, ok := tr.Search(key)
				if !ok || got != Value(key) {
					mu.Lock()
					mismatches++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg2.Wait()

	if mismatches != 0 {
		t.Errorf("%d keys mismatched after concurrent insert", mismatches)
	}
}

// TestConcurrentUpdateDuringSplit races Update against a split triggered by
// concurrent inserts into the same leaf, matching spec.md §8's
// update-during-split scenario.
func TestConcurrentUpdateDuringSplit(t *testing.T) {
	tr := newTestTree(1 << 12)
	for i := 1; i <= leaf.Capacity-1; i++ {
		tr.Insert(uint64(i), Value(i))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := leaf.Capacity; i <= leaf.Capacity*2; i++ {
			tr.Insert(uint64(i), Value(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			tr.Update(1, Value(9999))
		}
	}()
	wg.Wait()

	got, ok := tr.Search(1)
	if !ok {
		t.Fatalf("Search(1) after concurrent update-during-split = not found")
	}
	if got != 9999 {
		t.Errorf("Search(1) = %d, want 9999 (last update must win)", got)
	}
}

// TestConcurrentRemoveDuringSplit races Remove against a split triggered by
// concurrent inserts, matching spec.md §8's delete-during-split scenario.
func TestConcurrentRemoveDuringSplit(t *testing.T) {
	tr := newTestTree(1 << 12)
	for i := 1; i <= leaf.Capacity-1; i++ {
		tr.Insert(uint64(i), Value(i))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := leaf.Capacity; i <= leaf.Capacity*2; i++ {
			tr.Insert(uint64(i), Value(i))
		}
	}()
	go func() {
		defer wg.Done()
		tr.Remove(1)
	}()
	wg.Wait()

	if _, ok := tr.Search(1); ok {
		t.Errorf("Search(1) still finds a concurrently-removed key after split")
	}
	// Every other original key must have survived the split untouched.
	for i := 2; i <= leaf.Capacity-1; i++ {
		if _, ok := tr.Search(uint64(i)); !ok {
			t.Errorf("Search(%d) lost during concurrent remove-during-split", i)
		}
	}
}

// TestInsertFrom_SplitAllocatesFromWorkerArenas forces a split through
// InsertFrom and checks the new leaves came out of the caller's own
// WorkerArenas rather than the tree's shared arena (spec.md §4.1/§5's
// thread-local, strictly non-shared arena ownership).
func TestInsertFrom_SplitAllocatesFromWorkerArenas(t *testing.T) {
	tr := newTestTree(1 << 10)
	arenas := tr.NewWorkerArenas(1<<10, 1<<10)
	// New already took the initial leaf from the shared arena.
	sharedBefore := tr.leafArena.Len()

	n := leaf.Capacity * 3
	for i := 1; i <= n; i++ {
		if ok := tr.InsertFrom(arenas, uint64(i), Value(i)); !ok {
			t.Fatalf("InsertFrom(%d) = false", i)
		}
	}

	if arenas.Volatile.Len() == 0 {
		t.Errorf("WorkerArenas.Volatile.Len() = 0, want splits to have allocated from it")
	}
	if arenas.Persistent.Len() == 0 {
		t.Errorf("WorkerArenas.Persistent.Len() = 0, want splits to have allocated from it")
	}
	if tr.leafArena.Len() != sharedBefore {
		t.Errorf("tree's shared leafArena.Len() = %d, want %d (split should have used the worker arenas)", tr.leafArena.Len(), sharedBefore)
	}

	for i := 1; i <= n; i++ {
		got, ok := tr.Search(uint64(i))
		if !ok || got != Value(i) {
			t.Errorf("Search(%d) = (%d, %v), want (%d, true)", i, got, ok, i)
		}
	}
}

func TestDestroy_LeavesDataArenaIntact(t *testing.T) {
	tr := newTestTree(1 << 10)
	tr.Insert(1, 1)
	before := tr.dataArena.Len()
	tr.Destroy()
	if tr.dataArena.Len() != before {
		t.Errorf("Destroy() changed persistent arena length: %d -> %d", before, tr.dataArena.Len())
	}
}

