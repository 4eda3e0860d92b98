// Command pmbench is a throwaway benchmark harness, not part of the
// core (spec.md §1 lists benchmarking as out-of-core scope). It exists
// to exercise the OS-thread-per-worker, CPU-pinned concurrency model
// spec.md §9 calls for ("do not convert to cooperative tasks; arena
// ownership is per-OS-thread") against a real pmtree.Tree, and to give
// golang.org/x/sys/unix (used only by internal/affinity; the durable
// medium's mmap path uses the standard syscall package) a concrete caller.
package main

import (
	"flag"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pmtree/pmtree"
	"github.com/pmtree/pmtree/internal/affinity"
	"github.com/pmtree/pmtree/internal/leaf"
)

func main() {
	workers := flag.Int("workers", affinity.NumCPU(), "number of pinned worker goroutines")
	keysPerWorker := flag.Uint64("keys", 200_000, "keys inserted per worker")
	pin := flag.Bool("pin", true, "pin each worker to its own CPU via SchedSetaffinity")
	flag.Parse()

	tree := pmtree.New(pmtree.Options{
		LeafCapacity: uint32(*workers) * uint32(*keysPerWorker) / 16,
	})

	var inserted atomic.Uint64
	var wg sync.WaitGroup
	start := time.Now()

	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if *pin {
				if err := affinity.Pin(id % runtime.NumCPU()); err != nil {
					log.Printf("worker %d: affinity pin failed, continuing unpinned: %v", id, err)
				} else {
					defer runtime.UnlockOSThread()
				}
			}

			// Splits this worker's own inserts trigger draw from its own
			// arena pair, not the tree's shared one, so concurrent workers
			// never contend on the same bump cursor for new leaves.
			arenas := tree.NewWorkerArenas(uint32(*keysPerWorker)/8+leaf.Capacity, uint32(*keysPerWorker)/8+leaf.Capacity)

			base := uint64(id)*(*keysPerWorker) + 1
			for k := uint64(0); k < *keysPerWorker; k++ {
				key := base + k
				tree.InsertFrom(arenas, key, key)
				inserted.Add(1)
			}
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := inserted.Load()
	fmt.Printf("inserted %d keys across %d workers in %s (%.0f ops/sec)\n",
		total, *workers, elapsed, float64(total)/elapsed.Seconds())

	var missing uint64
	for w := 0; w < *workers; w++ {
		base := uint64(w)*(*keysPerWorker) + 1
		for k := uint64(0); k < *keysPerWorker; k++ {
			key := base + k
			if v, ok := tree.Search(key); !ok || v != key {
				missing++
			}
		}
	}
	if missing > 0 {
		log.Fatalf("verification failed: %d keys missing or wrong after insert", missing)
	}
	fmt.Println("verification passed: every inserted key reads back correctly")

	tree.Destroy()
}
