package structlock

import (
	"sync"
	"testing"
)

func TestLock_LockAndUnlockResetsState(t *testing.T) {
	tests := []struct {
		name string
	}{
		{name: "single writer round trip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lk Lock
			lk.Lock()
			if lk.ticket != 1 {
				t.Errorf("ticket = %d, want 1", lk.ticket)
			}
			lk.Unlock()
			if lk.serving != 1 {
				t.Errorf("serving = %d, want 1", lk.serving)
			}
		})
	}
}

func TestLock_ExclusiveAcrossGoroutines(t *testing.T) {
	var lk Lock
	var counter int
	var wg sync.WaitGroup

	const writers = 20
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lk.Lock()
			defer lk.Unlock()
			local := counter
			counter = local + 1
		}()
	}
	wg.Wait()

	if counter != writers {
		t.Errorf("counter = %d, want %d (lock failed to serialize writers)", counter, writers)
	}
}

func TestLock_ReadersDoNotBlockEachOther(t *testing.T) {
	var lk Lock
	var wg sync.WaitGroup
	const readers = 10
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lk.RLock()
			defer lk.RUnlock()
		}()
	}
	wg.Wait()
}
