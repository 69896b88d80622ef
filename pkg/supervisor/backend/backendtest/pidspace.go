package backendtest

import (
	"fmt"
	"sync"
)

// pidSpace hands out fake pids the way Linux does: increment, wrap, skip
// in-use. Keeping pids unique among live handles mirrors the registry's
// keying invariant.
type pidSpace struct {
	mu     sync.Mutex
	next   int64
	inUse  map[int64]struct{}
	pidMax int64
}

func newPIDSpace() *pidSpace {
	return &pidSpace{
		next:   1000,
		pidMax: 32768,
		inUse:  make(map[int64]struct{}),
	}
}

// alloc returns the next free pid or panics when the space is exhausted.
func (a *pidSpace) alloc() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next
	for {
		p := a.next

		a.next++
		if a.next > a.pidMax {
			a.next = 1000
		}

		if _, used := a.inUse[p]; !used {
			a.inUse[p] = struct{}{}
			return p
		}

		if a.next == start {
			panic(fmt.Sprintf("pidSpace exhausted: 1000..%d fully allocated", a.pidMax))
		}
	}
}

// release returns a pid to the free pool. No-op on unknown pids.
func (a *pidSpace) release(pid int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, pid)
}
