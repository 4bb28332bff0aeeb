package media

import (
	"errors"
	"sync"
)

var ErrPortsExhausted = errors.New("rtp port range exhausted")

// PortAllocator hands out (rtp, rtcp) UDP port pairs with rtcp = rtp+1.
// Allocation scans upward from a monotonic base so freshly freed ports are not
// reused immediately.
type PortAllocator struct {
	mu       sync.Mutex
	used     map[int]bool
	nextBase int
	min      int
	max      int
}

func NewPortAllocator(base, max int) *PortAllocator {
	return &PortAllocator{
		used:     make(map[int]bool),
		nextBase: base,
		min:      base,
		max:      max,
	}
}

// Allocate returns the next free (rtp, rtcp) pair.
func (a *PortAllocator) Allocate() (rtp, rtcp int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.nextBase; port+1 <= a.max; port += 2 {
		if a.used[port] || a.used[port+1] {
			continue
		}
		a.used[port] = true
		a.used[port+1] = true
		a.nextBase = port + 2
		return port, port + 1, nil
	}
	// Wrap once: freed pairs below the base become eligible again.
	for port := a.min; port+1 <= a.max; port += 2 {
		if a.used[port] || a.used[port+1] {
			continue
		}
		a.used[port] = true
		a.used[port+1] = true
		a.nextBase = port + 2
		return port, port + 1, nil
	}
	return 0, 0, ErrPortsExhausted
}

// Free returns a pair to the pool. Freeing an unallocated pair is a no-op.
func (a *PortAllocator) Free(rtp, rtcp int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, rtp)
	delete(a.used, rtcp)
}

// InUse reports how many individual ports are currently allocated.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
