package media

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorPairs(t *testing.T) {
	a := NewPortAllocator(20000, 20010)

	rtp, rtcp, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 20000, rtp)
	assert.Equal(t, 20001, rtcp)

	rtp2, rtcp2, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 20002, rtp2)
	assert.Equal(t, rtp2+1, rtcp2)
	assert.Equal(t, 4, a.InUse())
}

func TestPortAllocatorExhaustion(t *testing.T) {
	a := NewPortAllocator(20000, 20003)

	_, _, err := a.Allocate()
	require.NoError(t, err)
	_, _, err = a.Allocate()
	require.NoError(t, err)

	_, _, err = a.Allocate()
	assert.ErrorIs(t, err, ErrPortsExhausted)
}

func TestPortAllocatorWrapsToFreedPairs(t *testing.T) {
	a := NewPortAllocator(20000, 20003)

	rtp1, rtcp1, err := a.Allocate()
	require.NoError(t, err)
	_, _, err = a.Allocate()
	require.NoError(t, err)

	a.Free(rtp1, rtcp1)

	// Base has moved past the range end; the freed pair is found on the wrap.
	rtp3, rtcp3, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, rtp1, rtp3)
	assert.Equal(t, rtcp1, rtcp3)
}

func TestPortAllocatorFreeIdempotent(t *testing.T) {
	a := NewPortAllocator(20000, 20010)

	rtp, rtcp, err := a.Allocate()
	require.NoError(t, err)

	a.Free(rtp, rtcp)
	a.Free(rtp, rtcp)
	assert.Equal(t, 0, a.InUse())
}

func TestPortAllocatorConcurrentNoOverlap(t *testing.T) {
	a := NewPortAllocator(20000, 20200)

	const workers = 50
	var mu sync.Mutex
	seen := make(map[int]bool)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rtp, rtcp, err := a.Allocate()
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[rtp] || seen[rtcp] {
				t.Errorf("overlapping allocation: %d/%d", rtp, rtcp)
			}
			seen[rtp] = true
			seen[rtcp] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*2, a.InUse())
}
