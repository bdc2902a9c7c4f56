package lockmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockMapMutualExclusion(t *testing.T) {
	lm := New()
	var counters [4]uint64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				n := uint64(j % len(counters))
				lm.Acquire(n)
				counters[n]++
				lm.Release(n)
			}
		}()
	}
	wg.Wait()
	for i, c := range counters {
		assert.Equal(t, uint64(2000), c, "counter %d", i)
	}
}

func TestLockMapIndependentSectors(t *testing.T) {
	lm := New()
	lm.Acquire(1)
	// a different sector must not block, even one in the same shard
	done := make(chan struct{})
	go func() {
		lm.Acquire(1 + 43)
		lm.Release(1 + 43)
		close(done)
	}()
	<-done
	lm.Release(1)
}
