// lockmap provides a lock per sector number without materializing one
// lock per sector: a fixed set of shards each tracks the held/waiting
// state of the sectors that hash to it.
//
// The inode layer acquires the lock for an inode's own sector around
// block-map resolution, growth, and freeing, so two writers extending
// the same file cannot double-allocate a logical offset.
package lockmap

import (
	"sync"

	"github.com/kamrin/sectorfs/common"
)

const nshard common.Snum = 43

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type shard struct {
	mu    sync.Mutex
	state map[common.Snum]*lockState
}

func (s *shard) acquire(n common.Snum) {
	s.mu.Lock()
	for {
		st, ok := s.state[n]
		if !ok {
			st = &lockState{cond: sync.NewCond(&s.mu)}
			s.state[n] = st
		}
		if !st.held {
			st.held = true
			break
		}
		// release never deletes an entry with waiters, so st stays
		// the live entry across the wait
		st.waiters++
		st.cond.Wait()
		st.waiters--
	}
	s.mu.Unlock()
}

func (s *shard) release(n common.Snum) {
	s.mu.Lock()
	st := s.state[n]
	st.held = false
	if st.waiters > 0 {
		st.cond.Signal()
	} else {
		delete(s.state, n)
	}
	s.mu.Unlock()
}

// LockMap acts like a map from every sector number to a mutex.
type LockMap struct {
	shards []*shard
}

func New() *LockMap {
	shards := make([]*shard, nshard)
	for i := range shards {
		shards[i] = &shard{state: make(map[common.Snum]*lockState)}
	}
	return &LockMap{shards: shards}
}

func (lm *LockMap) Acquire(n common.Snum) {
	lm.shards[n%nshard].acquire(n)
}

func (lm *LockMap) Release(n common.Snum) {
	lm.shards[n%nshard].release(n)
}
