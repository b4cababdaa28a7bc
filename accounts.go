package socket

import (
	"sync"

	"github.com/Zereker/g9socket/account"
)

const accountShards = 32

// accountMap holds the live accounts of a server keyed by session id.
// It is split into shards so connects and disconnects on different
// sessions rarely contend.
type accountMap struct {
	shards [accountShards]accountShard
}

type accountShard struct {
	mu sync.RWMutex
	m  map[uint64]account.Account
}

func newAccountMap() *accountMap {
	am := &accountMap{}
	for i := range am.shards {
		am.shards[i].m = make(map[uint64]account.Account)
	}
	return am
}

func (am *accountMap) shard(id uint64) *accountShard {
	return &am.shards[id%accountShards]
}

func (am *accountMap) store(id uint64, acc account.Account) {
	s := am.shard(id)
	s.mu.Lock()
	s.m[id] = acc
	s.mu.Unlock()
}

func (am *accountMap) load(id uint64) (account.Account, bool) {
	s := am.shard(id)
	s.mu.RLock()
	acc, ok := s.m[id]
	s.mu.RUnlock()
	return acc, ok
}

func (am *accountMap) delete(id uint64) {
	s := am.shard(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (am *accountMap) len() int {
	n := 0
	for i := range am.shards {
		s := &am.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// snapshot copies the accounts so callers can act on them without holding
// shard locks.
func (am *accountMap) snapshot() []account.Account {
	out := make([]account.Account, 0, am.len())
	for i := range am.shards {
		s := &am.shards[i]
		s.mu.RLock()
		for _, acc := range s.m {
			out = append(out, acc)
		}
		s.mu.RUnlock()
	}
	return out
}
