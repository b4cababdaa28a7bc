package secure

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

const defaultReplayCapacity = 1 << 16

// ReplayGuard remembers authorization nonces so a captured hello cannot be
// replayed. It is probabilistic: a fresh nonce may be rejected with a false
// positive rate well below one in a million, a used nonce is never accepted
// until the guard rotates after capacity insertions.
type ReplayGuard struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
}

// NewReplayGuard returns a guard sized for capacity nonces. Zero picks a default.
func NewReplayGuard(capacity uint) *ReplayGuard {
	if capacity == 0 {
		capacity = defaultReplayCapacity
	}
	return &ReplayGuard{filter: cuckoo.NewFilter(capacity)}
}

// Check records nonce and returns ErrReplayedNonce if it was seen before.
func (g *ReplayGuard) Check(nonce []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.filter.Lookup(nonce) {
		return ErrReplayedNonce
	}
	if !g.filter.Insert(nonce) {
		g.filter.Reset()
		g.filter.Insert(nonce)
	}
	return nil
}
