package ledger

import "sync"

// ChallengeLocks serializes all mutating work on one challenge: the risk
// evaluator and user-initiated trades take the same lock, so a tick never
// interleaves with an open or close. Entries are never evicted; the live
// challenge count is small and bounded.
type ChallengeLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewChallengeLocks builds an empty lock table.
func NewChallengeLocks() *ChallengeLocks {
	return &ChallengeLocks{locks: make(map[int64]*sync.Mutex)}
}

// Lock acquires the mutex for a challenge, creating it on first use.
func (cl *ChallengeLocks) Lock(challengeID int64) {
	cl.get(challengeID).Lock()
}

// Unlock releases the mutex for a challenge.
func (cl *ChallengeLocks) Unlock(challengeID int64) {
	cl.get(challengeID).Unlock()
}

func (cl *ChallengeLocks) get(challengeID int64) *sync.Mutex {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	m, ok := cl.locks[challengeID]
	if !ok {
		m = &sync.Mutex{}
		cl.locks[challengeID] = m
	}
	return m
}
