package trader

import (
	"fmt"
	"sync"
)

// KeyLock serializes every venue mutation for a (profile, symbol) pair:
// entry placement, cancellation, protective replacement and closing all
// contend on the same mutex, while distinct symbols proceed in parallel.
// The trader and the reconciler share one instance per profile.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyLock returns an empty lock registry.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for the pair, creating it on first use, and
// returns the matching unlock. The mutex is not reentrant; holders must not
// re-acquire the same key.
func (k *KeyLock) Lock(profileID int64, symbol string) (unlock func()) {
	key := fmt.Sprintf("%d/%s", profileID, symbol)

	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
