package ledger

import "sync"

type (
	// keyLock serializes work per key. Entries are reference counted and
	// removed once no goroutine holds or waits on them.
	keyLock struct {
		mu    sync.Mutex
		locks map[string]*keyEntry
	}

	keyEntry struct {
		mu   sync.Mutex
		refs int
	}
)

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*keyEntry)}
}

// lock acquires the lock for key and returns the matching unlock function.
func (k *keyLock) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of live entries.
func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
