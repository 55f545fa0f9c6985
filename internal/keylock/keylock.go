// Package keylock provides per-key exclusive execution. The conversation
// store uses one lock per conversation id so writers to the same
// conversation serialize while independent conversations proceed in
// parallel.
package keylock

import "sync"

// KeyedMutex is a map of lazily created mutexes. Locks live for the
// process lifetime; there is no eviction.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *KeyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Do runs fn while holding the exclusive lock for key.
func (k *KeyedMutex) Do(key string, fn func() error) error {
	m := k.get(key)
	m.Lock()
	defer m.Unlock()
	return fn()
}
