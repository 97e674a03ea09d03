package workflow

import "sync"

// keyedMutex serializes work per instance id. Entries are dropped once no
// goroutine holds or waits on them.
type keyedMutex struct {
	mutex sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*refMutex{}}
}

// Lock blocks until the id is free and returns the matching unlock.
func (k *keyedMutex) Lock(id string) func() {
	k.mutex.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mutex.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mutex.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mutex.Unlock()
	}
}
