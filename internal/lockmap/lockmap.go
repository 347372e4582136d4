// Package lockmap provides per-key exclusive locks. Entries are created on
// first use and released when no goroutine holds or waits on them.
package lockmap

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Arena hands out one mutex per key.
type Arena struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty Arena.
func New() *Arena {
	return &Arena{locks: make(map[string]*entry)}
}

// Lock blocks until the lock for key is held and returns its release func.
func (a *Arena) Lock(key string) (unlock func()) {
	a.mu.Lock()
	e, ok := a.locks[key]
	if !ok {
		e = &entry{}
		a.locks[key] = e
	}
	e.refs++
	a.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			a.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(a.locks, key)
			}
			a.mu.Unlock()
		})
	}
}

// With runs fn while holding the lock for key.
func (a *Arena) With(key string, fn func()) {
	unlock := a.Lock(key)
	defer unlock()
	fn()
}

// Len returns the number of keys currently locked or awaited.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
