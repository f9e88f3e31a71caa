package dispatch

import (
	"sync"
	"time"
)

// pendingMatch is the ephemeral per-ride offer record: the candidates still
// allowed to accept and the cancellable deadline timer. It exists only while
// the ride is searching and is never persisted; after a restart the stale
// sweep resolves rides whose pending match was lost.
type pendingMatch struct {
	candidates []string
	deadline   time.Time
	timer      *time.Timer
}

func (p *pendingMatch) remove(driverID string) bool {
	for i, c := range p.candidates {
		if c == driverID {
			p.candidates = append(p.candidates[:i], p.candidates[i+1:]...)
			return true
		}
	}
	return false
}

// keyedMutex serializes conflicting operations per ride ID. Entries are
// refcounted so the map does not grow with ride history.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
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
